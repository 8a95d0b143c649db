package pagedsched

import "fmt"

// Config configures a Scheduler. Construct with NewConfig; invalid
// combinations panic at construction time, since they are a programming
// error in the caller, not a runtime condition.
type Config struct {
	DynamicSplitFuse    bool
	MaxNumBatchedTokens int
	MaxNumSeqs          int
	BlockSize           int
	NumKVBlocks         int
	EnablePrefixCaching bool
	EOSTokenID          int
}

// ConfigOption is a functional option for Config.
type ConfigOption func(*Config)

// NewConfig builds a Config with sane defaults for a single-GPU dev
// setup, applies opts, then validates.
func NewConfig(opts ...ConfigOption) *Config {
	c := &Config{
		DynamicSplitFuse:    false,
		MaxNumBatchedTokens: 2048,
		MaxNumSeqs:          256,
		BlockSize:           16,
		NumKVBlocks:         1024,
		EnablePrefixCaching: true,
		EOSTokenID:          -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.validate(); err != nil {
		panic(err)
	}
	return c
}

func (c *Config) validate() error {
	if c.MaxNumSeqs > c.MaxNumBatchedTokens {
		return fmt.Errorf("pagedsched: max_num_seqs (%d) must not exceed max_num_batched_tokens (%d)", c.MaxNumSeqs, c.MaxNumBatchedTokens)
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("pagedsched: block_size must be positive, got %d", c.BlockSize)
	}
	if c.NumKVBlocks <= 0 {
		return fmt.Errorf("pagedsched: num_kv_blocks must be positive, got %d", c.NumKVBlocks)
	}
	if c.MaxNumBatchedTokens <= 0 {
		return fmt.Errorf("pagedsched: max_num_batched_tokens must be positive, got %d", c.MaxNumBatchedTokens)
	}
	return nil
}

// WithDynamicSplitFuse selects the DSF regime (prompt chunks fused into
// the same megabatch as generation) instead of vLLM's two-phase regime.
func WithDynamicSplitFuse(b bool) ConfigOption {
	return func(c *Config) { c.DynamicSplitFuse = b }
}

// WithMaxNumBatchedTokens sets the per-step megabatch token ceiling.
func WithMaxNumBatchedTokens(n int) ConfigOption {
	return func(c *Config) { c.MaxNumBatchedTokens = n }
}

// WithMaxNumSeqs sets the max number of running groups a vLLM prompt
// step admits up to: groups already in the decode phase count toward it
// alongside the prompts admitted in that step.
func WithMaxNumSeqs(n int) ConfigOption {
	return func(c *Config) { c.MaxNumSeqs = n }
}

// WithBlockSize sets the number of tokens per KV block.
func WithBlockSize(n int) ConfigOption {
	return func(c *Config) { c.BlockSize = n }
}

// WithNumKVBlocks sets the total number of paged KV blocks in the pool.
func WithNumKVBlocks(n int) ConfigOption {
	return func(c *Config) { c.NumKVBlocks = n }
}

// WithEnablePrefixCaching toggles prefix-cache block reuse.
func WithEnablePrefixCaching(b bool) ConfigOption {
	return func(c *Config) { c.EnablePrefixCaching = b }
}

// WithEOSTokenID sets the token id that ends generation for a sibling
// unless its SamplingParams.IgnoreEOS is set. -1 (the default) never matches.
func WithEOSTokenID(id int) ConfigOption {
	return func(c *Config) { c.EOSTokenID = id }
}
