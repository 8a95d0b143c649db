package pagedsched

import "fmt"

// SamplingParams controls how a SequenceGroup's generation is stopped.
// A small functional-options value object, validated once at
// construction.
type SamplingParams struct {
	Temperature float64
	MinTokens   int
	MaxTokens   int
	IgnoreEOS   bool
}

// SamplingParamsOption is a functional option for SamplingParams.
type SamplingParamsOption func(*SamplingParams)

// NewSamplingParams builds a SamplingParams with sane defaults
// (temperature 1.0, no floor on new tokens, 64 max new tokens, EOS
// respected), applies opts, then validates.
func NewSamplingParams(opts ...SamplingParamsOption) *SamplingParams {
	p := &SamplingParams{
		Temperature: 1.0,
		MaxTokens:   64,
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.validate(); err != nil {
		panic(err)
	}
	return p
}

// validate runs each field rule independently and reports the first
// violation, rather than a single straight-line chain, so adding a new
// rule never has to be threaded into existing early returns.
func (p *SamplingParams) validate() error {
	rules := []struct {
		violated bool
		reason   string
	}{
		{p.Temperature < 0, fmt.Sprintf("temperature must be non-negative, got %f", p.Temperature)},
		{p.MaxTokens <= 0, fmt.Sprintf("max_tokens must be positive, got %d", p.MaxTokens)},
		{p.MinTokens < 0, fmt.Sprintf("min_tokens must be non-negative, got %d", p.MinTokens)},
		{p.MinTokens > p.MaxTokens, fmt.Sprintf("min_tokens (%d) cannot exceed max_tokens (%d)", p.MinTokens, p.MaxTokens)},
	}
	for _, rule := range rules {
		if rule.violated {
			return fmt.Errorf("pagedsched: %s", rule.reason)
		}
	}
	return nil
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) SamplingParamsOption {
	return func(p *SamplingParams) { p.Temperature = t }
}

// WithMinTokens sets a floor on generated tokens: EOS is not honored
// until at least this many tokens have been produced.
func WithMinTokens(n int) SamplingParamsOption {
	return func(p *SamplingParams) { p.MinTokens = n }
}

// WithMaxTokens caps the number of tokens generated past the prompt.
func WithMaxTokens(n int) SamplingParamsOption {
	return func(p *SamplingParams) { p.MaxTokens = n }
}

// WithIgnoreEOS keeps generating past an EOS token until MaxTokens is reached.
func WithIgnoreEOS(b bool) SamplingParamsOption {
	return func(p *SamplingParams) { p.IgnoreEOS = b }
}
