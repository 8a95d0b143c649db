// Command schedsim runs a paged-KV scheduler against a YAML-described
// scenario, stepping it until every group finishes or a step budget is
// exhausted, and prints a per-step progress bar plus a final summary.
package main

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pagedsched-go/pagedsched"
)

var (
	scenarioPath string
	logLevel     string
	maxSteps     int
)

type scenarioGroup struct {
	PromptLen int `yaml:"prompt_len"`
	MaxTokens int `yaml:"max_tokens"`
}

type scenario struct {
	DynamicSplitFuse    bool            `yaml:"dynamic_split_fuse"`
	MaxNumBatchedTokens int             `yaml:"max_num_batched_tokens"`
	MaxNumSeqs          int             `yaml:"max_num_seqs"`
	BlockSize           int             `yaml:"block_size"`
	NumKVBlocks         int             `yaml:"num_kv_blocks"`
	EnablePrefixCaching bool            `yaml:"enable_prefix_caching"`
	EOSTokenID          int             `yaml:"eos_token_id"`
	Steps               int             `yaml:"steps"`
	Groups              []scenarioGroup `yaml:"groups"`
}

func loadScenario(path string) (*scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario file: %w", err)
	}
	s := &scenario{
		MaxNumBatchedTokens: 2048,
		MaxNumSeqs:          256,
		BlockSize:           16,
		NumKVBlocks:         1024,
		EnablePrefixCaching: true,
		EOSTokenID:          -1,
		Steps:               100,
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing scenario file: %w", err)
	}
	return s, nil
}

// randomRunner samples a token id uniformly at random for every
// scheduled group whose context is fully materialized this step, so
// scenarios run to completion without a real forward pass.
type randomRunner struct {
	vocab int
	rng   *rand.Rand
}

func (r *randomRunner) Run(scheduled []*pagedsched.SequenceGroup, out *pagedsched.SchedulerOutput) (map[string]int, error) {
	sampled := make(map[string]int)
	for _, g := range scheduled {
		if g.ProcessedTokens()+g.ScheduledTokens() >= g.PromptLen() {
			sampled[g.RequestID] = r.rng.Intn(r.vocab)
		}
	}
	return sampled, nil
}

func (r *randomRunner) Close() error { return nil }

var rootCmd = &cobra.Command{
	Use:   "schedsim",
	Short: "Drive the paged-KV request scheduler against a scenario file",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a scheduling scenario to completion or exhaustion",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		if scenarioPath == "" {
			logrus.Fatalf("--scenario is required")
		}
		s, err := loadScenario(scenarioPath)
		if err != nil {
			logrus.Fatalf("loading scenario: %v", err)
		}
		if maxSteps > 0 {
			s.Steps = maxSteps
		}

		config := pagedsched.NewConfig(
			pagedsched.WithDynamicSplitFuse(s.DynamicSplitFuse),
			pagedsched.WithMaxNumBatchedTokens(s.MaxNumBatchedTokens),
			pagedsched.WithMaxNumSeqs(s.MaxNumSeqs),
			pagedsched.WithBlockSize(s.BlockSize),
			pagedsched.WithNumKVBlocks(s.NumKVBlocks),
			pagedsched.WithEnablePrefixCaching(s.EnablePrefixCaching),
			pagedsched.WithEOSTokenID(s.EOSTokenID),
		)
		registry := prometheus.NewRegistry()
		metrics := pagedsched.NewMetrics(registry)
		scheduler := pagedsched.NewScheduler(config, pagedsched.WithMetrics(metrics))
		runner := &randomRunner{vocab: 32000, rng: rand.New(rand.NewSource(1))}
		engine := pagedsched.NewEngine(scheduler, runner)

		for _, g := range s.Groups {
			var opts []pagedsched.SamplingParamsOption
			if g.MaxTokens > 0 {
				opts = append(opts, pagedsched.WithMaxTokens(g.MaxTokens))
			}
			promptIDs := make([]int, g.PromptLen)
			for i := range promptIDs {
				promptIDs[i] = i % 1000
			}
			engine.AddRequest(promptIDs, opts...)
		}

		logrus.WithFields(logrus.Fields{
			"groups": len(s.Groups),
			"dsf":    s.DynamicSplitFuse,
		}).Info("starting scenario")

		bar := progressbar.NewOptions(s.Steps,
			progressbar.OptionSetDescription("scheduling"),
			progressbar.OptionShowCount(),
		)

		var totalTokens int
		step := 0
		for step < s.Steps && !engine.IsFinished() {
			result, err := engine.Step()
			if err != nil {
				logrus.Fatalf("step %d failed: %v", step, err)
			}
			totalTokens += result.NumTokens
			if len(result.Finished) > 0 {
				logrus.WithField("count", len(result.Finished)).Debug("groups finished")
			}
			bar.Add(1)
			step++
		}
		bar.Finish()

		fmt.Printf("\nran %d steps, %d tokens scheduled, finished=%v\n", step, totalTokens, engine.IsFinished())
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	runCmd.Flags().StringVar(&scenarioPath, "scenario", "", "path to a YAML scenario file")
	runCmd.Flags().StringVar(&logLevel, "log", "info", "log level (trace, debug, info, warn, error, fatal, panic)")
	runCmd.Flags().IntVar(&maxSteps, "steps", 0, "override the scenario's step budget (0 = use scenario)")
	rootCmd.AddCommand(runCmd)
}

func main() {
	Execute()
}
