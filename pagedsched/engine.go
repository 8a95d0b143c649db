package pagedsched

import (
	"fmt"

	"github.com/gammazero/deque"
	"github.com/sirupsen/logrus"
)

// ModelRunner executes the forward pass for one scheduled step. It is
// an interface-only boundary — pagedsched ships no concrete
// implementation, since actually running a model is out of scope.
// Run receives the groups Schedule selected this step and the step's
// SchedulerOutput, and returns a sampled token id for every group that
// finished materializing its full context this step (i.e. is ready to
// produce its next token). Groups mid chunked-prefill are omitted.
type ModelRunner interface {
	Run(scheduled []*SequenceGroup, out *SchedulerOutput) (map[string]int, error)
	Close() error
}

// StepResult summarizes one Engine.Step call.
type StepResult struct {
	Output    *SchedulerOutput
	Finished  []*SequenceGroup
	NumTokens int
}

// Engine wires a Scheduler to a ModelRunner, draining newly-admitted
// groups into the scheduler's priority-ordered active list each step.
// It owns the active list; callers only ever add requests and step.
type Engine struct {
	config    *Config
	scheduler *Scheduler
	runner    ModelRunner

	ingress deque.Deque[*SequenceGroup]
	active  []*SequenceGroup

	log *logrus.Entry
}

// NewEngine builds an Engine around scheduler and runner.
func NewEngine(scheduler *Scheduler, runner ModelRunner) *Engine {
	return &Engine{
		config:    scheduler.Config(),
		scheduler: scheduler,
		runner:    runner,
		log:       logrus.WithField("component", "pagedsched.Engine"),
	}
}

// AddRequest admits a new request, seeding one waiting sibling from
// promptIDs. It restores any prefix-cached blocks immediately so the
// first Schedule call already sees a shortened NumAvailableTokensForBatching.
func (e *Engine) AddRequest(promptIDs []int, opts ...SamplingParamsOption) *SequenceGroup {
	group := NewSequenceGroup(promptIDs, opts...)
	e.scheduler.RestoreCachedBlocks(group)
	e.ingress.PushBack(group)
	return group
}

// IsFinished is true once every admitted group, active or still queued,
// has finished.
func (e *Engine) IsFinished() bool {
	if e.ingress.Len() > 0 {
		return false
	}
	for _, g := range e.active {
		if !g.IsFinished() {
			return false
		}
	}
	return true
}

// Step drains the ingress queue onto the tail of the active list, runs
// one scheduling decision, invokes the model runner on whatever was
// scheduled, and applies the results: advancing processed tokens,
// appending sampled tokens, and retiring finished groups.
func (e *Engine) Step() (*StepResult, error) {
	for e.ingress.Len() > 0 {
		e.active = append(e.active, e.ingress.PopFront())
	}

	out := e.scheduler.Schedule(e.active)

	scheduled := make([]*SequenceGroup, 0, len(out.ScheduledSequenceGroupIDs))
	byID := make(map[string]*SequenceGroup, len(e.active))
	for _, g := range e.active {
		byID[g.RequestID] = g
	}
	for _, id := range out.ScheduledSequenceGroupIDs {
		scheduled = append(scheduled, byID[id])
	}

	sampled, err := e.runner.Run(scheduled, out)
	if err != nil {
		return nil, fmt.Errorf("pagedsched: model runner step failed: %w", err)
	}

	numTokens := 0
	for _, group := range scheduled {
		group.AdvanceProcessedTokens(group.ScheduledTokens())
		numTokens += group.ScheduledTokens() * group.NumRunningSiblings()

		tokenID, ready := sampled[group.RequestID]
		if !ready {
			continue
		}
		for _, seq := range group.Sequences {
			if seq.Status != StatusRunning {
				continue
			}
			seq.AppendToken(tokenID)
			newTokens := seq.Len() - group.PromptLen()
			hitEOS := !group.Sampling.IgnoreEOS && tokenID == e.config.EOSTokenID && newTokens >= group.Sampling.MinTokens
			hitMaxTokens := newTokens >= group.Sampling.MaxTokens
			if hitEOS || hitMaxTokens {
				seq.Status = StatusFinished
			}
		}
	}

	var finished []*SequenceGroup
	remaining := e.active[:0]
	for _, g := range e.active {
		if g.IsFinished() {
			e.scheduler.ReleaseFinished(g)
			finished = append(finished, g)
			e.log.WithField("request_id", g.RequestID).Info("request finished")
			continue
		}
		remaining = append(remaining, g)
	}
	e.active = remaining

	return &StepResult{Output: out, Finished: finished, NumTokens: numTokens}, nil
}
