// Package pagedsched implements the per-step request scheduler for a
// continuous-batching LLM inference engine: prompt admission, generation
// batching, dynamic split-fuse, and preemption-by-recompute against a
// paged KV block manager.
package pagedsched

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// SequenceStatus is the durable lifecycle state of a Sequence.
type SequenceStatus int

const (
	StatusWaiting SequenceStatus = iota
	StatusRunning
	StatusFinished
)

func (s SequenceStatus) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusRunning:
		return "running"
	case StatusFinished:
		return "finished"
	default:
		return "unknown"
	}
}

var seqCounter int64

// Sequence is a single generation trajectory. Siblings within a
// SequenceGroup share the prompt prefix and diverge only after a fork.
type Sequence struct {
	ID       int64
	Status   SequenceStatus
	TokenIDs []int
}

// NewSequence creates a waiting Sequence seeded with the given token ids.
func NewSequence(tokenIDs []int) *Sequence {
	ids := make([]int, len(tokenIDs))
	copy(ids, tokenIDs)
	return &Sequence{
		ID:       atomic.AddInt64(&seqCounter, 1) - 1,
		Status:   StatusWaiting,
		TokenIDs: ids,
	}
}

// Len returns the total number of tokens (prompt + generated) in the sequence.
func (s *Sequence) Len() int {
	return len(s.TokenIDs)
}

// AppendToken appends a newly sampled token to the sequence.
func (s *Sequence) AppendToken(tokenID int) {
	s.TokenIDs = append(s.TokenIDs, tokenID)
}

// SequenceGroup is one user request: a prompt shared by one or more
// sibling Sequences, plus the scheduling bookkeeping needed to decide
// how many tokens it can process on the next step.
type SequenceGroup struct {
	RequestID string
	PromptIDs []int
	Sequences []*Sequence

	// processedTokens is the number of prompt+generated tokens for which
	// KV state is already materialized in the cache.
	processedTokens int
	// scheduledTokens is committed for the *current* step only; the
	// runner consumes it and the scheduler clears it every step.
	scheduledTokens int
	// stepWaiting is a one-step latch: true only for the remainder of
	// the step in which this group was preempted.
	stepWaiting bool

	// Sampling controls when this group's siblings stop generating.
	// Never nil once constructed via NewSequenceGroup.
	Sampling *SamplingParams
}

// NewSequenceGroup creates a SequenceGroup with a single waiting sibling
// seeded from promptIDs, and a fresh uuid-backed request id.
func NewSequenceGroup(promptIDs []int, opts ...SamplingParamsOption) *SequenceGroup {
	ids := make([]int, len(promptIDs))
	copy(ids, promptIDs)
	return &SequenceGroup{
		RequestID: uuid.NewString(),
		PromptIDs: ids,
		Sequences: []*Sequence{NewSequence(ids)},
		Sampling:  NewSamplingParams(opts...),
	}
}

// PromptLen returns the number of tokens in the original prompt.
func (g *SequenceGroup) PromptLen() int {
	return len(g.PromptIDs)
}

// ContextLen returns the number of tokens already materialized in cache.
func (g *SequenceGroup) ContextLen() int {
	return g.processedTokens
}

// ProcessedTokens returns the number of tokens already materialized in cache.
func (g *SequenceGroup) ProcessedTokens() int {
	return g.processedTokens
}

// ScheduledTokens returns the tokens committed for the current step.
func (g *SequenceGroup) ScheduledTokens() int {
	return g.scheduledTokens
}

// totalLogicalTokens is the longest token stream among this group's
// siblings — prompt length for a fresh group, prompt+generated once
// any sibling has produced tokens. Siblings can diverge in length only
// after a fork, which this takes the max over to stay correct either way.
func (g *SequenceGroup) totalLogicalTokens() int {
	max := g.PromptLen()
	for _, seq := range g.Sequences {
		if seq.Len() > max {
			max = seq.Len()
		}
	}
	return max
}

// NumAvailableTokensForBatching is the number of tokens present
// logically but not yet processed.
func (g *SequenceGroup) NumAvailableTokensForBatching() int {
	n := g.totalLogicalTokens() - g.processedTokens
	if n < 0 {
		return 0
	}
	return n
}

// NumRunningSiblings counts siblings currently in the Running state.
func (g *SequenceGroup) NumRunningSiblings() int {
	n := 0
	for _, seq := range g.Sequences {
		if seq.Status == StatusRunning {
			n++
		}
	}
	return n
}

// CanGenerateTokens is true iff all prompt tokens are processed, the
// group holds at least one running sibling, and it is not waiting out
// this step's preemption latch.
func (g *SequenceGroup) CanGenerateTokens() bool {
	return g.processedTokens >= g.PromptLen() && !g.stepWaiting && g.NumRunningSiblings() > 0
}

// IsWaiting reports whether this group was preempted during the
// current scheduling step.
func (g *SequenceGroup) IsWaiting() bool {
	return g.stepWaiting
}

// NotYetRunning is true iff no sibling is currently Running — the group
// has never been admitted, it was fully preempted and its siblings were
// reset to Waiting, or every sibling has finished.
func (g *SequenceGroup) NotYetRunning() bool {
	return g.NumRunningSiblings() == 0
}

// IsFinished is true iff every sibling has finished.
func (g *SequenceGroup) IsFinished() bool {
	for _, seq := range g.Sequences {
		if seq.Status != StatusFinished {
			return false
		}
	}
	return true
}

// ScheduleTokens commits n tokens to be computed this step.
func (g *SequenceGroup) ScheduleTokens(n int) {
	g.scheduledTokens = n
}

// ClearScheduledTokens resets the current step's commitment. Idempotent.
func (g *SequenceGroup) ClearScheduledTokens() {
	g.scheduledTokens = 0
}

// PreemptTokens rewinds processedTokens by n, clamped at zero. The caller
// must recompute the rewound tokens on a future step.
func (g *SequenceGroup) PreemptTokens(n int) {
	g.processedTokens -= n
	if g.processedTokens < 0 {
		g.processedTokens = 0
	}
}

// AdvanceProcessedTokens marks n additional tokens as materialized in
// cache, invoked by the caller once the runner actually computes them.
func (g *SequenceGroup) AdvanceProcessedTokens(n int) {
	g.processedTokens += n
}

// setStepWaiting latches the one-step "just preempted" marker.
func (g *SequenceGroup) setStepWaiting() {
	g.stepWaiting = true
}

// clearStepWaiting releases the one-step latch for the next step.
func (g *SequenceGroup) clearStepWaiting() {
	g.stepWaiting = false
}
