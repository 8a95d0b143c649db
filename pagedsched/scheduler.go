package pagedsched

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Scheduler implements the per-step scheduling policy: prompt
// admission, generation-step batching, dynamic split-fuse, and
// preemption-by-recompute against a paged BlockManager. Schedule is a
// single-threaded, synchronous step function — it owns exclusive
// mutable access to every group passed to it and to the block manager
// for the duration of the call.
type Scheduler struct {
	config  *Config
	manager BlockManager
	metrics *Metrics
	log     *logrus.Entry
}

// SchedulerOption configures optional Scheduler collaborators.
type SchedulerOption func(*Scheduler)

// WithBlockManager overrides the default PagedBlockManager, mainly for
// tests that want to inject a fake or a manager pre-seeded with state.
func WithBlockManager(m BlockManager) SchedulerOption {
	return func(s *Scheduler) { s.manager = m }
}

// WithMetrics attaches a Metrics recorder. Omit for a metrics-free scheduler.
func WithMetrics(m *Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger overrides the default logrus entry, e.g. to add fields
// identifying which engine instance this scheduler belongs to.
func WithLogger(entry *logrus.Entry) SchedulerOption {
	return func(s *Scheduler) { s.log = entry }
}

// NewScheduler builds a Scheduler for config. Without WithBlockManager,
// it constructs its own PagedBlockManager sized from config.
func NewScheduler(config *Config, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		config: config,
		log:    logrus.WithField("component", "pagedsched.Scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.manager == nil {
		s.manager = NewPagedBlockManager(config.NumKVBlocks, config.BlockSize, config.EnablePrefixCaching)
	}
	return s
}

// Config returns the scheduler's configuration.
func (s *Scheduler) Config() *Config {
	return s.config
}

// RestoreCachedBlocks reattaches any prefix-cached blocks available for
// group's prompt. Callers should invoke this once, right after a group
// is admitted and before it is first passed to Schedule.
func (s *Scheduler) RestoreCachedBlocks(group *SequenceGroup) {
	s.manager.RestoreCachedBlocks(group, s.config.BlockSize)
}

// ReleaseFinished frees the block-manager state for every finished
// sibling in group. Callers should invoke this once a group's
// SequenceGroup.IsFinished is observed true, before dropping it.
func (s *Scheduler) ReleaseFinished(group *SequenceGroup) {
	for _, seq := range group.Sequences {
		if seq.Status == StatusFinished {
			s.manager.FreeSequence(seq.ID)
		}
	}
}

// GetBlockTable returns the block ids currently backing seqID.
func (s *Scheduler) GetBlockTable(seqID int64) []int {
	return s.manager.GetBlockTable(seqID)
}

// HasBlockTable reports whether seqID has any allocated blocks.
func (s *Scheduler) HasBlockTable(seqID int64) bool {
	return s.manager.HasBlockTable(seqID)
}

// Fork gives childID a ref-counted share of parentID's materialized KV
// blocks, for fork-sequence support (e.g. best-of-N sampling branching
// off a shared prefix).
func (s *Scheduler) Fork(parentID, childID int64) {
	s.manager.ForkSequence(parentID, childID)
}

// Schedule runs one scheduling step over groups, whose list order is
// the caller's priority ordering (lower index = higher priority). The
// caller is expected to have appended newly-admitted groups to the
// tail before calling.
func (s *Scheduler) Schedule(groups []*SequenceGroup) *SchedulerOutput {
	for _, g := range groups {
		g.ClearScheduledTokens()
	}

	out := newSchedulerOutput()
	if s.config.DynamicSplitFuse {
		s.scheduleGenerateDSF(groups, out)
		s.schedulePromptDSF(groups, out)
	} else {
		s.schedulePromptVLLM(groups, out)
		if !out.IsPrompt {
			s.scheduleGenerateDSF(groups, out)
		}
	}

	for _, g := range groups {
		g.clearStepWaiting()
	}
	out.CacheUsage = s.manager.GetUsedPercentage()
	s.metrics.observeStep(out, s.config.MaxNumBatchedTokens)
	return out
}

// scheduleGenerateDSF is the generation phase, run first in DSF mode
// (to protect tail latency of in-flight requests) and as the fallback
// in vLLM mode when no prompt step was admitted.
func (s *Scheduler) scheduleGenerateDSF(groups []*SequenceGroup, out *SchedulerOutput) {
	for idx, group := range groups {
		if out.TotalNumScheduledTokens >= s.config.MaxNumBatchedTokens {
			break
		}
		if !group.CanGenerateTokens() {
			continue
		}

		numRunning := group.NumRunningSiblings()
		remaining := s.config.MaxNumBatchedTokens - out.TotalNumScheduledTokens
		perSibling := remaining / numRunning
		if perSibling == 0 {
			continue
		}

		tokens := min(perSibling, group.NumAvailableTokensForBatching())
		if tokens <= 0 {
			continue
		}

		group.ScheduleTokens(tokens)
		s.applyPreemption(groups, idx)

		if !s.manager.CanAppendSlots(group) {
			group.ClearScheduledTokens()
			s.log.WithField("request_id", group.RequestID).
				Debug("generation step skipped: no room even after preemption")
			continue
		}

		copyMap := s.manager.AppendSlots(group)
		out.mergeCopyMap(copyMap)
		out.recordGroup(group, s.manager)
		out.TotalNumScheduledTokens += tokens * numRunning
	}
}

// applyPreemption evicts lower-priority victims one at a time until
// current can append, or nothing legal remains to evict.
func (s *Scheduler) applyPreemption(groups []*SequenceGroup, currentIdx int) {
	current := groups[currentIdx]
	for !s.manager.CanAppendSlots(current) {
		victimIdx := s.lowestPriorityVictim(groups, currentIdx)
		if victimIdx < 0 {
			break
		}
		blocksNeeded := s.manager.RequiredBlocksCount(current)
		victim := groups[victimIdx]
		full, progressed := s.preemptByRecompute(victim, blocksNeeded)
		if !progressed {
			break
		}
		s.metrics.observePreemption(full)
		s.log.WithFields(logrus.Fields{
			"victim":  victim.RequestID,
			"current": current.RequestID,
			"full":    full,
		}).Warn("preempted group by recompute to make room for a higher-priority append")
	}
}

// lowestPriorityVictim reverse-scans groups for the lowest-priority
// group (largest index, strictly after currentIdx) with any processed
// tokens to give up. Priority is list order; we never return an index
// at or above currentIdx.
func (s *Scheduler) lowestPriorityVictim(groups []*SequenceGroup, currentIdx int) int {
	for i := len(groups) - 1; i > currentIdx; i-- {
		if groups[i].ProcessedTokens() > 0 {
			return i
		}
	}
	return -1
}

// preemptByRecompute evicts victim's blocks and rewinds its
// processedTokens so those tokens are recomputed once it is
// rescheduled. Returns whether the eviction was a full preemption and
// whether it actually made progress (freed anything).
//
// The partial branch's progress signal is `released > 0`: a prior
// revision of this check compared against a counter that was never
// incremented, which made every partial-eviction preemption loop
// stall after the first attempt.
func (s *Scheduler) preemptByRecompute(victim *SequenceGroup, blocksNeeded int) (full bool, progressed bool) {
	occupied := s.manager.GetNumberOfBlocksOccupiedBySequence(victim)

	if occupied <= blocksNeeded {
		freeBefore := s.manager.NumFreeBlocks()
		for _, seq := range victim.Sequences {
			if seq.Status != StatusFinished {
				s.manager.FreeSequence(seq.ID)
				seq.Status = StatusWaiting
			}
		}
		victim.PreemptTokens(victim.ProcessedTokens())
		victim.setStepWaiting()
		return true, s.manager.NumFreeBlocks() > freeBefore
	}

	released := s.manager.FreeGroupPartially(victim, blocksNeeded)

	tokensInLastBlock := victim.ProcessedTokens() % s.config.BlockSize
	if tokensInLastBlock == 0 {
		tokensInLastBlock = s.config.BlockSize
	}
	preemptedTokens := tokensInLastBlock + max(released-1, 0)*s.config.BlockSize

	if !s.config.DynamicSplitFuse && victim.ProcessedTokens()-preemptedTokens < victim.PromptLen() {
		// vLLM prompt-integrity rule: a partial eviction here would
		// leave a half-materialized prompt. Free the first sibling entirely instead.
		preemptedTokens = victim.ProcessedTokens()
		s.manager.FreeSequence(victim.Sequences[0].ID)
		victim.Sequences[0].Status = StatusWaiting
		victim.PreemptTokens(preemptedTokens)
		victim.setStepWaiting()
		return true, true
	}

	victim.PreemptTokens(preemptedTokens)
	victim.setStepWaiting()
	return false, released > 0
}

// schedulePromptVLLM is the single-shot, padded prompt admission used
// outside DSF mode. It must be called with an output that has not yet
// scheduled anything — this mode dedicates a whole step to either
// prompt or generation, never both.
func (s *Scheduler) schedulePromptVLLM(groups []*SequenceGroup, out *SchedulerOutput) {
	if len(out.ScheduledSequenceGroupIDs) != 0 {
		panic("pagedsched: vLLM prompt phase entered with pre-existing scheduled groups")
	}

	maxSequenceLen := 0
	numRunning := countCanGenerateTokens(groups)

	for _, group := range groups {
		if group.CanGenerateTokens() || group.IsWaiting() {
			continue
		}
		if running := group.NumRunningSiblings(); running > 1 {
			panic(fmt.Sprintf("pagedsched: prompt group %s has %d running siblings, want at most 1", group.RequestID, running))
		}

		seqLen := group.PromptLen()
		if seqLen > s.config.MaxNumBatchedTokens {
			panic(fmt.Sprintf("pagedsched: prompt group %s length %d exceeds max_num_batched_tokens %d", group.RequestID, seqLen, s.config.MaxNumBatchedTokens))
		}

		candidateMax := max(maxSequenceLen, seqLen)

		if numRunning >= s.config.MaxNumSeqs {
			break
		}
		remaining := s.config.MaxNumBatchedTokens - out.TotalNumScheduledTokens
		if remaining < candidateMax {
			break
		}
		blocksNeeded := ceilDiv(seqLen, s.config.BlockSize)
		if !s.manager.CanAllocateBlocks(blocksNeeded) {
			break
		}

		maxSequenceLen = candidateMax
		group.ScheduleTokens(seqLen)
		s.manager.Allocate(group.Sequences[0], blocksNeeded, group.PromptIDs)
		group.Sequences[0].Status = StatusRunning
		numRunning++

		out.recordGroup(group, s.manager)
		out.IsPrompt = true
		out.TotalNumScheduledTokens = maxSequenceLen * len(out.ScheduledSequenceGroupIDs)
	}
}

// schedulePromptDSF is the chunked prompt admission used in dynamic
// split-fuse mode, coexisting with generation in the same megabatch.
func (s *Scheduler) schedulePromptDSF(groups []*SequenceGroup, out *SchedulerOutput) {
	for _, group := range groups {
		if out.TotalNumScheduledTokens >= s.config.MaxNumBatchedTokens {
			break
		}
		if group.CanGenerateTokens() || group.IsWaiting() {
			continue
		}
		if running := group.NumRunningSiblings(); running > 1 {
			panic(fmt.Sprintf("pagedsched: prompt group %s has %d running siblings, want at most 1", group.RequestID, running))
		}

		remainingInMegabatch := s.config.MaxNumBatchedTokens - out.TotalNumScheduledTokens
		numScheduled := min(remainingInMegabatch, group.NumAvailableTokensForBatching())
		if numScheduled <= 0 {
			continue
		}

		capacity := s.manager.GetNumberOfBlocksOccupiedBySequence(group)*s.config.BlockSize - group.ProcessedTokens()
		requiredSlots := max(0, numScheduled-capacity)
		requiredBlocks := ceilDiv(requiredSlots, s.config.BlockSize)
		grantBlocks := min(requiredBlocks, s.manager.NumFreeBlocks())
		numScheduled = min(numScheduled, capacity+grantBlocks*s.config.BlockSize)
		if numScheduled <= 0 {
			s.log.WithField("request_id", group.RequestID).
				Debug("prompt chunk skipped: no free blocks for even a partial chunk")
			continue
		}

		if grantBlocks > 0 {
			s.manager.Allocate(group.Sequences[0], grantBlocks, group.PromptIDs)
		}
		group.ScheduleTokens(numScheduled)
		group.Sequences[0].Status = StatusRunning

		out.recordGroup(group, s.manager)
		out.TotalNumScheduledTokens += numScheduled
	}
}

// countCanGenerateTokens counts groups already in the decode phase, so
// schedulePromptVLLM's max_num_seqs check bounds the *total* number of
// concurrently-active groups, not just the ones it admits this call.
func countCanGenerateTokens(groups []*SequenceGroup) int {
	n := 0
	for _, g := range groups {
		if g.CanGenerateTokens() {
			n++
		}
	}
	return n
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
