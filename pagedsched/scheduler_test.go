package pagedsched

import "testing"

func newRunningGroup(promptLen, processedTokens, pendingTokens int) *SequenceGroup {
	promptIDs := make([]int, promptLen)
	for i := range promptIDs {
		promptIDs[i] = i + 1
	}
	g := NewSequenceGroup(promptIDs)
	g.processedTokens = processedTokens
	g.Sequences[0].Status = StatusRunning
	for i := 0; i < pendingTokens; i++ {
		g.Sequences[0].AppendToken(1000 + i)
	}
	return g
}

// A(10) admits; B(6) is rejected because remaining (6) falls below the
// running max_sequence_len (10), and the phase breaks before C is ever visited (see
// DESIGN.md Open Question #2 for why this diverges from a naive
// token-budget reading).
func TestSchedulePromptVLLMAdmitsOnlyFirstGroup(t *testing.T) {
	config := NewConfig(WithMaxNumBatchedTokens(16), WithMaxNumSeqs(3), WithBlockSize(4), WithNumKVBlocks(10), WithEnablePrefixCaching(false))
	manager := NewPagedBlockManager(config.NumKVBlocks, config.BlockSize, config.EnablePrefixCaching)
	scheduler := NewScheduler(config, WithBlockManager(manager))

	a := NewSequenceGroup(make([]int, 10))
	b := NewSequenceGroup(make([]int, 6))
	c := NewSequenceGroup(make([]int, 12))

	out := scheduler.Schedule([]*SequenceGroup{a, b, c})

	if len(out.ScheduledSequenceGroupIDs) != 1 || out.ScheduledSequenceGroupIDs[0] != a.RequestID {
		t.Fatalf("expected only A scheduled, got %v", out.ScheduledSequenceGroupIDs)
	}
	if !out.IsPrompt {
		t.Errorf("expected IsPrompt true")
	}
	if out.TotalNumScheduledTokens != 10 {
		t.Errorf("expected total_scheduled=10, got %d", out.TotalNumScheduledTokens)
	}
	if b.NotYetRunning() != true || c.NotYetRunning() != true {
		t.Errorf("B and C must remain unadmitted")
	}
}

// Scenario 2: a generating group and a waiting prompt interleave under DSF.
func TestScheduleDSFInterleave(t *testing.T) {
	config := NewConfig(WithDynamicSplitFuse(true), WithMaxNumBatchedTokens(16), WithMaxNumSeqs(16), WithBlockSize(4), WithNumKVBlocks(10), WithEnablePrefixCaching(false))
	manager := NewPagedBlockManager(config.NumKVBlocks, config.BlockSize, config.EnablePrefixCaching)
	scheduler := NewScheduler(config, WithBlockManager(manager))

	g := newRunningGroup(5, 5, 1)
	manager.Allocate(g.Sequences[0], 2, make([]int, 8))

	p := NewSequenceGroup(make([]int, 8))

	out := scheduler.Schedule([]*SequenceGroup{g, p})

	if out.TotalNumScheduledTokens != 9 {
		t.Errorf("expected total_scheduled=9, got %d", out.TotalNumScheduledTokens)
	}
	if out.IsPrompt {
		t.Errorf("DSF steps never set IsPrompt")
	}
	if p.ScheduledTokens() != 8 {
		t.Errorf("expected P to be chunked in fully (8 tokens), got %d", p.ScheduledTokens())
	}
}

// Scenario 3: partial preemption-by-recompute rewinds the victim to a
// block-aligned processed_tokens using the corrected released>0 signal
// (DESIGN.md Open Question #1).
func TestPreemptByRecomputePartial(t *testing.T) {
	config := NewConfig(WithDynamicSplitFuse(true), WithBlockSize(4), WithNumKVBlocks(5), WithEnablePrefixCaching(false))
	manager := NewPagedBlockManager(config.NumKVBlocks, config.BlockSize, config.EnablePrefixCaching)
	scheduler := NewScheduler(config, WithBlockManager(manager))

	l := newRunningGroup(4, 10, 0)
	manager.Allocate(l.Sequences[0], 3, make([]int, 12))

	full, progressed := scheduler.preemptByRecompute(l, 1)

	if full {
		t.Errorf("expected a partial preemption")
	}
	if !progressed {
		t.Errorf("expected progress on the partial path")
	}
	if l.ProcessedTokens() != 8 {
		t.Errorf("expected processed_tokens=8, got %d", l.ProcessedTokens())
	}
	if !l.IsWaiting() {
		t.Errorf("expected the one-step waiting latch to be set")
	}
}

// Scenario 4: the vLLM prompt-integrity rule escalates a would-be
// partial eviction into a full one when it would split the prompt.
func TestPreemptByRecomputePromptIntegrityEscalatesToFull(t *testing.T) {
	config := NewConfig(WithBlockSize(4), WithNumKVBlocks(5), WithEnablePrefixCaching(false))
	manager := NewPagedBlockManager(config.NumKVBlocks, config.BlockSize, config.EnablePrefixCaching)
	scheduler := NewScheduler(config, WithBlockManager(manager))

	l := newRunningGroup(12, 13, 0)
	manager.Allocate(l.Sequences[0], 3, make([]int, 12))

	full, progressed := scheduler.preemptByRecompute(l, 2)

	if !full {
		t.Errorf("expected the partial path to escalate to a full preemption")
	}
	if !progressed {
		t.Errorf("expected progress")
	}
	if l.ProcessedTokens() != 0 {
		t.Errorf("expected processed_tokens=0 after full free, got %d", l.ProcessedTokens())
	}
	if l.Sequences[0].Status != StatusWaiting {
		t.Errorf("expected victim sibling to be Waiting, got %v", l.Sequences[0].Status)
	}
}

// Scenario 5: a lone group needing eviction with no lower-priority
// victim available must not crash; it is simply dropped for the step.
func TestScheduleCycleGuard(t *testing.T) {
	config := NewConfig(WithDynamicSplitFuse(true), WithBlockSize(4), WithNumKVBlocks(1), WithEnablePrefixCaching(false))
	manager := NewPagedBlockManager(config.NumKVBlocks, config.BlockSize, config.EnablePrefixCaching)
	scheduler := NewScheduler(config, WithBlockManager(manager))

	g := newRunningGroup(4, 4, 1)
	manager.Allocate(g.Sequences[0], 1, make([]int, 4))

	out := scheduler.Schedule([]*SequenceGroup{g})

	if len(out.ScheduledSequenceGroupIDs) != 0 {
		t.Errorf("expected nothing scheduled, got %v", out.ScheduledSequenceGroupIDs)
	}
	if g.ScheduledTokens() != 0 {
		t.Errorf("expected scheduled_tokens cleared, got %d", g.ScheduledTokens())
	}
}

// Scenario 6: the megabatch token budget bounds how many 1-token
// generation groups can fit in a single step.
func TestScheduleMegabatchSaturation(t *testing.T) {
	config := NewConfig(WithDynamicSplitFuse(true), WithMaxNumBatchedTokens(16), WithMaxNumSeqs(16), WithBlockSize(4), WithNumKVBlocks(100), WithEnablePrefixCaching(false))
	manager := NewPagedBlockManager(config.NumKVBlocks, config.BlockSize, config.EnablePrefixCaching)
	scheduler := NewScheduler(config, WithBlockManager(manager))

	groups := make([]*SequenceGroup, 20)
	for i := range groups {
		groups[i] = newRunningGroup(1, 1, 1)
	}

	out := scheduler.Schedule(groups)

	if len(out.ScheduledSequenceGroupIDs) != 16 {
		t.Errorf("expected exactly 16 groups scheduled, got %d", len(out.ScheduledSequenceGroupIDs))
	}
	if out.TotalNumScheduledTokens != 16 {
		t.Errorf("expected total_scheduled=16, got %d", out.TotalNumScheduledTokens)
	}
	untouched := 0
	for _, g := range groups {
		if g.ScheduledTokens() == 0 {
			untouched++
		}
	}
	if untouched != 4 {
		t.Errorf("expected 4 untouched groups, got %d", untouched)
	}
}

// P1: the megabatch token budget is never exceeded.
func TestInvariantMegabatchBudget(t *testing.T) {
	config := NewConfig(WithDynamicSplitFuse(true), WithMaxNumBatchedTokens(16), WithMaxNumSeqs(16), WithBlockSize(4), WithNumKVBlocks(100), WithEnablePrefixCaching(false))
	manager := NewPagedBlockManager(config.NumKVBlocks, config.BlockSize, config.EnablePrefixCaching)
	scheduler := NewScheduler(config, WithBlockManager(manager))

	groups := make([]*SequenceGroup, 10)
	for i := range groups {
		groups[i] = newRunningGroup(1, 1, 1)
	}
	out := scheduler.Schedule(groups)
	if out.TotalNumScheduledTokens > config.MaxNumBatchedTokens {
		t.Errorf("total_scheduled %d exceeds max_num_batched_tokens %d", out.TotalNumScheduledTokens, config.MaxNumBatchedTokens)
	}
}

// P2: every scheduled group id is unique within a step, even if
// recordGroup is called more than once for the same group.
func TestInvariantUniqueScheduledIDs(t *testing.T) {
	out := newSchedulerOutput()
	manager := NewPagedBlockManager(10, 4, false)
	g := newRunningGroup(4, 4, 1)
	manager.Allocate(g.Sequences[0], 1, make([]int, 4))

	out.recordGroup(g, manager)
	out.recordGroup(g, manager)

	if len(out.ScheduledSequenceGroupIDs) != 1 {
		t.Errorf("expected exactly one entry, got %d", len(out.ScheduledSequenceGroupIDs))
	}
}

// P4: no scheduled group is left in the durable Waiting state.
func TestInvariantNoScheduledGroupWaiting(t *testing.T) {
	config := NewConfig(WithDynamicSplitFuse(true), WithBlockSize(4), WithNumKVBlocks(10), WithEnablePrefixCaching(false))
	manager := NewPagedBlockManager(config.NumKVBlocks, config.BlockSize, config.EnablePrefixCaching)
	scheduler := NewScheduler(config, WithBlockManager(manager))

	p := NewSequenceGroup(make([]int, 4))
	out := scheduler.Schedule([]*SequenceGroup{p})

	for _, id := range out.ScheduledSequenceGroupIDs {
		if id == p.RequestID && p.Sequences[0].Status == StatusWaiting {
			t.Errorf("scheduled group left in Waiting state")
		}
	}
}

// P8: cache_usage mirrors the block manager's used percentage at step end.
func TestInvariantCacheUsageMatchesManager(t *testing.T) {
	config := NewConfig(WithDynamicSplitFuse(true), WithBlockSize(4), WithNumKVBlocks(10), WithEnablePrefixCaching(false))
	manager := NewPagedBlockManager(config.NumKVBlocks, config.BlockSize, config.EnablePrefixCaching)
	scheduler := NewScheduler(config, WithBlockManager(manager))

	p := NewSequenceGroup(make([]int, 4))
	out := scheduler.Schedule([]*SequenceGroup{p})

	if out.CacheUsage != manager.GetUsedPercentage() {
		t.Errorf("cache_usage %f does not match manager %f", out.CacheUsage, manager.GetUsedPercentage())
	}
}

// R2: clearing scheduled tokens twice is idempotent.
func TestClearScheduledTokensIdempotent(t *testing.T) {
	g := newRunningGroup(4, 0, 4)
	g.ScheduleTokens(4)
	g.ClearScheduledTokens()
	g.ClearScheduledTokens()
	if g.ScheduledTokens() != 0 {
		t.Errorf("expected scheduled_tokens=0, got %d", g.ScheduledTokens())
	}
}

// A prompt too long to admit in one megabatch must keep making progress
// across successive Schedule calls: the first chunk flips the sibling to
// Running, and eligibility for the next chunk must be judged by
// can_generate_tokens (still false: processed_tokens < prompt_len), not by
// whether any sibling has ever reached Running.
func TestSchedulePromptDSFResumesAcrossSteps(t *testing.T) {
	config := NewConfig(WithDynamicSplitFuse(true), WithMaxNumBatchedTokens(8), WithMaxNumSeqs(8), WithBlockSize(4), WithNumKVBlocks(10), WithEnablePrefixCaching(false))
	manager := NewPagedBlockManager(config.NumKVBlocks, config.BlockSize, config.EnablePrefixCaching)
	scheduler := NewScheduler(config, WithBlockManager(manager))

	p := NewSequenceGroup(make([]int, 12))

	out1 := scheduler.Schedule([]*SequenceGroup{p})
	if p.ScheduledTokens() != 8 {
		t.Fatalf("expected the first chunk to admit 8 tokens, got %d", p.ScheduledTokens())
	}
	if out1.TotalNumScheduledTokens != 8 {
		t.Fatalf("expected total_scheduled=8 on the first step, got %d", out1.TotalNumScheduledTokens)
	}
	p.AdvanceProcessedTokens(p.ScheduledTokens())

	out2 := scheduler.Schedule([]*SequenceGroup{p})
	if p.ScheduledTokens() != 4 {
		t.Fatalf("expected the remaining 4 tokens admitted on the second step, got %d (group stuck mid-admission)", p.ScheduledTokens())
	}
	if out2.TotalNumScheduledTokens != 4 {
		t.Errorf("expected total_scheduled=4 on the second step, got %d", out2.TotalNumScheduledTokens)
	}
}

// P3 (first half): total_scheduled == max_prompt_len * |scheduled_groups|
// across a multi-group vLLM prompt admission.
func TestInvariantVLLMPromptTotalEqualsMaxLenTimesCount(t *testing.T) {
	config := NewConfig(WithMaxNumBatchedTokens(16), WithMaxNumSeqs(3), WithBlockSize(4), WithNumKVBlocks(10), WithEnablePrefixCaching(false))
	manager := NewPagedBlockManager(config.NumKVBlocks, config.BlockSize, config.EnablePrefixCaching)
	scheduler := NewScheduler(config, WithBlockManager(manager))

	a := NewSequenceGroup(make([]int, 6))
	b := NewSequenceGroup(make([]int, 6))

	out := scheduler.Schedule([]*SequenceGroup{a, b})

	if len(out.ScheduledSequenceGroupIDs) != 2 {
		t.Fatalf("expected both equal-length groups admitted, got %v", out.ScheduledSequenceGroupIDs)
	}
	const maxPromptLen = 6 // both groups are length 6, so max_sequence_len never grows past it
	want := maxPromptLen * len(out.ScheduledSequenceGroupIDs)
	if out.TotalNumScheduledTokens != want {
		t.Errorf("expected total_scheduled=%d (max_prompt_len %d x %d groups), got %d",
			want, maxPromptLen, len(out.ScheduledSequenceGroupIDs), out.TotalNumScheduledTokens)
	}
}

// P3 (second half): max_num_seqs bounds the *total* concurrently-active
// group count, including groups already in the decode phase before this
// step's prompt admission runs — not just the groups admitted this call.
func TestInvariantVLLMPromptRespectsMaxNumSeqs(t *testing.T) {
	config := NewConfig(WithMaxNumSeqs(1), WithMaxNumBatchedTokens(32), WithBlockSize(4), WithNumKVBlocks(10), WithEnablePrefixCaching(false))
	manager := NewPagedBlockManager(config.NumKVBlocks, config.BlockSize, config.EnablePrefixCaching)
	scheduler := NewScheduler(config, WithBlockManager(manager))

	g := newRunningGroup(4, 4, 1) // already decoding: CanGenerateTokens() == true
	manager.Allocate(g.Sequences[0], 1, make([]int, 4))
	p := NewSequenceGroup(make([]int, 4)) // fresh prompt, not yet running

	scheduler.Schedule([]*SequenceGroup{g, p})

	running := 0
	for _, group := range []*SequenceGroup{g, p} {
		if group.NumRunningSiblings() > 0 {
			running++
		}
	}
	if running > config.MaxNumSeqs {
		t.Errorf("expected at most max_num_seqs=%d groups running total, got %d", config.MaxNumSeqs, running)
	}
	if p.NotYetRunning() != true {
		t.Errorf("expected the fresh prompt to remain unadmitted while a decode-phase group already fills max_num_seqs")
	}
}

// P5: preemption never selects a victim at or before the current
// (higher-or-equal priority) index, even when an earlier group has
// processed tokens to give up.
func TestInvariantLowestPriorityVictimNeverAtOrBeforeCurrent(t *testing.T) {
	config := NewConfig(WithBlockSize(4), WithNumKVBlocks(10), WithEnablePrefixCaching(false))
	manager := NewPagedBlockManager(config.NumKVBlocks, config.BlockSize, config.EnablePrefixCaching)
	scheduler := NewScheduler(config, WithBlockManager(manager))

	higherPriority := newRunningGroup(4, 5, 0) // idx 0: strictly higher priority than current
	current := newRunningGroup(4, 5, 0)        // idx 1: the group asking for room
	noProgress := newRunningGroup(4, 0, 0)     // idx 2: nothing to evict
	lowerPriority := newRunningGroup(4, 8, 0)  // idx 3: the only legal victim
	groups := []*SequenceGroup{higherPriority, current, noProgress, lowerPriority}

	victimIdx := scheduler.lowestPriorityVictim(groups, 1)
	if victimIdx != 3 {
		t.Fatalf("expected the lowest-priority eligible victim at index 3, got %d", victimIdx)
	}

	// No eligible victim after currentIdx: must never fall back to an
	// at-or-before-current index even though one has progress to give up.
	noVictim := []*SequenceGroup{higherPriority, current, noProgress}
	if idx := scheduler.lowestPriorityVictim(noVictim, 1); idx != -1 {
		t.Errorf("expected no victim (-1), got %d", idx)
	}
}

// P7: recompute is deterministic — preempting two groups in identical
// starting states yields identical rewound processed_tokens, so the
// resumed run always reprocesses the exact same token range.
func TestInvariantRecomputeDeterministic(t *testing.T) {
	config := NewConfig(WithBlockSize(4), WithNumKVBlocks(5), WithEnablePrefixCaching(false))

	run := func() (full, progressed bool, processedTokens int) {
		manager := NewPagedBlockManager(config.NumKVBlocks, config.BlockSize, config.EnablePrefixCaching)
		scheduler := NewScheduler(config, WithBlockManager(manager))
		victim := newRunningGroup(4, 10, 0)
		manager.Allocate(victim.Sequences[0], 3, make([]int, 12))
		f, p := scheduler.preemptByRecompute(victim, 1)
		return f, p, victim.ProcessedTokens()
	}

	full1, progressed1, processed1 := run()
	full2, progressed2, processed2 := run()

	if full1 != full2 || progressed1 != progressed2 || processed1 != processed2 {
		t.Errorf("expected identical outcomes from identical starting states, got (%v,%v,%d) vs (%v,%v,%d)",
			full1, progressed1, processed1, full2, progressed2, processed2)
	}
	if processed1%config.BlockSize != 0 {
		t.Errorf("expected the rewound processed_tokens to land on a block boundary, got %d", processed1)
	}
}
