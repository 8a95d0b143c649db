package pagedsched

// SchedulerOutput is the per-step plan the model runner consumes,
// unmodified.
type SchedulerOutput struct {
	// ScheduledSequenceGroupIDs is ordered by scheduling order
	// (priority). No request id appears twice.
	ScheduledSequenceGroupIDs []string
	// BlockTables holds, for each scheduled sequence id, its current
	// block handles in logical order.
	BlockTables map[int64][]int
	// BlockCopyMap holds src->dst copy-on-write duplications the
	// cache-copy executor must perform before the forward pass.
	BlockCopyMap map[int][]int
	// TotalNumScheduledTokens is Σ over scheduled groups of
	// scheduled_tokens_per_sibling × num_running_siblings.
	TotalNumScheduledTokens int
	// IsPrompt is true iff this step is a pure prompt step (vLLM mode only).
	IsPrompt bool
	// CacheUsage is sampled after all decisions are made this step.
	CacheUsage float64

	scheduled map[string]bool
}

func newSchedulerOutput() *SchedulerOutput {
	return &SchedulerOutput{
		BlockTables:  make(map[int64][]int),
		BlockCopyMap: make(map[int][]int),
		scheduled:    make(map[string]bool),
	}
}

// recordGroup appends group to the scheduled list (if not already
// present) and snapshots the current block table of every non-finished
// sibling.
func (o *SchedulerOutput) recordGroup(group *SequenceGroup, manager BlockManager) {
	if !o.scheduled[group.RequestID] {
		o.scheduled[group.RequestID] = true
		o.ScheduledSequenceGroupIDs = append(o.ScheduledSequenceGroupIDs, group.RequestID)
	}
	for _, seq := range group.Sequences {
		if seq.Status == StatusFinished {
			continue
		}
		o.BlockTables[seq.ID] = manager.GetBlockTable(seq.ID)
	}
}

// mergeCopyMap folds src src->dst duplications from a single
// AppendSlots call into the step's accumulated copy map.
func (o *SchedulerOutput) mergeCopyMap(copyMap map[int][]int) {
	for src, dsts := range copyMap {
		o.BlockCopyMap[src] = append(o.BlockCopyMap[src], dsts...)
	}
}
