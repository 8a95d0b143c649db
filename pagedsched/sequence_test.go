package pagedsched

import "testing"

func TestNewSequenceGroup(t *testing.T) {
	g := NewSequenceGroup([]int{1, 2, 3, 4, 5})

	if g.PromptLen() != 5 {
		t.Errorf("expected prompt len 5, got %d", g.PromptLen())
	}
	if len(g.Sequences) != 1 {
		t.Errorf("expected exactly one sibling, got %d", len(g.Sequences))
	}
	if g.Sequences[0].Status != StatusWaiting {
		t.Errorf("expected fresh sibling to be Waiting, got %v", g.Sequences[0].Status)
	}
	if g.RequestID == "" {
		t.Errorf("expected a non-empty request id")
	}
	if !g.NotYetRunning() {
		t.Errorf("expected a fresh group to be not-yet-running")
	}
}

func TestSequenceAppendToken(t *testing.T) {
	seq := NewSequence([]int{1, 2, 3})
	seq.AppendToken(4)

	if seq.Len() != 4 {
		t.Errorf("expected length 4, got %d", seq.Len())
	}
	if seq.TokenIDs[3] != 4 {
		t.Errorf("expected last token 4, got %d", seq.TokenIDs[3])
	}
}

func TestNumAvailableTokensForBatching(t *testing.T) {
	g := NewSequenceGroup([]int{1, 2, 3, 4})
	if g.NumAvailableTokensForBatching() != 4 {
		t.Errorf("expected 4 available tokens for a fresh group, got %d", g.NumAvailableTokensForBatching())
	}

	g.AdvanceProcessedTokens(4)
	if g.NumAvailableTokensForBatching() != 0 {
		t.Errorf("expected 0 available tokens once the prompt is processed, got %d", g.NumAvailableTokensForBatching())
	}

	g.Sequences[0].AppendToken(99)
	if g.NumAvailableTokensForBatching() != 1 {
		t.Errorf("expected 1 available token after a generated append, got %d", g.NumAvailableTokensForBatching())
	}
}

func TestPreemptTokensClampsAtZero(t *testing.T) {
	g := NewSequenceGroup([]int{1, 2, 3, 4})
	g.AdvanceProcessedTokens(4)

	g.PreemptTokens(10)

	if g.ProcessedTokens() != 0 {
		t.Errorf("expected processed_tokens clamped to 0, got %d", g.ProcessedTokens())
	}
}

func TestCanGenerateTokens(t *testing.T) {
	g := NewSequenceGroup([]int{1, 2, 3, 4})

	if g.CanGenerateTokens() {
		t.Errorf("a fresh, non-running group must not be generate-eligible")
	}

	g.AdvanceProcessedTokens(4)
	g.Sequences[0].Status = StatusRunning

	if !g.CanGenerateTokens() {
		t.Errorf("expected a fully-processed running group to be generate-eligible")
	}

	g.setStepWaiting()
	if g.CanGenerateTokens() {
		t.Errorf("a group latched as step-waiting must not be generate-eligible")
	}

	g.clearStepWaiting()
	if !g.CanGenerateTokens() {
		t.Errorf("clearing the latch should restore eligibility")
	}
}

func TestIsFinished(t *testing.T) {
	g := NewSequenceGroup([]int{1, 2})
	if g.IsFinished() {
		t.Errorf("a waiting group must not be finished")
	}
	g.Sequences[0].Status = StatusFinished
	if !g.IsFinished() {
		t.Errorf("expected the group to be finished once its only sibling is")
	}
}

func TestScheduleAndClearTokens(t *testing.T) {
	g := NewSequenceGroup([]int{1, 2, 3})
	g.ScheduleTokens(3)
	if g.ScheduledTokens() != 3 {
		t.Errorf("expected scheduled_tokens=3, got %d", g.ScheduledTokens())
	}
	g.ClearScheduledTokens()
	if g.ScheduledTokens() != 0 {
		t.Errorf("expected scheduled_tokens=0 after clear, got %d", g.ScheduledTokens())
	}
}

func TestSamplingParamsValidation(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("expected a panic for a non-positive max_tokens")
		}
	}()
	NewSamplingParams(WithMaxTokens(0))
}

func TestSamplingParamsMinExceedsMaxPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("expected a panic when min_tokens exceeds max_tokens")
		}
	}()
	NewSamplingParams(WithMaxTokens(4), WithMinTokens(5))
}
