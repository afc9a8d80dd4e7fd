package sync

import (
	"time"

	"github.com/fintrack/fintrack/internal/money"
	"github.com/fintrack/fintrack/internal/schema"
)

// Outcome classifies a finished cycle.
type Outcome string

const (
	// OutcomeSuccess means every phase completed and nothing needs
	// attention.
	OutcomeSuccess Outcome = "success"

	// OutcomePartial means the cycle completed and the cursor advanced, but
	// some rows conflicted, were rejected, or some deletions were refused.
	OutcomePartial Outcome = "partial"

	// OutcomeFailed means the cycle stopped early. The cursor is unchanged
	// and the cycle is safe to retry.
	OutcomeFailed Outcome = "failed"
)

// Report describes one sync cycle.
type Report struct {
	Outcome Outcome
	Err     error

	CursorBefore int64
	CursorAfter  int64

	Pulled          int // server records applied
	Deferred        int // server records held back by local edits
	PulledDeletions int

	Pushed    int
	Conflicts []schema.Conflict
	Errors    []schema.PushError

	Flushed     int
	FlushFailed int

	// Balance is the cached server balance after the cycle.
	Balance  money.Amount
	Warnings []string
	Duration time.Duration
}

// NeedsAttention reports whether the user has conflicts or rejected rows
// to look at.
func (r *Report) NeedsAttention() bool {
	return len(r.Conflicts) > 0 || len(r.Errors) > 0 || r.FlushFailed > 0
}

func outcomeOf(r *Report, err error) Outcome {
	switch {
	case err != nil:
		return OutcomeFailed
	case r.NeedsAttention():
		return OutcomePartial
	default:
		return OutcomeSuccess
	}
}
