package domain

import "time"

// OutcomeKind is the disposition the worker reaches for a leased event.
type OutcomeKind string

const (
	OutcomeApplied  OutcomeKind = "applied"
	OutcomeSkipped  OutcomeKind = "skipped"
	OutcomeRetry    OutcomeKind = "retry"
	OutcomeWaitItem OutcomeKind = "wait_item"
	OutcomeFailed   OutcomeKind = "failed"
)

// Outcome is what Store.Finalize consumes to decide whether a pending_events
// row is removed (terminal) or rescheduled.
type Outcome struct {
	Kind        OutcomeKind
	Delay       time.Duration
	Reason      string
	SyncedValue string
	// ResetItemNotFound clears item_not_found_count, used when an item is
	// found again after previously being absent.
	ResetItemNotFound bool
	// Payload, when non-nil, replaces the event's payload before reschedule
	// (used when a retry should carry forward a freshly-merged value).
	Payload *Payload
}
