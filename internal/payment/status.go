// Package payment owns the payment/trial state machine gating billable
// requests: the status oracle, the admission gate, and the trial client.
package payment

// StatusType enumerates the tri-state payment status. Exactly one variant
// holds at a time. The strings are wire- and storage-stable.
type StatusType string

const (
	// StatusPaid means an active subscription.
	StatusPaid StatusType = "paid"
	// StatusTrialStarted means a trial was activated, on this install or a
	// previous one. It is also assumed when a subscription lapsed, with
	// UsesLeft 0 in that case.
	StatusTrialStarted StatusType = "not_paid_but_trial_already_started"
	// StatusCanRequestTrial means no trial started yet. It also applies
	// when the user has not been identified, so the trial may in fact have
	// been consumed already.
	StatusCanRequestTrial StatusType = "not_paid_but_can_try_to_request_trial"
)

// Status is the computed payment status. UsesLeft counts remaining free
// uses and is only meaningful for StatusTrialStarted; floor 0.
type Status struct {
	Type     StatusType `json:"type"`
	UsesLeft int        `json:"usesLeft,omitempty"`
}

// InitialTrialUsageLimit is the free-summary allotment granted with a trial.
const InitialTrialUsageLimit = 5
