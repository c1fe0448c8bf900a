package payment

import (
	"context"
	"time"
)

// User is the payment processor's view of this installation.
type User struct {
	Paid           bool
	PaidAt         time.Time
	TrialStartedAt time.Time
	// Email may be empty when the user never went through the payment
	// surface; the oracle then falls back to an email resolved from the
	// requesting page.
	Email string
}

// Processor is the narrow interface to the external payment processor. It
// answers "is this installation paid or trialing" and owns the external
// trial/payment call-to-action surfaces.
type Processor interface {
	FetchUser(ctx context.Context) (User, error)
	OpenTrialPage(detail string)
	OpenPaymentPage()
}
