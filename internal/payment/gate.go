package payment

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/mthli/better-youtube-summary-go/internal/protocol"
	"github.com/mthli/better-youtube-summary-go/internal/settings"
)

// Gate admits billable requests. Admission is an explicit two-state
// machine: a check against the cached status first, then at most one forced
// oracle refresh before the final verdict. The single-refresh bound is an
// invariant, not a loop property.
type Gate struct {
	oracle *Oracle
	store  *settings.Store
}

// NewGate creates a Gate over the shared oracle.
func NewGate(oracle *Oracle, store *settings.Store) *Gate {
	return &Gate{oracle: oracle, store: store}
}

// Admit reports whether a billable request may proceed. A refusal is a
// typed protocol error: a payment refusal carrying the call-to-action
// reason, or a connectivity error when the status cannot be determined.
func (g *Gate) Admit(ctx context.Context, lookup EmailLookup) error {
	// State 1: cached check, no network.
	if g.admitted() {
		return nil
	}

	// State 2: forced recheck. Exactly one refresh per Admit call.
	g.oracle.Refresh(ctx, lookup)
	if g.admitted() {
		return nil
	}

	status := g.oracle.Cached()
	switch {
	case status == nil:
		// Refresh failed and there was never a value to fall back to.
		return protocol.New(protocol.KindNetworkUnreachable,
			"could not reach the payment server, check internet connection")
	case status.Type == StatusCanRequestTrial:
		g.oracle.processor.OpenTrialPage("5 summaries")
		return protocol.Refused(protocol.ReasonMustActivateTrialOrPay)
	case status.Type == StatusTrialStarted:
		// No trial uses remain.
		g.oracle.processor.OpenPaymentPage()
		return protocol.Refused(protocol.ReasonMustPay)
	default:
		log.Error().Str("type", string(status.Type)).Msg("unexpected payment status after recheck")
		return protocol.New(protocol.KindNetworkUnreachable, "failed to check payment status")
	}
}

// admitted evaluates the current status without refreshing. Paid admits
// immediately; the status rarely flips back, so it is re-derived only on
// worker restart. An in-progress trial is admitted off the freshly re-read
// persisted counter, not the in-memory cache, since completions update the
// store first.
func (g *Gate) admitted() bool {
	status := g.oracle.Cached()
	if status == nil {
		return false
	}
	switch status.Type {
	case StatusPaid:
		return true
	case StatusTrialStarted:
		var stored Status
		ok, err := g.store.GetJSON(settings.KeyPaymentStatus, &stored)
		if err != nil || !ok {
			return false
		}
		return stored.Type == StatusTrialStarted && stored.UsesLeft > 0
	}
	return false
}
