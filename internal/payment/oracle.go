package payment

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mthli/better-youtube-summary-go/internal/settings"
)

// EmailLookup resolves the signed-in user's email from the requesting page.
// A nil capability means no email can be resolved on this path.
type EmailLookup func(ctx context.Context) (string, error)

// Oracle owns the process-wide payment status cache. The cache is shared
// across all concurrent request flows and is last-writer-wins: concurrent
// refreshes race benignly, each overwriting it with a freshly derived
// value, so a duplicate refresh wastes a round-trip but corrupts nothing.
type Oracle struct {
	processor Processor
	trial     *TrialClient
	store     *settings.Store

	mu     sync.Mutex
	cached *Status
}

// NewOracle creates the oracle, seeding the cache from the persisted status
// when one exists.
func NewOracle(processor Processor, trial *TrialClient, store *settings.Store) *Oracle {
	o := &Oracle{processor: processor, trial: trial, store: store}
	var stored Status
	if ok, err := store.GetJSON(settings.KeyPaymentStatus, &stored); err == nil && ok {
		o.cached = &stored
	}
	return o
}

// Cached returns the last known status, or nil before any successful fetch.
func (o *Oracle) Cached() *Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cached == nil {
		return nil
	}
	cp := *o.cached
	return &cp
}

// Refresh re-derives the payment status from the remote processor and
// persists it. A query failure leaves the cached value untouched and is
// never propagated: callers observe "status unchanged".
func (o *Oracle) Refresh(ctx context.Context, lookup EmailLookup) {
	status, err := o.fetch(ctx, lookup)
	if err != nil {
		log.Warn().Err(err).Msg("payment status fetch failed, keeping cached value")
		return
	}

	log.Debug().Str("type", string(status.Type)).Int("usesLeft", status.UsesLeft).Msg("payment status refreshed")
	o.mu.Lock()
	o.cached = status
	o.mu.Unlock()

	if err := o.store.SetJSON(settings.KeyPaymentStatus, status); err != nil {
		log.Warn().Err(err).Msg("failed to persist payment status")
	}
}

// fetch derives the current status from the processor and local history.
func (o *Oracle) fetch(ctx context.Context, lookup EmailLookup) (*Status, error) {
	user, err := o.processor.FetchUser(ctx)
	if err != nil {
		return nil, err
	}
	if user.Paid {
		return &Status{Type: StatusPaid}, nil
	}

	// Not paid: only StatusTrialStarted or StatusCanRequestTrial can come
	// out of here.
	installedAt, err := o.store.InstalledAt()
	if err != nil {
		log.Warn().Err(err).Msg("failed to read install time")
	}
	// A remote trial start predating this installation means the trial was
	// consumed on an earlier or different install.
	trialConsumedElsewhere := !user.TrialStartedAt.IsZero() &&
		!installedAt.IsZero() && user.TrialStartedAt.Before(installedAt)

	var prior Status
	if ok, err := o.store.GetJSON(settings.KeyPaymentStatus, &prior); err == nil && ok {
		switch prior.Type {
		case StatusTrialStarted:
			if trialConsumedElsewhere {
				return &Status{Type: StatusTrialStarted, UsesLeft: 0}, nil
			}
			// Local counter is authoritative; decremented elsewhere.
			cp := prior
			return &cp, nil
		case StatusPaid:
			// Used to be paid, subscription lapsed. No second trial.
			return &Status{Type: StatusTrialStarted, UsesLeft: 0}, nil
		}
	}

	// No prior record, or prior StatusCanRequestTrial.
	if !user.TrialStartedAt.IsZero() {
		uses := InitialTrialUsageLimit
		if trialConsumedElsewhere {
			uses = 0
		}
		return &Status{Type: StatusTrialStarted, UsesLeft: uses}, nil
	}

	email := strings.TrimSpace(user.Email)
	if email == "" && lookup != nil {
		if found, err := lookup(ctx); err == nil {
			email = strings.TrimSpace(found)
		}
	}
	if email == "" {
		// Nobody to attribute a trial to yet.
		return &Status{Type: StatusCanRequestTrial}, nil
	}

	granted, err := o.trial.Request(ctx, email)
	if err != nil {
		if errors.Is(err, ErrMalformedGrant) {
			log.Warn().Msg("invalid response from server to a trial request")
			return &Status{Type: StatusCanRequestTrial}, nil
		}
		return nil, err
	}
	// A false grant means the trial was activated on a previous or
	// different installation; no way to know how much of it was spent.
	uses := 0
	if granted {
		uses = InitialTrialUsageLimit
	}
	return &Status{Type: StatusTrialStarted, UsesLeft: uses}, nil
}

// ConsumeTrialUse decrements the persisted trial counter after a freshly
// computed summarization completes. Results served from the backend's cache
// must not consume a use, so callers skip this on cache hits.
//
// The read-modify-write is deliberately unsynchronized across concurrent
// completions: two simultaneous successes can read the same pre-decrement
// value and under-count usage by one. That inaccuracy is accepted rather
// than locked away (see DESIGN.md).
func (o *Oracle) ConsumeTrialUse() {
	var stored Status
	ok, err := o.store.GetJSON(settings.KeyPaymentStatus, &stored)
	if err != nil || !ok || stored.Type != StatusTrialStarted {
		return
	}
	if stored.UsesLeft > 0 {
		stored.UsesLeft--
	}
	if err := o.store.SetJSON(settings.KeyPaymentStatus, &stored); err != nil {
		log.Warn().Err(err).Msg("failed to persist trial use")
		return
	}

	o.mu.Lock()
	o.cached = &stored
	o.mu.Unlock()
	log.Debug().Int("usesLeft", stored.UsesLeft).Msg("trial use consumed")
}
