package payment

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripe "github.com/stripe/stripe-go/v82"
	stripecustomer "github.com/stripe/stripe-go/v82/customer"
	stripesub "github.com/stripe/stripe-go/v82/subscription"
)

// StripeProcessor implements Processor against Stripe. Customers are keyed
// by install id via metadata, so the lookup needs no user account.
type StripeProcessor struct {
	installID   func(ctx context.Context) (string, error)
	openTab     func(url string)
	trialURL    string
	paymentURL  string

	// Injected for tests.
	findCustomer      func(query string) (*stripe.Customer, error)
	listSubscriptions func(customerID string) ([]*stripe.Subscription, error)
}

// NewStripeProcessor creates a Stripe-backed Processor. installID resolves
// the id used as the customer metadata key; openTab opens the trial and
// payment surfaces in the user's browser.
func NewStripeProcessor(apiKey, trialURL, paymentURL string, installID func(ctx context.Context) (string, error), openTab func(url string)) *StripeProcessor {
	stripe.Key = strings.TrimSpace(apiKey)
	return &StripeProcessor{
		installID:         installID,
		openTab:           openTab,
		trialURL:          trialURL,
		paymentURL:        paymentURL,
		findCustomer:      findCustomer,
		listSubscriptions: listSubscriptions,
	}
}

// FetchUser looks up the installation's customer and derives paid/trial
// state from its subscriptions. An unknown customer is not an error: it
// reports a user with no payment history.
func (p *StripeProcessor) FetchUser(ctx context.Context) (User, error) {
	id, err := p.installID(ctx)
	if err != nil {
		return User{}, err
	}

	cust, err := p.findCustomer(fmt.Sprintf("metadata['uid']:%q", id))
	if err != nil {
		return User{}, fmt.Errorf("stripe customer lookup: %w", err)
	}
	if cust == nil {
		return User{}, nil
	}

	user := User{Email: cust.Email}
	subs, err := p.listSubscriptions(cust.ID)
	if err != nil {
		return User{}, fmt.Errorf("stripe subscription lookup: %w", err)
	}
	for _, sub := range subs {
		switch sub.Status {
		case stripe.SubscriptionStatusActive:
			user.Paid = true
			if sub.StartDate > 0 {
				user.PaidAt = time.Unix(sub.StartDate, 0)
			}
		case stripe.SubscriptionStatusTrialing:
			// Trialing on Stripe's side still counts as paid access here;
			// the usage-limited trial below is our own, not Stripe's.
			user.Paid = true
		}
		if sub.TrialStart > 0 {
			start := time.Unix(sub.TrialStart, 0)
			if user.TrialStartedAt.IsZero() || start.Before(user.TrialStartedAt) {
				user.TrialStartedAt = start
			}
		}
	}

	log.Debug().
		Str("customer", cust.ID).
		Bool("paid", user.Paid).
		Time("trialStartedAt", user.TrialStartedAt).
		Msg("fetched payment processor user")
	return user, nil
}

// OpenTrialPage opens the start-trial surface in the user's browser.
func (p *StripeProcessor) OpenTrialPage(detail string) {
	u := p.trialURL
	if detail != "" {
		u += "?detail=" + url.QueryEscape(detail)
	}
	p.openTab(u)
}

// OpenPaymentPage opens the payment surface in the user's browser.
func (p *StripeProcessor) OpenPaymentPage() {
	p.openTab(p.paymentURL)
}

func findCustomer(query string) (*stripe.Customer, error) {
	iter := stripecustomer.Search(&stripe.CustomerSearchParams{
		SearchParams: stripe.SearchParams{Query: query},
	})
	for iter.Next() {
		return iter.Customer(), nil
	}
	return nil, iter.Err()
}

func listSubscriptions(customerID string) ([]*stripe.Subscription, error) {
	iter := stripesub.List(&stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	})
	var subs []*stripe.Subscription
	for iter.Next() {
		subs = append(subs, iter.Subscription())
	}
	return subs, iter.Err()
}
