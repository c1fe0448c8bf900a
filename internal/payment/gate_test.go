package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mthli/better-youtube-summary-go/internal/protocol"
	"github.com/mthli/better-youtube-summary-go/internal/settings"
)

func TestAdmitPaidSkipsNetwork(t *testing.T) {
	store := newTestStore(t)
	if err := store.SetJSON(settings.KeyPaymentStatus, &Status{Type: StatusPaid}); err != nil {
		t.Fatal(err)
	}
	proc := &fakeProcessor{}
	o := NewOracle(proc, nil, store)
	g := NewGate(o, store)

	if err := g.Admit(context.Background(), nil); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	if fetch, _, _ := proc.calls(); fetch != 0 {
		t.Errorf("FetchUser called %d times, want 0 on cached paid", fetch)
	}
}

func TestAdmitTrialWithUsesLeft(t *testing.T) {
	store := newTestStore(t)
	if err := store.SetJSON(settings.KeyPaymentStatus, &Status{Type: StatusTrialStarted, UsesLeft: 1}); err != nil {
		t.Fatal(err)
	}
	proc := &fakeProcessor{}
	o := NewOracle(proc, nil, store)
	g := NewGate(o, store)

	if err := g.Admit(context.Background(), nil); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if fetch, _, _ := proc.calls(); fetch != 0 {
		t.Errorf("FetchUser called %d times, want 0", fetch)
	}
}

func TestAdmitExhaustedTrialRefusesMustPay(t *testing.T) {
	store := newTestStore(t)
	if err := store.SetJSON(settings.KeyPaymentStatus, &Status{Type: StatusTrialStarted, UsesLeft: 0}); err != nil {
		t.Fatal(err)
	}
	if err := store.SetInstalledAt(time.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	// Recheck confirms: still not paid, trial already started.
	proc := &fakeProcessor{user: User{TrialStartedAt: time.Now().Add(-30 * time.Minute)}}
	o := NewOracle(proc, nil, store)
	g := NewGate(o, store)

	err := g.Admit(context.Background(), nil)
	if !protocol.IsRefusal(err, protocol.ReasonMustPay) {
		t.Fatalf("Admit = %v, want mustPay refusal", err)
	}

	fetch, _, pay := proc.calls()
	if fetch != 1 {
		t.Errorf("FetchUser called %d times, want exactly 1 recheck", fetch)
	}
	if pay != 1 {
		t.Errorf("OpenPaymentPage called %d times, want 1", pay)
	}
}

func TestAdmitNoTrialRefusesMustActivate(t *testing.T) {
	store := newTestStore(t)
	proc := &fakeProcessor{}
	o := NewOracle(proc, nil, store)
	g := NewGate(o, store)

	err := g.Admit(context.Background(), nil)
	if !protocol.IsRefusal(err, protocol.ReasonMustActivateTrialOrPay) {
		t.Fatalf("Admit = %v, want mustActivateTrialOrPay refusal", err)
	}

	fetch, trial, _ := proc.calls()
	if fetch != 1 {
		t.Errorf("FetchUser called %d times, want exactly 1", fetch)
	}
	if trial != 1 {
		t.Errorf("OpenTrialPage called %d times, want 1", trial)
	}
}

// Scenario: the recheck discovers a payment made since the cache was
// written. The same call is admitted, no refusal surfaces.
func TestAdmitRecheckDiscoversPayment(t *testing.T) {
	store := newTestStore(t)
	if err := store.SetJSON(settings.KeyPaymentStatus, &Status{Type: StatusTrialStarted, UsesLeft: 0}); err != nil {
		t.Fatal(err)
	}
	proc := &fakeProcessor{user: User{Paid: true}}
	o := NewOracle(proc, nil, store)
	g := NewGate(o, store)

	if err := g.Admit(context.Background(), nil); err != nil {
		t.Fatalf("Admit after payment = %v, want admitted", err)
	}
	if fetch, _, _ := proc.calls(); fetch != 1 {
		t.Errorf("FetchUser called %d times, want exactly 1", fetch)
	}
}

func TestAdmitUnreachableOracleWithNoCache(t *testing.T) {
	store := newTestStore(t)
	proc := &fakeProcessor{err: context.DeadlineExceeded}
	o := NewOracle(proc, nil, store)
	g := NewGate(o, store)

	err := g.Admit(context.Background(), nil)
	var perr *protocol.Error
	if !errors.As(err, &perr) || perr.Kind != protocol.KindNetworkUnreachable {
		t.Fatalf("Admit = %v, want network-unreachable", err)
	}
}

// A failed recheck falls back to the cached verdict instead of erroring.
func TestAdmitRecheckFailureUsesCachedVerdict(t *testing.T) {
	store := newTestStore(t)
	if err := store.SetJSON(settings.KeyPaymentStatus, &Status{Type: StatusTrialStarted, UsesLeft: 0}); err != nil {
		t.Fatal(err)
	}
	proc := &fakeProcessor{err: context.DeadlineExceeded}
	o := NewOracle(proc, nil, store)
	g := NewGate(o, store)

	err := g.Admit(context.Background(), nil)
	if !protocol.IsRefusal(err, protocol.ReasonMustPay) {
		t.Fatalf("Admit = %v, want mustPay from cached status", err)
	}
}
