package notify

import (
	"context"
	"errors"
	"testing"
)

type fakeLocal struct {
	reach int
	sent  []string
}

func (f *fakeLocal) SendTo(identity, event string, payload any) (int, error) {
	f.sent = append(f.sent, identity+":"+event)
	return f.reach, nil
}

type fakeRelay struct {
	calls []string
	err   error
}

func (f *fakeRelay) Notify(_ context.Context, identity, event string, _ any) error {
	f.calls = append(f.calls, identity+":"+event)
	return f.err
}

func TestChainPrefersLocalSession(t *testing.T) {
	local := &fakeLocal{reach: 1}
	relay := &fakeRelay{}
	c := &Chain{Local: local, Relay: relay}
	if err := c.Notify(context.Background(), "d1", "rideOffer", nil); err != nil {
		t.Fatal(err)
	}
	if len(local.sent) != 1 || len(relay.calls) != 0 {
		t.Fatalf("expected local delivery only, local=%v relay=%v", local.sent, relay.calls)
	}
}

func TestChainFallsBackToRelay(t *testing.T) {
	relay := &fakeRelay{}
	c := &Chain{Local: &fakeLocal{reach: 0}, Relay: relay}
	if err := c.Notify(context.Background(), "c1", "rideExpired", nil); err != nil {
		t.Fatal(err)
	}
	if len(relay.calls) != 1 || relay.calls[0] != "c1:rideExpired" {
		t.Fatalf("expected relay call, got %v", relay.calls)
	}

	relay.err = errors.New("broker down")
	if err := c.Notify(context.Background(), "c1", "rideExpired", nil); err == nil {
		t.Fatal("expected relay error to surface")
	}
}

func TestChainWithoutRoute(t *testing.T) {
	c := &Chain{Local: &fakeLocal{}}
	if err := c.Notify(context.Background(), "c1", "rideTaken", nil); !errors.Is(err, ErrNoRecipient) {
		t.Fatalf("expected ErrNoRecipient, got %v", err)
	}
}
