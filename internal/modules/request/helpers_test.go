// README: Shared fixtures for request tests (clock, recording publisher, eligibility stub).
package request

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"towhub/internal/logger"
	"towhub/internal/modules/notification"
	"towhub/internal/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notification.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev notification.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) ofType(typ notification.EventType) []notification.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []notification.Event
	for _, ev := range p.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type stubIndex struct {
	drivers []types.ID
	err     error
}

func (s *stubIndex) EligibleDrivers(context.Context, types.Point, string) ([]types.ID, error) {
	return s.drivers, s.err
}

type fixture struct {
	svc   *Service
	store Store
	clock *fakeClock
	pub   *recordingPublisher
	index *stubIndex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, NewMemoryStore())
}

func newFixtureWithStore(t *testing.T, store Store) *fixture {
	t.Helper()
	clock := newFakeClock()
	pub := &recordingPublisher{}
	index := &stubIndex{drivers: []types.ID{"d1", "d2", "d3"}}
	svc := NewService(store, index, pub, Options{
		QuoteTTL: 600 * time.Second,
		Currency: "USD",
		Now:      clock.Now,
		Logger:   logger.Nop(),
	})
	return &fixture{svc: svc, store: store, clock: clock, pub: pub, index: index}
}

func (f *fixture) create(t *testing.T, clientID types.ID) *ServiceRequest {
	t.Helper()
	r, err := f.svc.Create(context.Background(), CreateCommand{
		ClientID: clientID,
		Vehicle:  VehicleSnapshot{Plate: "ABC-1234", Brand: "Toyota", Model: "Corolla", Category: "sedan"},
		Origin:   Location{Point: types.Point{Lat: 25.033, Lng: 121.565}, Address: "Xinyi Rd"},
		Problem:  "flat tyre, no spare",
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return r
}

func (f *fixture) quote(t *testing.T, requestID, driverID types.ID, amount int64) *Quote {
	t.Helper()
	q, err := f.svc.Ledger().SubmitQuote(context.Background(), SubmitQuoteCommand{
		RequestID: requestID, DriverID: driverID, Amount: amount,
	})
	if err != nil {
		t.Fatalf("submit quote for %s: %v", driverID, err)
	}
	return q
}

func (f *fixture) get(t *testing.T, id types.ID) *ServiceRequest {
	t.Helper()
	r, err := f.svc.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	return r
}

// accepted drives a fresh request to accepted with driver d1 at 100000.
func (f *fixture) accepted(t *testing.T, clientID types.ID) (*ServiceRequest, *Quote) {
	t.Helper()
	r := f.create(t, clientID)
	q := f.quote(t, r.ID, "d1", 100000)
	out, err := f.svc.AcceptQuote(context.Background(), AcceptCommand{RequestID: r.ID, QuoteID: q.ID, ClientID: clientID})
	if err != nil {
		t.Fatalf("accept quote: %v", err)
	}
	return out, q
}

func quoteByID(r *ServiceRequest, id types.ID) *Quote {
	for i := range r.Quotes {
		if r.Quotes[i].ID == id {
			return &r.Quotes[i]
		}
	}
	return nil
}

// assertInvariants checks the aggregate-level invariants on a snapshot.
func assertInvariants(t *testing.T, r *ServiceRequest) {
	t.Helper()
	accepted := 0
	active := map[types.ID]int{}
	for _, q := range r.Quotes {
		if q.Status == QuoteAccepted {
			accepted++
		}
		if q.Status == QuoteActive {
			active[q.DriverID]++
		}
	}
	if accepted > 1 {
		t.Fatalf("request %s has %d accepted quotes", r.ID, accepted)
	}
	for d, n := range active {
		if n > 1 {
			t.Fatalf("driver %s has %d active quotes on %s", d, n, r.ID)
		}
	}
	if (r.AssignedDriverID != nil) != r.Status.Assigned() {
		t.Fatalf("assignedDriverId presence %v does not match status %s", r.AssignedDriverID != nil, r.Status)
	}
	if (r.Cancellation != nil) != (r.Status == StatusCancelled) {
		t.Fatalf("cancellation presence does not match status %s", r.Status)
	}
}

func assertErr(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}
