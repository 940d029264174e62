// README: PostgreSQL store tests; skipped unless TOW_TEST_DSN points at a scratch database.
package request

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"towhub/internal/types"
	"towhub/migrations"
)

func setupPGStore(t *testing.T) *PGStore {
	t.Helper()

	dsn := os.Getenv("TOW_TEST_DSN")
	if dsn == "" {
		t.Skip("TOW_TEST_DSN not set; skipping DB-backed tests")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := migrations.Apply(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if _, err := db.Exec(ctx, `TRUNCATE request_state_events, quotes, service_requests`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return NewPGStore(db)
}

func TestPGStore_AcceptFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixtureWithStore(t, setupPGStore(t))

	r := f.create(t, "c1")
	q1 := f.quote(t, r.ID, "d1", 100000)
	q2 := f.quote(t, r.ID, "d2", 90000)

	out, err := f.svc.AcceptQuote(ctx, AcceptCommand{RequestID: r.ID, QuoteID: q2.ID, ClientID: "c1"})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if out.Status != StatusAccepted || *out.AssignedDriverID != "d2" || out.TotalAmount.Amount != 90000 {
		t.Fatalf("unexpected accepted state: %+v", out)
	}
	stored := f.get(t, r.ID)
	if q := quoteByID(stored, q1.ID); q == nil || q.Status != QuoteRejected {
		t.Fatalf("expected d1 rejected, got %+v", q)
	}
	assertInvariants(t, stored)

	for _, target := range []Status{StatusInProgress, StatusCompleted} {
		if _, err := f.svc.AdvanceStatus(ctx, AdvanceCommand{RequestID: r.ID, DriverID: "d2", Target: target}); err != nil {
			t.Fatalf("advance %s: %v", target, err)
		}
	}
	if _, err := f.svc.Rate(ctx, RateCommand{RequestID: r.ID, ClientID: "c1", Stars: 4, Tip: 200}); err != nil {
		t.Fatalf("rate: %v", err)
	}

	events, err := f.svc.Events(ctx, r.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	for i, ev := range events {
		if ev.Version != i+1 {
			t.Fatalf("event %d (%s): version %d", i, ev.Kind, ev.Version)
		}
	}
	final := f.get(t, r.ID)
	if final.Version != len(events) || final.Rating == nil || final.Rating.Stars != 4 {
		t.Fatalf("unexpected final state: version=%d rating=%+v", final.Version, final.Rating)
	}
}

func TestPGStore_ExpiredQuoteConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixtureWithStore(t, setupPGStore(t))
	r := f.create(t, "c1")
	q := f.quote(t, r.ID, "d1", 100000)
	f.clock.Advance(601 * time.Second)

	_, err := f.svc.AcceptQuote(ctx, AcceptCommand{RequestID: r.ID, QuoteID: q.ID, ClientID: "c1"})
	assertErr(t, err, ErrAssignmentConflict)
}

func TestPGStore_CancelledRequestFreezesQuotes(t *testing.T) {
	ctx := context.Background()
	store := setupPGStore(t)
	f := newFixtureWithStore(t, store)
	r := f.create(t, "c1")
	q1 := f.quote(t, r.ID, "d1", 100000)
	q2 := f.quote(t, r.ID, "d2", 110000)
	if _, err := f.svc.Cancel(ctx, CancelCommand{RequestID: r.ID, ActorID: "c1", ActorRole: ActorClient, ReasonCode: "found_help"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	ok, err := store.SetQuoteStatus(ctx, q1.ID, QuoteActive, QuoteWithdrawn, f.clock.Now())
	if err != nil || ok {
		t.Fatalf("quote of cancelled request changed: ok=%v err=%v", ok, err)
	}
	_, err = store.SetQuoteStatus(ctx, "missing", QuoteActive, QuoteWithdrawn, f.clock.Now())
	assertErr(t, err, ErrNotFound)

	f.clock.Advance(11 * time.Minute)
	expired, err := store.ExpireQuotes(ctx, f.clock.Now(), 100)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expired %d quotes of a cancelled request", len(expired))
	}
	final := f.get(t, r.ID)
	for _, id := range []types.ID{q1.ID, q2.ID} {
		if got := quoteByID(final, id); got.Status != QuoteActive {
			t.Fatalf("quote %s is %s", id, got.Status)
		}
	}
}

func TestPGStore_ConstraintsMapToEngineErrors(t *testing.T) {
	ctx := context.Background()
	store := setupPGStore(t)
	f := newFixtureWithStore(t, store)
	r := f.create(t, "c1")

	dup := r.Clone()
	dup.ID = "another"
	err := store.Create(ctx, dup, Event{RequestID: dup.ID, Kind: EventCreated, ToStatus: StatusPending, ActorRole: ActorClient, Version: 1, CreatedAt: f.clock.Now()})
	assertErr(t, err, ErrActiveRequest)

	f.quote(t, r.ID, "d1", 100)
	_, err = f.svc.Ledger().SubmitQuote(ctx, SubmitQuoteCommand{RequestID: r.ID, DriverID: "d1", Amount: 200})
	assertErr(t, err, ErrDuplicateActiveQuote)

	err = store.Update(ctx, f.get(t, r.ID), 99, Event{RequestID: r.ID, Kind: EventCancelled})
	assertErr(t, err, ErrConcurrentModification)

	_, err = store.Get(ctx, "missing")
	assertErr(t, err, ErrNotFound)
	_, err = store.Events(ctx, "missing")
	assertErr(t, err, ErrNotFound)
}

func TestMapPgError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"open request", &pgconn.PgError{Code: "23505", ConstraintName: "service_requests_one_open_per_client"}, ErrActiveRequest},
		{"active quote", &pgconn.PgError{Code: "23505", ConstraintName: "quotes_one_active_per_driver"}, ErrDuplicateActiveQuote},
		{"accepted quote", &pgconn.PgError{Code: "23505", ConstraintName: "quotes_one_accepted_per_request"}, ErrAssignmentConflict},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, ErrConcurrentModification},
		{"serialization", &pgconn.PgError{Code: "40001"}, ErrConcurrentModification},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assertErr(t, mapPgError(tc.err), tc.want)
		})
	}

	other := &pgconn.PgError{Code: "23505", ConstraintName: "quotes_pkey"}
	if got := mapPgError(other); !errors.Is(got, other) || IsRetryable(got) {
		t.Fatalf("unknown constraint should pass through, got %v", got)
	}
	plain := errors.New("boom")
	if got := mapPgError(plain); got != plain {
		t.Fatalf("non-pg error should pass through, got %v", got)
	}
}
