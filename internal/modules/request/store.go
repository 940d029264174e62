// README: RequestStore contract; every mutating call is one atomic conditional commit.
package request

import (
	"context"
	"time"

	"towhub/internal/types"
)

// Assignment is the input of the guarded accept commit.
type Assignment struct {
	RequestID       types.ID
	QuoteID         types.ID
	ExpectedVersion int
	Now             time.Time
}

type AssignResult struct {
	Request  *ServiceRequest
	Winner   Quote
	Rejected []Quote
}

type QuoteInsert struct {
	Request *ServiceRequest
	Quote   Quote
	// Flipped is true when this insert moved the request from pending to quoted.
	Flipped bool
}

type Store interface {
	// Create persists r and its creation event. ErrActiveRequest if the client
	// already has an open request.
	Create(ctx context.Context, r *ServiceRequest, ev Event) error
	// Get returns the request with its quotes. ErrNotFound if absent.
	Get(ctx context.Context, id types.ID) (*ServiceRequest, error)
	GetQuote(ctx context.Context, id types.ID) (*Quote, error)
	HasActiveByClient(ctx context.Context, clientID types.ID) (bool, error)
	// InsertQuote appends q under its request. Stale active quotes of the same
	// driver are expired first; the first quote flips pending to quoted.
	InsertQuote(ctx context.Context, q *Quote, now time.Time) (*QuoteInsert, error)
	// SetQuoteStatus is a conditional from->to transition on one quote. It
	// reports false, writing nothing, once the parent request has left
	// {pending, quoted}.
	SetQuoteStatus(ctx context.Context, id types.ID, from, to QuoteStatus, at time.Time) (bool, error)
	// Assign binds the quote's driver to the request and resolves every other
	// active quote. ErrAssignmentConflict on any failed precondition.
	Assign(ctx context.Context, a Assignment) (*AssignResult, error)
	// Update writes next if the stored version equals expectedVersion and
	// bumps it by one. ErrConcurrentModification otherwise.
	Update(ctx context.Context, next *ServiceRequest, expectedVersion int, ev Event) error
	// ExpireQuotes moves up to limit active quotes past their window to expired.
	// Quotes of requests no longer open for bids are left alone.
	ExpireQuotes(ctx context.Context, now time.Time, limit int) ([]Quote, error)
	Events(ctx context.Context, requestID types.ID) ([]Event, error)
}
