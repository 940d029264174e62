// README: AssignmentGuard; the single entry point for binding a driver to a request.
package request

import (
	"context"
	"time"

	"towhub/internal/types"
)

type Guard struct {
	store Store
	now   func() time.Time
}

func NewGuard(store Store, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	return &Guard{store: store, now: now}
}

// TryAssign accepts quoteID on requestID if the request is still quoted at
// expectedVersion and the quote is active and unexpired at the guard's clock.
// Winner, request and rejected siblings are written in one commit, or nothing is.
func (g *Guard) TryAssign(ctx context.Context, requestID, quoteID types.ID, expectedVersion int) (*AssignResult, error) {
	return g.store.Assign(ctx, Assignment{
		RequestID:       requestID,
		QuoteID:         quoteID,
		ExpectedVersion: expectedVersion,
		Now:             g.now(),
	})
}
