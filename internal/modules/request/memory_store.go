// README: In-process Store for tests and local runs; one mutex held per commit.
package request

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"towhub/internal/types"
)

type MemoryStore struct {
	mu        sync.Mutex
	requests  map[types.ID]*ServiceRequest
	quotes    map[types.ID]*Quote
	byRequest map[types.ID][]types.ID
	events    map[types.ID][]Event
	nextEvent int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:  map[types.ID]*ServiceRequest{},
		quotes:    map[types.ID]*Quote{},
		byRequest: map[types.ID][]types.ID{},
		events:    map[types.ID][]Event{},
	}
}

// Seed stores r as-is, bypassing lifecycle checks. Used to set up fixtures.
func (s *MemoryStore) Seed(r *ServiceRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := r.Clone()
	quotes := c.Quotes
	c.Quotes = nil
	s.requests[c.ID] = c
	for i := range quotes {
		q := quotes[i]
		s.quotes[q.ID] = &q
		s.byRequest[c.ID] = append(s.byRequest[c.ID], q.ID)
	}
}

func (s *MemoryStore) Create(_ context.Context, r *ServiceRequest, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[r.ID]; exists {
		return fmt.Errorf("request %s already exists", r.ID)
	}
	if s.hasOpenLocked(r.ClientID) {
		return ErrActiveRequest
	}
	c := r.Clone()
	c.Quotes = nil
	s.requests[r.ID] = c
	s.appendEventLocked(ev)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id types.ID) (*ServiceRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(id)
}

func (s *MemoryStore) GetQuote(_ context.Context, id types.ID) (*Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[id]
	if !ok {
		return nil, fmt.Errorf("%w: quote %s", ErrNotFound, id)
	}
	return q.Clone(), nil
}

func (s *MemoryStore) HasActiveByClient(_ context.Context, clientID types.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasOpenLocked(clientID), nil
}

func (s *MemoryStore) InsertQuote(_ context.Context, q *Quote, now time.Time) (*QuoteInsert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[q.RequestID]
	if !ok {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, q.RequestID)
	}
	if !r.Status.Biddable() {
		return nil, fmt.Errorf("%w: request is %s", ErrInvalidState, r.Status)
	}

	// Validate everything before touching state so a failure writes nothing.
	var stale []*Quote
	for _, id := range s.byRequest[r.ID] {
		existing := s.quotes[id]
		if existing.DriverID != q.DriverID || existing.Status != QuoteActive {
			continue
		}
		if !existing.Expired(now) {
			return nil, ErrDuplicateActiveQuote
		}
		stale = append(stale, existing)
	}
	for _, existing := range stale {
		existing.Status = QuoteExpired
		existing.ResolvedAt = timePtr(now)
	}

	stored := q.Clone()
	s.quotes[stored.ID] = stored
	s.byRequest[r.ID] = append(s.byRequest[r.ID], stored.ID)

	flipped := false
	if r.Status == StatusPending {
		r.Status = StatusQuoted
		r.Version++
		flipped = true
		s.appendEventLocked(Event{
			RequestID:  r.ID,
			Kind:       EventQuoted,
			FromStatus: StatusPending,
			ToStatus:   StatusQuoted,
			ActorRole:  ActorDriver,
			ActorID:    idPtr(q.DriverID),
			Version:    r.Version,
			CreatedAt:  now,
		})
	}
	snap, _ := s.snapshotLocked(r.ID)
	return &QuoteInsert{Request: snap, Quote: *stored.Clone(), Flipped: flipped}, nil
}

func (s *MemoryStore) SetQuoteStatus(_ context.Context, id types.ID, from, to QuoteStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[id]
	if !ok {
		return false, fmt.Errorf("%w: quote %s", ErrNotFound, id)
	}
	if q.Status != from || !s.requests[q.RequestID].Status.Biddable() {
		return false, nil
	}
	q.Status = to
	q.ResolvedAt = timePtr(at)
	return true, nil
}

func (s *MemoryStore) Assign(_ context.Context, a Assignment) (*AssignResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[a.RequestID]
	if !ok {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, a.RequestID)
	}
	winner, ok := s.quotes[a.QuoteID]
	if err := checkAssignment(r, winner, ok, a); err != nil {
		return nil, err
	}

	amount := winner.Amount
	r.Status = StatusAccepted
	r.AssignedDriverID = idPtr(winner.DriverID)
	r.AcceptedQuoteID = idPtr(winner.ID)
	r.TotalAmount = &amount
	r.AcceptedAt = timePtr(a.Now)
	r.Version++

	winner.Status = QuoteAccepted
	winner.ResolvedAt = timePtr(a.Now)

	var rejected []Quote
	for _, id := range s.byRequest[r.ID] {
		q := s.quotes[id]
		if q.ID == winner.ID || q.Status != QuoteActive {
			continue
		}
		q.Status = QuoteRejected
		q.ResolvedAt = timePtr(a.Now)
		rejected = append(rejected, *q.Clone())
	}

	s.appendEventLocked(Event{
		RequestID:  r.ID,
		Kind:       EventAccepted,
		FromStatus: StatusQuoted,
		ToStatus:   StatusAccepted,
		ActorRole:  ActorClient,
		ActorID:    idPtr(r.ClientID),
		Version:    r.Version,
		CreatedAt:  a.Now,
	})
	snap, _ := s.snapshotLocked(r.ID)
	return &AssignResult{Request: snap, Winner: *winner.Clone(), Rejected: rejected}, nil
}

// checkAssignment verifies every precondition of the guarded accept.
func checkAssignment(r *ServiceRequest, q *Quote, found bool, a Assignment) error {
	switch {
	case !found:
		return fmt.Errorf("%w: quote %s not found", ErrAssignmentConflict, a.QuoteID)
	case q.RequestID != r.ID:
		return fmt.Errorf("%w: quote %s belongs to another request", ErrAssignmentConflict, q.ID)
	case q.Status != QuoteActive:
		return fmt.Errorf("%w: quote is %s", ErrAssignmentConflict, q.Status)
	case q.Expired(a.Now):
		return fmt.Errorf("%w: quote expired at %s", ErrAssignmentConflict, q.ExpiresAt.Format(time.RFC3339))
	case r.Status != StatusQuoted:
		return fmt.Errorf("%w: request is %s", ErrAssignmentConflict, r.Status)
	case r.Version != a.ExpectedVersion:
		return fmt.Errorf("%w: version %d, expected %d", ErrAssignmentConflict, r.Version, a.ExpectedVersion)
	}
	return nil
}

func (s *MemoryStore) Update(_ context.Context, next *ServiceRequest, expectedVersion int, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.requests[next.ID]
	if !ok {
		return fmt.Errorf("%w: request %s", ErrNotFound, next.ID)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%w: version %d, expected %d", ErrConcurrentModification, cur.Version, expectedVersion)
	}
	c := next.Clone()
	c.Quotes = nil
	c.Version = expectedVersion + 1
	s.requests[c.ID] = c
	next.Version = c.Version

	ev.Version = c.Version
	s.appendEventLocked(ev)
	return nil
}

func (s *MemoryStore) ExpireQuotes(_ context.Context, now time.Time, limit int) ([]Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Quote
	for _, q := range s.quotes {
		if q.Status == QuoteActive && q.Expired(now) && s.requests[q.RequestID].Status.Biddable() {
			due = append(due, q)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]Quote, 0, len(due))
	for _, q := range due {
		q.Status = QuoteExpired
		q.ResolvedAt = timePtr(now)
		out = append(out, *q.Clone())
	}
	return out, nil
}

func (s *MemoryStore) Events(_ context.Context, requestID types.ID) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[requestID]; !ok {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, requestID)
	}
	out := make([]Event, len(s.events[requestID]))
	copy(out, s.events[requestID])
	return out, nil
}

func (s *MemoryStore) hasOpenLocked(clientID types.ID) bool {
	for _, r := range s.requests {
		if r.ClientID == clientID && r.Status.Open() {
			return true
		}
	}
	return false
}

func (s *MemoryStore) appendEventLocked(ev Event) {
	s.nextEvent++
	ev.ID = s.nextEvent
	s.events[ev.RequestID] = append(s.events[ev.RequestID], ev)
}

func (s *MemoryStore) snapshotLocked(id types.ID) (*ServiceRequest, error) {
	r, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, id)
	}
	c := r.Clone()
	ids := s.byRequest[id]
	c.Quotes = make([]Quote, 0, len(ids))
	for _, qid := range ids {
		c.Quotes = append(c.Quotes, *s.quotes[qid].Clone())
	}
	return c, nil
}
