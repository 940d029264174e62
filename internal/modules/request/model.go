// README: ServiceRequest aggregate, quotes and the transition event log.
package request

import (
	"fmt"
	"time"

	"towhub/internal/types"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusQuoted     Status = "quoted"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var allStatuses = []Status{
	StatusPending, StatusQuoted, StatusAccepted, StatusInProgress, StatusCompleted, StatusCancelled,
}

// ParseStatus rejects anything outside the closed lifecycle set.
func ParseStatus(s string) (Status, error) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrValidation, s)
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Open reports whether the request still counts against the client's single open slot.
func (s Status) Open() bool {
	return !s.Terminal()
}

// Assigned reports whether a driver must be bound in this status.
func (s Status) Assigned() bool {
	return s == StatusAccepted || s == StatusInProgress || s == StatusCompleted
}

// Biddable reports whether quotes may be submitted or listed.
func (s Status) Biddable() bool {
	return s == StatusPending || s == StatusQuoted
}

type QuoteStatus string

const (
	QuoteActive    QuoteStatus = "active"
	QuoteWithdrawn QuoteStatus = "withdrawn"
	QuoteExpired   QuoteStatus = "expired"
	QuoteAccepted  QuoteStatus = "accepted"
	QuoteRejected  QuoteStatus = "rejected"
)

type ActorRole string

const (
	ActorClient ActorRole = "client"
	ActorDriver ActorRole = "driver"
	ActorSystem ActorRole = "system"
)

func ParseActorRole(s string) (ActorRole, error) {
	switch ActorRole(s) {
	case ActorClient, ActorDriver, ActorSystem:
		return ActorRole(s), nil
	}
	return "", fmt.Errorf("%w: unknown actor role %q", ErrValidation, s)
}

// VehicleSnapshot is copied at creation and never updated.
type VehicleSnapshot struct {
	Plate    string `json:"plate"`
	Brand    string `json:"brand"`
	Model    string `json:"model"`
	Category string `json:"category"`
	Color    string `json:"color,omitempty"`
	Year     int    `json:"year,omitempty"`
}

type Location struct {
	Point   types.Point `json:"point"`
	Address string      `json:"address,omitempty"`
}

type Cancellation struct {
	By          ActorRole `json:"by"`
	ActorID     *types.ID `json:"actor_id,omitempty"`
	ReasonCode  string    `json:"reason_code"`
	FreeText    string    `json:"free_text,omitempty"`
	CancelledAt time.Time `json:"cancelled_at"`
}

type Rating struct {
	Stars   int         `json:"stars"`
	Comment string      `json:"comment,omitempty"`
	Tip     types.Money `json:"tip"`
	RatedAt time.Time   `json:"rated_at"`
}

type Payment struct {
	Reference string    `json:"reference"`
	SettledAt time.Time `json:"settled_at"`
}

type ServiceRequest struct {
	ID                     types.ID        `json:"id"`
	ClientID               types.ID        `json:"client_id"`
	Vehicle                VehicleSnapshot `json:"vehicle"`
	Origin                 Location        `json:"origin"`
	Destination            *Location       `json:"destination,omitempty"`
	Problem                string          `json:"problem"`
	Status                 Status          `json:"status"`
	AssignedDriverID       *types.ID       `json:"assigned_driver_id,omitempty"`
	AcceptedQuoteID        *types.ID       `json:"accepted_quote_id,omitempty"`
	TotalAmount            *types.Money    `json:"total_amount,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	AcceptedAt             *time.Time      `json:"accepted_at,omitempty"`
	StartedAt              *time.Time      `json:"started_at,omitempty"`
	CompletedAt            *time.Time      `json:"completed_at,omitempty"`
	ServiceDurationSeconds *int64          `json:"service_duration_seconds,omitempty"`
	Cancellation           *Cancellation   `json:"cancellation,omitempty"`
	Rating                 *Rating         `json:"rating,omitempty"`
	Payment                *Payment        `json:"payment,omitempty"`
	Version                int             `json:"version"`
	Quotes                 []Quote         `json:"quotes,omitempty"`
}

// Clone returns a deep copy; stores hand out clones only.
func (r *ServiceRequest) Clone() *ServiceRequest {
	if r == nil {
		return nil
	}
	c := *r
	if r.Destination != nil {
		d := *r.Destination
		c.Destination = &d
	}
	c.AssignedDriverID = cloneID(r.AssignedDriverID)
	c.AcceptedQuoteID = cloneID(r.AcceptedQuoteID)
	if r.TotalAmount != nil {
		m := *r.TotalAmount
		c.TotalAmount = &m
	}
	c.AcceptedAt = cloneTime(r.AcceptedAt)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	if r.ServiceDurationSeconds != nil {
		v := *r.ServiceDurationSeconds
		c.ServiceDurationSeconds = &v
	}
	if r.Cancellation != nil {
		cc := *r.Cancellation
		cc.ActorID = cloneID(r.Cancellation.ActorID)
		c.Cancellation = &cc
	}
	if r.Rating != nil {
		rr := *r.Rating
		c.Rating = &rr
	}
	if r.Payment != nil {
		p := *r.Payment
		c.Payment = &p
	}
	if r.Quotes != nil {
		c.Quotes = make([]Quote, len(r.Quotes))
		for i := range r.Quotes {
			c.Quotes[i] = *r.Quotes[i].Clone()
		}
	}
	return &c
}

// ActiveBidders lists drivers holding an unexpired active quote at now.
func (r *ServiceRequest) ActiveBidders(now time.Time) []types.ID {
	var out []types.ID
	for _, q := range r.Quotes {
		if q.Live(now) {
			out = append(out, q.DriverID)
		}
	}
	return out
}

// LiveQuoteBy returns the driver's active, unexpired quote, or nil.
func (r *ServiceRequest) LiveQuoteBy(driverID types.ID, now time.Time) *Quote {
	for i := range r.Quotes {
		if r.Quotes[i].DriverID == driverID && r.Quotes[i].Live(now) {
			return &r.Quotes[i]
		}
	}
	return nil
}

type Quote struct {
	ID          types.ID    `json:"id"`
	RequestID   types.ID    `json:"request_id"`
	DriverID    types.ID    `json:"driver_id"`
	Amount      types.Money `json:"amount"`
	SubmittedAt time.Time   `json:"submitted_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	Status      QuoteStatus `json:"status"`
	ResolvedAt  *time.Time  `json:"resolved_at,omitempty"`
}

func (q *Quote) Clone() *Quote {
	c := *q
	c.ResolvedAt = cloneTime(q.ResolvedAt)
	return &c
}

// Expired reports whether the validity window has closed at now.
func (q *Quote) Expired(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}

// Live reports whether the quote is active and still inside its window.
func (q *Quote) Live(now time.Time) bool {
	return q.Status == QuoteActive && !q.Expired(now)
}

type EventKind string

const (
	EventCreated        EventKind = "created"
	EventQuoted         EventKind = "quoted"
	EventAccepted       EventKind = "accepted"
	EventStarted        EventKind = "started"
	EventCompleted      EventKind = "completed"
	EventCancelled      EventKind = "cancelled"
	EventRated          EventKind = "rated"
	EventPaymentSettled EventKind = "payment_settled"
)

// Event is one committed transition, written in the same commit as the state.
type Event struct {
	ID         int64     `json:"id"`
	RequestID  types.ID  `json:"request_id"`
	Kind       EventKind `json:"kind"`
	FromStatus Status    `json:"from_status,omitempty"`
	ToStatus   Status    `json:"to_status"`
	ActorRole  ActorRole `json:"actor_role"`
	ActorID    *types.ID `json:"actor_id,omitempty"`
	Version    int       `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
}

func cloneID(v *types.ID) *types.ID {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func idPtr(v types.ID) *types.ID {
	if v == "" {
		return nil
	}
	return &v
}

func timePtr(v time.Time) *time.Time {
	return &v
}
