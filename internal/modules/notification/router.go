// README: NotificationRouter maps committed request transitions to addressed events. No I/O.
package notification

// Kind names the committed change a Transition describes.
type Kind string

const (
	KindCreated        Kind = "created"
	KindQuoteSubmitted Kind = "quote_submitted"
	KindQuoteWithdrawn Kind = "quote_withdrawn"
	KindQuoteExpired   Kind = "quote_expired"
	KindAccepted       Kind = "accepted"
	KindStarted        Kind = "started"
	KindCompleted      Kind = "completed"
	KindCancelled      Kind = "cancelled"
	KindRated          Kind = "rated"
	KindPaymentSettled Kind = "payment_settled"
)

type EventType string

const (
	EventNewRequestAvailable EventType = "new_request_available"
	EventQuoteReceived       EventType = "quote_received"
	EventQuoteWithdrawn      EventType = "quote_withdrawn"
	EventQuoteExpired        EventType = "quote_expired"
	EventAssigned            EventType = "assigned"
	EventLostBid             EventType = "lost_bid"
	EventServiceStarted      EventType = "service_started"
	EventRateService         EventType = "rate_service"
	EventRequestCancelled    EventType = "request_cancelled"
	EventRated               EventType = "rated"
	EventPaymentSettled      EventType = "payment_settled"
)

const (
	RoleClient = "client"
	RoleDriver = "driver"
	RoleSystem = "system"
)

type Recipient struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// Bid identifies a driver's quote referenced by a transition.
type Bid struct {
	QuoteID  string
	DriverID string
}

// Transition is the router input. Statuses are plain strings so the router
// does not depend on the request package.
type Transition struct {
	Kind       Kind
	RequestID  string
	FromStatus string
	ToStatus   string
	ClientID   string
	DriverID   string
	QuoteID    string
	Amount     int64
	Currency   string
	ActorRole  string
	ActorID    string
	ReasonCode string
	Stars      int
	// Eligible drivers for the new-request fan-out.
	Eligible []string
	// Rejected bids on acceptance.
	Rejected []Bid
	// Bidders holding an active quote when the request was cancelled.
	Bidders []string
}

type Event struct {
	Recipient Recipient      `json:"recipient"`
	Type      EventType      `json:"type"`
	RequestID string         `json:"request_id"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Route returns the events a transition produces, in a stable order.
func Route(t Transition) []Event {
	switch t.Kind {
	case KindCreated:
		out := make([]Event, 0, len(t.Eligible))
		seen := map[string]bool{}
		for _, id := range t.Eligible {
			if id == "" || seen[id] || id == t.ClientID {
				continue
			}
			seen[id] = true
			out = append(out, event(driver(id), EventNewRequestAvailable, t, map[string]any{"origin_status": t.ToStatus}))
		}
		return out
	case KindQuoteSubmitted:
		return []Event{event(client(t.ClientID), EventQuoteReceived, t, quotePayload(t))}
	case KindQuoteWithdrawn:
		return []Event{event(client(t.ClientID), EventQuoteWithdrawn, t, map[string]any{"quote_id": t.QuoteID, "driver_id": t.DriverID})}
	case KindQuoteExpired:
		return []Event{event(driver(t.DriverID), EventQuoteExpired, t, map[string]any{"quote_id": t.QuoteID})}
	case KindAccepted:
		out := make([]Event, 0, 1+len(t.Rejected))
		out = append(out, event(driver(t.DriverID), EventAssigned, t, quotePayload(t)))
		for _, bid := range t.Rejected {
			out = append(out, event(driver(bid.DriverID), EventLostBid, t, map[string]any{"quote_id": bid.QuoteID}))
		}
		return out
	case KindStarted:
		return []Event{event(client(t.ClientID), EventServiceStarted, t, map[string]any{"driver_id": t.DriverID})}
	case KindCompleted:
		payload := quotePayload(t)
		return []Event{
			event(client(t.ClientID), EventRateService, t, payload),
			event(driver(t.DriverID), EventRateService, t, payload),
		}
	case KindCancelled:
		return routeCancelled(t)
	case KindRated:
		return []Event{event(driver(t.DriverID), EventRated, t, map[string]any{"stars": t.Stars})}
	case KindPaymentSettled:
		return []Event{event(driver(t.DriverID), EventPaymentSettled, t, quotePayload(t))}
	}
	return nil
}

func routeCancelled(t Transition) []Event {
	payload := map[string]any{
		"reason_code":  t.ReasonCode,
		"cancelled_by": t.ActorRole,
		"from_status":  t.FromStatus,
	}
	var out []Event
	seen := map[string]bool{}
	add := func(r Recipient) {
		if r.ID == "" || seen[r.ID] {
			return
		}
		if r.Role == t.ActorRole && r.ID == t.ActorID {
			return
		}
		seen[r.ID] = true
		out = append(out, event(r, EventRequestCancelled, t, payload))
	}
	add(client(t.ClientID))
	add(driver(t.DriverID))
	for _, id := range t.Bidders {
		add(driver(id))
	}
	return out
}

func quotePayload(t Transition) map[string]any {
	p := map[string]any{"quote_id": t.QuoteID}
	if t.Amount > 0 {
		p["amount"] = t.Amount
		p["currency"] = t.Currency
	}
	if t.DriverID != "" {
		p["driver_id"] = t.DriverID
	}
	return p
}

func event(r Recipient, typ EventType, t Transition, payload map[string]any) Event {
	return Event{Recipient: r, Type: typ, RequestID: t.RequestID, Payload: payload}
}

func client(id string) Recipient { return Recipient{ID: id, Role: RoleClient} }
func driver(id string) Recipient { return Recipient{ID: id, Role: RoleDriver} }
