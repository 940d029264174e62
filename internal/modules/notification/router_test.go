// README: Router unit tests; every transition kind maps to the expected recipients.
package notification

import "testing"

func TestRoute_CreatedFansOutToEligibleDrivers(t *testing.T) {
	events := Route(Transition{
		Kind:      KindCreated,
		RequestID: "r1",
		ClientID:  "c1",
		ToStatus:  "pending",
		Eligible:  []string{"d1", "d2", "d1", "", "c1"},
	})
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	for i, want := range []string{"d1", "d2"} {
		if events[i].Recipient.ID != want || events[i].Recipient.Role != RoleDriver {
			t.Fatalf("event %d: expected driver %s, got %+v", i, want, events[i].Recipient)
		}
		if events[i].Type != EventNewRequestAvailable {
			t.Fatalf("event %d: expected %s, got %s", i, EventNewRequestAvailable, events[i].Type)
		}
	}
}

func TestRoute_QuoteEvents(t *testing.T) {
	cases := []struct {
		kind     Kind
		wantType EventType
		wantTo   Recipient
	}{
		{KindQuoteSubmitted, EventQuoteReceived, Recipient{ID: "c1", Role: RoleClient}},
		{KindQuoteWithdrawn, EventQuoteWithdrawn, Recipient{ID: "c1", Role: RoleClient}},
		{KindQuoteExpired, EventQuoteExpired, Recipient{ID: "d1", Role: RoleDriver}},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			events := Route(Transition{Kind: tc.kind, RequestID: "r1", ClientID: "c1", DriverID: "d1", QuoteID: "q1", Amount: 100000, Currency: "USD"})
			if len(events) != 1 {
				t.Fatalf("expected 1 event, got %d", len(events))
			}
			if events[0].Type != tc.wantType || events[0].Recipient != tc.wantTo {
				t.Fatalf("expected %s to %+v, got %s to %+v", tc.wantType, tc.wantTo, events[0].Type, events[0].Recipient)
			}
			if events[0].Payload["quote_id"] != "q1" {
				t.Fatalf("expected quote_id in payload, got %v", events[0].Payload)
			}
		})
	}
}

func TestRoute_AcceptedNotifiesWinnerAndLosers(t *testing.T) {
	events := Route(Transition{
		Kind:      KindAccepted,
		RequestID: "r1",
		ClientID:  "c1",
		DriverID:  "d2",
		QuoteID:   "q2",
		Amount:    90000,
		Rejected:  []Bid{{QuoteID: "q1", DriverID: "d1"}, {QuoteID: "q3", DriverID: "d3"}},
	})
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Type != EventAssigned || events[0].Recipient.ID != "d2" {
		t.Fatalf("expected assigned to d2 first, got %+v", events[0])
	}
	if events[0].Payload["amount"] != int64(90000) {
		t.Fatalf("expected amount in assigned payload, got %v", events[0].Payload)
	}
	for _, ev := range events[1:] {
		if ev.Type != EventLostBid {
			t.Fatalf("expected lost_bid, got %s", ev.Type)
		}
	}
	if events[1].Recipient.ID != "d1" || events[2].Recipient.ID != "d3" {
		t.Fatalf("unexpected loser order: %+v %+v", events[1].Recipient, events[2].Recipient)
	}
}

func TestRoute_CompletedNotifiesBothParties(t *testing.T) {
	events := Route(Transition{Kind: KindCompleted, RequestID: "r1", ClientID: "c1", DriverID: "d1"})
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Recipient.Role != RoleClient || events[1].Recipient.Role != RoleDriver {
		t.Fatalf("expected client then driver, got %+v", events)
	}
	for _, ev := range events {
		if ev.Type != EventRateService {
			t.Fatalf("expected rate_service, got %s", ev.Type)
		}
	}
}

func TestRoute_CancelledSkipsCanceller(t *testing.T) {
	cases := []struct {
		name string
		t    Transition
		want []string
	}{
		{
			name: "client cancels quoted request",
			t: Transition{Kind: KindCancelled, ClientID: "c1", ActorRole: RoleClient, ActorID: "c1",
				ReasonCode: "changed_mind", Bidders: []string{"d1", "d2"}},
			want: []string{"d1", "d2"},
		},
		{
			name: "assigned driver cancels",
			t: Transition{Kind: KindCancelled, ClientID: "c1", DriverID: "d1", ActorRole: RoleDriver, ActorID: "d1",
				ReasonCode: "truck_broken"},
			want: []string{"c1"},
		},
		{
			name: "bidder cancels quoted request",
			t: Transition{Kind: KindCancelled, ClientID: "c1", ActorRole: RoleDriver, ActorID: "d2",
				ReasonCode: "unavailable", Bidders: []string{"d1", "d2"}},
			want: []string{"c1", "d1"},
		},
		{
			name: "system cancels in progress",
			t: Transition{Kind: KindCancelled, ClientID: "c1", DriverID: "d1", ActorRole: RoleSystem,
				ReasonCode: "system"},
			want: []string{"c1", "d1"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			events := Route(tc.t)
			if len(events) != len(tc.want) {
				t.Fatalf("expected %d events, got %d: %+v", len(tc.want), len(events), events)
			}
			for i, id := range tc.want {
				if events[i].Recipient.ID != id {
					t.Fatalf("event %d: expected %s, got %s", i, id, events[i].Recipient.ID)
				}
				if events[i].Type != EventRequestCancelled {
					t.Fatalf("expected request_cancelled, got %s", events[i].Type)
				}
				if events[i].Payload["reason_code"] != tc.t.ReasonCode {
					t.Fatalf("expected reason code %s, got %v", tc.t.ReasonCode, events[i].Payload)
				}
			}
		})
	}
}

func TestRoute_RatedAndSettledGoToDriver(t *testing.T) {
	for _, kind := range []Kind{KindRated, KindPaymentSettled} {
		events := Route(Transition{Kind: kind, ClientID: "c1", DriverID: "d1", Stars: 5})
		if len(events) != 1 || events[0].Recipient != (Recipient{ID: "d1", Role: RoleDriver}) {
			t.Fatalf("%s: expected a single driver event, got %+v", kind, events)
		}
	}
}

func TestRoute_UnknownKind(t *testing.T) {
	if events := Route(Transition{Kind: "bogus"}); len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}
