// README: NegotiationController; validates intents against the lifecycle and commits them.
package request

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"towhub/internal/modules/notification"
	"towhub/internal/types"
)

const tracerName = "towhub/request"

// EligibilityIndex answers which drivers should hear about a new request.
type EligibilityIndex interface {
	EligibleDrivers(ctx context.Context, origin types.Point, category string) ([]types.ID, error)
}

type Options struct {
	QuoteTTL      time.Duration
	Currency      string
	SweepInterval time.Duration
	SweepBatch    int
	Now           func() time.Time
	Logger        zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.QuoteTTL <= 0 {
		o.QuoteTTL = 10 * time.Minute
	}
	if o.Currency == "" {
		o.Currency = "USD"
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 15 * time.Second
	}
	if o.SweepBatch <= 0 {
		o.SweepBatch = 500
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type Service struct {
	store   Store
	ledger  *Ledger
	guard   *Guard
	drivers EligibilityIndex
	pub     notification.Publisher
	log     zerolog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

func NewService(store Store, drivers EligibilityIndex, pub notification.Publisher, opts Options) *Service {
	opts = opts.withDefaults()
	return &Service{
		store:   store,
		ledger:  NewLedger(store, pub, opts),
		guard:   NewGuard(store, opts.Now),
		drivers: drivers,
		pub:     pub,
		log:     opts.Logger.With().Str("component", "request").Logger(),
		tracer:  otel.Tracer(tracerName),
		now:     opts.Now,
	}
}

func (s *Service) Ledger() *Ledger { return s.ledger }

type CreateCommand struct {
	ClientID    types.ID
	Vehicle     VehicleSnapshot
	Origin      Location
	Destination *Location
	Problem     string
}

type AcceptCommand struct {
	RequestID types.ID
	QuoteID   types.ID
	ClientID  types.ID
}

type AdvanceCommand struct {
	RequestID types.ID
	DriverID  types.ID
	Target    Status
}

type CancelCommand struct {
	RequestID  types.ID
	ActorID    types.ID
	ActorRole  ActorRole
	ReasonCode string
	FreeText   string
}

type RateCommand struct {
	RequestID types.ID
	ClientID  types.ID
	Stars     int
	Comment   string
	Tip       int64
}

type SettleCommand struct {
	RequestID types.ID
	Reference string
	ActorID   types.ID
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (_ *ServiceRequest, err error) {
	ctx, span := s.tracer.Start(ctx, "request.Create", trace.WithAttributes(
		attribute.String("client.id", cmd.ClientID.String()),
	))
	defer func() { endSpan(span, err) }()

	if err := validateCreate(cmd); err != nil {
		return nil, err
	}
	active, err := s.store.HasActiveByClient(ctx, cmd.ClientID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrActiveRequest
	}

	now := s.now()
	r := &ServiceRequest{
		ID:          types.NewID(),
		ClientID:    cmd.ClientID,
		Vehicle:     cmd.Vehicle,
		Origin:      cmd.Origin,
		Destination: cmd.Destination,
		Problem:     strings.TrimSpace(cmd.Problem),
		Status:      StatusPending,
		CreatedAt:   now,
		Version:     1,
	}
	err = s.store.Create(ctx, r, Event{
		RequestID: r.ID,
		Kind:      EventCreated,
		ToStatus:  StatusPending,
		ActorRole: ActorClient,
		ActorID:   idPtr(cmd.ClientID),
		Version:   r.Version,
		CreatedAt: now,
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("request.id", r.ID.String()))
	s.log.Info().Str("request_id", r.ID.String()).Str("client_id", r.ClientID.String()).Msg("request created")

	s.fanOut(ctx, r)
	return r.Clone(), nil
}

func validateCreate(cmd CreateCommand) error {
	switch {
	case cmd.ClientID == "":
		return fmt.Errorf("%w: client id is required", ErrValidation)
	case strings.TrimSpace(cmd.Vehicle.Category) == "":
		return fmt.Errorf("%w: vehicle category is required", ErrValidation)
	case !cmd.Origin.Point.Valid():
		return fmt.Errorf("%w: origin is out of range", ErrValidation)
	case cmd.Destination != nil && !cmd.Destination.Point.Valid():
		return fmt.Errorf("%w: destination is out of range", ErrValidation)
	case strings.TrimSpace(cmd.Problem) == "":
		return fmt.Errorf("%w: problem description is required", ErrValidation)
	}
	return nil
}

// fanOut tells eligible drivers about a new request. Index failures are logged only.
func (s *Service) fanOut(ctx context.Context, r *ServiceRequest) {
	if s.drivers == nil {
		return
	}
	ids, err := s.drivers.EligibleDrivers(ctx, r.Origin.Point, r.Vehicle.Category)
	if err != nil {
		s.log.Warn().Err(err).Str("request_id", r.ID.String()).Msg("eligible drivers lookup failed")
		return
	}
	eligible := make([]string, 0, len(ids))
	for _, id := range ids {
		eligible = append(eligible, id.String())
	}
	s.dispatch(ctx, notification.Transition{
		Kind:      notification.KindCreated,
		RequestID: r.ID.String(),
		ClientID:  r.ClientID.String(),
		ToStatus:  string(r.Status),
		ActorRole: string(ActorClient),
		ActorID:   r.ClientID.String(),
		Eligible:  eligible,
	})
}

func (s *Service) AcceptQuote(ctx context.Context, cmd AcceptCommand) (_ *ServiceRequest, err error) {
	ctx, span := s.tracer.Start(ctx, "request.AcceptQuote", trace.WithAttributes(
		attribute.String("request.id", cmd.RequestID.String()),
		attribute.String("quote.id", cmd.QuoteID.String()),
	))
	defer func() { endSpan(span, err) }()

	if cmd.RequestID == "" || cmd.QuoteID == "" || cmd.ClientID == "" {
		return nil, fmt.Errorf("%w: request, quote and client ids are required", ErrValidation)
	}
	r, err := s.store.Get(ctx, cmd.RequestID)
	if err != nil {
		return nil, err
	}
	if r.ClientID != cmd.ClientID {
		return nil, ErrNotOwner
	}
	if done, err := acceptedAlready(r, cmd.QuoteID); err != nil {
		return nil, err
	} else if done {
		return r, nil
	}
	if !CanTransition(r.Status, StatusAccepted) {
		return nil, fmt.Errorf("%w: cannot accept from %s", ErrIllegalTransition, r.Status)
	}

	res, err := s.guard.TryAssign(ctx, r.ID, cmd.QuoteID, r.Version)
	if err != nil {
		if !errors.Is(err, ErrAssignmentConflict) {
			return nil, err
		}
		// A duplicate accept of the same quote may have won the race.
		fresh, getErr := s.store.Get(ctx, cmd.RequestID)
		if getErr != nil {
			return nil, err
		}
		if done, _ := acceptedAlready(fresh, cmd.QuoteID); done {
			return fresh, nil
		}
		return nil, err
	}

	s.log.Info().
		Str("request_id", r.ID.String()).
		Str("quote_id", cmd.QuoteID.String()).
		Str("driver_id", res.Winner.DriverID.String()).
		Int("rejected", len(res.Rejected)).
		Msg("quote accepted")

	rejected := make([]notification.Bid, 0, len(res.Rejected))
	for _, q := range res.Rejected {
		rejected = append(rejected, notification.Bid{QuoteID: q.ID.String(), DriverID: q.DriverID.String()})
	}
	s.dispatch(ctx, notification.Transition{
		Kind:       notification.KindAccepted,
		RequestID:  r.ID.String(),
		FromStatus: string(StatusQuoted),
		ToStatus:   string(StatusAccepted),
		ClientID:   r.ClientID.String(),
		DriverID:   res.Winner.DriverID.String(),
		QuoteID:    res.Winner.ID.String(),
		Amount:     res.Winner.Amount.Amount,
		Currency:   res.Winner.Amount.Currency,
		ActorRole:  string(ActorClient),
		ActorID:    cmd.ClientID.String(),
		Rejected:   rejected,
	})
	return res.Request, nil
}

// acceptedAlready reports whether r already carries an assignment. Accepting the
// same quote again is a no-op success; any other quote is a conflict.
func acceptedAlready(r *ServiceRequest, quoteID types.ID) (bool, error) {
	if !r.Status.Assigned() || r.AcceptedQuoteID == nil {
		return false, nil
	}
	if *r.AcceptedQuoteID == quoteID {
		return true, nil
	}
	return true, fmt.Errorf("%w: request already accepted another quote", ErrAssignmentConflict)
}

func (s *Service) AdvanceStatus(ctx context.Context, cmd AdvanceCommand) (_ *ServiceRequest, err error) {
	ctx, span := s.tracer.Start(ctx, "request.AdvanceStatus", trace.WithAttributes(
		attribute.String("request.id", cmd.RequestID.String()),
		attribute.String("target", string(cmd.Target)),
	))
	defer func() { endSpan(span, err) }()

	if !advanceTargets[cmd.Target] {
		return nil, fmt.Errorf("%w: cannot advance to %q", ErrValidation, cmd.Target)
	}
	if cmd.DriverID == "" {
		return nil, fmt.Errorf("%w: driver id is required", ErrValidation)
	}
	r, err := s.store.Get(ctx, cmd.RequestID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(r.Status, cmd.Target) {
		return nil, fmt.Errorf("%w: %s to %s", ErrIllegalTransition, r.Status, cmd.Target)
	}
	if r.AssignedDriverID == nil || *r.AssignedDriverID != cmd.DriverID {
		return nil, ErrNotOwner
	}

	now := s.now()
	next := r.Clone()
	next.Status = cmd.Target
	kind := EventStarted
	switch cmd.Target {
	case StatusInProgress:
		next.StartedAt = timePtr(now)
	case StatusCompleted:
		if r.TotalAmount == nil {
			return nil, fmt.Errorf("%w: total amount must be set before completion", ErrValidation)
		}
		kind = EventCompleted
		next.CompletedAt = timePtr(now)
		if r.StartedAt != nil {
			d := int64(now.Sub(*r.StartedAt).Seconds())
			next.ServiceDurationSeconds = &d
		}
	}

	err = s.store.Update(ctx, next, r.Version, Event{
		RequestID:  r.ID,
		Kind:       kind,
		FromStatus: r.Status,
		ToStatus:   cmd.Target,
		ActorRole:  ActorDriver,
		ActorID:    idPtr(cmd.DriverID),
		CreatedAt:  now,
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("request_id", r.ID.String()).Str("status", string(cmd.Target)).Msg("request advanced")

	t := notification.Transition{
		Kind:       notification.KindStarted,
		RequestID:  r.ID.String(),
		FromStatus: string(r.Status),
		ToStatus:   string(cmd.Target),
		ClientID:   r.ClientID.String(),
		DriverID:   cmd.DriverID.String(),
		ActorRole:  string(ActorDriver),
		ActorID:    cmd.DriverID.String(),
	}
	if cmd.Target == StatusCompleted {
		t.Kind = notification.KindCompleted
		t.Amount = r.TotalAmount.Amount
		t.Currency = r.TotalAmount.Currency
		if r.AcceptedQuoteID != nil {
			t.QuoteID = r.AcceptedQuoteID.String()
		}
	}
	s.dispatch(ctx, t)
	return next, nil
}

func (s *Service) withdrawBid(ctx context.Context, r *ServiceRequest, driverID types.ID, now time.Time) (*ServiceRequest, error) {
	q := r.LiveQuoteBy(driverID, now)
	if q == nil {
		return nil, ErrNotOwner
	}
	if _, err := s.ledger.WithdrawQuote(ctx, WithdrawQuoteCommand{QuoteID: q.ID, DriverID: driverID}); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, r.ID)
}

// Cancel applies the cancel intent for the actor's role. An unassigned
// driver's cancel on a quoted request withdraws only their own bid; the
// request stays open for the other bidders.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (_ *ServiceRequest, err error) {
	ctx, span := s.tracer.Start(ctx, "request.Cancel", trace.WithAttributes(
		attribute.String("request.id", cmd.RequestID.String()),
		attribute.String("actor.role", string(cmd.ActorRole)),
	))
	defer func() { endSpan(span, err) }()

	if _, err := ParseActorRole(string(cmd.ActorRole)); err != nil {
		return nil, err
	}
	if cmd.ActorRole == ActorSystem {
		if cmd.ReasonCode == "" {
			cmd.ReasonCode = "system"
		}
	} else {
		if cmd.ActorID == "" {
			return nil, fmt.Errorf("%w: actor id is required", ErrValidation)
		}
		if strings.TrimSpace(cmd.ReasonCode) == "" {
			return nil, fmt.Errorf("%w: reason code is required", ErrValidation)
		}
	}

	r, err := s.store.Get(ctx, cmd.RequestID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !CanCancel(cmd.ActorRole, r.Status) {
		return nil, fmt.Errorf("%w: %s may not cancel a %s request", ErrInvalidState, cmd.ActorRole, r.Status)
	}
	switch cmd.ActorRole {
	case ActorClient:
		if r.ClientID != cmd.ActorID {
			return nil, ErrNotOwner
		}
	case ActorDriver:
		if r.Status == StatusQuoted {
			return s.withdrawBid(ctx, r, cmd.ActorID, now)
		}
		if r.Status == StatusAccepted && (r.AssignedDriverID == nil || *r.AssignedDriverID != cmd.ActorID) {
			return nil, ErrNotOwner
		}
	}

	next := r.Clone()
	next.Status = StatusCancelled
	next.AssignedDriverID = nil
	next.Cancellation = &Cancellation{
		By:          cmd.ActorRole,
		ActorID:     idPtr(cmd.ActorID),
		ReasonCode:  cmd.ReasonCode,
		FreeText:    cmd.FreeText,
		CancelledAt: now,
	}
	err = s.store.Update(ctx, next, r.Version, Event{
		RequestID:  r.ID,
		Kind:       EventCancelled,
		FromStatus: r.Status,
		ToStatus:   StatusCancelled,
		ActorRole:  cmd.ActorRole,
		ActorID:    idPtr(cmd.ActorID),
		CreatedAt:  now,
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("request_id", r.ID.String()).
		Str("by", string(cmd.ActorRole)).
		Str("reason", cmd.ReasonCode).
		Msg("request cancelled")

	t := notification.Transition{
		Kind:       notification.KindCancelled,
		RequestID:  r.ID.String(),
		FromStatus: string(r.Status),
		ToStatus:   string(StatusCancelled),
		ClientID:   r.ClientID.String(),
		ActorRole:  string(cmd.ActorRole),
		ActorID:    cmd.ActorID.String(),
		ReasonCode: cmd.ReasonCode,
	}
	if r.AssignedDriverID != nil {
		t.DriverID = r.AssignedDriverID.String()
	}
	if r.Status.Biddable() {
		for _, id := range r.ActiveBidders(now) {
			t.Bidders = append(t.Bidders, id.String())
		}
	}
	s.dispatch(ctx, t)
	return next, nil
}

func (s *Service) Rate(ctx context.Context, cmd RateCommand) (_ *ServiceRequest, err error) {
	ctx, span := s.tracer.Start(ctx, "request.Rate", trace.WithAttributes(
		attribute.String("request.id", cmd.RequestID.String()),
	))
	defer func() { endSpan(span, err) }()

	if cmd.Stars < 1 || cmd.Stars > 5 {
		return nil, fmt.Errorf("%w: stars must be between 1 and 5", ErrValidation)
	}
	if cmd.Tip < 0 {
		return nil, fmt.Errorf("%w: tip must not be negative", ErrValidation)
	}
	r, err := s.store.Get(ctx, cmd.RequestID)
	if err != nil {
		return nil, err
	}
	if r.ClientID != cmd.ClientID {
		return nil, ErrNotOwner
	}
	if r.Status != StatusCompleted {
		return nil, fmt.Errorf("%w: only completed requests can be rated", ErrInvalidState)
	}
	if r.Rating != nil {
		return nil, fmt.Errorf("%w: already rated", ErrInvalidState)
	}

	now := s.now()
	next := r.Clone()
	currency := ""
	if r.TotalAmount != nil {
		currency = r.TotalAmount.Currency
	}
	next.Rating = &Rating{
		Stars:   cmd.Stars,
		Comment: strings.TrimSpace(cmd.Comment),
		Tip:     types.Money{Amount: cmd.Tip, Currency: currency},
		RatedAt: now,
	}
	err = s.store.Update(ctx, next, r.Version, Event{
		RequestID:  r.ID,
		Kind:       EventRated,
		FromStatus: r.Status,
		ToStatus:   r.Status,
		ActorRole:  ActorClient,
		ActorID:    idPtr(cmd.ClientID),
		CreatedAt:  now,
	})
	if err != nil {
		return nil, err
	}

	t := notification.Transition{
		Kind:      notification.KindRated,
		RequestID: r.ID.String(),
		ToStatus:  string(r.Status),
		ClientID:  r.ClientID.String(),
		ActorRole: string(ActorClient),
		ActorID:   cmd.ClientID.String(),
		Stars:     cmd.Stars,
	}
	if r.AssignedDriverID != nil {
		t.DriverID = r.AssignedDriverID.String()
	}
	s.dispatch(ctx, t)
	return next, nil
}

// SettlePayment records the external settlement reference on a completed request.
// Repeating it with the same reference is a no-op.
func (s *Service) SettlePayment(ctx context.Context, cmd SettleCommand) (_ *ServiceRequest, err error) {
	ctx, span := s.tracer.Start(ctx, "request.SettlePayment", trace.WithAttributes(
		attribute.String("request.id", cmd.RequestID.String()),
	))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(cmd.Reference) == "" {
		return nil, fmt.Errorf("%w: payment reference is required", ErrValidation)
	}
	r, err := s.store.Get(ctx, cmd.RequestID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusCompleted {
		return nil, fmt.Errorf("%w: only completed requests can be settled", ErrInvalidState)
	}
	if r.Payment != nil {
		if r.Payment.Reference == cmd.Reference {
			return r, nil
		}
		return nil, fmt.Errorf("%w: already settled", ErrInvalidState)
	}

	now := s.now()
	next := r.Clone()
	next.Payment = &Payment{Reference: cmd.Reference, SettledAt: now}
	err = s.store.Update(ctx, next, r.Version, Event{
		RequestID:  r.ID,
		Kind:       EventPaymentSettled,
		FromStatus: r.Status,
		ToStatus:   r.Status,
		ActorRole:  ActorSystem,
		ActorID:    idPtr(cmd.ActorID),
		CreatedAt:  now,
	})
	if err != nil {
		return nil, err
	}
	t := notification.Transition{
		Kind:      notification.KindPaymentSettled,
		RequestID: r.ID.String(),
		ToStatus:  string(r.Status),
		ClientID:  r.ClientID.String(),
		ActorRole: string(ActorSystem),
	}
	if r.AssignedDriverID != nil {
		t.DriverID = r.AssignedDriverID.String()
	}
	if r.TotalAmount != nil {
		t.Amount, t.Currency = r.TotalAmount.Amount, r.TotalAmount.Currency
	}
	s.dispatch(ctx, t)
	return next, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*ServiceRequest, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Events(ctx context.Context, id types.ID) ([]Event, error) {
	return s.store.Events(ctx, id)
}

func (s *Service) dispatch(ctx context.Context, t notification.Transition) {
	notification.Dispatch(ctx, s.pub, s.log, t)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
