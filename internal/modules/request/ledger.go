// README: QuoteLedger; submission, withdrawal, listing and expiry of driver quotes.
package request

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"towhub/internal/modules/notification"
	"towhub/internal/types"
)

type Ledger struct {
	store         Store
	pub           notification.Publisher
	log           zerolog.Logger
	tracer        trace.Tracer
	now           func() time.Time
	ttl           time.Duration
	currency      string
	sweepInterval time.Duration
	sweepBatch    int
}

func NewLedger(store Store, pub notification.Publisher, opts Options) *Ledger {
	opts = opts.withDefaults()
	return &Ledger{
		store:         store,
		pub:           pub,
		log:           opts.Logger.With().Str("component", "quote_ledger").Logger(),
		tracer:        otel.Tracer(tracerName),
		now:           opts.Now,
		ttl:           opts.QuoteTTL,
		currency:      opts.Currency,
		sweepInterval: opts.SweepInterval,
		sweepBatch:    opts.SweepBatch,
	}
}

type SubmitQuoteCommand struct {
	RequestID types.ID
	DriverID  types.ID
	Amount    int64
}

type WithdrawQuoteCommand struct {
	QuoteID  types.ID
	DriverID types.ID
}

func (l *Ledger) SubmitQuote(ctx context.Context, cmd SubmitQuoteCommand) (_ *Quote, err error) {
	ctx, span := l.tracer.Start(ctx, "ledger.SubmitQuote", trace.WithAttributes(
		attribute.String("request.id", cmd.RequestID.String()),
		attribute.String("driver.id", cmd.DriverID.String()),
	))
	defer func() { endSpan(span, err) }()

	if cmd.RequestID == "" || cmd.DriverID == "" {
		return nil, fmt.Errorf("%w: request and driver ids are required", ErrValidation)
	}
	if cmd.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}

	now := l.now()
	q := &Quote{
		ID:          types.NewID(),
		RequestID:   cmd.RequestID,
		DriverID:    cmd.DriverID,
		Amount:      types.Money{Amount: cmd.Amount, Currency: l.currency},
		SubmittedAt: now,
		ExpiresAt:   now.Add(l.ttl),
		Status:      QuoteActive,
	}
	res, err := l.store.InsertQuote(ctx, q, now)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("quote.id", q.ID.String()))
	l.log.Info().
		Str("request_id", cmd.RequestID.String()).
		Str("quote_id", q.ID.String()).
		Str("driver_id", cmd.DriverID.String()).
		Int64("amount", cmd.Amount).
		Bool("first_quote", res.Flipped).
		Msg("quote submitted")

	from := StatusQuoted
	if res.Flipped {
		from = StatusPending
	}
	notification.Dispatch(ctx, l.pub, l.log, notification.Transition{
		Kind:       notification.KindQuoteSubmitted,
		RequestID:  cmd.RequestID.String(),
		FromStatus: string(from),
		ToStatus:   string(res.Request.Status),
		ClientID:   res.Request.ClientID.String(),
		DriverID:   cmd.DriverID.String(),
		QuoteID:    q.ID.String(),
		Amount:     q.Amount.Amount,
		Currency:   q.Amount.Currency,
		ActorRole:  string(ActorDriver),
		ActorID:    cmd.DriverID.String(),
	})
	out := res.Quote
	return &out, nil
}

func (l *Ledger) WithdrawQuote(ctx context.Context, cmd WithdrawQuoteCommand) (_ *Quote, err error) {
	ctx, span := l.tracer.Start(ctx, "ledger.WithdrawQuote", trace.WithAttributes(
		attribute.String("quote.id", cmd.QuoteID.String()),
	))
	defer func() { endSpan(span, err) }()

	if cmd.QuoteID == "" || cmd.DriverID == "" {
		return nil, fmt.Errorf("%w: quote and driver ids are required", ErrValidation)
	}
	q, err := l.store.GetQuote(ctx, cmd.QuoteID)
	if err != nil {
		return nil, err
	}
	if q.DriverID != cmd.DriverID {
		return nil, ErrNotOwner
	}
	r, err := l.store.Get(ctx, q.RequestID)
	if err != nil {
		return nil, err
	}
	if !r.Status.Biddable() {
		return nil, fmt.Errorf("%w: request is %s", ErrInvalidState, r.Status)
	}
	if q.Status != QuoteActive {
		return nil, fmt.Errorf("%w: quote is %s", ErrAlreadyTerminal, q.Status)
	}
	now := l.now()
	if q.Expired(now) {
		if _, err := l.store.SetQuoteStatus(ctx, q.ID, QuoteActive, QuoteExpired, now); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: quote expired", ErrAlreadyTerminal)
	}
	ok, err := l.store.SetQuoteStatus(ctx, q.ID, QuoteActive, QuoteWithdrawn, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: quote or request resolved concurrently", ErrAlreadyTerminal)
	}
	q.Status = QuoteWithdrawn
	q.ResolvedAt = timePtr(now)
	l.log.Info().Str("quote_id", q.ID.String()).Str("request_id", q.RequestID.String()).Msg("quote withdrawn")

	notification.Dispatch(ctx, l.pub, l.log, notification.Transition{
		Kind:      notification.KindQuoteWithdrawn,
		RequestID: q.RequestID.String(),
		ToStatus:  string(r.Status),
		ClientID:  r.ClientID.String(),
		DriverID:  q.DriverID.String(),
		QuoteID:   q.ID.String(),
		ActorRole: string(ActorDriver),
		ActorID:   q.DriverID.String(),
	})
	return q, nil
}

// ListActive returns live quotes, cheapest first, earliest first on ties.
// Empty once the request has left the bidding phase.
func (l *Ledger) ListActive(ctx context.Context, requestID types.ID) ([]Quote, error) {
	r, err := l.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	out := []Quote{}
	if !r.Status.Biddable() {
		return out, nil
	}
	now := l.now()
	for _, q := range r.Quotes {
		if q.Live(now) {
			out = append(out, q)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Amount.Amount != out[j].Amount.Amount {
			return out[i].Amount.Amount < out[j].Amount.Amount
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}

// ExpireStale marks every active quote past its window as expired. Safe to run
// from several workers at once; each quote is expired and reported once.
func (l *Ledger) ExpireStale(ctx context.Context) (_ []Quote, err error) {
	ctx, span := l.tracer.Start(ctx, "ledger.ExpireStale")
	defer func() { endSpan(span, err) }()

	expired, err := l.store.ExpireQuotes(ctx, l.now(), l.sweepBatch)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("expired", len(expired)))
	for _, q := range expired {
		notification.Dispatch(ctx, l.pub, l.log, notification.Transition{
			Kind:      notification.KindQuoteExpired,
			RequestID: q.RequestID.String(),
			DriverID:  q.DriverID.String(),
			QuoteID:   q.ID.String(),
			ActorRole: string(ActorSystem),
		})
	}
	if len(expired) > 0 {
		l.log.Info().Int("count", len(expired)).Msg("quotes expired")
	}
	return expired, nil
}

func (l *Ledger) RunExpirySweeper(ctx context.Context) {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.ExpireStale(ctx); err != nil && ctx.Err() == nil {
				l.log.Error().Err(err).Msg("quote expiry sweep failed")
			}
		}
	}
}
