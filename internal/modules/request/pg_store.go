// README: Store backed by PostgreSQL; each mutation is one short transaction locking the request row first.
package request

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"towhub/internal/types"
)

const requestColumns = `
	id, client_id,
	vehicle_plate, vehicle_brand, vehicle_model, vehicle_category, vehicle_color, vehicle_year,
	origin_lat, origin_lng, origin_address, dest_lat, dest_lng, dest_address,
	problem, status, assigned_driver_id, accepted_quote_id, total_amount, currency,
	created_at, accepted_at, started_at, completed_at, service_duration_seconds,
	cancelled_by, cancelled_actor_id, cancel_reason_code, cancel_free_text, cancelled_at,
	rating_stars, rating_comment, rating_tip, rated_at,
	payment_reference, settled_at, version`

const quoteColumns = `id, request_id, driver_id, amount, currency, submitted_at, expires_at, status, resolved_at`

const eventColumns = `id, request_id, kind, from_status, to_status, actor_role, actor_id, version, created_at`

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, r *ServiceRequest, ev Event) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var destLat, destLng *float64
		var destAddr *string
		if r.Destination != nil {
			destLat, destLng, destAddr = &r.Destination.Point.Lat, &r.Destination.Point.Lng, &r.Destination.Address
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO service_requests (
				id, client_id,
				vehicle_plate, vehicle_brand, vehicle_model, vehicle_category, vehicle_color, vehicle_year,
				origin_lat, origin_lng, origin_address, dest_lat, dest_lng, dest_address,
				problem, status, currency, created_at, version
			) VALUES (
				$1, $2,
				$3, $4, $5, $6, $7, $8,
				$9, $10, $11, $12, $13, $14,
				$15, $16, $17, $18, $19
			)`,
			string(r.ID), string(r.ClientID),
			r.Vehicle.Plate, r.Vehicle.Brand, r.Vehicle.Model, r.Vehicle.Category, r.Vehicle.Color, r.Vehicle.Year,
			r.Origin.Point.Lat, r.Origin.Point.Lng, r.Origin.Address, destLat, destLng, destAddr,
			r.Problem, string(r.Status), "", r.CreatedAt, r.Version,
		)
		if err != nil {
			return mapPgError(err)
		}
		return insertEvent(ctx, tx, ev)
	})
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*ServiceRequest, error) {
	return loadRequest(ctx, s.db, id, false)
}

func (s *PGStore) GetQuote(ctx context.Context, id types.ID) (*Quote, error) {
	q, err := scanQuote(s.db.QueryRow(ctx, `SELECT `+quoteColumns+` FROM quotes WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: quote %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (s *PGStore) HasActiveByClient(ctx context.Context, clientID types.ID) (bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM service_requests
			WHERE client_id = $1
			  AND status IN ('pending','quoted','accepted','in_progress')
		)`, string(clientID),
	)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *PGStore) InsertQuote(ctx context.Context, q *Quote, now time.Time) (*QuoteInsert, error) {
	var out *QuoteInsert
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		r, err := lockRequest(ctx, tx, q.RequestID)
		if err != nil {
			return err
		}
		if !r.Status.Biddable() {
			return fmt.Errorf("%w: request is %s", ErrInvalidState, r.Status)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE quotes SET status = 'expired', resolved_at = $3
			WHERE request_id = $1 AND driver_id = $2 AND status = 'active' AND expires_at <= $3`,
			string(q.RequestID), string(q.DriverID), now,
		); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO quotes (`+quoteColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			string(q.ID), string(q.RequestID), string(q.DriverID), q.Amount.Amount, q.Amount.Currency,
			q.SubmittedAt, q.ExpiresAt, string(q.Status), q.ResolvedAt,
		)
		if err != nil {
			return mapPgError(err)
		}

		flipped := false
		if r.Status == StatusPending {
			if _, err := tx.Exec(ctx, `
				UPDATE service_requests SET status = 'quoted', version = version + 1
				WHERE id = $1`, string(r.ID),
			); err != nil {
				return err
			}
			flipped = true
			if err := insertEvent(ctx, tx, Event{
				RequestID:  r.ID,
				Kind:       EventQuoted,
				FromStatus: StatusPending,
				ToStatus:   StatusQuoted,
				ActorRole:  ActorDriver,
				ActorID:    idPtr(q.DriverID),
				Version:    r.Version + 1,
				CreatedAt:  now,
			}); err != nil {
				return err
			}
		}

		snap, err := loadRequest(ctx, tx, r.ID, false)
		if err != nil {
			return err
		}
		out = &QuoteInsert{Request: snap, Quote: *q.Clone(), Flipped: flipped}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PGStore) SetQuoteStatus(ctx context.Context, id types.ID, from, to QuoteStatus, at time.Time) (bool, error) {
	changed := false
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		// The parent row is locked first, matching the order of every other commit.
		var parent Status
		err := tx.QueryRow(ctx, `
			SELECT r.status FROM service_requests r
			JOIN quotes q ON q.request_id = r.id
			WHERE q.id = $1
			FOR SHARE OF r`, string(id)).Scan(&parent)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: quote %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if !parent.Biddable() {
			return nil
		}
		tag, err := tx.Exec(ctx, `
			UPDATE quotes SET status = $1, resolved_at = $2
			WHERE id = $3 AND status = $4`,
			string(to), at, string(id), string(from),
		)
		if err != nil {
			return err
		}
		changed = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

func (s *PGStore) Assign(ctx context.Context, a Assignment) (*AssignResult, error) {
	var out *AssignResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		r, err := lockRequest(ctx, tx, a.RequestID)
		if err != nil {
			return err
		}
		winner, err := scanQuote(tx.QueryRow(ctx,
			`SELECT `+quoteColumns+` FROM quotes WHERE id = $1 FOR UPDATE`, string(a.QuoteID)))
		found := err == nil
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if err := checkAssignment(r, winner, found, a); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE service_requests
			SET status = 'accepted',
			    assigned_driver_id = $1,
			    accepted_quote_id = $2,
			    total_amount = $3,
			    currency = $4,
			    accepted_at = $5,
			    version = version + 1
			WHERE id = $6 AND status = 'quoted' AND version = $7`,
			string(winner.DriverID), string(winner.ID), winner.Amount.Amount, winner.Amount.Currency,
			a.Now, string(r.ID), a.ExpectedVersion,
		)
		if err != nil {
			return mapPgError(err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("%w: request changed under lock", ErrAssignmentConflict)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE quotes SET status = 'accepted', resolved_at = $1
			WHERE id = $2 AND status = 'active'`, a.Now, string(winner.ID),
		); err != nil {
			return mapPgError(err)
		}

		rows, err := tx.Query(ctx, `
			UPDATE quotes SET status = 'rejected', resolved_at = $1
			WHERE request_id = $2 AND status = 'active' AND id <> $3
			RETURNING `+quoteColumns, a.Now, string(r.ID), string(winner.ID),
		)
		if err != nil {
			return err
		}
		rejected, err := collectQuotes(rows)
		if err != nil {
			return err
		}

		if err := insertEvent(ctx, tx, Event{
			RequestID:  r.ID,
			Kind:       EventAccepted,
			FromStatus: StatusQuoted,
			ToStatus:   StatusAccepted,
			ActorRole:  ActorClient,
			ActorID:    idPtr(r.ClientID),
			Version:    a.ExpectedVersion + 1,
			CreatedAt:  a.Now,
		}); err != nil {
			return err
		}

		snap, err := loadRequest(ctx, tx, r.ID, false)
		if err != nil {
			return err
		}
		w := *winner.Clone()
		w.Status = QuoteAccepted
		w.ResolvedAt = timePtr(a.Now)
		out = &AssignResult{Request: snap, Winner: w, Rejected: rejected}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PGStore) Update(ctx context.Context, next *ServiceRequest, expectedVersion int, ev Event) error {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var total *int64
		currency := ""
		if next.TotalAmount != nil {
			total, currency = &next.TotalAmount.Amount, next.TotalAmount.Currency
		}
		var cancelledBy, cancelCode, cancelText *string
		var cancelActor *string
		var cancelledAt *time.Time
		if c := next.Cancellation; c != nil {
			by := string(c.By)
			cancelledBy, cancelCode, cancelText = &by, &c.ReasonCode, &c.FreeText
			cancelActor = idString(c.ActorID)
			cancelledAt = &c.CancelledAt
		}
		var stars *int
		var comment *string
		var tip *int64
		var ratedAt *time.Time
		if rt := next.Rating; rt != nil {
			stars, comment, tip, ratedAt = &rt.Stars, &rt.Comment, &rt.Tip.Amount, &rt.RatedAt
		}
		var payRef *string
		var settledAt *time.Time
		if p := next.Payment; p != nil {
			payRef, settledAt = &p.Reference, &p.SettledAt
		}

		tag, err := tx.Exec(ctx, `
			UPDATE service_requests
			SET status = $1,
			    assigned_driver_id = $2,
			    accepted_quote_id = $3,
			    total_amount = $4,
			    currency = $5,
			    accepted_at = $6,
			    started_at = $7,
			    completed_at = $8,
			    service_duration_seconds = $9,
			    cancelled_by = $10,
			    cancelled_actor_id = $11,
			    cancel_reason_code = $12,
			    cancel_free_text = $13,
			    cancelled_at = $14,
			    rating_stars = $15,
			    rating_comment = $16,
			    rating_tip = $17,
			    rated_at = $18,
			    payment_reference = $19,
			    settled_at = $20,
			    version = version + 1
			WHERE id = $21 AND version = $22`,
			string(next.Status), idString(next.AssignedDriverID), idString(next.AcceptedQuoteID),
			total, currency, next.AcceptedAt, next.StartedAt, next.CompletedAt, next.ServiceDurationSeconds,
			cancelledBy, cancelActor, cancelCode, cancelText, cancelledAt,
			stars, comment, tip, ratedAt,
			payRef, settledAt,
			string(next.ID), expectedVersion,
		)
		if err != nil {
			return mapPgError(err)
		}
		if tag.RowsAffected() != 1 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM service_requests WHERE id = $1)`,
				string(next.ID)).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("%w: request %s", ErrNotFound, next.ID)
			}
			return fmt.Errorf("%w: expected version %d", ErrConcurrentModification, expectedVersion)
		}
		ev.Version = expectedVersion + 1
		return insertEvent(ctx, tx, ev)
	})
	if err != nil {
		return err
	}
	next.Version = expectedVersion + 1
	return nil
}

func (s *PGStore) ExpireQuotes(ctx context.Context, now time.Time, limit int) ([]Quote, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(ctx, `
		UPDATE quotes SET status = 'expired', resolved_at = $1
		WHERE status = 'active' AND id IN (
			SELECT q.id FROM quotes q
			JOIN service_requests r ON r.id = q.request_id
			WHERE q.status = 'active' AND q.expires_at <= $1
			  AND r.status IN ('pending', 'quoted')
			ORDER BY q.expires_at
			LIMIT $2
			FOR UPDATE OF q SKIP LOCKED
			FOR SHARE OF r SKIP LOCKED
		)
		RETURNING `+quoteColumns, now, limit,
	)
	if err != nil {
		return nil, mapPgError(err)
	}
	return collectQuotes(rows)
}

func (s *PGStore) Events(ctx context.Context, requestID types.ID) ([]Event, error) {
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM service_requests WHERE id = $1)`,
		string(requestID)).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, requestID)
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+eventColumns+` FROM request_state_events
		WHERE request_id = $1 ORDER BY id`, string(requestID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var from, actorID *string
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Kind, &from, &e.ToStatus, &e.ActorRole, &actorID, &e.Version, &e.CreatedAt); err != nil {
			return nil, err
		}
		if from != nil {
			e.FromStatus = Status(*from)
		}
		if actorID != nil {
			e.ActorID = idPtr(types.ID(*actorID))
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return mapPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(err)
	}
	return nil
}

func lockRequest(ctx context.Context, q querier, id types.ID) (*ServiceRequest, error) {
	return loadRequest(ctx, q, id, true)
}

func loadRequest(ctx context.Context, q querier, id types.ID, forUpdate bool) (*ServiceRequest, error) {
	sql := `SELECT ` + requestColumns + ` FROM service_requests WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	r, err := scanRequest(q.QueryRow(ctx, sql, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `
		SELECT `+quoteColumns+` FROM quotes
		WHERE request_id = $1 ORDER BY submitted_at, id`, string(id))
	if err != nil {
		return nil, err
	}
	quotes, err := collectQuotes(rows)
	if err != nil {
		return nil, err
	}
	r.Quotes = quotes
	if r.Quotes == nil {
		r.Quotes = []Quote{}
	}
	return r, nil
}

func scanRequest(row pgx.Row) (*ServiceRequest, error) {
	var r ServiceRequest
	var destLat, destLng *float64
	var destAddr *string
	var assigned, acceptedQuote *string
	var total *int64
	var currency string
	var cancelledBy, cancelActor, cancelCode, cancelText *string
	var cancelledAt *time.Time
	var stars *int
	var ratingComment *string
	var tip *int64
	var ratedAt *time.Time
	var payRef *string
	var settledAt *time.Time

	err := row.Scan(
		&r.ID, &r.ClientID,
		&r.Vehicle.Plate, &r.Vehicle.Brand, &r.Vehicle.Model, &r.Vehicle.Category, &r.Vehicle.Color, &r.Vehicle.Year,
		&r.Origin.Point.Lat, &r.Origin.Point.Lng, &r.Origin.Address, &destLat, &destLng, &destAddr,
		&r.Problem, &r.Status, &assigned, &acceptedQuote, &total, &currency,
		&r.CreatedAt, &r.AcceptedAt, &r.StartedAt, &r.CompletedAt, &r.ServiceDurationSeconds,
		&cancelledBy, &cancelActor, &cancelCode, &cancelText, &cancelledAt,
		&stars, &ratingComment, &tip, &ratedAt,
		&payRef, &settledAt, &r.Version,
	)
	if err != nil {
		return nil, err
	}

	if destLat != nil && destLng != nil {
		d := Location{Point: types.Point{Lat: *destLat, Lng: *destLng}}
		if destAddr != nil {
			d.Address = *destAddr
		}
		r.Destination = &d
	}
	if assigned != nil {
		r.AssignedDriverID = idPtr(types.ID(*assigned))
	}
	if acceptedQuote != nil {
		r.AcceptedQuoteID = idPtr(types.ID(*acceptedQuote))
	}
	if total != nil {
		r.TotalAmount = &types.Money{Amount: *total, Currency: currency}
	}
	if cancelledAt != nil {
		c := &Cancellation{CancelledAt: *cancelledAt}
		if cancelledBy != nil {
			c.By = ActorRole(*cancelledBy)
		}
		if cancelActor != nil {
			c.ActorID = idPtr(types.ID(*cancelActor))
		}
		if cancelCode != nil {
			c.ReasonCode = *cancelCode
		}
		if cancelText != nil {
			c.FreeText = *cancelText
		}
		r.Cancellation = c
	}
	if stars != nil && ratedAt != nil {
		rt := &Rating{Stars: *stars, RatedAt: *ratedAt, Tip: types.Money{Currency: currency}}
		if ratingComment != nil {
			rt.Comment = *ratingComment
		}
		if tip != nil {
			rt.Tip.Amount = *tip
		}
		r.Rating = rt
	}
	if payRef != nil && settledAt != nil {
		r.Payment = &Payment{Reference: *payRef, SettledAt: *settledAt}
	}
	return &r, nil
}

func scanQuote(row pgx.Row) (*Quote, error) {
	var q Quote
	err := row.Scan(
		&q.ID, &q.RequestID, &q.DriverID, &q.Amount.Amount, &q.Amount.Currency,
		&q.SubmittedAt, &q.ExpiresAt, &q.Status, &q.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func collectQuotes(rows pgx.Rows) ([]Quote, error) {
	defer rows.Close()
	var out []Quote
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

func insertEvent(ctx context.Context, q querier, e Event) error {
	var from *string
	if e.FromStatus != "" {
		f := string(e.FromStatus)
		from = &f
	}
	_, err := q.Exec(ctx, `
		INSERT INTO request_state_events (
			request_id, kind, from_status, to_status, actor_role, actor_id, version, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(e.RequestID), string(e.Kind), from, string(e.ToStatus),
		string(e.ActorRole), idString(e.ActorID), e.Version, e.CreatedAt,
	)
	return err
}

// mapPgError translates constraint and contention failures into engine errors.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		switch pgErr.ConstraintName {
		case "service_requests_one_open_per_client":
			return fmt.Errorf("%w: %s", ErrActiveRequest, pgErr.Detail)
		case "quotes_one_active_per_driver":
			return fmt.Errorf("%w: %s", ErrDuplicateActiveQuote, pgErr.Detail)
		case "quotes_one_accepted_per_request":
			return fmt.Errorf("%w: %s", ErrAssignmentConflict, pgErr.Detail)
		}
	case "40P01", "40001":
		return fmt.Errorf("%w: %s", ErrConcurrentModification, pgErr.Message)
	}
	return err
}

func idString(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
