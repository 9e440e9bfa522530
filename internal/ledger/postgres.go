package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/emergency-dispatch/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const offerColumns = `id, request_id, responder_id, status, radius_m, distance_m, created_at, resolved_at, reason`

// PostgresLedger stores offers in the offers table. Accept locks the live
// rows of the request with SELECT ... FOR UPDATE, so concurrent accepts for
// one request are applied one after the other; the partial unique index on
// accepted offers backs this up.
type PostgresLedger struct {
	db  *pgxpool.Pool
	now func() time.Time
}

func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db, now: time.Now}
}

func (l *PostgresLedger) OpenOffers(ctx context.Context, requestID string, candidates []models.Candidate, radiusMeters float64) ([]models.Offer, error) {
	createdAt := l.now().UTC()
	out := make([]models.Offer, 0, len(candidates))
	err := pgx.BeginFunc(ctx, l.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, requestID); err != nil {
			return err
		}
		var open bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM offers WHERE request_id = $1 AND status = 'pending'
			)`, requestID).Scan(&open); err != nil {
			return err
		}
		if open {
			return fmt.Errorf("request %s: %w", requestID, models.ErrDuplicateOpenOffer)
		}
		batch := &pgx.Batch{}
		for _, c := range candidates {
			o := models.Offer{
				ID:             uuid.NewString(),
				RequestID:      requestID,
				ResponderID:    c.Responder.ID,
				Status:         models.OfferPending,
				RadiusMeters:   radiusMeters,
				DistanceMeters: c.DistanceMeters,
				CreatedAt:      createdAt,
			}
			batch.Queue(`
				INSERT INTO offers (id, request_id, responder_id, status, radius_m, distance_m, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				o.ID, o.RequestID, o.ResponderID, string(o.Status), o.RadiusMeters, o.DistanceMeters, o.CreatedAt)
			out = append(out, o)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return nil, wrapErr("open offers", err)
	}
	return out, nil
}

func (l *PostgresLedger) Accept(ctx context.Context, requestID, responderID string) (Acceptance, error) {
	var acc Acceptance
	err := pgx.BeginFunc(ctx, l.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+offerColumns+`
			FROM offers
			WHERE request_id = $1 AND status IN ('pending', 'accepted')
			ORDER BY id
			FOR UPDATE`, requestID)
		if err != nil {
			return err
		}
		live, err := pgx.CollectRows(rows, scanOffer)
		if err != nil {
			return err
		}
		var winID string
		for _, o := range live {
			if o.Status == models.OfferAccepted {
				return fmt.Errorf("request %s: %w", requestID, models.ErrAlreadyResolved)
			}
			if o.ResponderID == responderID {
				winID = o.ID
			}
		}
		if winID == "" {
			return l.missingPair(ctx, tx, requestID, responderID)
		}
		now := l.now().UTC()
		row := tx.QueryRow(ctx, `
			UPDATE offers SET status = 'accepted', resolved_at = $2
			WHERE id = $1 AND status = 'pending'
			RETURNING `+offerColumns, winID, now)
		if acc.Offer, err = scanOfferRow(row); err != nil {
			return err
		}
		rows, err = tx.Query(ctx, `
			UPDATE offers SET status = 'superseded', resolved_at = $2, reason = $3
			WHERE request_id = $1 AND status = 'pending'
			RETURNING `+offerColumns, requestID, now, ReasonAcceptedBySibling)
		if err != nil {
			return err
		}
		acc.Superseded, err = pgx.CollectRows(rows, scanOffer)
		return err
	})
	if err != nil {
		return Acceptance{}, wrapErr("accept", err)
	}
	return acc, nil
}

func (l *PostgresLedger) Reject(ctx context.Context, requestID, responderID, reason string) (models.Offer, error) {
	var out models.Offer
	err := pgx.BeginFunc(ctx, l.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE offers SET status = 'rejected', resolved_at = $3, reason = $4
			WHERE request_id = $1 AND responder_id = $2 AND status = 'pending'
			RETURNING `+offerColumns, requestID, responderID, l.now().UTC(), reason)
		o, err := scanOfferRow(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return l.missingPair(ctx, tx, requestID, responderID)
		}
		out = o
		return err
	})
	if err != nil {
		return models.Offer{}, wrapErr("reject", err)
	}
	return out, nil
}

func (l *PostgresLedger) ExpireAll(ctx context.Context, requestID, reason string) (int, error) {
	return l.move(ctx, requestID, models.OfferPending, models.OfferExpired, reason)
}

func (l *PostgresLedger) CloseAccepted(ctx context.Context, requestID, reason string) (int, error) {
	return l.move(ctx, requestID, models.OfferAccepted, models.OfferSuperseded, reason)
}

func (l *PostgresLedger) List(ctx context.Context, requestID string) ([]models.Offer, error) {
	rows, err := l.db.Query(ctx, `
		SELECT `+offerColumns+`
		FROM offers
		WHERE request_id = $1
		ORDER BY created_at, distance_m, responder_id`, requestID)
	if err != nil {
		return nil, wrapErr("list offers", err)
	}
	out, err := pgx.CollectRows(rows, scanOffer)
	if err != nil {
		return nil, wrapErr("list offers", err)
	}
	return out, nil
}

func (l *PostgresLedger) PendingCount(ctx context.Context, requestID string) (int, error) {
	var n int
	err := l.db.QueryRow(ctx, `SELECT count(*) FROM offers WHERE request_id = $1 AND status = 'pending'`, requestID).Scan(&n)
	if err != nil {
		return 0, wrapErr("pending count", err)
	}
	return n, nil
}

func (l *PostgresLedger) move(ctx context.Context, requestID string, from, to models.OfferStatus, reason string) (int, error) {
	tag, err := l.db.Exec(ctx, `
		UPDATE offers SET status = $3, resolved_at = $4, reason = $5
		WHERE request_id = $1 AND status = $2`,
		requestID, string(from), string(to), l.now().UTC(), reason)
	if err != nil {
		return 0, wrapErr("update offers", err)
	}
	return int(tag.RowsAffected()), nil
}

// missingPair picks the error for a pair with no pending offer.
func (l *PostgresLedger) missingPair(ctx context.Context, tx pgx.Tx, requestID, responderID string) error {
	var resolved bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM offers
			WHERE request_id = $1
			  AND (status = 'accepted' OR (responder_id = $2 AND status = 'superseded'))
		)`, requestID, responderID).Scan(&resolved)
	if err != nil {
		return err
	}
	if resolved {
		return fmt.Errorf("request %s: %w", requestID, models.ErrAlreadyResolved)
	}
	return fmt.Errorf("offer %s/%s: %w", requestID, responderID, models.ErrNotFound)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOffer(row pgx.CollectableRow) (models.Offer, error) {
	return scanOfferRow(row)
}

func scanOfferRow(row rowScanner) (models.Offer, error) {
	var o models.Offer
	var status string
	err := row.Scan(&o.ID, &o.RequestID, &o.ResponderID, &status, &o.RadiusMeters, &o.DistanceMeters, &o.CreatedAt, &o.ResolvedAt, &o.Reason)
	o.Status = models.OfferStatus(status)
	return o, err
}

func wrapErr(op string, err error) error {
	var pgErr *pgconn.PgError
	// 23505: a second accepted row slipped past the row locks
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", op, models.ErrAlreadyResolved)
	}
	return fmt.Errorf("%s: %w", op, err)
}
