package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/example/emergency-dispatch/internal/models"
)

const requestColumns = `id, contact_ref, caller_lat, caller_lng, origin_lat, origin_lng, radius_m, status,
	assigned_responder_id, round, transfers, escalation_deadline, created_at, updated_at`

type PostgresStore struct {
	db *sql.DB
}

// Open opens and pings a lib/pq connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, r models.Request) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO requests(`+requestColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		r.ID, r.ContactRef, r.CallerOrigin.Lat, r.CallerOrigin.Lng, r.Origin.Lat, r.Origin.Lng, r.RadiusMeters,
		string(r.Status), nullString(r.AssignedResponderID), r.Round, r.Transfers, r.EscalationDeadline,
		r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, r models.Request) error {
	res, err := p.db.ExecContext(ctx, `UPDATE requests SET origin_lat=$1, origin_lng=$2, radius_m=$3, status=$4,
		assigned_responder_id=$5, round=$6, transfers=$7, escalation_deadline=$8, updated_at=$9 WHERE id=$10`,
		r.Origin.Lat, r.Origin.Lng, r.RadiusMeters, string(r.Status), nullString(r.AssignedResponderID),
		r.Round, r.Transfers, r.EscalationDeadline, r.UpdatedAt, r.ID)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("request %s: %w", r.ID, models.ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (models.Request, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=$1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Request{}, fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	return r, err
}

func (p *PostgresStore) ListByStatus(ctx context.Context, statuses ...models.RequestStatus) ([]models.Request, error) {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM requests
		WHERE status = ANY($1) ORDER BY created_at`, pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()
	out := make([]models.Request, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(s scanner) (models.Request, error) {
	var (
		r        models.Request
		status   string
		assigned sql.NullString
		deadline sql.NullTime
	)
	err := s.Scan(&r.ID, &r.ContactRef, &r.CallerOrigin.Lat, &r.CallerOrigin.Lng, &r.Origin.Lat, &r.Origin.Lng,
		&r.RadiusMeters, &status, &assigned, &r.Round, &r.Transfers, &deadline, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return models.Request{}, err
	}
	r.Status = models.RequestStatus(status)
	r.AssignedResponderID = assigned.String
	if deadline.Valid {
		t := deadline.Time
		r.EscalationDeadline = &t
	}
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
