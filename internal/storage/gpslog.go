package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/example/emergency-dispatch/internal/models"
)

// GPSLog is the append-only location trail of responders.
type GPSLog interface {
	Append(ctx context.Context, p models.LocationPing) error
}

type PostgresGPSLog struct {
	db *sql.DB
}

func NewPostgresGPSLog(db *sql.DB) *PostgresGPSLog {
	return &PostgresGPSLog{db: db}
}

func (g *PostgresGPSLog) Append(ctx context.Context, p models.LocationPing) error {
	_, err := g.db.ExecContext(ctx, `INSERT INTO gps_logs(responder_id, request_id, lat, lng, recorded_at) VALUES($1,$2,$3,$4,$5)`,
		p.ResponderID, nullString(p.RequestID), p.Lat, p.Lng, p.At)
	if err != nil {
		return fmt.Errorf("insert gps log: %w", err)
	}
	return nil
}

// Trail returns the pings of a responder, oldest first.
func (g *PostgresGPSLog) Trail(ctx context.Context, responderID string) ([]models.LocationPing, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT responder_id, COALESCE(request_id, ''), lat, lng, recorded_at
		FROM gps_logs WHERE responder_id=$1 ORDER BY recorded_at`, responderID)
	if err != nil {
		return nil, fmt.Errorf("query gps logs: %w", err)
	}
	defer rows.Close()
	out := make([]models.LocationPing, 0)
	for rows.Next() {
		var p models.LocationPing
		if err := rows.Scan(&p.ResponderID, &p.RequestID, &p.Lat, &p.Lng, &p.At); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type MemoryGPSLog struct {
	mu    sync.Mutex
	pings []models.LocationPing
}

func (m *MemoryGPSLog) Append(_ context.Context, p models.LocationPing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pings = append(m.pings, p)
	return nil
}

func (m *MemoryGPSLog) Trail(_ context.Context, responderID string) ([]models.LocationPing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.LocationPing, 0)
	for _, p := range m.pings {
		if p.ResponderID == responderID {
			out = append(out, p)
		}
	}
	return out, nil
}
