package storage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/example/emergency-dispatch/internal/models"
	"github.com/example/emergency-dispatch/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRequest(id string, status models.RequestStatus, created time.Time) models.Request {
	origin := models.Coord{Lat: 12.9, Lng: 77.6}
	return models.Request{
		ID:           id,
		ContactRef:   "+910000000000",
		CallerOrigin: origin,
		Origin:       origin,
		RadiusMeters: 500,
		Status:       status,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func runStoreSuite(t *testing.T, s RequestStore) {
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, s.Create(ctx, sampleRequest("r1", models.RequestOffered, base)))
	require.NoError(t, s.Create(ctx, sampleRequest("r2", models.RequestAssigned, base.Add(time.Second))))
	require.NoError(t, s.Create(ctx, sampleRequest("r3", models.RequestSearching, base.Add(2*time.Second))))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RequestOffered, got.Status)
	assert.Nil(t, got.EscalationDeadline)

	deadline := base.Add(2 * time.Minute)
	got.EscalationDeadline = &deadline
	got.AssignedResponderID = "a"
	got.Round = 2
	require.NoError(t, s.Update(ctx, got))

	got, err = s.Get(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got.EscalationDeadline)
	assert.True(t, got.EscalationDeadline.Equal(deadline))
	assert.Equal(t, "a", got.AssignedResponderID)
	assert.Equal(t, 2, got.Round)

	open, err := s.ListByStatus(ctx, models.RequestSearching, models.RequestOffered)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "r1", open[0].ID)
	assert.Equal(t, "r3", open[1].ID)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
	err = s.Update(ctx, sampleRequest("missing", models.RequestFailed, base))
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore())
}

func TestMemoryGPSLogTrail(t *testing.T) {
	ctx := context.Background()
	g := &MemoryGPSLog{}
	now := time.Now()
	require.NoError(t, g.Append(ctx, models.LocationPing{ResponderID: "a", Lat: 1, Lng: 1, At: now}))
	require.NoError(t, g.Append(ctx, models.LocationPing{ResponderID: "b", Lat: 2, Lng: 2, At: now}))
	trail, err := g.Trail(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, trail, 1)
}

func TestPostgresStore(t *testing.T) {
	dsn := testutil.StartPostgres(t)
	ctx := context.Background()
	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	migrate(t, db)

	runStoreSuite(t, NewPostgresStore(db))

	g := NewPostgresGPSLog(db)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, g.Append(ctx, models.LocationPing{ResponderID: "a", RequestID: "r1", Lat: 12.9, Lng: 77.6, At: at}))
	require.NoError(t, g.Append(ctx, models.LocationPing{ResponderID: "a", Lat: 12.91, Lng: 77.61, At: at.Add(time.Second)}))
	trail, err := g.Trail(ctx, "a")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, "r1", trail[0].RequestID)
	assert.Empty(t, trail[1].RequestID)
}

func migrate(t *testing.T, db *sql.DB) {
	testutil.ApplyMigrations(t, func(ctx context.Context, stmt string) error {
		_, err := db.ExecContext(ctx, stmt)
		return err
	})
}
