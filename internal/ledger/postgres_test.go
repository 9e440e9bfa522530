package ledger

import (
	"context"
	"testing"

	"github.com/example/emergency-dispatch/internal/testutil"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestPostgresLedger(t *testing.T) {
	dsn := testutil.StartPostgres(t)
	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(db.Close)

	testutil.ApplyMigrations(t, func(ctx context.Context, stmt string) error {
		_, err := db.Exec(ctx, stmt)
		return err
	})

	runLedgerSuite(t, func(t *testing.T) Ledger {
		if _, err := db.Exec(ctx, "TRUNCATE TABLE offers"); err != nil {
			t.Fatalf("truncate offers: %v", err)
		}
		return NewPostgresLedger(db)
	})
}
