package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/example/emergency-dispatch/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidates(ids ...string) []models.Candidate {
	out := make([]models.Candidate, 0, len(ids))
	for i, id := range ids {
		out = append(out, models.Candidate{
			Responder:      models.Responder{ID: id},
			DistanceMeters: float64(100 * (i + 1)),
		})
	}
	return out
}

// runLedgerSuite checks the behaviour every Ledger must share.
func runLedgerSuite(t *testing.T, newLedger func(t *testing.T) Ledger) {
	t.Run("open offers shares batch instant and radius", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		offers, err := l.OpenOffers(ctx, "req-open", candidates("a", "b", "c"), 500)
		require.NoError(t, err)
		require.Len(t, offers, 3)
		for _, o := range offers {
			assert.Equal(t, models.OfferPending, o.Status)
			assert.Equal(t, 500.0, o.RadiusMeters)
			assert.True(t, o.CreatedAt.Equal(offers[0].CreatedAt))
			assert.Nil(t, o.ResolvedAt)
		}
		_, err = l.OpenOffers(ctx, "req-open", candidates("d"), 1000)
		assert.ErrorIs(t, err, models.ErrDuplicateOpenOffer)
	})

	t.Run("accept supersedes siblings", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		_, err := l.OpenOffers(ctx, "req-acc", candidates("a", "b", "c"), 500)
		require.NoError(t, err)
		acc, err := l.Accept(ctx, "req-acc", "b")
		require.NoError(t, err)
		assert.Equal(t, models.OfferAccepted, acc.Offer.Status)
		assert.NotNil(t, acc.Offer.ResolvedAt)
		assert.Len(t, acc.Superseded, 2)

		_, err = l.Accept(ctx, "req-acc", "a")
		assert.ErrorIs(t, err, models.ErrAlreadyResolved)
		_, err = l.Reject(ctx, "req-acc", "c", "too far")
		assert.ErrorIs(t, err, models.ErrAlreadyResolved)
		_, err = l.Accept(ctx, "req-acc", "zz")
		assert.ErrorIs(t, err, models.ErrAlreadyResolved)

		list, err := l.List(ctx, "req-acc")
		require.NoError(t, err)
		counts := map[models.OfferStatus]int{}
		for _, o := range list {
			counts[o.Status]++
		}
		assert.Equal(t, 1, counts[models.OfferAccepted])
		assert.Equal(t, 2, counts[models.OfferSuperseded])
	})

	t.Run("accept unknown pair is not found", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		_, err := l.Accept(ctx, "req-none", "a")
		assert.ErrorIs(t, err, models.ErrNotFound)
		_, err = l.OpenOffers(ctx, "req-none", candidates("a"), 500)
		require.NoError(t, err)
		_, err = l.Reject(ctx, "req-none", "b", "")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("reject leaves siblings pending", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		_, err := l.OpenOffers(ctx, "req-rej", candidates("a", "b"), 500)
		require.NoError(t, err)
		o, err := l.Reject(ctx, "req-rej", "a", "busy")
		require.NoError(t, err)
		assert.Equal(t, models.OfferRejected, o.Status)
		assert.Equal(t, "busy", o.Reason)
		n, err := l.PendingCount(ctx, "req-rej")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = l.Reject(ctx, "req-rej", "a", "again")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("expire all is idempotent", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		_, err := l.OpenOffers(ctx, "req-exp", candidates("a", "b"), 500)
		require.NoError(t, err)
		n, err := l.ExpireAll(ctx, "req-exp", ReasonEscalated)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		n, err = l.ExpireAll(ctx, "req-exp", ReasonEscalated)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		_, err = l.Accept(ctx, "req-exp", "a")
		assert.ErrorIs(t, err, models.ErrNotFound)
		// a fresh round may open once nothing is pending
		offers, err := l.OpenOffers(ctx, "req-exp", candidates("a"), 1000)
		require.NoError(t, err)
		assert.Len(t, offers, 1)
	})

	t.Run("close accepted starts a new episode", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		_, err := l.OpenOffers(ctx, "req-tr", candidates("a"), 500)
		require.NoError(t, err)
		_, err = l.Accept(ctx, "req-tr", "a")
		require.NoError(t, err)
		n, err := l.CloseAccepted(ctx, "req-tr", ReasonTransferred)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = l.OpenOffers(ctx, "req-tr", candidates("b"), 500)
		require.NoError(t, err)
		acc, err := l.Accept(ctx, "req-tr", "b")
		require.NoError(t, err)
		assert.Equal(t, "b", acc.Offer.ResponderID)
	})

	t.Run("concurrent accepts have one winner", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		const n = 16
		ids := make([]string, n)
		for i := range ids {
			ids[i] = fmt.Sprintf("r%02d", i)
		}
		_, err := l.OpenOffers(ctx, "req-race", candidates(ids...), 500)
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make(chan error, n)
		start := make(chan struct{})
		for _, id := range ids {
			wg.Add(1)
			go func(rid string) {
				defer wg.Done()
				<-start
				_, err := l.Accept(ctx, "req-race", rid)
				errs <- err
			}(id)
		}
		close(start)
		wg.Wait()
		close(errs)

		success := 0
		for err := range errs {
			if err == nil {
				success++
				continue
			}
			require.ErrorIs(t, err, models.ErrAlreadyResolved)
		}
		assert.Equal(t, 1, success)

		list, err := l.List(ctx, "req-race")
		require.NoError(t, err)
		accepted := 0
		for _, o := range list {
			if o.Status == models.OfferAccepted {
				accepted++
			} else {
				assert.Equal(t, models.OfferSuperseded, o.Status)
			}
		}
		assert.Equal(t, 1, accepted)
	})
}

func TestMemoryLedger(t *testing.T) {
	runLedgerSuite(t, func(*testing.T) Ledger { return NewMemoryLedger() })
}
