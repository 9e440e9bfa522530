package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/emergency-dispatch/internal/models"
	"github.com/google/uuid"
)

// MemoryLedger keeps offers in process. A single mutex makes every operation,
// including Accept, serializable.
type MemoryLedger struct {
	mu     sync.Mutex
	offers map[string][]*models.Offer
	now    func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{offers: make(map[string][]*models.Offer), now: time.Now}
}

func (l *MemoryLedger) OpenOffers(_ context.Context, requestID string, candidates []models.Candidate, radiusMeters float64) ([]models.Offer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, o := range l.offers[requestID] {
		if o.Status == models.OfferPending {
			return nil, fmt.Errorf("request %s: %w", requestID, models.ErrDuplicateOpenOffer)
		}
	}
	createdAt := l.now()
	out := make([]models.Offer, 0, len(candidates))
	for _, c := range candidates {
		o := &models.Offer{
			ID:             uuid.NewString(),
			RequestID:      requestID,
			ResponderID:    c.Responder.ID,
			Status:         models.OfferPending,
			RadiusMeters:   radiusMeters,
			DistanceMeters: c.DistanceMeters,
			CreatedAt:      createdAt,
		}
		l.offers[requestID] = append(l.offers[requestID], o)
		out = append(out, *o)
	}
	return out, nil
}

func (l *MemoryLedger) Accept(_ context.Context, requestID, responderID string) (Acceptance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	offers := l.offers[requestID]
	win, err := l.pendingPair(offers, requestID, responderID)
	if err != nil {
		return Acceptance{}, err
	}
	now := l.now()
	win.Status = models.OfferAccepted
	win.ResolvedAt = &now
	acc := Acceptance{}
	for _, o := range offers {
		if o == win || o.Status != models.OfferPending {
			continue
		}
		o.Status = models.OfferSuperseded
		o.ResolvedAt = &now
		o.Reason = ReasonAcceptedBySibling
		acc.Superseded = append(acc.Superseded, *o)
	}
	acc.Offer = *win
	return acc, nil
}

func (l *MemoryLedger) Reject(_ context.Context, requestID, responderID, reason string) (models.Offer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, err := l.pendingPair(l.offers[requestID], requestID, responderID)
	if err != nil {
		return models.Offer{}, err
	}
	now := l.now()
	o.Status = models.OfferRejected
	o.ResolvedAt = &now
	o.Reason = reason
	return *o, nil
}

func (l *MemoryLedger) ExpireAll(_ context.Context, requestID, reason string) (int, error) {
	return l.move(requestID, models.OfferPending, models.OfferExpired, reason), nil
}

func (l *MemoryLedger) CloseAccepted(_ context.Context, requestID, reason string) (int, error) {
	return l.move(requestID, models.OfferAccepted, models.OfferSuperseded, reason), nil
}

func (l *MemoryLedger) List(_ context.Context, requestID string) ([]models.Offer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.Offer, 0, len(l.offers[requestID]))
	for _, o := range l.offers[requestID] {
		out = append(out, *o)
	}
	return out, nil
}

func (l *MemoryLedger) PendingCount(_ context.Context, requestID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, o := range l.offers[requestID] {
		if o.Status == models.OfferPending {
			n++
		}
	}
	return n, nil
}

func (l *MemoryLedger) move(requestID string, from, to models.OfferStatus, reason string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for _, o := range l.offers[requestID] {
		if o.Status != from {
			continue
		}
		o.Status = to
		o.ResolvedAt = &now
		o.Reason = reason
		n++
	}
	return n
}

// pendingPair finds the pending offer for the pair. Caller holds l.mu.
func (l *MemoryLedger) pendingPair(offers []*models.Offer, requestID, responderID string) (*models.Offer, error) {
	var (
		pending        *models.Offer
		hasAccepted    bool
		pairSuperseded bool
	)
	for _, o := range offers {
		if o.Status == models.OfferAccepted {
			hasAccepted = true
		}
		if o.ResponderID != responderID {
			continue
		}
		switch o.Status {
		case models.OfferPending:
			pending = o
		case models.OfferSuperseded:
			pairSuperseded = true
		}
	}
	switch {
	case hasAccepted:
		return nil, fmt.Errorf("request %s: %w", requestID, models.ErrAlreadyResolved)
	case pending != nil:
		return pending, nil
	case pairSuperseded:
		return nil, fmt.Errorf("request %s: %w", requestID, models.ErrAlreadyResolved)
	}
	return nil, fmt.Errorf("offer %s/%s: %w", requestID, responderID, models.ErrNotFound)
}
