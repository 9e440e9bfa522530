package geo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/emergency-dispatch/internal/models"
)

// Directory is the vehicle directory required by the matcher and orchestrator.
type Directory interface {
	Register(ctx context.Context, r models.Responder) (models.Responder, error)
	Get(ctx context.Context, id string) (models.Responder, error)
	UpsertLocation(ctx context.Context, id string, lat, lng float64) (models.Responder, error)
	// SetAvailability changes the status. requestID is required for busy.
	SetAvailability(ctx context.Context, id string, status models.Availability, requestID string) (models.Responder, error)
	// Release demotes the responder to available only while it is still busy
	// on requestID. It reports whether a change was made.
	Release(ctx context.Context, id, requestID string) (bool, error)
	QueryBoundingBox(ctx context.Context, center models.Coord, radiusMeters float64) ([]models.Responder, error)
}

// Index is an in-memory Directory.
type Index struct {
	mu         sync.RWMutex
	responders map[string]models.Responder
	now        func() time.Time
}

func NewIndex() *Index {
	return &Index{responders: make(map[string]models.Responder), now: time.Now}
}

func (g *Index) Register(_ context.Context, r models.Responder) (models.Responder, error) {
	if r.ID == "" {
		return models.Responder{}, fmt.Errorf("responder id: %w", models.ErrInvalidInput)
	}
	if !r.Loc.Valid() {
		return models.Responder{}, fmt.Errorf("responder location: %w", models.ErrInvalidInput)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.responders[r.ID]; ok && prev.Availability == models.Busy {
		// profile refresh never clears an active assignment
		r.Availability = prev.Availability
		r.BusyRequestID = prev.BusyRequestID
	}
	if r.Availability == "" {
		r.Availability = models.Available
	}
	if !r.Availability.Valid() || (r.Availability == models.Busy && r.BusyRequestID == "") {
		return models.Responder{}, fmt.Errorf("availability %q: %w", r.Availability, models.ErrInvalidInput)
	}
	r.LastSeen = g.now()
	g.responders[r.ID] = r
	return r, nil
}

func (g *Index) Get(_ context.Context, id string) (models.Responder, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.responders[id]
	if !ok {
		return models.Responder{}, fmt.Errorf("responder %s: %w", id, models.ErrNotFound)
	}
	return r, nil
}

func (g *Index) UpsertLocation(_ context.Context, id string, lat, lng float64) (models.Responder, error) {
	loc := models.Coord{Lat: lat, Lng: lng}
	if !loc.Valid() {
		return models.Responder{}, fmt.Errorf("location: %w", models.ErrInvalidInput)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.responders[id]
	if !ok {
		return models.Responder{}, fmt.Errorf("responder %s: %w", id, models.ErrNotFound)
	}
	r.Loc = loc
	r.LastSeen = g.now()
	g.responders[id] = r
	return r, nil
}

func (g *Index) SetAvailability(_ context.Context, id string, status models.Availability, requestID string) (models.Responder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.responders[id]
	if !ok {
		return models.Responder{}, fmt.Errorf("responder %s: %w", id, models.ErrNotFound)
	}
	next, err := transition(r, status, requestID)
	if err != nil {
		return models.Responder{}, err
	}
	g.responders[id] = next
	return next, nil
}

func (g *Index) Release(_ context.Context, id, requestID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.responders[id]
	if !ok {
		return false, fmt.Errorf("responder %s: %w", id, models.ErrNotFound)
	}
	if r.Availability != models.Busy || r.BusyRequestID != requestID {
		return false, nil
	}
	r.Availability = models.Available
	r.BusyRequestID = ""
	g.responders[id] = r
	return true, nil
}

// naive scan over the fleet; the box keeps the exact-distance work small
func (g *Index) QueryBoundingBox(_ context.Context, center models.Coord, radiusMeters float64) ([]models.Responder, error) {
	box := BoundingBox(center, radiusMeters)
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.Responder, 0)
	for _, r := range g.responders {
		if r.Availability != models.Available {
			continue
		}
		if box.Contains(r.Loc) {
			out = append(out, r)
		}
	}
	return out, nil
}

// transition applies the availability rules shared by every Directory.
func transition(r models.Responder, status models.Availability, requestID string) (models.Responder, error) {
	if !status.Valid() {
		return r, fmt.Errorf("availability %q: %w", status, models.ErrInvalidInput)
	}
	switch status {
	case models.Busy:
		if requestID == "" {
			return r, fmt.Errorf("busy without request: %w", models.ErrInvalidInput)
		}
		if r.Availability == models.Busy && r.BusyRequestID != requestID {
			return r, fmt.Errorf("responder %s busy on %s: %w", r.ID, r.BusyRequestID, models.ErrInvalidTransition)
		}
		r.BusyRequestID = requestID
	default:
		if r.Availability == models.Busy {
			return r, fmt.Errorf("responder %s busy on %s: %w", r.ID, r.BusyRequestID, models.ErrInvalidTransition)
		}
		r.BusyRequestID = ""
	}
	r.Availability = status
	return r, nil
}
