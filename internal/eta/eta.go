package eta

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/emergency-dispatch/internal/geo"
	"github.com/example/emergency-dispatch/internal/models"
	"github.com/example/emergency-dispatch/internal/observability"
)

// Router is the routing collaborator.
type Router interface {
	Route(ctx context.Context, from, to models.Coord) (models.Route, error)
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  models.Route
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lng)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (models.Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return models.Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return models.Route{}, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v models.Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// EstimateSeconds is the straight-line travel time at speedKmh.
func EstimateSeconds(from, to models.Coord, speedKmh float64) float64 {
	if speedKmh <= 0 {
		speedKmh = DefaultSpeedKmh
	}
	return geo.Distance(from, to) / (speedKmh * 1000 / 3600)
}

const (
	DefaultSpeedKmh = 60.0
	DefaultTimeout  = 3 * time.Second
)

// Estimator turns a Router answer into a TravelEstimate and falls back to a
// straight-line estimate when the router fails. Estimate never returns an
// error.
type Estimator struct {
	Router   Router // optional
	Cache    *Cache // optional
	SpeedKmh float64
	Timeout  time.Duration
	Logger   zerolog.Logger
	Now      func() time.Time
}

func (e *Estimator) Estimate(ctx context.Context, from, to models.Coord) models.TravelEstimate {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	if e.Cache != nil {
		if r, ok := e.Cache.Get(from, to); ok {
			return fromRoute(r, now())
		}
	}
	if e.Router != nil {
		timeout := e.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		rctx, cancel := context.WithTimeout(ctx, timeout)
		r, err := e.Router.Route(rctx, from, to)
		cancel()
		if err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, r)
			}
			return fromRoute(r, now())
		}
		e.Logger.Warn().Err(fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)).Msg("routing failed, using straight-line estimate")
	}
	observability.RouteFallbacks.Inc()
	return e.fallback(from, to, now())
}

func (e *Estimator) fallback(from, to models.Coord, now time.Time) models.TravelEstimate {
	secs := EstimateSeconds(from, to, e.SpeedKmh)
	return models.TravelEstimate{
		DistanceMeters:   math.Round(geo.Distance(from, to)),
		DurationSeconds:  math.Round(secs),
		ETA:              now.Add(time.Duration(secs * float64(time.Second))),
		EstimatedMinutes: int(math.Ceil(secs / 60)),
		Estimated:        true,
	}
}

func fromRoute(r models.Route, now time.Time) models.TravelEstimate {
	return models.TravelEstimate{
		DistanceMeters:   r.DistanceMeters,
		DurationSeconds:  r.DurationSeconds,
		ETA:              now.Add(time.Duration(r.DurationSeconds * float64(time.Second))),
		EstimatedMinutes: int(math.Ceil(r.DurationSeconds / 60)),
		Steps:            r.Steps,
	}
}
