package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/example/emergency-dispatch/internal/models"
	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 5

// RedisGeo implements Directory using Redis GEO commands for position and a
// hash per responder for metadata. Availability changes run under WATCH so
// two writers cannot both mark a responder busy.
type RedisGeo struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key, now: time.Now}
}

func (r *RedisGeo) Register(ctx context.Context, in models.Responder) (models.Responder, error) {
	if in.ID == "" || !in.Loc.Valid() {
		return models.Responder{}, fmt.Errorf("responder: %w", models.ErrInvalidInput)
	}
	if in.Availability == "" {
		in.Availability = models.Available
	}
	if !in.Availability.Valid() || (in.Availability == models.Busy && in.BusyRequestID == "") {
		return models.Responder{}, fmt.Errorf("availability %q: %w", in.Availability, models.ErrInvalidInput)
	}
	var out models.Responder
	err := r.watch(ctx, in.ID, func(tx *redis.Tx) error {
		m, err := tx.HGetAll(ctx, metaKey(in.ID)).Result()
		if err != nil {
			return err
		}
		if prev, derr := decodeResponder(m); derr == nil && prev.Availability == models.Busy {
			in.Availability = prev.Availability
			in.BusyRequestID = prev.BusyRequestID
		}
		in.LastSeen = r.now()
		out = in
		return r.write(ctx, tx, in)
	})
	return out, err
}

func (r *RedisGeo) Get(ctx context.Context, id string) (models.Responder, error) {
	m, err := r.client.HGetAll(ctx, metaKey(id)).Result()
	if err != nil {
		return models.Responder{}, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(m) == 0 {
		return models.Responder{}, fmt.Errorf("responder %s: %w", id, models.ErrNotFound)
	}
	return decodeResponder(m)
}

func (r *RedisGeo) UpsertLocation(ctx context.Context, id string, lat, lng float64) (models.Responder, error) {
	loc := models.Coord{Lat: lat, Lng: lng}
	if !loc.Valid() {
		return models.Responder{}, fmt.Errorf("location: %w", models.ErrInvalidInput)
	}
	out, _, err := r.mutate(ctx, id, func(cur models.Responder) (models.Responder, bool, error) {
		cur.Loc = loc
		cur.LastSeen = r.now()
		return cur, true, nil
	})
	return out, err
}

func (r *RedisGeo) SetAvailability(ctx context.Context, id string, status models.Availability, requestID string) (models.Responder, error) {
	out, _, err := r.mutate(ctx, id, func(cur models.Responder) (models.Responder, bool, error) {
		next, err := transition(cur, status, requestID)
		return next, err == nil, err
	})
	return out, err
}

func (r *RedisGeo) Release(ctx context.Context, id, requestID string) (bool, error) {
	_, changed, err := r.mutate(ctx, id, func(cur models.Responder) (models.Responder, bool, error) {
		if cur.Availability != models.Busy || cur.BusyRequestID != requestID {
			return cur, false, nil
		}
		cur.Availability = models.Available
		cur.BusyRequestID = ""
		return cur, true, nil
	})
	return changed, err
}

// QueryBoundingBox uses GEOSEARCH BYBOX with the padded box edge in meters,
// then keeps the available responders.
func (r *RedisGeo) QueryBoundingBox(ctx context.Context, center models.Coord, radiusMeters float64) ([]models.Responder, error) {
	side := SideMeters(radiusMeters)
	ids, err := r.client.GeoSearch(ctx, r.key, &redis.GeoSearchQuery{
		Longitude: center.Lng,
		Latitude:  center.Lat,
		BoxWidth:  side,
		BoxHeight: side,
		BoxUnit:   "m",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geosearch: %w", err)
	}
	if len(ids) == 0 {
		return []models.Responder{}, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, metaKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis pipeline: %w", err)
	}
	out := make([]models.Responder, 0, len(ids))
	for _, c := range cmds {
		resp, err := decodeResponder(c.Val())
		if err != nil {
			// geo member without metadata; skip it
			continue
		}
		if resp.Availability == models.Available {
			out = append(out, resp)
		}
	}
	return out, nil
}

func (r *RedisGeo) mutate(ctx context.Context, id string, fn func(models.Responder) (models.Responder, bool, error)) (models.Responder, bool, error) {
	var (
		out     models.Responder
		changed bool
	)
	err := r.watch(ctx, id, func(tx *redis.Tx) error {
		m, err := tx.HGetAll(ctx, metaKey(id)).Result()
		if err != nil {
			return err
		}
		if len(m) == 0 {
			return fmt.Errorf("responder %s: %w", id, models.ErrNotFound)
		}
		cur, err := decodeResponder(m)
		if err != nil {
			return err
		}
		next, ch, err := fn(cur)
		if err != nil {
			return err
		}
		out, changed = next, ch
		if !ch {
			return nil
		}
		return r.write(ctx, tx, next)
	})
	return out, changed, err
}

func (r *RedisGeo) watch(ctx context.Context, id string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, fn, metaKey(id))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("responder %s: %w", id, redis.TxFailedErr)
}

func (r *RedisGeo) write(ctx context.Context, tx *redis.Tx, resp models.Responder) error {
	_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: resp.Loc.Lng, Latitude: resp.Loc.Lat, Name: resp.ID})
		pipe.HSet(ctx, metaKey(resp.ID), encodeResponder(resp))
		return nil
	})
	return err
}

func encodeResponder(r models.Responder) map[string]interface{} {
	return map[string]interface{}{
		"id":              r.ID,
		"name":            r.Name,
		"phone":           r.Phone,
		"vehicle_no":      r.VehicleNo,
		"lat":             strconv.FormatFloat(r.Loc.Lat, 'f', -1, 64),
		"lng":             strconv.FormatFloat(r.Loc.Lng, 'f', -1, 64),
		"availability":    string(r.Availability),
		"busy_request_id": r.BusyRequestID,
		"last_seen":       r.LastSeen.UTC().Format(time.RFC3339Nano),
		"trips":           strconv.Itoa(r.Trips),
		"cancellations":   strconv.Itoa(r.Cancellations),
	}
}

func decodeResponder(m map[string]string) (models.Responder, error) {
	if len(m) == 0 || m["id"] == "" {
		return models.Responder{}, models.ErrNotFound
	}
	r := models.Responder{
		ID:            m["id"],
		Name:          m["name"],
		Phone:         m["phone"],
		VehicleNo:     m["vehicle_no"],
		Availability:  models.Availability(m["availability"]),
		BusyRequestID: m["busy_request_id"],
	}
	var err error
	if r.Loc.Lat, err = strconv.ParseFloat(m["lat"], 64); err != nil {
		return models.Responder{}, fmt.Errorf("decode lat: %w", err)
	}
	if r.Loc.Lng, err = strconv.ParseFloat(m["lng"], 64); err != nil {
		return models.Responder{}, fmt.Errorf("decode lng: %w", err)
	}
	if v, ok := m["last_seen"]; ok && v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			r.LastSeen = t
		}
	}
	r.Trips, _ = strconv.Atoi(m["trips"])
	r.Cancellations, _ = strconv.Atoi(m["cancellations"])
	return r, nil
}

func metaKey(id string) string { return "responder:meta:" + id }
