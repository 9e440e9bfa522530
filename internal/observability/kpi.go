package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"
)

// AssignmentKPI is recorded when a request gets a responder.
type AssignmentKPI struct {
	RequestID      string
	ResponderID    string
	DispatchTime   time.Duration
	DistanceMeters float64
	Rounds         int
	Transfers      int
	At             time.Time
}

// OutcomeKPI is recorded when a request reaches a terminal status.
type OutcomeKPI struct {
	RequestID string
	Outcome   string
	Rounds    int
	Transfers int
	Duration  time.Duration
	At        time.Time
}

// KPISink receives dispatch KPIs.
type KPISink interface {
	RecordAssignment(ctx context.Context, k AssignmentKPI) error
	RecordOutcome(ctx context.Context, k OutcomeKPI) error
}

type NopKPISink struct{}

func (NopKPISink) RecordAssignment(context.Context, AssignmentKPI) error { return nil }
func (NopKPISink) RecordOutcome(context.Context, OutcomeKPI) error       { return nil }

// InfluxKPISink writes KPIs to InfluxDB v2.
type InfluxKPISink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      zerolog.Logger
}

func NewInfluxKPISink(url, token, org, bucket string, log zerolog.Logger) *InfluxKPISink {
	client := influxdb2.NewClientWithOptions(url, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxKPISink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      log,
	}
}

// NewInfluxKPISinkWithFallback pings InfluxDB and returns a NopKPISink when
// the health check fails.
func NewInfluxKPISinkWithFallback(ctx context.Context, url, token, org, bucket string, log zerolog.Logger) KPISink {
	sink := NewInfluxKPISink(url, token, org, bucket, log)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			log.Error().Err(err).Msg("influx health check error")
		} else {
			log.Error().Str("status", string(health.Status)).Msg("influx unhealthy")
		}
		sink.client.Close()
		return NopKPISink{}
	}
	return sink
}

func (s *InfluxKPISink) RecordAssignment(ctx context.Context, k AssignmentKPI) error {
	p := write.NewPointWithMeasurement("dispatch_assignment").
		AddTag("request_id", k.RequestID).
		AddTag("responder_id", k.ResponderID).
		AddField("dispatch_seconds", k.DispatchTime.Seconds()).
		AddField("distance_m", k.DistanceMeters).
		AddField("rounds", k.Rounds).
		AddField("transfers", k.Transfers).
		SetTime(k.At)
	return s.write(ctx, p)
}

func (s *InfluxKPISink) RecordOutcome(ctx context.Context, k OutcomeKPI) error {
	p := write.NewPointWithMeasurement("dispatch_outcome").
		AddTag("request_id", k.RequestID).
		AddTag("outcome", k.Outcome).
		AddTag("redispatched", strconv.FormatBool(k.Transfers > 0)).
		AddField("rounds", k.Rounds).
		AddField("transfers", k.Transfers).
		AddField("duration_seconds", k.Duration.Seconds()).
		SetTime(k.At)
	return s.write(ctx, p)
}

func (s *InfluxKPISink) write(ctx context.Context, p *write.Point) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.writeAPI.WritePoint(ctx, p)
}

func (s *InfluxKPISink) Close() {
	s.client.Close()
}
