// Package audit carries the append-only timeline and communication log of
// every request. Nothing in the dispatch core reads these records back.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type EventType string

const (
	Created      EventType = "CREATED"
	Offered      EventType = "OFFERED"
	Accepted     EventType = "ACCEPTED"
	Rejected     EventType = "REJECTED"
	Superseded   EventType = "SUPERSEDED"
	Escalated    EventType = "ESCALATED"
	Transferred  EventType = "TRANSFERRED"
	Enroute      EventType = "ENROUTE"
	Arrived      EventType = "ARRIVED"
	Completed    EventType = "COMPLETED"
	Failed       EventType = "FAILED"
	Redispatched EventType = "REDISPATCHED"
)

type Actor string

const (
	ActorSystem    Actor = "system"
	ActorResponder Actor = "responder"
	ActorOperator  Actor = "operator"
	ActorRequester Actor = "requester"
)

// Record is one timeline entry of a request.
type Record struct {
	RequestID string         `json:"request_id"`
	Type      EventType      `json:"type"`
	Actor     Actor          `json:"actor"`
	ActorID   string         `json:"actor_id,omitempty"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

const (
	ChannelSocket = "socket"
	ChannelSMS    = "sms"
	ChannelEmail  = "email"

	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Communication is one message sent on behalf of a request.
type Communication struct {
	RequestID   string    `json:"request_id"`
	ResponderID string    `json:"responder_id,omitempty"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Channel     string    `json:"channel"`
	Message     string    `json:"message"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}

type Sink interface {
	Record(ctx context.Context, r Record) error
	Communication(ctx context.Context, c Communication) error
}

// Fanout writes to every sink and joins the errors.
type Fanout []Sink

func (f Fanout) Record(ctx context.Context, r Record) error {
	var errs []error
	for _, s := range f {
		errs = append(errs, s.Record(ctx, r))
	}
	return errors.Join(errs...)
}

func (f Fanout) Communication(ctx context.Context, c Communication) error {
	var errs []error
	for _, s := range f {
		errs = append(errs, s.Communication(ctx, c))
	}
	return errors.Join(errs...)
}

// LogSink writes records as structured log lines.
type LogSink struct {
	Logger zerolog.Logger
}

func (l LogSink) Record(_ context.Context, r Record) error {
	l.Logger.Info().
		Str("request_id", r.RequestID).
		Str("type", string(r.Type)).
		Str("actor", string(r.Actor)).
		Str("actor_id", r.ActorID).
		Fields(r.Metadata).
		Msg(r.Message)
	return nil
}

func (l LogSink) Communication(_ context.Context, c Communication) error {
	l.Logger.Debug().
		Str("request_id", c.RequestID).
		Str("channel", c.Channel).
		Str("to", c.To).
		Str("status", c.Status).
		Msg(c.Message)
	return nil
}

// MemorySink keeps everything in process.
type MemorySink struct {
	mu    sync.Mutex
	recs  []Record
	comms []Communication
}

func (m *MemorySink) Record(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, r)
	return nil
}

func (m *MemorySink) Communication(_ context.Context, c Communication) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comms = append(m.comms, c)
	return nil
}

// Records returns the records of requestID, or all records when it is empty.
func (m *MemorySink) Records(requestID string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.recs))
	for _, r := range m.recs {
		if requestID == "" || r.RequestID == requestID {
			out = append(out, r)
		}
	}
	return out
}

func (m *MemorySink) Communications(requestID string) []Communication {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Communication, 0, len(m.comms))
	for _, c := range m.comms {
		if requestID == "" || c.RequestID == requestID {
			out = append(out, c)
		}
	}
	return out
}
