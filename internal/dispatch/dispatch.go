// Package dispatch delivers notifications: topic events over websocket and
// MQTT, and best-effort text or email messages through an HTTP gateway.
package dispatch

import (
	"context"
	"errors"
	"time"
)

// Envelope is the wire form of one topic event.
type Envelope struct {
	Topic   string    `json:"topic"`
	Event   string    `json:"event"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Publisher delivers (topic, event, payload) triples.
type Publisher interface {
	Publish(ctx context.Context, topic, event string, payload any) error
}

// Messenger delivers an off-band message to a phone number or email address.
type Messenger interface {
	Send(ctx context.Context, to, message string) error
}

// Multi publishes to every publisher and joins the errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, topic, event string, payload any) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, topic, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type NopMessenger struct{}

func (NopMessenger) Send(context.Context, string, string) error { return nil }
