package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 5 * time.Second
	// sendQueue is how many events a session may have in flight before it
	// is treated as stalled and dropped.
	sendQueue = 64
)

var errSessionStalled = errors.New("session send queue full")

// wsConn is the part of *websocket.Conn a session writes through.
type wsConn interface {
	SetWriteDeadline(t time.Time) error
	WriteJSON(v interface{}) error
	Close() error
}

// WSSession represents one connected websocket client. Events are queued and
// written by the session's own goroutine, so a slow client never holds up a
// publisher.
type WSSession struct {
	conn wsConn
	send chan Envelope
	done chan struct{}
	once sync.Once
}

func (s *WSSession) enqueue(env Envelope) error {
	select {
	case <-s.done:
		return errors.New("session closed")
	default:
	}
	select {
	case s.send <- env:
		return nil
	default:
		return errSessionStalled
	}
}

func (s *WSSession) stop() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Hub holds websocket sessions grouped by topic.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*WSSession]struct{}
	now    func() time.Time
}

func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[*WSSession]struct{}), now: time.Now}
}

// Subscribe registers conn on every topic. The returned session is used to
// unsubscribe when the connection closes.
func (h *Hub) Subscribe(conn *websocket.Conn, topics ...string) *WSSession {
	return h.subscribe(conn, topics...)
}

func (h *Hub) subscribe(conn wsConn, topics ...string) *WSSession {
	s := &WSSession{conn: conn, send: make(chan Envelope, sendQueue), done: make(chan struct{})}
	h.mu.Lock()
	for _, t := range topics {
		if h.topics[t] == nil {
			h.topics[t] = make(map[*WSSession]struct{})
		}
		h.topics[t][s] = struct{}{}
	}
	h.mu.Unlock()
	go h.writeLoop(s)
	return s
}

func (h *Hub) writeLoop(s *WSSession) {
	for {
		select {
		case <-s.done:
			return
		case env := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(env); err != nil {
				h.Unsubscribe(s)
				return
			}
		}
	}
}

// Unsubscribe removes the session from every topic and closes its connection.
func (h *Hub) Unsubscribe(s *WSSession) {
	h.mu.Lock()
	for t, subs := range h.topics {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.topics, t)
		}
	}
	h.mu.Unlock()
	s.stop()
}

// Subscribers returns the number of sessions on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Publish queues the event for every session on topic and returns without
// waiting for the writes. A topic without subscribers is not an error.
// Sessions whose queue is full are dropped.
func (h *Hub) Publish(_ context.Context, topic, event string, payload any) error {
	h.mu.RLock()
	subs := make([]*WSSession, 0, len(h.topics[topic]))
	for s := range h.topics[topic] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	env := Envelope{Topic: topic, Event: event, Payload: payload, At: h.now()}
	var errs []error
	for _, s := range subs {
		if err := s.enqueue(env); err != nil {
			errs = append(errs, fmt.Errorf("ws send %s: %w", topic, err))
			h.Unsubscribe(s)
		}
	}
	return errors.Join(errs...)
}
