package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubDeliversToTopicSubscribers(t *testing.T) {
	hub := NewHub()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := hub.Subscribe(conn, r.URL.Query()["topic"]...)
		// drain until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				hub.Unsubscribe(s)
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?topic=request:r1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers("request:r1") == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(context.Background(), "request:r1", "request:r1:assigned", map[string]string{"responder": "a"}))
	require.NoError(t, hub.Publish(context.Background(), "request:other", "ignored", nil))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, "request:r1", env.Topic)
	assert.Equal(t, "request:r1:assigned", env.Event)
}

func TestHubPublishWithoutSubscribers(t *testing.T) {
	assert.NoError(t, NewHub().Publish(context.Background(), "responders", "request:searching", nil))
}

// stuckConn blocks every write until release is closed.
type stuckConn struct {
	release chan struct{}
	closed  atomic.Bool
}

func (c *stuckConn) SetWriteDeadline(time.Time) error { return nil }
func (c *stuckConn) WriteJSON(interface{}) error {
	<-c.release
	return errors.New("write on closed conn")
}
func (c *stuckConn) Close() error {
	c.closed.Store(true)
	return nil
}

func TestHubDropsStalledSessionWithoutBlocking(t *testing.T) {
	hub := NewHub()
	conn := &stuckConn{release: make(chan struct{})}
	defer close(conn.release)
	hub.subscribe(conn, "responder:a")

	start := time.Now()
	var err error
	for i := 0; i <= sendQueue+1 && err == nil; i++ {
		err = hub.Publish(context.Background(), "responder:a", "responder:a:offer", i)
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, err, errSessionStalled)
	assert.Equal(t, 0, hub.Subscribers("responder:a"))
	assert.True(t, conn.closed.Load())
}

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMQTT struct {
	mu        sync.Mutex
	topics    []string
	payloads  [][]byte
	err       error
	connected bool
}

func (f *fakeMQTT) IsConnected() bool { return f.connected }
func (f *fakeMQTT) Disconnect(uint)   { f.connected = false }
func (f *fakeMQTT) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload.([]byte))
	return newFakeToken(f.err)
}

func TestMQTTPublisherPrefixesTopic(t *testing.T) {
	c := &fakeMQTT{connected: true}
	p := NewMQTTPublisher(c, "dispatch")
	require.NoError(t, p.Publish(context.Background(), "responder:a", "responder:a:offer", map[string]float64{"distance_m": 250}))
	require.Len(t, c.topics, 1)
	assert.Equal(t, "dispatch/responder:a", c.topics[0])
	var env Envelope
	require.NoError(t, json.Unmarshal(c.payloads[0], &env))
	assert.Equal(t, "responder:a:offer", env.Event)

	p.Close()
	assert.False(t, c.connected)
}

func TestMQTTPublisherError(t *testing.T) {
	c := &fakeMQTT{err: errors.New("not connected")}
	err := NewMQTTPublisher(c, "").Publish(context.Background(), "t", "e", nil)
	assert.ErrorContains(t, err, "not connected")
}

type recordingPublisher struct {
	events []string
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, _, event string, _ any) error {
	r.events = append(r.events, event)
	return r.err
}

func TestMultiPublishesToAll(t *testing.T) {
	a := &recordingPublisher{}
	b := &recordingPublisher{err: errors.New("b down")}
	err := Multi{a, b}.Publish(context.Background(), "t", "e", nil)
	assert.ErrorContains(t, err, "b down")
	assert.Equal(t, []string{"e"}, a.events)
	assert.Equal(t, []string{"e"}, b.events)
}

func TestGatewayMessenger(t *testing.T) {
	var got gatewayMessage
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	g := NewGatewayMessenger(srv.URL, "tok")
	require.NoError(t, g.Send(context.Background(), "+911234567890", "Ambulance assigned"))
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "sms", got.Channel)

	require.NoError(t, g.Send(context.Background(), "ops@example.org", "hi"))
	assert.Equal(t, "email", got.Channel)

	assert.Error(t, g.Send(context.Background(), "", "hi"))
}

func TestGatewayMessengerRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	err := NewGatewayMessenger(srv.URL, "").Send(context.Background(), "+1", "x")
	assert.ErrorContains(t, err, "502")
}

func TestFCMPublisherPostsTopicMessage(t *testing.T) {
	var got fcmMessage
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	p := NewFCMPublisher(srv.URL, "key")
	require.NoError(t, p.Publish(context.Background(), "responder:a", "responder:a:offer", map[string]int{"distance_m": 250}))
	assert.Equal(t, "Bearer key", auth)
	assert.Equal(t, "responder-a", got.Message.Topic)
	assert.Equal(t, "responder:a:offer", got.Message.Data["event"])
	assert.JSONEq(t, `{"distance_m":250}`, got.Message.Data["payload"])
}

func TestFCMPublisherRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	err := NewFCMPublisher(srv.URL, "").Publish(context.Background(), "responders", "request:searching", nil)
	assert.ErrorContains(t, err, "401")
}
