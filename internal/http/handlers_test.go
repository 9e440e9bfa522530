package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/emergency-dispatch/internal/audit"
	"github.com/example/emergency-dispatch/internal/dispatch"
	"github.com/example/emergency-dispatch/internal/eta"
	"github.com/example/emergency-dispatch/internal/geo"
	"github.com/example/emergency-dispatch/internal/ledger"
	"github.com/example/emergency-dispatch/internal/matcher"
	"github.com/example/emergency-dispatch/internal/notify"
	"github.com/example/emergency-dispatch/internal/orchestrator"
	"github.com/example/emergency-dispatch/internal/storage"
)

func newTestServer(t *testing.T, checks map[string]ReadyCheck) (*httptest.Server, *dispatch.Hub) {
	t.Helper()
	dir := geo.NewIndex()
	hub := dispatch.NewHub()
	n := notify.New(hub, nil, &audit.MemorySink{}, zerolog.Nop())
	svc := orchestrator.New(orchestrator.Config{EscalationTimeout: time.Minute}, orchestrator.Deps{
		Store:     storage.NewMemoryStore(),
		Directory: dir,
		Matcher:   &matcher.Service{Directory: dir},
		Ledger:    ledger.NewMemoryLedger(),
		Notifier:  n,
		Estimator: &eta.Estimator{SpeedKmh: 60, Logger: zerolog.Nop()},
		Logger:    zerolog.Nop(),
	})
	srv := httptest.NewServer(NewServer(svc, hub, zerolog.Nop(), checks))
	t.Cleanup(func() {
		srv.Close()
		svc.Close()
		n.Wait()
	})
	return srv, hub
}

func call(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func registerResponder(t *testing.T, base, id string, lat, lng float64) {
	t.Helper()
	resp, _ := call(t, "POST", base+"/api/v1/responders", map[string]any{
		"id": id, "name": id, "vehicle_no": "KA-" + id, "loc": map[string]float64{"lat": lat, "lng": lng},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestCreateAcceptAndConflict(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	registerResponder(t, srv.URL, "A", 12.9726, 77.5946)
	registerResponder(t, srv.URL, "B", 12.9736, 77.5946)

	resp, body := call(t, "POST", srv.URL+"/api/v1/requests", map[string]any{"lat": 12.9716, "lng": 77.5946, "contact_ref": "+15550100"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	req := body["request"].(map[string]any)
	id := req["id"].(string)
	assert.Equal(t, "offered", req["status"])

	resp, body = call(t, "GET", srv.URL+"/api/v1/requests/"+id+"/offers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["offers"], 2)

	resp, body = call(t, "POST", srv.URL+"/api/v1/requests/"+id+"/accept", map[string]string{"responder_id": "A"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "assigned", body["request"].(map[string]any)["status"])
	assert.Equal(t, true, body["estimate"].(map[string]any)["estimated"])

	resp, body = call(t, "POST", srv.URL+"/api/v1/requests/"+id+"/accept", map[string]string{"responder_id": "B"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "already_taken", body["code"])

	resp, body = call(t, "GET", srv.URL+"/api/v1/responders/A", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "busy", body["availability"])
}

func TestCreateWithoutCandidatesReportsFailed(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, body := call(t, "POST", srv.URL+"/api/v1/requests", map[string]any{"lat": 12.9716, "lng": 77.5946})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "failed", body["request"].(map[string]any)["status"])
	assert.NotEmpty(t, body["message"])
	assert.Equal(t, "no_candidates", body["code"])
}

func TestErrorMapping(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	registerResponder(t, srv.URL, "A", 12.9726, 77.5946)

	resp, body := call(t, "POST", srv.URL+"/api/v1/requests", map[string]any{"lat": 12.9716})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_input", body["code"])

	resp, _ = call(t, "POST", srv.URL+"/api/v1/requests", map[string]any{"lat": 100, "lng": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = call(t, "GET", srv.URL+"/api/v1/requests/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["code"])

	resp, _ = call(t, "POST", srv.URL+"/api/v1/requests/missing/accept", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, body = call(t, "POST", srv.URL+"/api/v1/requests", map[string]any{"lat": 12.9716, "lng": 77.5946})
	id := body["request"].(map[string]any)["id"].(string)
	resp, body = call(t, "POST", srv.URL+"/api/v1/requests/"+id+"/status", map[string]string{"status": "completed"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "invalid_transition", body["code"])

	resp, _ = call(t, "PUT", srv.URL+"/api/v1/responders/A/availability", map[string]string{"availability": "busy"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestResponderLocationAndAvailability(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	registerResponder(t, srv.URL, "A", 12.9726, 77.5946)

	resp, body := call(t, "PUT", srv.URL+"/api/v1/responders/A/location", map[string]float64{"lat": 12.98, "lng": 77.6})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 12.98, body["loc"].(map[string]any)["lat"])

	resp, body = call(t, "PUT", srv.URL+"/api/v1/responders/A/availability", map[string]string{"availability": "offline"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "offline", body["availability"])

	resp, _ = call(t, "PUT", srv.URL+"/api/v1/responders/ghost/location", map[string]float64{"lat": 1, "lng": 1})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebsocketReceivesOffers(t *testing.T) {
	srv, hub := newTestServer(t, nil)
	registerResponder(t, srv.URL, "A", 12.9726, 77.5946)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?topic=" + notify.ResponderTopic("A")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Subscribers(notify.ResponderTopic("A")) == 1 }, time.Second, 10*time.Millisecond)

	resp, _ := call(t, "POST", srv.URL+"/api/v1/requests", map[string]any{"lat": 12.9716, "lng": 77.5946})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env dispatch.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, notify.OfferEvent("A"), env.Event)
}

func TestWebsocketRequiresTopic(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, _ := call(t, "GET", srv.URL+"/ws", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReadiness(t *testing.T) {
	srv, _ := newTestServer(t, map[string]ReadyCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})
	resp, body := call(t, "GET", srv.URL+"/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body["failed"], "redis")

	resp, _ = call(t, "GET", srv.URL+"/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
