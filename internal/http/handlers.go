package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/example/emergency-dispatch/internal/dispatch"
	"github.com/example/emergency-dispatch/internal/models"
	"github.com/example/emergency-dispatch/internal/orchestrator"
)

// Dispatcher is the orchestrator surface exposed over HTTP.
type Dispatcher interface {
	CreateRequest(ctx context.Context, lat, lng float64, contactRef string) (models.Request, error)
	GetRequest(ctx context.Context, id string) (models.Request, error)
	ListOffers(ctx context.Context, requestID string) ([]models.Offer, error)
	AcceptOffer(ctx context.Context, requestID, responderID string) (orchestrator.AcceptResult, error)
	RejectOffer(ctx context.Context, requestID, responderID, reason string) (models.Offer, error)
	TransferRequest(ctx context.Context, requestID, reason string, useResponderLocation bool) (models.Request, error)
	UpdateRequestStatus(ctx context.Context, requestID string, status models.RequestStatus) (models.Request, error)
	RegisterResponder(ctx context.Context, r models.Responder) (models.Responder, error)
	GetResponder(ctx context.Context, id string) (models.Responder, error)
	UpdateResponderLocation(ctx context.Context, responderID string, lat, lng float64) (models.Responder, error)
	SetResponderAvailability(ctx context.Context, responderID string, status models.Availability) (models.Responder, error)
}

// ReadyCheck reports whether a backing service is reachable.
type ReadyCheck func(ctx context.Context) error

type Server struct {
	svc    Dispatcher
	hub    *dispatch.Hub
	checks map[string]ReadyCheck
	logger zerolog.Logger
	mux    *mux.Router
}

func NewServer(svc Dispatcher, hub *dispatch.Hub, logger zerolog.Logger, checks map[string]ReadyCheck) *Server {
	s := &Server{svc: svc, hub: hub, checks: checks, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/requests", s.handleCreateRequest).Methods("POST")
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods("GET")
	api.HandleFunc("/requests/{id}/offers", s.handleListOffers).Methods("GET")
	api.HandleFunc("/requests/{id}/accept", s.handleAccept).Methods("POST")
	api.HandleFunc("/requests/{id}/reject", s.handleReject).Methods("POST")
	api.HandleFunc("/requests/{id}/transfer", s.handleTransfer).Methods("POST")
	api.HandleFunc("/requests/{id}/status", s.handleRequestStatus).Methods("POST")
	api.HandleFunc("/responders", s.handleRegisterResponder).Methods("POST")
	api.HandleFunc("/responders/{id}", s.handleGetResponder).Methods("GET")
	api.HandleFunc("/responders/{id}/location", s.handleResponderLocation).Methods("PUT")
	api.HandleFunc("/responders/{id}/availability", s.handleResponderAvailability).Methods("PUT")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/readyz", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createRequestBody struct {
	Lat        *float64 `json:"lat"`
	Lng        *float64 `json:"lng"`
	ContactRef string   `json:"contact_ref"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if !decode(w, r, &body) {
		return
	}
	if body.Lat == nil || body.Lng == nil {
		writeError(w, errors.Join(models.ErrInvalidInput, errors.New("lat and lng are required")))
		return
	}
	req, err := s.svc.CreateRequest(r.Context(), *body.Lat, *body.Lng, body.ContactRef)
	switch {
	case errors.Is(err, models.ErrNoCandidates):
		// the request exists and is failed; that is an answer, not an error
		writeJSON(w, http.StatusOK, map[string]any{"request": req, "code": "no_candidates", "message": err.Error()})
	case err != nil:
		writeError(w, err)
	default:
		writeJSON(w, http.StatusCreated, map[string]any{"request": req})
	}
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.svc.GetRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := s.svc.ListOffers(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": offers})
}

type offerBody struct {
	ResponderID string `json:"responder_id"`
	Reason      string `json:"reason"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var body offerBody
	if !decode(w, r, &body) || !requireField(w, "responder_id", body.ResponderID) {
		return
	}
	res, err := s.svc.AcceptOffer(r.Context(), mux.Vars(r)["id"], body.ResponderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var body offerBody
	if !decode(w, r, &body) || !requireField(w, "responder_id", body.ResponderID) {
		return
	}
	offer, err := s.svc.RejectOffer(r.Context(), mux.Vars(r)["id"], body.ResponderID, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

type transferBody struct {
	Reason               string `json:"reason"`
	UseResponderLocation bool   `json:"use_responder_location"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var body transferBody
	if !decode(w, r, &body) {
		return
	}
	req, err := s.svc.TransferRequest(r.Context(), mux.Vars(r)["id"], body.Reason, body.UseResponderLocation)
	switch {
	case errors.Is(err, models.ErrNoCandidates):
		writeJSON(w, http.StatusOK, map[string]any{"request": req, "code": "no_candidates", "message": err.Error()})
	case err != nil:
		writeError(w, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"request": req})
	}
}

type statusBody struct {
	Status models.RequestStatus `json:"status"`
}

func (s *Server) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	var body statusBody
	if !decode(w, r, &body) || !requireField(w, "status", string(body.Status)) {
		return
	}
	req, err := s.svc.UpdateRequestStatus(r.Context(), mux.Vars(r)["id"], body.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleRegisterResponder(w http.ResponseWriter, r *http.Request) {
	var body models.Responder
	if !decode(w, r, &body) {
		return
	}
	out, err := s.svc.RegisterResponder(r.Context(), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleGetResponder(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.GetResponder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleResponderLocation(w http.ResponseWriter, r *http.Request) {
	var body models.Coord
	if !decode(w, r, &body) {
		return
	}
	out, err := s.svc.UpdateResponderLocation(r.Context(), mux.Vars(r)["id"], body.Lat, body.Lng)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type availabilityBody struct {
	Availability models.Availability `json:"availability"`
}

func (s *Server) handleResponderAvailability(w http.ResponseWriter, r *http.Request) {
	var body availabilityBody
	if !decode(w, r, &body) || !requireField(w, "availability", string(body.Availability)) {
		return
	}
	out, err := s.svc.SetResponderAvailability(r.Context(), mux.Vars(r)["id"], body.Availability)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	failed := map[string]string{}
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

var upgrader = websocket.Upgrader{}

// handleWS subscribes the connection to every ?topic= value until the client
// disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	topics := r.URL.Query()["topic"]
	if len(topics) == 0 {
		http.Error(w, "at least one topic is required", 400)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	sess := s.hub.Subscribe(conn, topics...)
	zerolog.Ctx(r.Context()).Debug().Strs("topics", topics).Msg("websocket subscribed")
	// Unsubscribe also closes the connection
	defer s.hub.Unsubscribe(sess)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, models.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrAlreadyResolved):
		status, code = http.StatusConflict, "already_taken"
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrDuplicateOpenOffer):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, models.ErrInvalidInput):
		status, code = http.StatusBadRequest, "invalid_input"
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, errors.Join(models.ErrInvalidInput, err))
		return false
	}
	return true
}

func requireField(w http.ResponseWriter, name, value string) bool {
	if value == "" {
		writeError(w, errors.Join(models.ErrInvalidInput, errors.New(name+" is required")))
		return false
	}
	return true
}
