// Package orchestrator drives a request through its lifecycle: candidate
// search, offers, escalation, acceptance, transfer and completion.
//
// Every state change of one request runs under that request's lock and is
// persisted before notifications, audit records and KPIs are emitted.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/emergency-dispatch/internal/audit"
	"github.com/example/emergency-dispatch/internal/geo"
	"github.com/example/emergency-dispatch/internal/ledger"
	"github.com/example/emergency-dispatch/internal/models"
	"github.com/example/emergency-dispatch/internal/observability"
	"github.com/example/emergency-dispatch/internal/storage"
)

const (
	DefaultBaseRadiusMeters   = 500
	DefaultMaxRadiusMeters    = 1000
	DefaultEscalationTimeout  = 120 * time.Second
	DefaultTransferPingMaxAge = 10 * time.Minute
)

type Config struct {
	BaseRadiusMeters   float64
	MaxRadiusMeters    float64
	EscalationTimeout  time.Duration
	TransferPingMaxAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseRadiusMeters <= 0 {
		c.BaseRadiusMeters = DefaultBaseRadiusMeters
	}
	if c.MaxRadiusMeters < c.BaseRadiusMeters {
		c.MaxRadiusMeters = DefaultMaxRadiusMeters
		if c.MaxRadiusMeters < c.BaseRadiusMeters {
			c.MaxRadiusMeters = c.BaseRadiusMeters
		}
	}
	if c.EscalationTimeout <= 0 {
		c.EscalationTimeout = DefaultEscalationTimeout
	}
	if c.TransferPingMaxAge <= 0 {
		c.TransferPingMaxAge = DefaultTransferPingMaxAge
	}
	return c
}

type Matcher interface {
	Search(ctx context.Context, center models.Coord, radii ...float64) ([]models.Candidate, float64, error)
}

type Estimator interface {
	Estimate(ctx context.Context, from, to models.Coord) models.TravelEstimate
}

// Notifier is satisfied by *notify.Notifier.
type Notifier interface {
	NotifyCandidates(ctx context.Context, req models.Request, offers []models.Offer, cands []models.Candidate)
	NotifyAssigned(ctx context.Context, req models.Request, r models.Responder, est models.TravelEstimate)
	NotifySearching(ctx context.Context, req models.Request)
	NotifyFailed(ctx context.Context, req models.Request, reason string)
	NotifyStatus(ctx context.Context, req models.Request)
	NotifyTransferred(ctx context.Context, req models.Request, previousResponderID, reason string)
	NotifyTrack(ctx context.Context, requestID string, ping models.LocationPing)
	NotifyResponderStatus(ctx context.Context, r models.Responder)
	Audit(ctx context.Context, requestID string, typ audit.EventType, actor audit.Actor, actorID, message string, meta map[string]any)
}

// LocationPublisher forwards accepted location pings to the trail pipeline.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, ping models.LocationPing) error
}

type Deps struct {
	Store     storage.RequestStore
	Directory geo.Directory
	Matcher   Matcher
	Ledger    ledger.Ledger
	Notifier  Notifier
	Estimator Estimator
	KPI       observability.KPISink
	Trail     LocationPublisher
	Logger    zerolog.Logger
	Now       func() time.Time
}

type Service struct {
	cfg       Config
	store     storage.RequestStore
	dir       geo.Directory
	matcher   Matcher
	ledger    ledger.Ledger
	notifier  Notifier
	estimator Estimator
	kpi       observability.KPISink
	trail     LocationPublisher
	log       zerolog.Logger
	now       func() time.Time

	timers *TimerRegistry
	locks  *keyedMutex

	// timer callbacks run against bg and are tracked by inflight
	bg       context.Context
	stop     context.CancelFunc
	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

func New(cfg Config, d Deps) *Service {
	if d.KPI == nil {
		d.KPI = observability.NopKPISink{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	bg, stop := context.WithCancel(context.Background())
	return &Service{
		cfg:       cfg.withDefaults(),
		store:     d.Store,
		dir:       d.Directory,
		matcher:   d.Matcher,
		ledger:    d.Ledger,
		notifier:  d.Notifier,
		estimator: d.Estimator,
		kpi:       d.KPI,
		trail:     d.Trail,
		log:       d.Logger.With().Str("component", "orchestrator").Logger(),
		now:       d.Now,
		timers:    NewTimerRegistry(),
		locks:     newKeyedMutex(),
		bg:        bg,
		stop:      stop,
	}
}

// Timers exposes the escalation timers, mainly for readiness and tests.
func (s *Service) Timers() *TimerRegistry { return s.timers }

// Close disarms all timers and waits for running escalations.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.timers.Stop()
	s.stop()
	s.inflight.Wait()
}

// AcceptResult is what a winning responder gets back.
type AcceptResult struct {
	Request  models.Request        `json:"request"`
	Offer    models.Offer          `json:"offer"`
	Estimate models.TravelEstimate `json:"estimate"`
}

// CreateRequest registers a new emergency and runs the intake search: the
// base radius first, then the maximum radius immediately if the first search
// is empty. When no responder is in range at all the request is persisted as
// failed and ErrNoCandidates is returned together with it.
func (s *Service) CreateRequest(ctx context.Context, lat, lng float64, contactRef string) (models.Request, error) {
	origin := models.Coord{Lat: lat, Lng: lng}
	if !origin.Valid() {
		return models.Request{}, fmt.Errorf("%w: coordinates out of range", models.ErrInvalidInput)
	}
	now := s.now()
	req := models.Request{
		ID:           uuid.NewString(),
		ContactRef:   contactRef,
		CallerOrigin: origin,
		Origin:       origin,
		RadiusMeters: s.cfg.BaseRadiusMeters,
		Status:       models.RequestSearching,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	unlock := s.locks.Lock(req.ID)
	defer unlock()

	if err := s.store.Create(ctx, req); err != nil {
		return models.Request{}, fmt.Errorf("create request: %w", err)
	}
	s.notifier.Audit(ctx, req.ID, audit.Created, audit.ActorRequester, contactRef, "request created",
		map[string]any{"lat": lat, "lng": lng})
	s.log.Info().Str("request_id", req.ID).Float64("lat", lat).Float64("lng", lng).Msg("request created")

	return s.dispatchLocked(ctx, req, s.cfg.BaseRadiusMeters, s.cfg.MaxRadiusMeters)
}

func (s *Service) GetRequest(ctx context.Context, id string) (models.Request, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListOffers(ctx context.Context, requestID string) ([]models.Offer, error) {
	if _, err := s.store.Get(ctx, requestID); err != nil {
		return nil, err
	}
	return s.ledger.List(ctx, requestID)
}

// AcceptOffer lets one responder win the request. The responder is marked
// busy before the ledger decides so that it cannot win two requests at once;
// the mark is undone when the ledger rejects the acceptance.
func (s *Service) AcceptOffer(ctx context.Context, requestID, responderID string) (_ AcceptResult, err error) {
	unlock := s.locks.Lock(requestID)
	defer unlock()

	req, err := s.store.Get(ctx, requestID)
	if err != nil {
		return AcceptResult{}, err
	}
	resp, err := s.dir.Get(ctx, responderID)
	if err != nil {
		return AcceptResult{}, err
	}
	busyHere := resp.Availability == models.Busy && resp.BusyRequestID == requestID
	if !busyHere {
		marked, serr := s.dir.SetAvailability(ctx, responderID, models.Busy, requestID)
		if serr != nil {
			return AcceptResult{}, serr
		}
		prior := resp.Availability
		resp = marked
		defer func() {
			if err != nil {
				s.rollbackBusy(ctx, responderID, requestID, prior)
			}
		}()
	}

	acc, err := s.ledger.Accept(ctx, requestID, responderID)
	if err != nil {
		if errors.Is(err, models.ErrAlreadyResolved) {
			observability.AcceptConflicts.Inc()
		}
		return AcceptResult{}, err
	}

	s.timers.Cancel(requestID)
	now := s.now()
	req.Status = models.RequestAssigned
	req.AssignedResponderID = responderID
	req.EscalationDeadline = nil
	req.UpdatedAt = now
	if err = s.store.Update(ctx, req); err != nil {
		return AcceptResult{}, fmt.Errorf("update request: %w", err)
	}

	est := s.estimator.Estimate(ctx, resp.Loc, req.Origin)

	s.notifier.NotifyAssigned(ctx, req, resp, est)
	s.notifier.NotifyResponderStatus(ctx, resp)
	s.notifier.Audit(ctx, req.ID, audit.Accepted, audit.ActorResponder, responderID, "offer accepted",
		map[string]any{"offer_id": acc.Offer.ID, "distance_m": acc.Offer.DistanceMeters, "eta_minutes": est.EstimatedMinutes})
	for _, o := range acc.Superseded {
		s.notifier.Audit(ctx, req.ID, audit.Superseded, audit.ActorSystem, "", ledger.ReasonAcceptedBySibling,
			map[string]any{"offer_id": o.ID, "responder_id": o.ResponderID})
	}
	observability.RequestsTotal.WithLabelValues(string(models.RequestAssigned)).Inc()
	if err := s.kpi.RecordAssignment(ctx, observability.AssignmentKPI{
		RequestID:      req.ID,
		ResponderID:    responderID,
		DispatchTime:   now.Sub(req.CreatedAt),
		DistanceMeters: acc.Offer.DistanceMeters,
		Rounds:         req.Round,
		Transfers:      req.Transfers,
		At:             now,
	}); err != nil {
		s.log.Warn().Err(err).Str("request_id", req.ID).Msg("record assignment kpi")
	}
	s.log.Info().Str("request_id", req.ID).Str("responder_id", responderID).Int("superseded", len(acc.Superseded)).
		Bool("eta_estimated", est.Estimated).Msg("request assigned")

	return AcceptResult{Request: req, Offer: acc.Offer, Estimate: est}, nil
}

// RejectOffer declines one offer. When it was the last pending offer of the
// round, the request escalates immediately instead of waiting for the timer.
func (s *Service) RejectOffer(ctx context.Context, requestID, responderID, reason string) (models.Offer, error) {
	unlock := s.locks.Lock(requestID)
	defer unlock()

	req, err := s.store.Get(ctx, requestID)
	if err != nil {
		return models.Offer{}, err
	}
	offer, err := s.ledger.Reject(ctx, requestID, responderID, reason)
	if err != nil {
		return models.Offer{}, err
	}
	s.notifier.Audit(ctx, requestID, audit.Rejected, audit.ActorResponder, responderID, reason,
		map[string]any{"offer_id": offer.ID})

	if req.Status == models.RequestOffered {
		pending, err := s.ledger.PendingCount(ctx, requestID)
		if err != nil {
			s.log.Error().Err(err).Str("request_id", requestID).Msg("count pending offers")
		} else if pending == 0 {
			if _, err := s.escalateLocked(ctx, req, "all candidates rejected"); err != nil && !errors.Is(err, models.ErrNoCandidates) {
				s.log.Error().Err(err).Str("request_id", requestID).Msg("escalate after rejection")
			}
		}
	}
	return offer, nil
}

// TransferRequest abandons the current assignment and dispatches again from
// the base radius. With useResponderLocation the new search centres on the
// outgoing responder's last position, provided it is recent enough.
func (s *Service) TransferRequest(ctx context.Context, requestID, reason string, useResponderLocation bool) (models.Request, error) {
	unlock := s.locks.Lock(requestID)
	defer unlock()

	req, err := s.store.Get(ctx, requestID)
	if err != nil {
		return models.Request{}, err
	}
	if req.Status != models.RequestAssigned && req.Status != models.RequestEnroute {
		return req, fmt.Errorf("%w: cannot transfer a %s request", models.ErrInvalidTransition, req.Status)
	}

	prev := req.AssignedResponderID
	origin := req.CallerOrigin
	if useResponderLocation && prev != "" {
		if r, err := s.dir.Get(ctx, prev); err == nil && s.now().Sub(r.LastSeen) <= s.cfg.TransferPingMaxAge {
			origin = r.Loc
		}
	}

	s.timers.Cancel(requestID)
	if _, err := s.ledger.ExpireAll(ctx, requestID, ledger.ReasonTransferred); err != nil {
		return req, fmt.Errorf("expire offers: %w", err)
	}
	if _, err := s.ledger.CloseAccepted(ctx, requestID, ledger.ReasonTransferred); err != nil {
		return req, fmt.Errorf("close accepted offer: %w", err)
	}
	var released *models.Responder
	if prev != "" {
		if ok, err := s.dir.Release(ctx, prev, requestID); err != nil {
			s.log.Error().Err(err).Str("responder_id", prev).Msg("release responder")
		} else if ok {
			if r, err := s.dir.Get(ctx, prev); err == nil {
				released = &r
			}
		}
	}

	req.AssignedResponderID = ""
	req.Origin = origin
	req.RadiusMeters = s.cfg.BaseRadiusMeters
	req.Status = models.RequestSearching
	req.Transfers++
	req.EscalationDeadline = nil
	req.UpdatedAt = s.now()
	if err := s.store.Update(ctx, req); err != nil {
		return req, fmt.Errorf("update request: %w", err)
	}

	observability.Transfers.Inc()
	s.notifier.NotifyTransferred(ctx, req, prev, reason)
	if released != nil {
		s.notifier.NotifyResponderStatus(ctx, *released)
	}
	s.notifier.NotifySearching(ctx, req)
	s.notifier.Audit(ctx, requestID, audit.Transferred, audit.ActorOperator, "", reason, map[string]any{
		"previous_responder_id": prev,
		"origin_lat":            origin.Lat,
		"origin_lng":            origin.Lng,
		"transfers":             req.Transfers,
	})
	s.log.Info().Str("request_id", requestID).Str("previous_responder_id", prev).Str("reason", reason).Msg("request transferred")

	req, err = s.dispatchLocked(ctx, req, s.cfg.BaseRadiusMeters, s.cfg.MaxRadiusMeters)
	if err == nil {
		s.notifier.Audit(ctx, requestID, audit.Redispatched, audit.ActorSystem, "", "offers reopened",
			map[string]any{"radius_m": req.RadiusMeters, "round": req.Round})
	}
	return req, err
}

var nextStatus = map[models.RequestStatus]models.RequestStatus{
	models.RequestAssigned: models.RequestEnroute,
	models.RequestEnroute:  models.RequestArrived,
	models.RequestArrived:  models.RequestCompleted,
}

var statusEvent = map[models.RequestStatus]audit.EventType{
	models.RequestEnroute:   audit.Enroute,
	models.RequestArrived:   audit.Arrived,
	models.RequestCompleted: audit.Completed,
}

// UpdateRequestStatus moves an assigned request along
// assigned -> enroute -> arrived-destination -> completed. Failed is accepted
// from any non-terminal status as an operator override.
func (s *Service) UpdateRequestStatus(ctx context.Context, requestID string, status models.RequestStatus) (models.Request, error) {
	unlock := s.locks.Lock(requestID)
	defer unlock()

	req, err := s.store.Get(ctx, requestID)
	if err != nil {
		return models.Request{}, err
	}
	if status == models.RequestFailed {
		if req.Status.Terminal() {
			return req, fmt.Errorf("%w: request is already %s", models.ErrInvalidTransition, req.Status)
		}
		return s.failLocked(ctx, req, "cancelled by operator", audit.ActorOperator)
	}
	if _, ok := statusEvent[status]; !ok {
		return req, fmt.Errorf("%w: status %q cannot be set directly", models.ErrInvalidInput, status)
	}
	if nextStatus[req.Status] != status {
		return req, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, req.Status, status)
	}

	now := s.now()
	req.Status = status
	req.UpdatedAt = now
	if err := s.store.Update(ctx, req); err != nil {
		return req, fmt.Errorf("update request: %w", err)
	}

	if status == models.RequestCompleted && req.AssignedResponderID != "" {
		if ok, err := s.dir.Release(ctx, req.AssignedResponderID, req.ID); err != nil {
			s.log.Error().Err(err).Str("responder_id", req.AssignedResponderID).Msg("release responder")
		} else if ok {
			if r, err := s.dir.Get(ctx, req.AssignedResponderID); err == nil {
				s.notifier.NotifyResponderStatus(ctx, r)
			}
		}
	}

	s.notifier.NotifyStatus(ctx, req)
	s.notifier.Audit(ctx, req.ID, statusEvent[status], audit.ActorResponder, req.AssignedResponderID, string(status), nil)
	if status == models.RequestCompleted {
		s.recordOutcome(ctx, req, now)
	}
	return req, nil
}

func (s *Service) rollbackBusy(ctx context.Context, responderID, requestID string, prior models.Availability) {
	if _, err := s.dir.Release(ctx, responderID, requestID); err != nil {
		s.log.Error().Err(err).Str("responder_id", responderID).Msg("undo busy mark")
		return
	}
	if prior == models.Offline {
		if _, err := s.dir.SetAvailability(ctx, responderID, models.Offline, ""); err != nil {
			s.log.Error().Err(err).Str("responder_id", responderID).Msg("restore offline")
		}
	}
}

func (s *Service) RegisterResponder(ctx context.Context, r models.Responder) (models.Responder, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if !r.Loc.Valid() {
		return models.Responder{}, fmt.Errorf("%w: coordinates out of range", models.ErrInvalidInput)
	}
	out, err := s.dir.Register(ctx, r)
	if err != nil {
		return models.Responder{}, err
	}
	s.notifier.NotifyResponderStatus(ctx, out)
	return out, nil
}

func (s *Service) GetResponder(ctx context.Context, id string) (models.Responder, error) {
	return s.dir.Get(ctx, id)
}

// UpdateResponderLocation applies a location ping, forwards it to the trail
// pipeline and relays it to the request the responder is serving.
func (s *Service) UpdateResponderLocation(ctx context.Context, responderID string, lat, lng float64) (models.Responder, error) {
	if !(models.Coord{Lat: lat, Lng: lng}).Valid() {
		return models.Responder{}, fmt.Errorf("%w: coordinates out of range", models.ErrInvalidInput)
	}
	r, err := s.dir.UpsertLocation(ctx, responderID, lat, lng)
	if err != nil {
		return models.Responder{}, err
	}
	ping := models.LocationPing{ResponderID: r.ID, Lat: lat, Lng: lng, At: r.LastSeen}
	if r.Availability == models.Busy {
		ping.RequestID = r.BusyRequestID
	}
	if s.trail != nil {
		if err := s.trail.PublishLocation(ctx, ping); err != nil {
			s.log.Warn().Err(err).Str("responder_id", r.ID).Msg("publish location")
		}
	}
	if ping.RequestID != "" {
		s.notifier.NotifyTrack(ctx, ping.RequestID, ping)
	}
	return r, nil
}

// SetResponderAvailability handles the responder's own duty toggle. Busy is
// owned by dispatch and cannot be set here.
func (s *Service) SetResponderAvailability(ctx context.Context, responderID string, status models.Availability) (models.Responder, error) {
	if !status.Valid() {
		return models.Responder{}, fmt.Errorf("%w: availability %q", models.ErrInvalidInput, status)
	}
	if status == models.Busy {
		return models.Responder{}, fmt.Errorf("%w: busy is set by dispatch", models.ErrInvalidTransition)
	}
	r, err := s.dir.SetAvailability(ctx, responderID, status, "")
	if err != nil {
		return models.Responder{}, err
	}
	s.notifier.NotifyResponderStatus(ctx, r)
	return r, nil
}

// dispatchLocked searches the given radii in order and opens one offer per
// candidate of the first non-empty result.
func (s *Service) dispatchLocked(ctx context.Context, req models.Request, radii ...float64) (models.Request, error) {
	cands, used, err := s.matcher.Search(ctx, req.Origin, radii...)
	if err != nil {
		// retry on the next timer tick rather than leave the request idle
		s.log.Error().Err(err).Str("request_id", req.ID).Msg("candidate search")
		s.armLocked(ctx, &req)
		return req, fmt.Errorf("search candidates: %w", err)
	}
	if len(cands) == 0 {
		req.RadiusMeters = radii[len(radii)-1]
		req, err = s.failLocked(ctx, req, fmt.Sprintf("no responder available within %.0f m", req.RadiusMeters), audit.ActorSystem)
		if err != nil {
			return req, err
		}
		return req, models.ErrNoCandidates
	}

	offers, err := s.ledger.OpenOffers(ctx, req.ID, cands, used)
	if err != nil {
		s.log.Error().Err(err).Str("request_id", req.ID).Msg("open offers")
		s.armLocked(ctx, &req)
		return req, fmt.Errorf("open offers: %w", err)
	}
	req.RadiusMeters = used
	req.Status = models.RequestOffered
	req.Round++
	s.armLocked(ctx, &req)

	observability.OffersOpened.Add(float64(len(offers)))
	s.notifier.NotifyCandidates(ctx, req, offers, cands)
	s.notifier.Audit(ctx, req.ID, audit.Offered, audit.ActorSystem, "", "offers opened",
		map[string]any{"radius_m": used, "candidates": len(offers), "round": req.Round})
	s.log.Info().Str("request_id", req.ID).Float64("radius_m", used).Int("candidates", len(offers)).Int("round", req.Round).Msg("offers opened")
	return req, nil
}

// armLocked persists a fresh escalation deadline and schedules the timer.
func (s *Service) armLocked(ctx context.Context, req *models.Request) {
	deadline := s.now().Add(s.cfg.EscalationTimeout)
	req.EscalationDeadline = &deadline
	req.UpdatedAt = s.now()
	if err := s.store.Update(ctx, *req); err != nil {
		s.log.Error().Err(err).Str("request_id", req.ID).Msg("persist escalation deadline")
	}
	s.timers.Arm(req.ID, deadline, s.onDeadline(req.ID, req.Round))
}

func (s *Service) onDeadline(requestID string, round int) func() {
	return func() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.inflight.Add(1)
		s.mu.Unlock()
		defer s.inflight.Done()

		if err := s.escalate(s.bg, requestID, round); err != nil && !errors.Is(err, models.ErrNoCandidates) {
			s.log.Error().Err(err).Str("request_id", requestID).Msg("escalation")
		}
	}
}

// escalate is the timer path. It re-reads the request and does nothing when
// the round it was armed for is over.
func (s *Service) escalate(ctx context.Context, requestID string, round int) error {
	unlock := s.locks.Lock(requestID)
	defer unlock()

	req, err := s.store.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if !req.Status.Searching() || req.Round != round {
		return nil
	}
	_, err = s.escalateLocked(ctx, req, "round timed out")
	return err
}

// escalateLocked closes the current round and either widens the search to the
// maximum radius or, if already there, fails the request.
func (s *Service) escalateLocked(ctx context.Context, req models.Request, why string) (models.Request, error) {
	s.timers.Cancel(req.ID)
	expired, err := s.ledger.ExpireAll(ctx, req.ID, ledger.ReasonEscalated)
	if err != nil {
		return req, fmt.Errorf("expire offers: %w", err)
	}
	observability.Escalations.Inc()
	s.notifier.Audit(ctx, req.ID, audit.Escalated, audit.ActorSystem, "", why,
		map[string]any{"radius_m": req.RadiusMeters, "expired": expired, "round": req.Round})

	if req.RadiusMeters >= s.cfg.MaxRadiusMeters {
		req, err = s.failLocked(ctx, req, fmt.Sprintf("no responder accepted within %.0f m", req.RadiusMeters), audit.ActorSystem)
		if err != nil {
			return req, err
		}
		return req, models.ErrNoCandidates
	}

	req.RadiusMeters = s.cfg.MaxRadiusMeters
	req.Status = models.RequestSearching
	req.EscalationDeadline = nil
	req.UpdatedAt = s.now()
	if err := s.store.Update(ctx, req); err != nil {
		return req, fmt.Errorf("update request: %w", err)
	}
	s.notifier.NotifySearching(ctx, req)
	s.log.Info().Str("request_id", req.ID).Float64("radius_m", req.RadiusMeters).Msg("request escalated")

	return s.dispatchLocked(ctx, req, s.cfg.MaxRadiusMeters)
}

// failLocked moves the request to failed, closes its pending offers and frees
// an assigned responder.
func (s *Service) failLocked(ctx context.Context, req models.Request, reason string, actor audit.Actor) (models.Request, error) {
	s.timers.Cancel(req.ID)
	if _, err := s.ledger.ExpireAll(ctx, req.ID, ledger.ReasonFailed); err != nil {
		return req, fmt.Errorf("expire offers: %w", err)
	}
	now := s.now()
	req.Status = models.RequestFailed
	req.EscalationDeadline = nil
	req.UpdatedAt = now
	if err := s.store.Update(ctx, req); err != nil {
		return req, fmt.Errorf("update request: %w", err)
	}

	if req.AssignedResponderID != "" {
		if ok, err := s.dir.Release(ctx, req.AssignedResponderID, req.ID); err != nil {
			s.log.Error().Err(err).Str("responder_id", req.AssignedResponderID).Msg("release responder")
		} else if ok {
			if r, err := s.dir.Get(ctx, req.AssignedResponderID); err == nil {
				s.notifier.NotifyResponderStatus(ctx, r)
			}
		}
	}

	s.notifier.NotifyFailed(ctx, req, reason)
	s.notifier.Audit(ctx, req.ID, audit.Failed, actor, "", reason, map[string]any{"radius_m": req.RadiusMeters, "round": req.Round})
	s.recordOutcome(ctx, req, now)
	s.log.Warn().Str("request_id", req.ID).Str("reason", reason).Msg("request failed")
	return req, nil
}

func (s *Service) recordOutcome(ctx context.Context, req models.Request, at time.Time) {
	observability.RequestsTotal.WithLabelValues(string(req.Status)).Inc()
	if err := s.kpi.RecordOutcome(ctx, observability.OutcomeKPI{
		RequestID: req.ID,
		Outcome:   string(req.Status),
		Rounds:    req.Round,
		Transfers: req.Transfers,
		Duration:  at.Sub(req.CreatedAt),
		At:        at,
	}); err != nil {
		s.log.Warn().Err(err).Str("request_id", req.ID).Msg("record outcome kpi")
	}
}
