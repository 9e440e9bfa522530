// Package notify turns dispatch decisions into addressed topic events,
// off-band messages and audit records. Delivery failures are logged and
// counted; nothing here returns an error to the caller.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/emergency-dispatch/internal/audit"
	"github.com/example/emergency-dispatch/internal/dispatch"
	"github.com/example/emergency-dispatch/internal/models"
	"github.com/example/emergency-dispatch/internal/observability"
)

// BroadcastTopic reaches every in-service responder.
const BroadcastTopic = "responders"

func RequestTopic(id string) string   { return "request:" + id }
func ResponderTopic(id string) string { return "responder:" + id }

func OfferEvent(responderID string) string { return "responder:" + responderID + ":offer" }
func DispatchEvent(id string) string       { return "request:" + id + ":dispatch" }
func AssignedEvent(id string) string       { return "request:" + id + ":assigned" }
func TakenEvent(id string) string          { return "request:" + id + ":taken" }
func FailedEvent(id string) string         { return "request:" + id + ":failed" }
func StatusEvent(id string) string         { return "request:" + id + ":status" }
func TransferredEvent(id string) string    { return "request:" + id + ":transferred" }
func TrackEvent(id string) string          { return "request:" + id + ":track" }
func ResponderStatusEvent(id string) string { return "responder:" + id + ":status" }

const SearchingEvent = "request:searching"

const sender = "dispatch"

type Notifier struct {
	publisher dispatch.Publisher
	messenger dispatch.Messenger
	sink      audit.Sink
	log       zerolog.Logger
	now       func() time.Time
	timeout   time.Duration

	// off-band sends run in the background
	wg sync.WaitGroup
}

func New(p dispatch.Publisher, m dispatch.Messenger, s audit.Sink, log zerolog.Logger) *Notifier {
	if m == nil {
		m = dispatch.NopMessenger{}
	}
	return &Notifier{publisher: p, messenger: m, sink: s, log: log, now: time.Now, timeout: 5 * time.Second}
}

// Wait blocks until background sends finish.
func (n *Notifier) Wait() { n.wg.Wait() }

// OfferPayload is sent to a candidate's private topic.
type OfferPayload struct {
	RequestID      string       `json:"request_id"`
	OfferID        string       `json:"offer_id"`
	Location       models.Coord `json:"location"`
	DistanceMeters float64      `json:"distance_m"`
	RadiusMeters   float64      `json:"radius_m"`
}

type DispatchPayload struct {
	RequestID    string  `json:"request_id"`
	Contacted    int     `json:"contacted"`
	RadiusMeters float64 `json:"radius_m"`
	Round        int     `json:"round"`
}

type AssignedPayload struct {
	RequestID string                `json:"request_id"`
	Responder models.PublicProfile  `json:"responder"`
	Estimate  models.TravelEstimate `json:"estimate"`
}

type TakenPayload struct {
	RequestID   string `json:"request_id"`
	ResponderID string `json:"responder_id"`
}

type SearchingPayload struct {
	RequestID    string       `json:"request_id"`
	Location     models.Coord `json:"location"`
	RadiusMeters float64      `json:"radius_m"`
}

type FailedPayload struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
}

type StatusPayload struct {
	RequestID   string               `json:"request_id"`
	Status      models.RequestStatus `json:"status"`
	ResponderID string               `json:"responder_id,omitempty"`
}

type TransferredPayload struct {
	RequestID           string       `json:"request_id"`
	PreviousResponderID string       `json:"previous_responder_id"`
	Origin              models.Coord `json:"origin"`
	Reason              string       `json:"reason"`
}

// NotifyCandidates addresses each candidate's topic with the request location
// and distance, and tells the request topic how many were contacted.
func (n *Notifier) NotifyCandidates(ctx context.Context, req models.Request, offers []models.Offer, cands []models.Candidate) {
	phones := make(map[string]string, len(cands))
	for _, c := range cands {
		phones[c.Responder.ID] = c.Responder.Phone
	}
	for _, o := range offers {
		n.publish(ctx, req.ID, o.ResponderID, ResponderTopic(o.ResponderID), OfferEvent(o.ResponderID), OfferPayload{
			RequestID:      req.ID,
			OfferID:        o.ID,
			Location:       req.Origin,
			DistanceMeters: o.DistanceMeters,
			RadiusMeters:   o.RadiusMeters,
		})
		if phone := phones[o.ResponderID]; phone != "" {
			n.sendAsync(req.ID, o.ResponderID, phone,
				fmt.Sprintf("Emergency request %s is %.0f m from you. Open the app to accept.", req.ID, o.DistanceMeters))
		}
	}
	n.publish(ctx, req.ID, "", RequestTopic(req.ID), DispatchEvent(req.ID), DispatchPayload{
		RequestID:    req.ID,
		Contacted:    len(offers),
		RadiusMeters: req.RadiusMeters,
		Round:        req.Round,
	})
}

// NotifyAssigned sends the winner's profile and estimate to the request topic
// and a terse taken broadcast so other responders retract the offer.
func (n *Notifier) NotifyAssigned(ctx context.Context, req models.Request, r models.Responder, est models.TravelEstimate) {
	n.publish(ctx, req.ID, r.ID, RequestTopic(req.ID), AssignedEvent(req.ID), AssignedPayload{
		RequestID: req.ID,
		Responder: r.Profile(),
		Estimate:  est,
	})
	n.publish(ctx, req.ID, "", BroadcastTopic, TakenEvent(req.ID), TakenPayload{RequestID: req.ID, ResponderID: r.ID})
	if req.ContactRef != "" {
		n.sendAsync(req.ID, "", req.ContactRef,
			fmt.Sprintf("Responder %s (%s) is on the way. ETA %d min.", r.Name, r.VehicleNo, est.EstimatedMinutes))
	}
}

func (n *Notifier) NotifySearching(ctx context.Context, req models.Request) {
	n.publish(ctx, req.ID, "", BroadcastTopic, SearchingEvent, SearchingPayload{
		RequestID:    req.ID,
		Location:     req.Origin,
		RadiusMeters: req.RadiusMeters,
	})
}

func (n *Notifier) NotifyFailed(ctx context.Context, req models.Request, reason string) {
	n.publish(ctx, req.ID, "", RequestTopic(req.ID), FailedEvent(req.ID), FailedPayload{RequestID: req.ID, Reason: reason})
	if req.ContactRef != "" {
		n.sendAsync(req.ID, "", req.ContactRef, "Sorry, no responder is available right now: "+reason)
	}
}

func (n *Notifier) NotifyStatus(ctx context.Context, req models.Request) {
	n.publish(ctx, req.ID, req.AssignedResponderID, RequestTopic(req.ID), StatusEvent(req.ID), StatusPayload{
		RequestID:   req.ID,
		Status:      req.Status,
		ResponderID: req.AssignedResponderID,
	})
}

func (n *Notifier) NotifyTransferred(ctx context.Context, req models.Request, previousResponderID, reason string) {
	p := TransferredPayload{RequestID: req.ID, PreviousResponderID: previousResponderID, Origin: req.Origin, Reason: reason}
	n.publish(ctx, req.ID, previousResponderID, RequestTopic(req.ID), TransferredEvent(req.ID), p)
	if previousResponderID != "" {
		n.publish(ctx, req.ID, previousResponderID, ResponderTopic(previousResponderID), TransferredEvent(req.ID), p)
	}
}

// NotifyTrack relays a position of the assigned responder. Track events are
// not written to the communication log.
func (n *Notifier) NotifyTrack(ctx context.Context, requestID string, ping models.LocationPing) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.publisher.Publish(ctx, RequestTopic(requestID), TrackEvent(requestID), ping); err != nil {
		observability.NotificationFailures.WithLabelValues(audit.ChannelSocket).Inc()
		n.log.Warn().Err(err).Str("request_id", requestID).Msg("track publish failed")
	}
}

func (n *Notifier) NotifyResponderStatus(ctx context.Context, r models.Responder) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	payload := map[string]any{"responder_id": r.ID, "availability": r.Availability, "request_id": r.BusyRequestID}
	if err := n.publisher.Publish(ctx, ResponderTopic(r.ID), ResponderStatusEvent(r.ID), payload); err != nil {
		observability.NotificationFailures.WithLabelValues(audit.ChannelSocket).Inc()
		n.log.Warn().Err(err).Str("responder_id", r.ID).Msg("responder status publish failed")
	}
}

// Audit appends a timeline record.
func (n *Notifier) Audit(ctx context.Context, requestID string, typ audit.EventType, actor audit.Actor, actorID, message string, meta map[string]any) {
	rec := audit.Record{
		RequestID: requestID,
		Type:      typ,
		Actor:     actor,
		ActorID:   actorID,
		Message:   message,
		Metadata:  meta,
		Timestamp: n.now(),
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.sink.Record(ctx, rec); err != nil {
		n.log.Warn().Err(err).Str("request_id", requestID).Str("type", string(typ)).Msg("audit write failed")
	}
}

func (n *Notifier) publish(ctx context.Context, requestID, responderID, topic, event string, payload any) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	status := audit.StatusSent
	if err := n.publisher.Publish(ctx, topic, event, payload); err != nil {
		status = audit.StatusFailed
		observability.NotificationFailures.WithLabelValues(audit.ChannelSocket).Inc()
		n.log.Warn().Err(err).Str("request_id", requestID).Str("topic", topic).Str("event", event).Msg("publish failed")
	}
	n.communication(ctx, audit.Communication{
		RequestID:   requestID,
		ResponderID: responderID,
		From:        sender,
		To:          topic,
		Channel:     audit.ChannelSocket,
		Message:     event,
		Status:      status,
		Timestamp:   n.now(),
	})
}

func (n *Notifier) sendAsync(requestID, responderID, to, message string) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		channel := dispatch.Channel(to)
		status := audit.StatusSent
		if err := n.messenger.Send(ctx, to, message); err != nil {
			status = audit.StatusFailed
			observability.NotificationFailures.WithLabelValues(channel).Inc()
			n.log.Warn().Err(err).Str("request_id", requestID).Str("channel", channel).Msg("off-band send failed")
		}
		n.communication(ctx, audit.Communication{
			RequestID:   requestID,
			ResponderID: responderID,
			From:        sender,
			To:          to,
			Channel:     channel,
			Message:     message,
			Status:      status,
			Timestamp:   n.now(),
		})
	}()
}

func (n *Notifier) communication(ctx context.Context, c audit.Communication) {
	if err := n.sink.Communication(ctx, c); err != nil {
		n.log.Warn().Err(err).Str("request_id", c.RequestID).Msg("communication log write failed")
	}
}
