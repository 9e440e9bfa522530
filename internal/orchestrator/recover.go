package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/emergency-dispatch/internal/models"
)

// Recover restores escalation timers after a restart. Requests still in
// searching or offered either get a timer for the time they have left or,
// when the deadline has passed or was never written, escalate right away.
// A request whose ledger already holds an accepted offer is completed as
// an assignment instead. It returns how many requests were handled.
func (s *Service) Recover(ctx context.Context) (int, error) {
	open, err := s.store.ListByStatus(ctx, models.RequestSearching, models.RequestOffered)
	if err != nil {
		return 0, fmt.Errorf("list open requests: %w", err)
	}
	var errs []error
	for _, r := range open {
		if err := s.recoverOne(ctx, r.ID); err != nil && !errors.Is(err, models.ErrNoCandidates) {
			errs = append(errs, fmt.Errorf("recover %s: %w", r.ID, err))
		}
	}
	s.log.Info().Int("requests", len(open)).Int("armed", s.timers.Len()).Msg("recovery sweep finished")
	return len(open), errors.Join(errs...)
}

func (s *Service) recoverOne(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	req, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !req.Status.Searching() {
		return nil
	}

	offers, err := s.ledger.List(ctx, id)
	if err != nil {
		return err
	}
	for _, o := range offers {
		if o.Status == models.OfferAccepted {
			return s.adoptAcceptedLocked(ctx, req, o)
		}
	}

	if req.EscalationDeadline != nil && req.EscalationDeadline.After(s.now()) {
		s.timers.Arm(req.ID, *req.EscalationDeadline, s.onDeadline(req.ID, req.Round))
		return nil
	}
	_, err = s.escalateLocked(ctx, req, "deadline passed while offline")
	return err
}

// adoptAcceptedLocked finishes an acceptance that reached the ledger but not
// the request store.
func (s *Service) adoptAcceptedLocked(ctx context.Context, req models.Request, o models.Offer) error {
	if _, err := s.dir.SetAvailability(ctx, o.ResponderID, models.Busy, req.ID); err != nil {
		s.log.Error().Err(err).Str("request_id", req.ID).Str("responder_id", o.ResponderID).Msg("mark responder busy")
	}
	req.Status = models.RequestAssigned
	req.AssignedResponderID = o.ResponderID
	req.EscalationDeadline = nil
	req.UpdatedAt = s.now()
	if err := s.store.Update(ctx, req); err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	s.notifier.NotifyStatus(ctx, req)
	s.log.Warn().Str("request_id", req.ID).Str("responder_id", o.ResponderID).Msg("recovered accepted offer")
	return nil
}
