// Package ledger records offers made to responders and resolves the race
// among candidates accepting the same request.
package ledger

import (
	"context"

	"github.com/example/emergency-dispatch/internal/models"
)

// Acceptance is the outcome of a winning Accept.
type Acceptance struct {
	Offer      models.Offer
	Superseded []models.Offer
}

type Ledger interface {
	// OpenOffers creates one pending offer per candidate. The batch shares one
	// creation instant and radius. Fails with ErrDuplicateOpenOffer when the
	// request still has a pending offer.
	OpenOffers(ctx context.Context, requestID string, candidates []models.Candidate, radiusMeters float64) ([]models.Offer, error)
	// Accept moves the pair's pending offer to accepted and every sibling
	// pending offer to superseded in one step. Exactly one concurrent caller
	// per request wins; the others get ErrAlreadyResolved.
	Accept(ctx context.Context, requestID, responderID string) (Acceptance, error)
	Reject(ctx context.Context, requestID, responderID, reason string) (models.Offer, error)
	// ExpireAll moves every pending offer to expired and returns the count.
	ExpireAll(ctx context.Context, requestID, reason string) (int, error)
	// CloseAccepted supersedes the accepted offer so a new episode can start.
	CloseAccepted(ctx context.Context, requestID, reason string) (int, error)
	List(ctx context.Context, requestID string) ([]models.Offer, error)
	PendingCount(ctx context.Context, requestID string) (int, error)
}

const (
	ReasonAcceptedBySibling = "accepted by another responder"
	ReasonEscalated         = "round timed out"
	ReasonTransferred       = "request transferred"
	ReasonFailed            = "request failed"
)
