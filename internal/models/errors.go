package models

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyResolved     = errors.New("already taken")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrNoCandidates        = errors.New("no responder available")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrDuplicateOpenOffer  = errors.New("request already has open offers")
	ErrInvalidInput        = errors.New("invalid input")
)
