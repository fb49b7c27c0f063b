package engine

import "errors"

// Domain error taxonomy. All are recoverable-by-caller conditions that the
// client surfaces as UI states. Infrastructure failures are wrapped separately
// and never masked as one of these.
var (
	ErrNotOffered        = errors.New("no live offer for this worker")
	ErrExpired           = errors.New("offer or request expired")
	ErrAlreadyTaken      = errors.New("request already taken by another worker")
	ErrTooLate           = errors.New("request already assigned, cannot cancel")
	ErrNoEligibleWorkers = errors.New("no eligible workers")
)
