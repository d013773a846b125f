package session

import "errors"

var (
	ErrInvalidCandidate = errors.New("invalid candidate")
	// ErrCandidateBufferFull is returned when a client keeps sending candidates
	// for an id that has not become active and the per-id cap is reached.
	ErrCandidateBufferFull = errors.New("candidate buffer full")
	ErrSessionClosed       = errors.New("session closed")
	// ErrInvalidOffer marks a remote description the engine could not apply.
	ErrInvalidOffer = errors.New("invalid offer")
)
