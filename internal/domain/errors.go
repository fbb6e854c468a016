package domain

import "errors"

// Client errors, reported to the caller as a rejected operation
var (
	ErrRoundNotFound        = errors.New("round not found")
	ErrInvalidToken         = errors.New("invalid round token")
	ErrRoundExpired         = errors.New("round expired")
	ErrRoundAlreadyComplete = errors.New("round already complete")
	ErrOutOfSequenceAttempt = errors.New("attempt out of sequence")
	ErrUnknownAirport       = errors.New("unknown airport")
	ErrInvalidRequest       = errors.New("invalid request")
)

// Collaborator and storage errors
var (
	ErrNoAvailablePhoto  = errors.New("no available photo")
	ErrPhotoNotFound     = errors.New("photo not found")
	ErrPlayerNotFound    = errors.New("player not found")
	ErrStatNotFound      = errors.New("photo difficulty stat not found")
	ErrVersionConflict   = errors.New("round version conflict")
	ErrInvalidTransition = errors.New("invalid round state transition")
	ErrInternalError     = errors.New("internal server error")
	ErrLockHeld          = errors.New("lock held by another instance")
)

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrRoundNotFound) ||
		errors.Is(err, ErrPhotoNotFound) ||
		errors.Is(err, ErrPlayerNotFound) ||
		errors.Is(err, ErrNoAvailablePhoto)
}

// IsClientError reports whether err was caused by the caller rather than by
// the service or one of its collaborators.
func IsClientError(err error) bool {
	return errors.Is(err, ErrRoundNotFound) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrRoundExpired) ||
		errors.Is(err, ErrRoundAlreadyComplete) ||
		errors.Is(err, ErrOutOfSequenceAttempt) ||
		errors.Is(err, ErrUnknownAirport) ||
		errors.Is(err, ErrInvalidRequest)
}
