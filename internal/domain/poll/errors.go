package poll

import "errors"

var (
	// ErrMalformedPayload marks an announcement that could not be decoded.
	ErrMalformedPayload = errors.New("malformed announcement payload")
	// ErrTransitionNotFound is returned when a transition id no longer exists,
	// typically because its poll was deleted or rescheduled.
	ErrTransitionNotFound = errors.New("status transition not found")
	// ErrTransitionProcessed is returned when another actor already applied the transition.
	ErrTransitionProcessed = errors.New("status transition already processed")
	ErrPollNotFound        = errors.New("poll not found")
	// ErrStore wraps any persistence failure.
	ErrStore = errors.New("store error")
)
