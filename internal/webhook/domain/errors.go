package domain

import "errors"

var (
	ErrInvalidEvent  = errors.New("invalid_event")
	ErrEventNotFound  = errors.New("billing_event_not_found")
	ErrNotReplayable  = errors.New("billing_event_not_replayable")
)
