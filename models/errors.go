package models

import "errors"

var (
	// ErrMalformedPayload marks a single native item that could not be normalized.
	// Batches skip the item and continue.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrStoreUnavailable is returned when the persistence layer fails.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrConnectionFailure covers platform auth and transport failures.
	ErrConnectionFailure = errors.New("connection failure")

	// ErrUnknownPlatform rejects requests for a platform that is not configured.
	ErrUnknownPlatform = errors.New("unknown platform")

	// ErrIllegalTransition is returned for a lifecycle change the state machine forbids.
	ErrIllegalTransition = errors.New("illegal state transition")
)
