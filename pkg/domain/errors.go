package domain

import "errors"

var (
	// ErrInvalidRequest marks client-correctable input problems. No
	// fingerprint is derived and nothing is charged.
	ErrInvalidRequest = errors.New("invalid search request")

	// ErrAuthenticationRequired is returned on the miss path when no valid
	// user session is present. Cache hits are servable anonymously.
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrInsufficientCredits means the balance cannot cover the estimated
	// cost and the user has no stored provider key to bypass metering.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrGenerationFailed is surfaced after generator retries are exhausted.
	// Nothing has been persisted for the search.
	ErrGenerationFailed = errors.New("content generation failed")

	// ErrPersistenceFailed is fatal for the request; no partial result is
	// returned and no partial graph is left visible.
	ErrPersistenceFailed = errors.New("result persistence failed")

	// ErrUnknownModel means the requested model ID has no pricing entry.
	ErrUnknownModel = errors.New("unknown generation model")
)
