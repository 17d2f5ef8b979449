package model

import "github.com/rotisserie/eris"

// Sentinel errors crossing the caller boundary. Everything else is either
// absorbed (stage failures, broker degradation) or surfaced as internal.
var (
	// ErrNotFound marks lookups for records that do not exist.
	ErrNotFound = eris.New("not found")

	// ErrInvalidInput marks caller-correctable input errors. Never retried.
	ErrInvalidInput = eris.New("invalid input")
)
