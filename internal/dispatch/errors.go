package dispatch

import "errors"

// Sentinel errors the dispatcher surfaces. Callers branch with
// errors.Is, never by string-matching.
var (
	// ErrExhausted is returned when the attempt loop completes with
	// neither a response, a cached error, nor a network error to fall
	// back on.
	ErrExhausted = errors.New("dispatch: attempt loop exhausted with no response")
)
