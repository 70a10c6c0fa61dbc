package upstream

import "errors"

// Sentinel errors upstream client operations wrap their failures
// around. Callers branch on kind with errors.Is, never by
// string-matching.
var (
	// ErrUpstreamAuth is returned when the OAuth token endpoint
	// rejects a refresh with a 4xx.
	ErrUpstreamAuth = errors.New("upstream: auth endpoint rejected request")
	// ErrProjectIDUnresolved is returned once FetchProjectID exhausts
	// its retry budget without a non-empty id.
	ErrProjectIDUnresolved = errors.New("upstream: project id unresolved")
	// ErrNetwork wraps transport-level failures: DNS, TLS, timeout,
	// connection reset.
	ErrNetwork = errors.New("upstream: network error")
)
