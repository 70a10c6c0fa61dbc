package account

import "errors"

// Sentinel errors the AccountManager surfaces verbatim to callers.
var (
	// ErrNoAccounts is returned by any credential lookup against an
	// empty pool.
	ErrNoAccounts = errors.New("account: no accounts available")
	// ErrInvalidIndex is returned when an index is out of range.
	ErrInvalidIndex = errors.New("account: index out of range")
	// ErrProjectIDRequired is returned by AddAccount when the supplied
	// credentials have no resolvable project id.
	ErrProjectIDRequired = errors.New("account: project id required before persisting")
)
