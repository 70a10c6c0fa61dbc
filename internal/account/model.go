// Package account implements the Account & Credential Manager: loading
// credentials from disk, coalesced token refresh and project-id
// resolution, and group-partitioned current-index bookkeeping.
package account

import "time"

// Credentials is the mutable, persisted part of an Account record.
// Field names/tags match the on-disk JSON record.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiryDate   int64  `json:"expiry_date"` // ms since epoch
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`

	Email string `json:"email,omitempty"`

	ProjectID           string `json:"projectId,omitempty"`
	ProjectIDResolvedAt string `json:"projectIdResolvedAt,omitempty"` // ISO-8601
}

// Verified reports whether ProjectID carries its authoritative marker
// (glossary: "Verified project id").
func (c Credentials) Verified() bool {
	return c.ProjectID != "" && c.ProjectIDResolvedAt != ""
}

// Expired reports whether the access token must be refreshed before
// being handed out.
func (c Credentials) Expired(now time.Time) bool {
	return c.ExpiryDate <= now.UnixMilli()
}

// Account is one slot in the rotation pool: a stable identifier (the
// credential file's base name, without extension), its file path, and
// its mutable Credentials. The in-flight refresh/project-id handles are
// held by Manager's singleflight groups, keyed by Account.ID; the
// scheduled-refresh timer handle is held by the TokenRefresher. Neither
// needs a field here.
type Account struct {
	ID       string
	FilePath string

	Credentials Credentials
}

// Key returns the stable identifier used for quota-cache keys
// (modelId, accountKey) throughout the dispatcher.
func (a *Account) Key() string {
	return a.ID
}

// Summary is the admin-facing read-only view of one account.
type Summary struct {
	Index     int    `json:"index"`
	ID        string `json:"id"`
	Email     string `json:"email,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
	Verified  bool   `json:"verified"`
	ExpiresAt int64  `json:"expiresAt"`
}

// PoolSummary is the admin surface's view of the whole pool (boundary
// behavior for an empty pool: {count:0, current:{claude:0,gemini:0},
// accounts:[]}).
type PoolSummary struct {
	Count    int            `json:"count"`
	Current  map[string]int `json:"current"`
	Accounts []Summary      `json:"accounts"`
}

// Group is a quota group: "claude" or "gemini".
type Group string

const (
	GroupClaude Group = "claude"
	GroupGemini Group = "gemini"
)
