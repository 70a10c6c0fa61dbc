package account

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// SessionBinding ties a session id to the account key it was last
// routed to, so a multi-turn conversation keeps using the same account
// even as the dispatcher's own selection would otherwise rotate. It is
// an additive routing hint, never a substitute for the dispatcher's
// own selection logic.
type SessionBinding struct {
	SessionID  string
	AccountKey string
	BoundAt    time.Time
}

// SessionManager manages session-to-account stickiness. Kept from the
// original implementation with AccountID (int64, sqlite row id) widened
// to AccountKey (string, the credential file's stable id) to match the
// new Account shape.
type SessionManager struct {
	mu       sync.RWMutex
	bindings map[string]*SessionBinding
	ttl      time.Duration
}

// NewSessionManager creates a new session manager.
func NewSessionManager(ttl time.Duration) *SessionManager {
	return &SessionManager{
		bindings: make(map[string]*SessionBinding),
		ttl:      ttl,
	}
}

// GenerateSessionID generates a stable session id from the first user
// message, so the same conversation always prefers the same account.
func GenerateSessionID(firstMessage string) string {
	if firstMessage == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(firstMessage))
	return hex.EncodeToString(hash[:8])
}

// GetBoundAccount returns the account key bound to a session, if any
// and still within ttl.
func (m *SessionManager) GetBoundAccount(sessionID string) (string, bool) {
	if sessionID == "" {
		return "", false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	binding, exists := m.bindings[sessionID]
	if !exists {
		return "", false
	}
	if time.Since(binding.BoundAt) > m.ttl {
		return "", false
	}
	return binding.AccountKey, true
}

// BindSession binds a session to an account key.
func (m *SessionManager) BindSession(sessionID, accountKey string) {
	if sessionID == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.bindings[sessionID] = &SessionBinding{
		SessionID:  sessionID,
		AccountKey: accountKey,
		BoundAt:    time.Now(),
	}
}

// UnbindSession removes a session binding.
func (m *SessionManager) UnbindSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings, sessionID)
}

// CleanupExpired removes expired session bindings.
func (m *SessionManager) CleanupExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, binding := range m.bindings {
		if now.Sub(binding.BoundAt) > m.ttl {
			delete(m.bindings, id)
		}
	}
}
