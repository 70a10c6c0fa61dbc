package account

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"ag2api/internal/ratelimit"
	"ag2api/internal/upstream"
)

// Credentialed is the result of a credential lookup: the live access
// token, verified project id, and the account/index it came from.
type Credentialed struct {
	AccessToken string
	ProjectID   string
	Account     *Account
	Index       int
}

// UpstreamClient is the subset of upstream.Client the Manager depends
// on. Declared here (rather than depending on the concrete type
// directly) so tests can inject a fake instead of hitting the network.
type UpstreamClient interface {
	RefreshToken(ctx context.Context, refreshToken string) (upstream.RefreshResult, error)
	FetchUserInfo(ctx context.Context, accessToken string) (upstream.UserInfo, error)
	FetchProjectID(ctx context.Context, accessToken string, limiter *ratelimit.Limiter, maxAttempts int) (string, error)
	FetchAvailableModels(ctx context.Context, accessToken, projectID string, limiter *ratelimit.Limiter) (map[string]upstream.ModelQuota, error)
}

// Manager owns the account list, per-account credential state,
// refresh/project-id coalescing, and per-group current-index. Accounts
// are file-based JSON credential records rather than a database table;
// request logging lives in the audit package.
type Manager struct {
	dir       string
	client    UpstreamClient
	refresher *upstream.Refresher
	limiter   *ratelimit.Limiter
	logger    logrus.FieldLogger

	mu       sync.RWMutex
	accounts []*Account
	current  map[Group]int

	refreshGroup singleflight.Group
	projectGroup singleflight.Group

	sessions    *SessionManager
	cleanupStop chan struct{}

	stopWatch func()
}

// NewManager creates a Manager rooted at dir. client performs the
// actual upstream HTTP operations; limiter is the shared v1internal
// limiter used by the thin FetchAvailableModels/FetchUserInfo
// wrappers.
func NewManager(dir string, client UpstreamClient, limiter *ratelimit.Limiter, logger logrus.FieldLogger) *Manager {
	return &Manager{
		dir:       dir,
		client:    client,
		refresher: upstream.NewRefresher(upstream.DefaultRefreshSkew),
		limiter:   limiter,
		logger:    logger,
		current:   map[Group]int{GroupClaude: 0, GroupGemini: 0},
		sessions:  NewSessionManager(60 * time.Minute),
	}
}

// LoadAccounts scans the auth directory, resets both group indices to
// 0, and kicks off (without blocking) initial token refresh followed by
// project-id repair across all accounts.
func (m *Manager) LoadAccounts() (PoolSummary, error) {
	accts, err := scanDir(m.dir)
	if err != nil {
		return PoolSummary{}, err
	}

	m.mu.Lock()
	m.accounts = accts
	m.current[GroupClaude] = 0
	m.current[GroupGemini] = 0
	m.mu.Unlock()

	for _, a := range accts {
		m.refresher.ScheduleRefresh(a.ID, a.Credentials.ExpiryDate, m.scheduledRefreshFire(a.ID))
	}

	if m.stopWatch == nil {
		if stop, err := watchDir(m.dir, m.logger, func() { _, _ = m.ReloadAccounts() }); err == nil {
			m.stopWatch = stop
		} else {
			m.logger.WithError(err).Warn("account: could not start auth directory watch")
		}
	}

	go m.initialRefreshThenProjectRepair()

	if m.cleanupStop == nil {
		m.cleanupStop = make(chan struct{})
		go m.periodicSessionCleanup()
	}

	return m.Summary(), nil
}

func (m *Manager) periodicSessionCleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sessions.CleanupExpired()
		case <-m.cleanupStop:
			return
		}
	}
}

// scheduledRefreshFire builds the callback TokenRefresher invokes when
// an account's deadline arrives.
func (m *Manager) scheduledRefreshFire(accountID string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := m.refreshAccount(ctx, accountID); err != nil {
			m.logger.WithField("account", accountID).WithError(err).Warn("account: scheduled refresh failed")
		}
	}
}

func (m *Manager) initialRefreshThenProjectRepair() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	m.mu.RLock()
	ids := make([]string, 0, len(m.accounts))
	for _, a := range m.accounts {
		if m.refresher.IsDue(a.Credentials.ExpiryDate) {
			ids = append(ids, a.ID)
		}
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := m.refreshAccount(ctx, id); err != nil {
				m.logger.WithField("account", id).WithError(err).Warn("account: initial refresh failed")
			}
		}(id)
	}
	wg.Wait()

	if _, _, _, err := m.RefreshAllProjectIDs(ctx); err != nil {
		m.logger.WithError(err).Warn("account: initial project-id repair failed")
	}
}

// ReloadAccounts cancels all timers, then LoadAccounts.
func (m *Manager) ReloadAccounts() (PoolSummary, error) {
	m.refresher.StopAll()
	return m.LoadAccounts()
}

// Close stops the directory watcher, the session-cleanup loop, and all
// scheduled timers.
func (m *Manager) Close() {
	if m.stopWatch != nil {
		m.stopWatch()
	}
	if m.cleanupStop != nil {
		close(m.cleanupStop)
		m.cleanupStop = nil
	}
	m.refresher.StopAll()
}

func (m *Manager) accountByID(id string) (*Account, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.accounts {
		if a.ID == id {
			return a, true
		}
	}
	return nil, false
}

func (m *Manager) accountAt(index int) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.accounts) == 0 {
		return nil, ErrNoAccounts
	}
	if index < 0 || index >= len(m.accounts) {
		return nil, ErrInvalidIndex
	}
	return m.accounts[index], nil
}

// Count returns the current pool size.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts)
}

// Accounts returns a point-in-time snapshot of the pool, used by the
// dispatcher's selection and sweep logic.
func (m *Manager) Accounts() []*Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Account, len(m.accounts))
	copy(out, m.accounts)
	return out
}

// AccountAt exposes a read-only account pointer by index, used by the
// dispatcher to read quota-key material without going through the full
// credentials contract.
func (m *Manager) AccountAt(index int) (*Account, error) {
	return m.accountAt(index)
}

// CurrentIndex returns the group's current index.
func (m *Manager) CurrentIndex(group Group) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current[group]
}

// refreshAccount performs (or joins) a coalesced token refresh for the
// named account id, then ensures its project id, writing the updated
// record to disk atomically.
func (m *Manager) refreshAccount(ctx context.Context, id string) (*Account, error) {
	v, err, _ := m.refreshGroup.Do(id, func() (interface{}, error) {
		acct, ok := m.accountByID(id)
		if !ok {
			return nil, ErrInvalidIndex
		}

		result, err := m.client.RefreshToken(ctx, acct.Credentials.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("refresh_failed: %w", err)
		}

		m.mu.Lock()
		wasVerified := acct.Credentials.Verified()
		acct.Credentials.AccessToken = result.AccessToken
		acct.Credentials.RefreshToken = result.RefreshToken
		acct.Credentials.TokenType = result.TokenType
		acct.Credentials.Scope = result.Scope
		acct.Credentials.ExpiryDate = result.ExpiryDate
		m.mu.Unlock()

		if acct.Credentials.Email == "" {
			if info, err := m.client.FetchUserInfo(ctx, acct.Credentials.AccessToken); err == nil && info.Email != "" {
				m.mu.Lock()
				acct.Credentials.Email = info.Email
				m.mu.Unlock()
			}
		}

		if !wasVerified {
			if _, err := m.ensureProjectID(ctx, acct); err != nil {
				// Persist the refreshed token even though project-id
				// resolution failed: an account that cannot reproduce
				// its project id is not silently usable, but the token
				// itself should not be lost.
				_ = writeCredentialFile(acct.FilePath, acct.Credentials)
				return nil, err
			}
		}

		if err := writeCredentialFile(acct.FilePath, acct.Credentials); err != nil {
			return nil, fmt.Errorf("refresh_failed: persist: %w", err)
		}

		m.refresher.ScheduleRefresh(acct.ID, acct.Credentials.ExpiryDate, m.scheduledRefreshFire(acct.ID))
		return acct, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Account), nil
}

// ensureProjectID resolves and persists acct's project id if it is not
// already verified, coalescing concurrent callers.
func (m *Manager) ensureProjectID(ctx context.Context, acct *Account) (string, error) {
	m.mu.RLock()
	verified := acct.Credentials.Verified()
	projectID := acct.Credentials.ProjectID
	m.mu.RUnlock()
	if verified {
		return projectID, nil
	}

	v, err, _ := m.projectGroup.Do(acct.ID, func() (interface{}, error) {
		m.mu.RLock()
		token := acct.Credentials.AccessToken
		m.mu.RUnlock()

		id, err := m.client.FetchProjectID(ctx, token, nil, 3)
		if err != nil {
			return "", err
		}

		m.mu.Lock()
		acct.Credentials.ProjectID = id
		acct.Credentials.ProjectIDResolvedAt = time.Now().UTC().Format(time.RFC3339)
		m.mu.Unlock()

		if err := writeCredentialFile(acct.FilePath, acct.Credentials); err != nil {
			return "", fmt.Errorf("projectid_unresolved: persist: %w", err)
		}
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// GetCredentialsByIndex validates index; if expired, refreshes (and
// awaits) first; then ensures a verified project id.
func (m *Manager) GetCredentialsByIndex(ctx context.Context, index int, group Group) (Credentialed, error) {
	acct, err := m.accountAt(index)
	if err != nil {
		return Credentialed{}, err
	}

	m.mu.RLock()
	expired := acct.Credentials.Expired(time.Now())
	m.mu.RUnlock()

	if expired {
		if _, err := m.refreshAccount(ctx, acct.ID); err != nil {
			return Credentialed{}, err
		}
	}

	projectID, err := m.ensureProjectID(ctx, acct)
	if err != nil {
		return Credentialed{}, err
	}

	m.mu.RLock()
	token := acct.Credentials.AccessToken
	m.mu.RUnlock()

	return Credentialed{AccessToken: token, ProjectID: projectID, Account: acct, Index: index}, nil
}

// GetCurrentAccessToken resolves credentials for group's current index.
func (m *Manager) GetCurrentAccessToken(ctx context.Context, group Group) (Credentialed, error) {
	return m.GetCredentialsByIndex(ctx, m.CurrentIndex(group), group)
}

// GetCredentials is an alias for GetCurrentAccessToken.
func (m *Manager) GetCredentials(ctx context.Context, group Group) (Credentialed, error) {
	return m.GetCurrentAccessToken(ctx, group)
}

// GetCredentialsForSession prefers the account a session was last bound
// to (if it still exists in the pool), falling back to group's current
// index otherwise, and (re)binds the session to whichever account was
// used. This is a routing hint layered in front of dispatcher
// selection, not a replacement for it: it never overrides a cooldown or
// exhaustion decision made downstream.
func (m *Manager) GetCredentialsForSession(ctx context.Context, sessionID string, group Group) (Credentialed, error) {
	if sessionID == "" {
		return m.GetCurrentAccessToken(ctx, group)
	}

	if boundKey, ok := m.sessions.GetBoundAccount(sessionID); ok {
		m.mu.RLock()
		idx := -1
		for i, a := range m.accounts {
			if a.Key() == boundKey {
				idx = i
				break
			}
		}
		m.mu.RUnlock()

		if idx >= 0 {
			cred, err := m.GetCredentialsByIndex(ctx, idx, group)
			if err == nil {
				m.sessions.BindSession(sessionID, cred.Account.Key())
				return cred, nil
			}
		}
		m.sessions.UnbindSession(sessionID)
	}

	cred, err := m.GetCurrentAccessToken(ctx, group)
	if err != nil {
		return Credentialed{}, err
	}
	m.sessions.BindSession(sessionID, cred.Account.Key())
	return cred, nil
}

// PreferredAccountForSession peeks the session's bound account key
// without performing a credential lookup, for callers (the dispatcher's
// PreferredAccountKey routing hint) that only need the key itself.
func (m *Manager) PreferredAccountForSession(sessionID string) string {
	key, _ := m.sessions.GetBoundAccount(sessionID)
	return key
}

// BindSession records that sessionID was routed to accountKey, used by
// callers that resolve the routing hint before the dispatcher's own
// selection runs and need to persist whichever account actually served
// the request.
func (m *Manager) BindSession(sessionID, accountKey string) {
	m.sessions.BindSession(sessionID, accountKey)
}

// GetAccessTokenByIndex is like GetCredentialsByIndex but skips
// projectId resolution, used by quota sweeps and project-id repair to
// avoid circularity.
func (m *Manager) GetAccessTokenByIndex(ctx context.Context, index int, group Group) (Credentialed, error) {
	acct, err := m.accountAt(index)
	if err != nil {
		return Credentialed{}, err
	}

	m.mu.RLock()
	expired := acct.Credentials.Expired(time.Now())
	m.mu.RUnlock()

	if expired {
		if _, err := m.refreshAccount(ctx, acct.ID); err != nil {
			return Credentialed{}, err
		}
	}

	m.mu.RLock()
	token := acct.Credentials.AccessToken
	projectID := acct.Credentials.ProjectID
	m.mu.RUnlock()

	return Credentialed{AccessToken: token, ProjectID: projectID, Account: acct, Index: index}, nil
}

// AddAccount requires a resolved project id before persisting. If an
// existing account with matching email is found, it updates that slot;
// otherwise it appends and filenames by sanitized email.
func (m *Manager) AddAccount(ctx context.Context, creds Credentials) (*Account, error) {
	if !creds.Verified() {
		if _, err := m.client.FetchProjectID(ctx, creds.AccessToken, nil, 3); err != nil {
			return nil, ErrProjectIDRequired
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.accounts {
		if creds.Email != "" && a.Credentials.Email == creds.Email {
			a.Credentials = creds
			if err := writeCredentialFile(a.FilePath, a.Credentials); err != nil {
				return nil, err
			}
			return a, nil
		}
	}

	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, fmt.Errorf("account: ensure auth dir: %w", err)
	}

	filename := sanitizeFilenameFromEmail(creds.Email)
	path := filepath.Join(m.dir, filename)
	if err := writeCredentialFile(path, creds); err != nil {
		return nil, err
	}

	acct := &Account{ID: strings.TrimSuffix(filename, ".json"), FilePath: path, Credentials: creds}
	wasEmpty := len(m.accounts) == 0
	m.accounts = append(m.accounts, acct)
	if wasEmpty {
		m.current[GroupClaude] = 0
		m.current[GroupGemini] = 0
	}

	m.refresher.ScheduleRefresh(acct.ID, acct.Credentials.ExpiryDate, m.scheduledRefreshFire(acct.ID))
	return acct, nil
}

// DeleteAccountByFile sanitizes the name, cancels the account's timer,
// unlinks the file, removes it from the list, and adjusts each group's
// current index.
func (m *Manager) DeleteAccountByFile(fileName string) error {
	if err := validateDeleteName(fileName); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, a := range m.accounts {
		if a.FilePath != "" && filepath.Base(a.FilePath) == fileName {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("account: no account for file %q", fileName)
	}

	acct := m.accounts[idx]
	m.refresher.CancelRefresh(acct.ID)

	if err := deleteCredentialFile(m.dir, fileName); err != nil {
		return err
	}

	m.accounts = append(m.accounts[:idx], m.accounts[idx+1:]...)

	for _, g := range []Group{GroupClaude, GroupGemini} {
		cur := m.current[g]
		switch {
		case cur == idx:
			if cur >= len(m.accounts) {
				cur = len(m.accounts) - 1
			}
			if cur < 0 {
				cur = 0
			}
			m.current[g] = cur
		case cur > idx:
			m.current[g] = cur - 1
		}
	}

	return nil
}

// FetchAvailableModels is a thin wrapper around the upstream client
// using the current gemini-group account and the shared v1internal
// limiter (any working token suffices; group choice here is arbitrary).
func (m *Manager) FetchAvailableModels(ctx context.Context) (map[string]upstream.ModelQuota, error) {
	cred, err := m.GetCurrentAccessToken(ctx, GroupGemini)
	if err != nil {
		return nil, err
	}
	return m.client.FetchAvailableModels(ctx, cred.AccessToken, cred.ProjectID, m.limiter)
}

// FetchUserInfo is a thin wrapper around HttpClient using the current
// gemini-group account and the shared v1internal limiter.
func (m *Manager) FetchUserInfo(ctx context.Context) (upstream.UserInfo, error) {
	cred, err := m.GetCurrentAccessToken(ctx, GroupGemini)
	if err != nil {
		return upstream.UserInfo{}, err
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return upstream.UserInfo{}, err
	}
	return m.client.FetchUserInfo(ctx, cred.AccessToken)
}

// RefreshAllProjectIDs iterates all accounts in parallel, skipping
// already-verified credentials, and resolves the rest.
func (m *Manager) RefreshAllProjectIDs(ctx context.Context) (ok, fail, total int, err error) {
	m.mu.RLock()
	accts := make([]*Account, len(m.accounts))
	copy(accts, m.accounts)
	m.mu.RUnlock()

	total = len(accts)
	if total == 0 {
		return 0, 0, 0, nil
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for i, a := range accts {
		m.mu.RLock()
		verified := a.Credentials.Verified()
		m.mu.RUnlock()
		if verified {
			mu.Lock()
			ok++
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(index int, acct *Account) {
			defer wg.Done()
			cred, lookupErr := m.GetAccessTokenByIndex(ctx, index, GroupGemini)
			if lookupErr != nil {
				mu.Lock()
				fail++
				mu.Unlock()
				return
			}
			if _, err := m.ensureProjectID(ctx, cred.Account); err != nil {
				mu.Lock()
				fail++
				mu.Unlock()
				return
			}
			mu.Lock()
			ok++
			mu.Unlock()
		}(i, a)
	}
	wg.Wait()

	return ok, fail, total, nil
}

// Summary returns the admin-facing pool view.
func (m *Manager) Summary() PoolSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summaries := make([]Summary, 0, len(m.accounts))
	for i, a := range m.accounts {
		summaries = append(summaries, Summary{
			Index:     i,
			ID:        a.ID,
			Email:     a.Credentials.Email,
			ProjectID: a.Credentials.ProjectID,
			Verified:  a.Credentials.Verified(),
			ExpiresAt: a.Credentials.ExpiryDate,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Index < summaries[j].Index })

	return PoolSummary{
		Count:    len(m.accounts),
		Current:  map[string]int{string(GroupClaude): m.current[GroupClaude], string(GroupGemini): m.current[GroupGemini]},
		Accounts: summaries,
	}
}
