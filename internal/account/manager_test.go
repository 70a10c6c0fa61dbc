package account

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ag2api/internal/logging"
	"ag2api/internal/ratelimit"
	"ag2api/internal/upstream"
)

// fakeClient is an UpstreamClient test double: every call is counted so
// coalescing can be asserted, and each method's behavior is injectable.
type fakeClient struct {
	mu sync.Mutex

	refreshCalls    int32
	refreshDelay    time.Duration
	refreshResult   upstream.RefreshResult
	refreshErr      error
	refreshTokenSeen []string

	userInfoResult upstream.UserInfo
	userInfoErr    error

	projectIDCalls int32
	projectIDDelay time.Duration
	projectIDResult string
	projectIDErr    error
}

func (f *fakeClient) RefreshToken(ctx context.Context, refreshToken string) (upstream.RefreshResult, error) {
	atomic.AddInt32(&f.refreshCalls, 1)
	f.mu.Lock()
	f.refreshTokenSeen = append(f.refreshTokenSeen, refreshToken)
	f.mu.Unlock()
	if f.refreshDelay > 0 {
		time.Sleep(f.refreshDelay)
	}
	return f.refreshResult, f.refreshErr
}

func (f *fakeClient) FetchUserInfo(ctx context.Context, accessToken string) (upstream.UserInfo, error) {
	return f.userInfoResult, f.userInfoErr
}

func (f *fakeClient) FetchProjectID(ctx context.Context, accessToken string, limiter *ratelimit.Limiter, maxAttempts int) (string, error) {
	atomic.AddInt32(&f.projectIDCalls, 1)
	if f.projectIDDelay > 0 {
		time.Sleep(f.projectIDDelay)
	}
	return f.projectIDResult, f.projectIDErr
}

func (f *fakeClient) FetchAvailableModels(ctx context.Context, accessToken, projectID string, limiter *ratelimit.Limiter) (map[string]upstream.ModelQuota, error) {
	return nil, nil
}

func writeAccountFile(t *testing.T, dir, name string, creds Credentials) {
	t.Helper()
	data, err := json.Marshal(creds)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o600))
}

func newTestManager(dir string, client UpstreamClient) *Manager {
	limiter := ratelimit.New(0)
	return NewManager(dir, client, limiter, logging.Discard())
}

func TestManagerLoadAccountsAdmitsOnlyCompleteRecords(t *testing.T) {
	dir := t.TempDir()
	writeAccountFile(t, dir, "a.json", Credentials{AccessToken: "tok", RefreshToken: "ref", TokenType: "Bearer"})
	writeAccountFile(t, dir, "b.json", Credentials{AccessToken: "tok2"}) // missing refresh_token

	m := newTestManager(dir, &fakeClient{})
	defer m.Close()

	summary, err := m.LoadAccounts()
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count)
	assert.Equal(t, 0, summary.Current["claude"])
	assert.Equal(t, 0, summary.Current["gemini"])
}

func TestManagerGetCredentialsByIndexRefreshesExpiredToken(t *testing.T) {
	dir := t.TempDir()
	writeAccountFile(t, dir, "a.json", Credentials{
		AccessToken: "old", RefreshToken: "ref", TokenType: "Bearer",
		ProjectID: "proj-1", ProjectIDResolvedAt: "2026-01-01T00:00:00Z",
		ExpiryDate: time.Now().Add(-time.Minute).UnixMilli(),
	})

	fc := &fakeClient{
		refreshResult: upstream.RefreshResult{
			AccessToken: "new", RefreshToken: "ref2", TokenType: "Bearer",
			ExpiryDate: time.Now().Add(time.Hour).UnixMilli(),
		},
	}
	m := newTestManager(dir, fc)
	defer m.Close()

	_, err := m.LoadAccounts()
	require.NoError(t, err)

	cred, err := m.GetCredentialsByIndex(context.Background(), 0, GroupGemini)
	require.NoError(t, err)
	assert.Equal(t, "new", cred.AccessToken)
	assert.Equal(t, "proj-1", cred.ProjectID, "verified project id must be carried forward across refresh")

	raw, err := os.ReadFile(filepath.Join(dir, "a.json"))
	require.NoError(t, err)
	var onDisk Credentials
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, "new", onDisk.AccessToken, "refresh must be persisted to disk")
}

func TestManagerRefreshTokenCoalescesConcurrentCallers(t *testing.T) {
	dir := t.TempDir()
	writeAccountFile(t, dir, "a.json", Credentials{
		AccessToken: "old", RefreshToken: "ref", TokenType: "Bearer",
		ProjectID: "proj-1", ProjectIDResolvedAt: "2026-01-01T00:00:00Z",
		ExpiryDate: time.Now().Add(-time.Minute).UnixMilli(),
	})

	fc := &fakeClient{
		refreshDelay: 50 * time.Millisecond,
		refreshResult: upstream.RefreshResult{
			AccessToken: "new", RefreshToken: "ref2", TokenType: "Bearer",
			ExpiryDate: time.Now().Add(time.Hour).UnixMilli(),
		},
	}
	m := newTestManager(dir, fc)
	defer m.Close()
	_, err := m.LoadAccounts()
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]Credentialed, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			cred, err := m.GetCredentialsByIndex(context.Background(), 0, GroupGemini)
			results[idx] = cred
			errs[idx] = err
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "new", results[i].AccessToken)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&fc.refreshCalls), "concurrent callers must join a single in-flight refresh")
}

func TestManagerRefreshPropagatesProjectIDFailureWhenUnverified(t *testing.T) {
	dir := t.TempDir()
	writeAccountFile(t, dir, "a.json", Credentials{
		AccessToken: "old", RefreshToken: "ref", TokenType: "Bearer",
		ExpiryDate: time.Now().Add(-time.Minute).UnixMilli(),
	})

	fc := &fakeClient{
		refreshResult: upstream.RefreshResult{
			AccessToken: "new", RefreshToken: "ref2", TokenType: "Bearer",
			ExpiryDate: time.Now().Add(time.Hour).UnixMilli(),
		},
		projectIDErr: fmt.Errorf("upstream exhausted"),
	}
	m := newTestManager(dir, fc)
	defer m.Close()
	_, err := m.LoadAccounts()
	require.NoError(t, err)

	_, err = m.GetCredentialsByIndex(context.Background(), 0, GroupGemini)
	assert.Error(t, err, "an account that cannot reproduce its project id must not be silently usable")

	raw, readErr := os.ReadFile(filepath.Join(dir, "a.json"))
	require.NoError(t, readErr)
	var onDisk Credentials
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, "new", onDisk.AccessToken, "the refreshed token must still be persisted even though project-id resolution failed")
}

func TestManagerEnsureProjectIDCoalescesConcurrentCallers(t *testing.T) {
	dir := t.TempDir()
	writeAccountFile(t, dir, "a.json", Credentials{
		AccessToken: "tok", RefreshToken: "ref", TokenType: "Bearer",
		ExpiryDate: time.Now().Add(time.Hour).UnixMilli(),
	})

	fc := &fakeClient{projectIDDelay: 50 * time.Millisecond, projectIDResult: "proj-resolved"}
	m := newTestManager(dir, fc)
	defer m.Close()
	_, err := m.LoadAccounts()
	require.NoError(t, err)

	acct, ok := m.accountByID("a")
	require.True(t, ok)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.ensureProjectID(context.Background(), acct)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fc.projectIDCalls))
	assert.True(t, acct.Credentials.Verified())
}

func TestManagerGetCredentialsByIndexBoundaryErrors(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(dir, &fakeClient{})
	defer m.Close()
	_, err := m.LoadAccounts()
	require.NoError(t, err)

	_, err = m.GetCredentialsByIndex(context.Background(), 0, GroupGemini)
	assert.ErrorIs(t, err, ErrNoAccounts)

	writeAccountFile(t, dir, "a.json", Credentials{
		AccessToken: "tok", RefreshToken: "ref", TokenType: "Bearer",
		ProjectID: "p", ProjectIDResolvedAt: "2026-01-01T00:00:00Z",
		ExpiryDate: time.Now().Add(time.Hour).UnixMilli(),
	})
	_, err = m.ReloadAccounts()
	require.NoError(t, err)

	_, err = m.GetCredentialsByIndex(context.Background(), 5, GroupGemini)
	assert.ErrorIs(t, err, ErrInvalidIndex)
}

func TestManagerAddAccountRequiresProjectID(t *testing.T) {
	dir := t.TempDir()
	fc := &fakeClient{projectIDErr: fmt.Errorf("no project")}
	m := newTestManager(dir, fc)
	defer m.Close()
	_, err := m.LoadAccounts()
	require.NoError(t, err)

	_, err = m.AddAccount(context.Background(), Credentials{AccessToken: "tok", RefreshToken: "ref"})
	assert.ErrorIs(t, err, ErrProjectIDRequired)
}

func TestManagerAddAccountPersistsAndFilenamesByEmail(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(dir, &fakeClient{})
	defer m.Close()
	_, err := m.LoadAccounts()
	require.NoError(t, err)

	creds := Credentials{
		AccessToken: "tok", RefreshToken: "ref", Email: "user@example.com",
		ProjectID: "proj-1", ProjectIDResolvedAt: "2026-01-01T00:00:00Z",
	}
	acct, err := m.AddAccount(context.Background(), creds)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", acct.ID)

	_, statErr := os.Stat(filepath.Join(dir, "user@example.com.json"))
	assert.NoError(t, statErr)
	assert.Equal(t, 1, m.Count())
	assert.Equal(t, 0, m.CurrentIndex(GroupClaude))
}

func TestManagerAddAccountUpdatesExistingEmailSlot(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(dir, &fakeClient{})
	defer m.Close()

	first := Credentials{
		AccessToken: "tok1", RefreshToken: "ref1", Email: "user@example.com",
		ProjectID: "proj-1", ProjectIDResolvedAt: "2026-01-01T00:00:00Z",
	}
	_, err := m.AddAccount(context.Background(), first)
	require.NoError(t, err)

	second := Credentials{
		AccessToken: "tok2", RefreshToken: "ref2", Email: "user@example.com",
		ProjectID: "proj-2", ProjectIDResolvedAt: "2026-01-02T00:00:00Z",
	}
	_, err = m.AddAccount(context.Background(), second)
	require.NoError(t, err)

	assert.Equal(t, 1, m.Count(), "matching email must update the existing slot, not append")
}

func TestManagerDeleteAccountByFileAdjustsCurrentIndex(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"a.json", "b.json", "c.json"} {
		writeAccountFile(t, dir, n, Credentials{
			AccessToken: "tok", RefreshToken: "ref", TokenType: "Bearer",
			ProjectID: "p", ProjectIDResolvedAt: "2026-01-01T00:00:00Z",
			ExpiryDate: time.Now().Add(time.Hour).UnixMilli(),
		})
	}

	m := newTestManager(dir, &fakeClient{})
	defer m.Close()
	_, err := m.LoadAccounts()
	require.NoError(t, err)

	m.mu.Lock()
	m.current[GroupGemini] = 2
	m.mu.Unlock()

	preDelete, err := m.accountAt(2)
	require.NoError(t, err)
	_ = preDelete

	require.NoError(t, m.DeleteAccountByFile("a.json"))
	assert.Equal(t, 1, m.CurrentIndex(GroupGemini), "current index after the deleted slot must shift down by one")
	assert.Equal(t, 2, m.Count())
}

func TestManagerDeleteAccountByFileClampsWhenCurrentWasDeleted(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"a.json", "b.json"} {
		writeAccountFile(t, dir, n, Credentials{
			AccessToken: "tok", RefreshToken: "ref", TokenType: "Bearer",
			ProjectID: "p", ProjectIDResolvedAt: "2026-01-01T00:00:00Z",
			ExpiryDate: time.Now().Add(time.Hour).UnixMilli(),
		})
	}

	m := newTestManager(dir, &fakeClient{})
	defer m.Close()
	_, err := m.LoadAccounts()
	require.NoError(t, err)

	m.mu.Lock()
	m.current[GroupGemini] = 1
	m.mu.Unlock()

	require.NoError(t, m.DeleteAccountByFile("b.json"))
	assert.Equal(t, 0, m.CurrentIndex(GroupGemini), "deleting the last slot while current must clamp to the new last index")
}

func TestManagerDeleteAccountByFileRejectsInvalidNames(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(dir, &fakeClient{})
	defer m.Close()
	assert.Error(t, m.DeleteAccountByFile("../escape.json"))
	assert.Error(t, m.DeleteAccountByFile("no-ext"))
}

func TestManagerRefreshAllProjectIDsSkipsAlreadyVerified(t *testing.T) {
	dir := t.TempDir()
	writeAccountFile(t, dir, "verified.json", Credentials{
		AccessToken: "tok", RefreshToken: "ref", TokenType: "Bearer",
		ProjectID: "p", ProjectIDResolvedAt: "2026-01-01T00:00:00Z",
		ExpiryDate: time.Now().Add(time.Hour).UnixMilli(),
	})
	writeAccountFile(t, dir, "unverified.json", Credentials{
		AccessToken: "tok2", RefreshToken: "ref2", TokenType: "Bearer",
		ExpiryDate: time.Now().Add(time.Hour).UnixMilli(),
	})

	fc := &fakeClient{projectIDResult: "resolved-proj"}
	m := newTestManager(dir, fc)
	defer m.Close()
	_, err := m.LoadAccounts()
	require.NoError(t, err)

	ok, fail, total, err := m.RefreshAllProjectIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 2, ok)
	assert.Equal(t, 0, fail)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fc.projectIDCalls), "the already-verified account must not trigger a resolution call")
}

func TestManagerSummaryEmptyPool(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(dir, &fakeClient{})
	defer m.Close()
	_, err := m.LoadAccounts()
	require.NoError(t, err)

	summary := m.Summary()
	assert.Equal(t, 0, summary.Count)
	assert.Equal(t, 0, summary.Current["claude"])
	assert.Equal(t, 0, summary.Current["gemini"])
	assert.Empty(t, summary.Accounts)
}
