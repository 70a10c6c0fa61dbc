// Package dispatch implements the UpstreamDispatcher: account
// selection, the quota sweep, 429 cooldown policy, and the fast-fail
// cached-error path that sits in front of every upstream v1internal
// call.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ag2api/internal/account"
	"ag2api/internal/audit"
	"ag2api/internal/ratelimit"
	"ag2api/internal/upstream"
)

// UpstreamClient is the subset of upstream.Client the dispatcher
// depends on. Declared here (rather than depending on the concrete
// type directly) so tests can inject a fake transport instead of
// hitting the network.
type UpstreamClient interface {
	FetchAvailableModels(ctx context.Context, accessToken, projectID string, limiter *ratelimit.Limiter) (map[string]upstream.ModelQuota, error)
	CallV1Internal(ctx context.Context, method, accessToken string, body []byte, opts upstream.CallOptions) (*upstream.Response, error)
}

// Config tunes the dispatcher's timing knobs, all env-overridable at
// the call site that constructs it.
type Config struct {
	SweepInterval   time.Duration
	InitialWait     time.Duration
	FixedRetryDelay time.Duration
}

// DefaultConfig returns the stock timing knobs.
func DefaultConfig() Config {
	return Config{
		SweepInterval:   300 * time.Second,
		InitialWait:     3000 * time.Millisecond,
		FixedRetryDelay: 1200 * time.Millisecond,
	}
}

// CallOptions parameterizes one CallV1Internal invocation.
type CallOptions struct {
	// Group pins the quota group; if empty it is inferred from Model.
	Group account.Group
	// Model is the target model id, used for quota lookup and group
	// inference; empty means "no model-aware selection" (falls back to
	// the group's current index).
	Model string
	// BuildBody renders the request body given the selected account's
	// resolved project id.
	BuildBody func(projectID string) []byte
	QueryString string
	Headers     map[string]string
	// PreferredAccountKey is the session-stickiness routing hint: when
	// set and the named account is eligible, it is preferred over the
	// ranking's top pick. Never overrides cooldown or exhaustion
	// decisions.
	PreferredAccountKey string
	// OnAccountSelected, if set, is invoked with the account key used
	// for each attempt -- the proxy layer uses this to (re)bind a
	// session to whichever account actually served the request.
	OnAccountSelected func(accountKey string)
}

// Dispatcher is the UpstreamDispatcher core component.
type Dispatcher struct {
	accounts *account.Manager
	client   UpstreamClient
	limiter  *ratelimit.Limiter
	audit    *audit.Store
	logger   logrus.FieldLogger
	cfg      Config

	quota *quotaStore

	sweeping         int32
	initialSweepOnce sync.Once
	initialSweepDone chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Dispatcher. audit may be nil, in which case attempts
// are logged but not persisted.
func New(accounts *account.Manager, client UpstreamClient, limiter *ratelimit.Limiter, auditStore *audit.Store, logger logrus.FieldLogger, cfg Config) *Dispatcher {
	return &Dispatcher{
		accounts:         accounts,
		client:           client,
		limiter:          limiter,
		audit:            auditStore,
		logger:           logger,
		cfg:              cfg,
		quota:            newQuotaStore(),
		initialSweepDone: make(chan struct{}),
		stopCh:           make(chan struct{}),
	}
}

// Start waits (bounded by cfg.InitialWait, polling every 50ms) for the
// pool to become non-empty, performs one sweep, then starts the
// self-rescheduling background sweep loop. It does not block past the
// initial wait window: a slow-to-populate pool just means the first
// sweep (and therefore "initial sweep complete") happens later, and
// awaitInitialSweep times out for early callers.
func (d *Dispatcher) Start(ctx context.Context) {
	go func() {
		deadline := time.Now().Add(d.cfg.InitialWait)
		for d.accounts.Count() == 0 && time.Now().Before(deadline) {
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			}
		}
		d.sweepOnce(ctx)
		d.initialSweepOnce.Do(func() { close(d.initialSweepDone) })
		d.sweepLoop(ctx)
	}()
}

// Stop releases the sweep timer; safe to call multiple times.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	timer := time.NewTimer(d.cfg.SweepInterval)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			d.sweepOnce(ctx)
			timer.Reset(d.cfg.SweepInterval)
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		}
	}
}

// sweepOnce iterates every account in parallel, fetching its
// available-models-with-quota payload without the shared limiter, and
// folds the observations into the quota store. Non-reentrant: a sweep
// already in flight drops the trigger.
func (d *Dispatcher) sweepOnce(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&d.sweeping, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&d.sweeping, 0)

	accts := d.accounts.Accounts()
	if len(accts) == 0 {
		return
	}

	var wg sync.WaitGroup
	for i := range accts {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			cred, err := d.accounts.GetAccessTokenByIndex(ctx, index, account.GroupGemini)
			if err != nil {
				d.logger.WithField("account_index", index).WithError(err).Warn("dispatch: sweep credential lookup failed")
				return
			}
			models, err := d.client.FetchAvailableModels(ctx, cred.AccessToken, cred.ProjectID, nil)
			if err != nil {
				d.logger.WithField("account", cred.Account.Key()).WithError(err).Warn("dispatch: sweep fetchAvailableModels failed")
				return
			}
			for modelID, q := range models {
				d.quota.updateObservation(modelID, cred.Account.Key(), q.RemainingFraction, q.ResetTime)
			}
		}(i)
	}
	wg.Wait()
}

// awaitInitialSweep blocks until the first sweep has completed or
// timeout elapses, whichever is first.
func (d *Dispatcher) awaitInitialSweep(ctx context.Context, timeout time.Duration) {
	select {
	case <-d.initialSweepDone:
	case <-time.After(timeout):
	case <-ctx.Done():
	}
}

func inferGroup(model string) account.Group {
	if strings.Contains(strings.ToLower(model), "claude") {
		return account.GroupClaude
	}
	return account.GroupGemini
}

// CallV1Internal is the dispatcher's core request path.
func (d *Dispatcher) CallV1Internal(ctx context.Context, method string, opts CallOptions) (*upstream.Response, error) {
	group := opts.Group
	if group == "" {
		group = inferGroup(opts.Model)
	}

	if opts.Model == "" {
		return d.callUnknownModel(ctx, method, group, opts)
	}

	d.awaitInitialSweep(ctx, d.cfg.InitialWait)

	accts := d.accounts.Accounts()

	// Fast-fail gate.
	forceIncludeZero := false
	if opts.Model != "" && allKnownZero(accts, d.quota, opts.Model) {
		if cached, ok := d.quota.getCachedError(opts.Model); ok {
			d.recordAttempt(method, group, opts.Model, "", 0, 1, cached.status, 0, "fast_fail")
			return &upstream.Response{Status: cached.status, Headers: cached.headers.Clone(), Body: append([]byte(nil), cached.body...)}, nil
		}
		// No cached error yet: fall through but force a single attempt
		// against the best (least-stale) known-zero candidate so one
		// gets produced.
		forceIncludeZero = true
	}

	if len(accts) == 0 {
		return nil, account.ErrNoAccounts
	}

	maxAttempts := len(accts)
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	if maxAttempts == 1 {
		return d.callSingleAccount(ctx, method, group, opts, accts, forceIncludeZero)
	}
	return d.callRotating(ctx, method, group, opts, accts, maxAttempts, forceIncludeZero)
}

// callUnknownModel implements the "unknown model" fallback: an empty
// Model carries no quota key to rank candidates on, so selection
// bypasses rankedCandidates entirely and resolves credentials directly
// from the request's quota group's current index. No exclusion or
// cooldown logic applies.
func (d *Dispatcher) callUnknownModel(ctx context.Context, method string, group account.Group, opts CallOptions) (*upstream.Response, error) {
	idx := d.accounts.CurrentIndex(group)
	resp, err := d.attempt(ctx, method, group, opts, idx, 1, 1)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// callSingleAccount implements the maxAttempts==1 boundary behavior: a
// network error or a short 429 gets exactly one same-account retry.
func (d *Dispatcher) callSingleAccount(ctx context.Context, method string, group account.Group, opts CallOptions, accts []*account.Account, includeZero bool) (*upstream.Response, error) {
	candidates := rankedCandidates(accts, d.quota, opts.Model, nil, includeZero, opts.PreferredAccountKey)
	if len(candidates) == 0 {
		return d.exhausted(opts.Model, nil, nil)
	}
	idx := candidates[0].index

	resp, attemptErr := d.attempt(ctx, method, group, opts, idx, 1, 1)
	if attemptErr != nil {
		select {
		case <-time.After(d.cfg.FixedRetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		resp2, err2 := d.attempt(ctx, method, group, opts, idx, 2, 1)
		if err2 != nil {
			return nil, err2
		}
		return resp2, nil
	}

	if resp.Status == 429 {
		retryMs, ok := upstream.ParseRetryDelayMs(resp.Body)
		if ok && retryMs > 5000 {
			return resp, nil
		}
		sleepMs := d.cfg.FixedRetryDelay
		if ok {
			sleepMs = time.Duration(retryMs+200) * time.Millisecond
		}
		select {
		case <-time.After(sleepMs):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		resp2, err2 := d.attempt(ctx, method, group, opts, idx, 2, 1)
		if err2 != nil {
			return nil, err2
		}
		return resp2, nil
	}

	return resp, nil
}

// callRotating implements the maxAttempts>1 rotation policy.
func (d *Dispatcher) callRotating(ctx context.Context, method string, group account.Group, opts CallOptions, accts []*account.Account, maxAttempts int, forceIncludeZero bool) (*upstream.Response, error) {
	tried := make(map[int]bool, maxAttempts)
	var last429 *upstream.Response
	var lastNetErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		includeZero := forceIncludeZero || allKnownZero(accts, d.quota, opts.Model)
		candidates := rankedCandidates(accts, d.quota, opts.Model, tried, includeZero, opts.PreferredAccountKey)
		if len(candidates) == 0 {
			break
		}
		if candidates[0].cooldownActive && !includeZero {
			// Every remaining candidate is cooldown-active: rankedCandidates
			// still returns them (sorted last), but none is actually
			// eligible to dispatch against yet.
			break
		}
		idx := candidates[0].index
		tried[idx] = true

		resp, attemptErr := d.attempt(ctx, method, group, opts, idx, attempt, maxAttempts)
		if attemptErr != nil {
			lastNetErr = attemptErr
			d.quota.setLastNetworkError(opts.Model, attemptErr)
			select {
			case <-time.After(d.cfg.FixedRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}

		switch {
		case resp.Status >= 200 && resp.Status < 300:
			return resp, nil
		case resp.Status == 429:
			last429 = resp
			if _, ok := upstream.ParseRetryDelayMs(resp.Body); !ok {
				select {
				case <-time.After(d.cfg.FixedRetryDelay):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			continue
		default:
			return resp, nil
		}
	}

	return d.exhausted(opts.Model, last429, lastNetErr)
}

func (d *Dispatcher) exhausted(model string, last429 *upstream.Response, lastNetErr error) (*upstream.Response, error) {
	if last429 != nil {
		return last429, nil
	}
	if lastNetErr != nil {
		return nil, lastNetErr
	}
	if cached, ok := d.quota.getCachedError(model); ok {
		return &upstream.Response{Status: cached.status, Headers: cached.headers.Clone(), Body: append([]byte(nil), cached.body...)}, nil
	}
	return nil, ErrExhausted
}

// attempt performs one credential lookup + HTTP call against account
// idx, updating cooldown/cached-error state from the response and
// emitting the audit record.
func (d *Dispatcher) attempt(ctx context.Context, method string, group account.Group, opts CallOptions, idx, attempt, maxAttempts int) (*upstream.Response, error) {
	start := time.Now()

	cred, err := d.accounts.GetCredentialsByIndex(ctx, idx, group)
	if err != nil {
		d.recordAttemptErr(method, group, opts.Model, "", attempt, maxAttempts, time.Since(start), "credential_error", err)
		return nil, err
	}

	if opts.OnAccountSelected != nil {
		opts.OnAccountSelected(cred.Account.Key())
	}

	body := opts.BuildBody(cred.ProjectID)
	resp, err := d.client.CallV1Internal(ctx, method, cred.AccessToken, body, upstream.CallOptions{
		QueryString: opts.QueryString,
		Headers:     opts.Headers,
		Limiter:     d.limiter,
	})
	duration := time.Since(start)

	accountKey := cred.Account.Key()
	if err != nil {
		d.recordAttemptErr(method, group, opts.Model, accountKey, attempt, maxAttempts, duration, "network", err)
		return nil, err
	}

	switch {
	case resp.Status >= 200 && resp.Status < 300:
		d.recordAttempt(method, group, opts.Model, accountKey, attempt, maxAttempts, resp.Status, duration, "")
	case resp.Status == 429:
		retryMs, ok := upstream.ParseRetryDelayMs(resp.Body)
		cooldownMs := d.cfg.FixedRetryDelay.Milliseconds()
		if ok && retryMs > cooldownMs {
			cooldownMs = retryMs
		}
		d.quota.setCooldown(opts.Model, accountKey, time.Now().Add(time.Duration(cooldownMs)*time.Millisecond).UnixMilli())
		d.quota.setCachedError(opts.Model, resp.Status, resp.Headers, resp.Body)
		d.recordAttempt(method, group, opts.Model, accountKey, attempt, maxAttempts, resp.Status, duration, "upstream_429")
	default:
		d.quota.setCachedError(opts.Model, resp.Status, resp.Headers, resp.Body)
		d.recordAttempt(method, group, opts.Model, accountKey, attempt, maxAttempts, resp.Status, duration, "upstream_non_429")
	}

	return resp, nil
}

func (d *Dispatcher) recordAttempt(method string, group account.Group, model, accountKey string, attempt, maxAttempts, status int, duration time.Duration, errorKind string) {
	fields := logrus.Fields{
		"method":       method,
		"group":        string(group),
		"model":        model,
		"account":      accountKey,
		"attempt":      attempt,
		"max_attempts": maxAttempts,
		"status":       status,
		"duration_ms":  duration.Milliseconds(),
	}
	if errorKind != "" {
		fields["error_kind"] = errorKind
	}
	d.logger.WithFields(fields).Info("dispatch: upstream attempt")

	if d.audit != nil {
		_ = d.audit.Log(audit.Record{
			RequestID:   uuid.NewString(),
			Method:      method,
			Group:       string(group),
			Model:       model,
			AccountKey:  accountKey,
			Attempt:     attempt,
			MaxAttempts: maxAttempts,
			Status:      status,
			DurationMs:  int(duration.Milliseconds()),
			ErrorKind:   errorKind,
			CreatedAt:   time.Now().UTC(),
		})
	}
}

func (d *Dispatcher) recordAttemptErr(method string, group account.Group, model, accountKey string, attempt, maxAttempts int, duration time.Duration, errorKind string, err error) {
	d.logger.WithFields(logrus.Fields{
		"method":       method,
		"group":        string(group),
		"model":        model,
		"account":      accountKey,
		"attempt":      attempt,
		"max_attempts": maxAttempts,
		"duration_ms":  duration.Milliseconds(),
		"error_kind":   errorKind,
	}).WithError(err).Warn("dispatch: upstream attempt failed")

	if d.audit != nil {
		_ = d.audit.Log(audit.Record{
			RequestID:   uuid.NewString(),
			Method:      method,
			Group:       string(group),
			Model:       model,
			AccountKey:  accountKey,
			Attempt:     attempt,
			MaxAttempts: maxAttempts,
			Status:      0,
			DurationMs:  int(duration.Milliseconds()),
			ErrorKind:   errorKind,
			CreatedAt:   time.Now().UTC(),
		})
	}
}

// CountTokens is a thin convenience routed through CallV1Internal with
// the same selection/cooldown/retry policy.
func (d *Dispatcher) CountTokens(ctx context.Context, buildBody func(projectID string) []byte, group account.Group, model string) (*upstream.Response, error) {
	return d.CallV1Internal(ctx, "countTokens", CallOptions{Group: group, Model: model, BuildBody: buildBody})
}

// QuotaSnapshot returns the dispatcher's current (model, account) quota
// observations for the admin API. Purely observational: nothing reads
// this back into selection.
func (d *Dispatcher) QuotaSnapshot() []QuotaView {
	return d.quota.snapshot()
}

// FetchAvailableModels is the current-account pass-through used by the
// admin UI, distinct from the sweep's all-accounts variant.
func (d *Dispatcher) FetchAvailableModels(ctx context.Context) (map[string]upstream.ModelQuota, error) {
	return d.accounts.FetchAvailableModels(ctx)
}

// Errors returns the underlying exhaustion sentinel so callers can test
// disposition with errors.Is.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrExhausted)
}
