package dispatch

import (
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"ag2api/internal/account"
)

// quotaEntry is the per-(model, accountKey) observation: last-known
// remaining fraction and reset time from the sweep, plus any active
// 429 cooldown.
type quotaEntry struct {
	remainingKnown   bool
	remainingFrac    float64
	resetKnown       bool
	resetTimeMs      int64
	cooldownUntilMs  int64
}

// cachedError is a cloned non-2xx response kept as the fast-fail source
// for a model.
type cachedError struct {
	status     int
	headers    http.Header
	body       []byte
	cachedAtMs int64
}

// quotaStore is the dispatcher's shared mutable quota/error state.
// Updated by the sweep and by response disposition; reads never block
// writers, and the last writer for a field always wins.
type quotaStore struct {
	mu      sync.RWMutex
	byModel map[string]map[string]*quotaEntry // model -> accountKey -> entry

	errMu            sync.RWMutex
	lastErrorByModel map[string]cachedError
	lastNetErrByModel map[string]error
}

func newQuotaStore() *quotaStore {
	return &quotaStore{
		byModel:           make(map[string]map[string]*quotaEntry),
		lastErrorByModel:  make(map[string]cachedError),
		lastNetErrByModel: make(map[string]error),
	}
}

func (q *quotaStore) entry(model, accountKey string) *quotaEntry {
	q.mu.RLock()
	accts := q.byModel[model]
	if accts != nil {
		if e, ok := accts[accountKey]; ok {
			q.mu.RUnlock()
			return e
		}
	}
	q.mu.RUnlock()
	return &quotaEntry{}
}

func (q *quotaStore) updateObservation(model, accountKey string, remainingFrac float64, resetTime string) {
	var resetMs int64
	resetKnown := false
	if resetTime != "" {
		if t, err := time.Parse(time.RFC3339, resetTime); err == nil {
			resetMs = t.UnixMilli()
			resetKnown = true
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	accts := q.byModel[model]
	if accts == nil {
		accts = make(map[string]*quotaEntry)
		q.byModel[model] = accts
	}
	e, ok := accts[accountKey]
	if !ok {
		e = &quotaEntry{}
		accts[accountKey] = e
	}
	e.remainingKnown = true
	e.remainingFrac = remainingFrac
	e.resetKnown = resetKnown
	e.resetTimeMs = resetMs
}

func (q *quotaStore) setCooldown(model, accountKey string, untilMs int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	accts := q.byModel[model]
	if accts == nil {
		accts = make(map[string]*quotaEntry)
		q.byModel[model] = accts
	}
	e, ok := accts[accountKey]
	if !ok {
		e = &quotaEntry{}
		accts[accountKey] = e
	}
	if untilMs > e.cooldownUntilMs {
		e.cooldownUntilMs = untilMs
	}
}

func (q *quotaStore) setCachedError(model string, status int, headers http.Header, body []byte) {
	q.errMu.Lock()
	defer q.errMu.Unlock()
	q.lastErrorByModel[model] = cachedError{status: status, headers: headers.Clone(), body: append([]byte(nil), body...), cachedAtMs: time.Now().UnixMilli()}
}

func (q *quotaStore) getCachedError(model string) (cachedError, bool) {
	q.errMu.RLock()
	defer q.errMu.RUnlock()
	e, ok := q.lastErrorByModel[model]
	return e, ok
}

func (q *quotaStore) setLastNetworkError(model string, err error) {
	q.errMu.Lock()
	defer q.errMu.Unlock()
	q.lastNetErrByModel[model] = err
}

// candidate is one account's selection-relevant state.
type candidate struct {
	index           int
	accountKey      string
	remainingKnown  bool
	remainingFrac   float64
	resetKnown      bool
	resetTimeMs     int64
	cooldownActive  bool
}

// rankedCandidates builds and sorts the candidate list for model,
// excluding indices in excluded and (unless includeZero) accounts whose
// remaining fraction is known to be exactly zero.
// If preferredKey names a candidate that survives the ranking and is
// not cooldown-active, it is moved to the front -- the session
// stickiness routing hint, which never overrides a cooldown or
// exhaustion decision since it only reorders among already-eligible
// candidates.
func rankedCandidates(accts []*account.Account, quota *quotaStore, model string, excluded map[int]bool, includeZero bool, preferredKey string) []candidate {
	now := time.Now().UnixMilli()
	out := make([]candidate, 0, len(accts))

	for i, a := range accts {
		if excluded[i] {
			continue
		}
		e := quota.entry(model, a.Key())
		if e.remainingKnown && e.remainingFrac <= 0 && !includeZero {
			continue
		}
		out = append(out, candidate{
			index:          i,
			accountKey:     a.Key(),
			remainingKnown: e.remainingKnown,
			remainingFrac:  e.remainingFrac,
			resetKnown:     e.resetKnown,
			resetTimeMs:    e.resetTimeMs,
			cooldownActive: e.cooldownUntilMs > now,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.cooldownActive != b.cooldownActive {
			return !a.cooldownActive // non-cooldown first
		}

		af, bf := -1.0, -1.0
		if a.remainingKnown {
			af = a.remainingFrac
		}
		if b.remainingKnown {
			bf = b.remainingFrac
		}
		if af != bf {
			return af > bf
		}

		ar, br := int64(math.MaxInt64), int64(math.MaxInt64)
		if a.resetKnown {
			ar = a.resetTimeMs
		}
		if b.resetKnown {
			br = b.resetTimeMs
		}
		if ar != br {
			return ar < br
		}

		return a.index < b.index
	})

	if preferredKey != "" {
		for i, c := range out {
			if c.accountKey == preferredKey && !c.cooldownActive {
				if i != 0 {
					preferred := c
					out = append(out[:i], out[i+1:]...)
					out = append([]candidate{preferred}, out...)
				}
				break
			}
		}
	}

	return out
}

// QuotaView is the admin-facing read-only view of one (model, account)
// quota observation.
type QuotaView struct {
	Model             string `json:"model"`
	AccountKey        string `json:"accountKey"`
	RemainingKnown    bool   `json:"remainingKnown"`
	RemainingPercent  int    `json:"remainingPercent,omitempty"`
	ResetKnown        bool   `json:"resetKnown"`
	ResetTimeMs       int64  `json:"resetTimeMs,omitempty"`
	CooldownActive    bool   `json:"cooldownActive"`
	CooldownUntilMs   int64  `json:"cooldownUntilMs,omitempty"`
}

// snapshot returns every tracked (model, account) observation, for the
// admin API's quota-snapshot endpoint. It never feeds back into
// selection -- purely a read side-channel.
func (q *quotaStore) snapshot() []QuotaView {
	q.mu.RLock()
	defer q.mu.RUnlock()

	now := time.Now().UnixMilli()
	var out []QuotaView
	for model, byAccount := range q.byModel {
		for accountKey, e := range byAccount {
			v := QuotaView{
				Model:           model,
				AccountKey:      accountKey,
				RemainingKnown:  e.remainingKnown,
				ResetKnown:      e.resetKnown,
				ResetTimeMs:     e.resetTimeMs,
				CooldownActive:  e.cooldownUntilMs > now,
				CooldownUntilMs: e.cooldownUntilMs,
			}
			if e.remainingKnown {
				v.RemainingPercent = int(e.remainingFrac * 100)
			}
			out = append(out, v)
		}
	}
	return out
}

// allKnownZero reports whether every account has an observed remaining
// fraction of exactly zero for model. A pool with zero accounts is not
// "known zero" (there is nothing to fast-fail on).
func allKnownZero(accts []*account.Account, quota *quotaStore, model string) bool {
	if len(accts) == 0 {
		return false
	}
	for _, a := range accts {
		e := quota.entry(model, a.Key())
		if !e.remainingKnown || e.remainingFrac > 0 {
			return false
		}
	}
	return true
}
