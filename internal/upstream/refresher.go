package upstream

import (
	"sync"
	"time"
)

// DefaultRefreshSkew is the conservative skew applied to the refresh
// deadline (expiry_date - skew) to absorb clock jitter, rather than
// firing at exactly expiry_date.
const DefaultRefreshSkew = 60 * time.Second

// Refresher schedules a single deferred refresh per account id,
// cancellable and idempotent. It holds no account state of its own --
// callers pass the fire callback and the deadline each time they
// (re)schedule.
type Refresher struct {
	skew time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewRefresher creates a Refresher with the given skew.
func NewRefresher(skew time.Duration) *Refresher {
	if skew <= 0 {
		skew = DefaultRefreshSkew
	}
	return &Refresher{
		skew:   skew,
		timers: make(map[string]*time.Timer),
	}
}

// ScheduleRefresh cancels any previous timer for id and installs a new
// one that calls fire at max(0, expiryMs-skew) from now.
func (r *Refresher) ScheduleRefresh(id string, expiryMs int64, fire func()) {
	deadline := time.UnixMilli(expiryMs).Add(-r.skew)
	delay := time.Until(deadline)
	if delay < 0 {
		delay = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.timers[id]; ok {
		existing.Stop()
	}
	r.timers[id] = time.AfterFunc(delay, fire)
}

// CancelRefresh stops id's scheduled refresh, if any. Idempotent.
func (r *Refresher) CancelRefresh(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.timers[id]; ok {
		existing.Stop()
		delete(r.timers, id)
	}
}

// IsDue reports whether expiryMs-skew has already passed, used by
// RefreshDueAccountsNow callers to decide which accounts need an
// immediate kick rather than a scheduled wait.
func (r *Refresher) IsDue(expiryMs int64) bool {
	return time.UnixMilli(expiryMs).Add(-r.skew).Before(time.Now())
}

// StopAll cancels every scheduled timer, used on shutdown and by
// ReloadAccounts before re-scanning the account directory.
func (r *Refresher) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}
