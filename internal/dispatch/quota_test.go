package dispatch

import (
	"testing"
	"time"

	"ag2api/internal/account"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func accts(keys ...string) []*account.Account {
	out := make([]*account.Account, len(keys))
	for i, k := range keys {
		out[i] = &account.Account{ID: k}
	}
	return out
}

func TestRankedCandidatesOrdersByRemainingPercentDescending(t *testing.T) {
	q := newQuotaStore()
	a := accts("low", "high", "mid")
	q.updateObservation("model-x", "low", 0.1, "")
	q.updateObservation("model-x", "high", 0.9, "")
	q.updateObservation("model-x", "mid", 0.5, "")

	out := rankedCandidates(a, q, "model-x", nil, false, "")
	require.Len(t, out, 3)
	assert.Equal(t, "high", out[0].accountKey)
	assert.Equal(t, "mid", out[1].accountKey)
	assert.Equal(t, "low", out[2].accountKey)
}

func TestRankedCandidatesExcludesZeroRemainingByDefault(t *testing.T) {
	q := newQuotaStore()
	a := accts("exhausted", "ok")
	q.updateObservation("model-x", "exhausted", 0, "")
	q.updateObservation("model-x", "ok", 0.5, "")

	out := rankedCandidates(a, q, "model-x", nil, false, "")
	require.Len(t, out, 1)
	assert.Equal(t, "ok", out[0].accountKey)
}

func TestRankedCandidatesIncludeZeroKeepsExhausted(t *testing.T) {
	q := newQuotaStore()
	a := accts("exhausted")
	q.updateObservation("model-x", "exhausted", 0, "")

	out := rankedCandidates(a, q, "model-x", nil, true, "")
	require.Len(t, out, 1)
	assert.Equal(t, "exhausted", out[0].accountKey)
}

func TestRankedCandidatesCooldownSortsLast(t *testing.T) {
	q := newQuotaStore()
	a := accts("cooling", "free")
	q.updateObservation("model-x", "cooling", 0.9, "")
	q.updateObservation("model-x", "free", 0.1, "")
	q.setCooldown("model-x", "cooling", time.Now().Add(time.Minute).UnixMilli())

	out := rankedCandidates(a, q, "model-x", nil, false, "")
	require.Len(t, out, 2)
	assert.Equal(t, "free", out[0].accountKey, "non-cooldown account must rank ahead even with lower remaining fraction")
	assert.Equal(t, "cooling", out[1].accountKey)
}

func TestRankedCandidatesExpiredCooldownNoLongerPenalized(t *testing.T) {
	q := newQuotaStore()
	a := accts("was-cooling")
	q.setCooldown("model-x", "was-cooling", time.Now().Add(-time.Minute).UnixMilli())

	out := rankedCandidates(a, q, "model-x", nil, false, "")
	require.Len(t, out, 1)
	assert.False(t, out[0].cooldownActive)
}

func TestRankedCandidatesResetTimeBreaksTie(t *testing.T) {
	q := newQuotaStore()
	a := accts("later", "sooner")
	later := time.Now().Add(time.Hour).Format(time.RFC3339)
	sooner := time.Now().Add(time.Minute).Format(time.RFC3339)
	q.updateObservation("model-x", "later", 0.5, later)
	q.updateObservation("model-x", "sooner", 0.5, sooner)

	out := rankedCandidates(a, q, "model-x", nil, false, "")
	require.Len(t, out, 2)
	assert.Equal(t, "sooner", out[0].accountKey)
	assert.Equal(t, "later", out[1].accountKey)
}

func TestRankedCandidatesIndexTieBreak(t *testing.T) {
	q := newQuotaStore()
	a := accts("first", "second")

	out := rankedCandidates(a, q, "model-x", nil, false, "")
	require.Len(t, out, 2)
	assert.Equal(t, "first", out[0].accountKey)
	assert.Equal(t, "second", out[1].accountKey)
}

func TestRankedCandidatesExcludedIndicesAreSkipped(t *testing.T) {
	q := newQuotaStore()
	a := accts("zero", "one", "two")

	out := rankedCandidates(a, q, "model-x", map[int]bool{1: true}, false, "")
	require.Len(t, out, 2)
	for _, c := range out {
		assert.NotEqual(t, "one", c.accountKey)
	}
}

func TestRankedCandidatesPreferredKeyMovesToFront(t *testing.T) {
	q := newQuotaStore()
	a := accts("low", "high")
	q.updateObservation("model-x", "low", 0.1, "")
	q.updateObservation("model-x", "high", 0.9, "")

	out := rankedCandidates(a, q, "model-x", nil, false, "low")
	require.Len(t, out, 2)
	assert.Equal(t, "low", out[0].accountKey, "session-sticky preferred account must be promoted to front")
}

func TestRankedCandidatesPreferredKeyIgnoredWhenCoolingDown(t *testing.T) {
	q := newQuotaStore()
	a := accts("cooling", "free")
	q.updateObservation("model-x", "cooling", 0.9, "")
	q.updateObservation("model-x", "free", 0.1, "")
	q.setCooldown("model-x", "cooling", time.Now().Add(time.Minute).UnixMilli())

	out := rankedCandidates(a, q, "model-x", nil, false, "cooling")
	require.Len(t, out, 2)
	assert.Equal(t, "free", out[0].accountKey, "a cooldown-active preferred account must not be promoted")
}

func TestRankedCandidatesPreferredKeyNotPresentIsNoop(t *testing.T) {
	q := newQuotaStore()
	a := accts("a", "b")

	out := rankedCandidates(a, q, "model-x", nil, false, "nonexistent")
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].accountKey)
}

func TestAllKnownZeroTrueWhenEveryAccountExhausted(t *testing.T) {
	q := newQuotaStore()
	a := accts("a", "b")
	q.updateObservation("model-x", "a", 0, "")
	q.updateObservation("model-x", "b", 0, "")

	assert.True(t, allKnownZero(a, q, "model-x"))
}

func TestAllKnownZeroFalseWhenOneUnknown(t *testing.T) {
	q := newQuotaStore()
	a := accts("a", "b")
	q.updateObservation("model-x", "a", 0, "")

	assert.False(t, allKnownZero(a, q, "model-x"))
}

func TestAllKnownZeroFalseForEmptyPool(t *testing.T) {
	q := newQuotaStore()
	assert.False(t, allKnownZero(nil, q, "model-x"))
}

func TestQuotaStoreSnapshotReflectsObservations(t *testing.T) {
	q := newQuotaStore()
	q.updateObservation("model-x", "a", 0.42, "")

	views := q.snapshot()
	require.Len(t, views, 1)
	assert.Equal(t, "model-x", views[0].Model)
	assert.Equal(t, "a", views[0].AccountKey)
	assert.Equal(t, 42, views[0].RemainingPercent)
	assert.True(t, views[0].RemainingKnown)
}

func TestQuotaStoreCachedError(t *testing.T) {
	q := newQuotaStore()
	_, ok := q.getCachedError("model-x")
	assert.False(t, ok)

	q.setCachedError("model-x", 429, nil, []byte(`{"error":"rate limited"}`))
	cached, ok := q.getCachedError("model-x")
	require.True(t, ok)
	assert.Equal(t, 429, cached.status)
	assert.Equal(t, []byte(`{"error":"rate limited"}`), cached.body)
}
