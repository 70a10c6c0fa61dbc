package account

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCredentialsVerified(t *testing.T) {
	assert.False(t, Credentials{}.Verified())
	assert.False(t, Credentials{ProjectID: "proj-1"}.Verified())
	assert.False(t, Credentials{ProjectIDResolvedAt: "2026-01-01T00:00:00Z"}.Verified())
	assert.True(t, Credentials{ProjectID: "proj-1", ProjectIDResolvedAt: "2026-01-01T00:00:00Z"}.Verified())
}

func TestCredentialsExpired(t *testing.T) {
	now := time.Now()
	past := Credentials{ExpiryDate: now.Add(-time.Minute).UnixMilli()}
	future := Credentials{ExpiryDate: now.Add(time.Minute).UnixMilli()}

	assert.True(t, past.Expired(now))
	assert.False(t, future.Expired(now))
}

func TestCredentialsExpiredAtExactBoundary(t *testing.T) {
	now := time.Now()
	creds := Credentials{ExpiryDate: now.UnixMilli()}
	assert.True(t, creds.Expired(now), "ExpiryDate == now must count as expired")
}

func TestAccountKey(t *testing.T) {
	a := &Account{ID: "user_example_com"}
	assert.Equal(t, "user_example_com", a.Key())
}
