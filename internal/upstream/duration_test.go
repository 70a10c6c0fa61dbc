package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseGoogleDurationWithUnitSuffix(t *testing.T) {
	ms, ok := ParseGoogleDuration("1h16m0.667923083s")
	assert.True(t, ok)
	assert.Equal(t, int64((1*3600+16*60)*1000+667), ms)
}

func TestParseGoogleDurationPlainSeconds(t *testing.T) {
	ms, ok := ParseGoogleDuration("30s")
	assert.True(t, ok)
	assert.Equal(t, int64(30000), ms)
}

func TestParseGoogleDurationBareFloatFallback(t *testing.T) {
	ms, ok := ParseGoogleDuration("2.5")
	assert.True(t, ok)
	assert.Equal(t, int64(2500), ms)
}

func TestParseGoogleDurationEmptyString(t *testing.T) {
	_, ok := ParseGoogleDuration("")
	assert.False(t, ok)
}

func TestParseGoogleDurationGarbage(t *testing.T) {
	_, ok := ParseGoogleDuration("not-a-duration")
	assert.False(t, ok)
}

func TestFormatGoogleDurationRoundTrip(t *testing.T) {
	for _, ms := range []int64{0, 1000, 1500, 90000} {
		s := FormatGoogleDuration(ms)
		parsedMs, ok := ParseGoogleDuration(s)
		assert.True(t, ok)
		assert.Equal(t, ms, parsedMs)
	}
}

func TestParseRetryDelayMsFromRetryInfo(t *testing.T) {
	body := []byte(`{
		"error": {
			"details": [
				{"@type": "type.googleapis.com/google.rpc.RetryInfo", "retryDelay": "12s"}
			]
		}
	}`)
	ms, ok := ParseRetryDelayMs(body)
	assert.True(t, ok)
	assert.Equal(t, int64(12000), ms)
}

func TestParseRetryDelayMsFromQuotaResetDelayMetadata(t *testing.T) {
	body := []byte(`{
		"error": {
			"details": [
				{"@type": "type.googleapis.com/google.rpc.ErrorInfo", "metadata": {"quotaResetDelay": "5s"}}
			]
		}
	}`)
	ms, ok := ParseRetryDelayMs(body)
	assert.True(t, ok)
	assert.Equal(t, int64(5000), ms)
}

func TestParseRetryDelayMsNoMatchingDetail(t *testing.T) {
	body := []byte(`{"error": {"details": [{"@type": "type.googleapis.com/google.rpc.ErrorInfo"}]}}`)
	_, ok := ParseRetryDelayMs(body)
	assert.False(t, ok)
}

func TestParseRetryDelayMsNotJSON(t *testing.T) {
	_, ok := ParseRetryDelayMs([]byte("not json at all"))
	assert.False(t, ok)
}

func TestParseRetryDelayMsEmptyDetails(t *testing.T) {
	_, ok := ParseRetryDelayMs([]byte(`{"error": {"details": []}}`))
	assert.False(t, ok)
}
