package upstream

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ParseGoogleDuration parses Google's duration-string grammar
// (digits + optional decimal, followed by ms|s|m|h, concatenatable --
// e.g. "1h16m0.667923083s") into milliseconds. Unparseable input
// returns ok=false rather than an error: the caller treats this as "no
// hint".
//
// Go's time.ParseDuration already implements exactly this grammar, so
// this leans on the standard library first and only falls back to a
// bare-float-seconds parse for payloads that omit the unit suffix.
func ParseGoogleDuration(s string) (ms int64, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d.Milliseconds(), true
	}

	// Some payloads give a bare number of seconds with no unit suffix.
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f * 1000), true
	}

	return 0, false
}

// detailEntry models one entry of error.details[] loosely enough to
// cover both the RetryInfo shape and the quotaResetDelay shape.
type detailEntry struct {
	Type     string `json:"@type"`
	RetryDelay string `json:"retryDelay"`
	Metadata map[string]string `json:"metadata"`
}

type errorBody struct {
	Error struct {
		Details []detailEntry `json:"details"`
	} `json:"error"`
}

// ParseRetryDelayMs extracts a 429 response body's retry hint in
// milliseconds. It recognizes error.details[] entries whose @type
// contains "RetryInfo" (using their retryDelay field) and entries
// carrying metadata.quotaResetDelay. Returns ok=false if the body is
// not JSON, has no matching detail, or the duration string is
// unparseable.
func ParseRetryDelayMs(body []byte) (ms int64, ok bool) {
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, false
	}

	for _, d := range parsed.Error.Details {
		if strings.Contains(d.Type, "RetryInfo") && d.RetryDelay != "" {
			if v, parsedOK := ParseGoogleDuration(d.RetryDelay); parsedOK {
				return v, true
			}
		}
		if v, present := d.Metadata["quotaResetDelay"]; present {
			if v2, parsedOK := ParseGoogleDuration(v); parsedOK {
				return v2, true
			}
		}
	}
	return 0, false
}

// FormatGoogleDuration renders ms back into the Go duration-string
// grammar, the inverse of ParseGoogleDuration.
func FormatGoogleDuration(ms int64) string {
	return time.Duration(ms * int64(time.Millisecond)).String()
}
