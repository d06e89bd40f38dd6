package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Response header names carrying rate-limit metadata.
const (
	HeaderBucket     = "X-RateLimit-Bucket"
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderResetAfter = "X-RateLimit-Reset-After"
	HeaderScope      = "X-RateLimit-Scope"
	HeaderGlobal     = "X-RateLimit-Global"
	HeaderRetryAfter = "Retry-After"
)

// Scope distinguishes route-local limits from account-wide ones.
type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeShared Scope = "shared"
	ScopeGlobal Scope = "global"
)

// ParseScope normalizes a scope value; unknown values fall back to ScopeUser.
func ParseScope(value string) Scope {
	switch Scope(strings.ToLower(strings.TrimSpace(value))) {
	case ScopeGlobal:
		return ScopeGlobal
	case ScopeShared:
		return ScopeShared
	default:
		return ScopeUser
	}
}

// Metadata is the rate-limit information carried by one response.
type Metadata struct {
	BucketID   string
	Limit      int
	Remaining  int
	ResetAfter time.Duration
	// ResetAt is set instead of ResetAfter when the response only carried
	// the absolute X-RateLimit-Reset.
	ResetAt    time.Time
	Scope      Scope
	Global     bool
	RetryAfter time.Duration

	hasBucket bool
}

// HasBucket reports whether the response described a per-route bucket.
func (m Metadata) HasBucket() bool {
	return m.hasBucket
}

// ParseHeaders extracts rate-limit metadata. ok is false when the response
// carried none of the rate-limit headers.
func ParseHeaders(header http.Header) (Metadata, bool) {
	if header == nil {
		return Metadata{}, false
	}

	meta := Metadata{
		BucketID: strings.TrimSpace(header.Get(HeaderBucket)),
		Scope:    ParseScope(header.Get(HeaderScope)),
		Global:   strings.EqualFold(strings.TrimSpace(header.Get(HeaderGlobal)), "true"),
	}
	if meta.Scope == ScopeGlobal {
		meta.Global = true
	}

	remaining, hasRemaining := parseInt(header.Get(HeaderRemaining))
	resetAfter, hasResetAfter := parseSeconds(header.Get(HeaderResetAfter))
	if !hasResetAfter {
		if reset, ok := parseEpoch(header.Get(HeaderReset)); ok {
			meta.ResetAt = reset
			hasResetAfter = true
		}
	}
	if limit, ok := parseInt(header.Get(HeaderLimit)); ok {
		meta.Limit = limit
	}
	if retry, ok := parseSeconds(header.Get(HeaderRetryAfter)); ok {
		meta.RetryAfter = retry
	}

	meta.Remaining = remaining
	meta.ResetAfter = resetAfter
	meta.hasBucket = meta.BucketID != "" && hasRemaining && hasResetAfter

	if !meta.hasBucket && !meta.Global {
		return Metadata{}, false
	}
	return meta, true
}

func parseInt(value string) (int, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// parseSeconds accepts integer or fractional seconds.
func parseSeconds(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return time.Duration(f * float64(time.Second)), true
}

// parseEpoch reads fractional epoch seconds at millisecond precision.
func parseEpoch(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(math.Round(f * 1000))), true
}
