package main

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Rate-limit headers returned by the policy API.
const (
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRateLimitNext      = "X-RateLimit-Next"
)

// isoLayouts are tried in order when parsing X-RateLimit-Next.
var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// parseISO8601 parses an ISO-8601 instant. Values without a zone are UTC.
func parseISO8601(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// rateLimitWait decides how long to back off after a 429. When quota is
// left, or the reset instant is missing, unparsable or already past, the
// request is retried straight away (zero wait). Otherwise the wait runs
// until the reset instant plus a one second margin.
func rateLimitWait(h http.Header, now time.Time) time.Duration {
	if v := h.Get(headerRateLimitRemaining); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			return 0
		}
	}
	next, ok := parseISO8601(h.Get(headerRateLimitNext))
	if !ok {
		return 0
	}
	wait := next.Sub(now)
	if wait <= 0 {
		return 0
	}
	return wait + rateLimitSafetyPadding
}
