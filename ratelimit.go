package redcore

import (
	"net/http"
	"strconv"
	"time"
)

// maxRateLimitDelay caps the proactive back-off so a bogus reset header can't
// stall the caller for longer than one full rate-limit window.
const maxRateLimitDelay = 600 * time.Second

// rateLimiter paces requests from the x-ratelimit-* response headers: while
// the window has budget left requests go out immediately, once it is exhausted
// the session sleeps until the window resets. Not synchronized, the session
// serves a single logical caller.
type rateLimiter struct {
	remaining float64
	used      int
	resetAt   time.Time
	seen      bool

	now func() time.Time // injectable clock for tests
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{now: time.Now}
}

// update records the rate-limit state from a response. Responses without the
// headers (e.g. token endpoint) leave the state untouched.
func (r *rateLimiter) update(header http.Header) {
	remaining := header.Get("X-Ratelimit-Remaining")
	if remaining == "" {
		return
	}

	rem, err := strconv.ParseFloat(remaining, 64)
	if err != nil {
		return
	}
	r.remaining = rem
	r.used, _ = strconv.Atoi(header.Get("X-Ratelimit-Used"))
	if reset, e := strconv.Atoi(header.Get("X-Ratelimit-Reset")); e == nil {
		r.resetAt = r.now().Add(time.Duration(reset) * time.Second)
	}
	r.seen = true
}

// delay returns how long the caller should wait before the next request,
// zero while budget remains.
func (r *rateLimiter) delay() time.Duration {
	if !r.seen || r.remaining > 0 {
		return 0
	}
	d := r.resetAt.Sub(r.now())
	if d < 0 {
		return 0
	}
	if d > maxRateLimitDelay {
		return maxRateLimitDelay
	}
	return d
}
