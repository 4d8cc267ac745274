// Package limiter implements per-host 429 backoff, ported from the
// teacher's internal/download/limiter package into the new engine tree.
package limiter

import (
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// RateLimitError reports that a host is currently blocked and how much
// longer the caller should wait before retrying.
type RateLimitError struct {
	WaitDuration time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %v", e.WaitDuration)
}

const (
	baseBackoff = 1 * time.Second
	maxBackoff  = 60 * time.Second
)

// RateLimiter tracks 429 backoff state for a single host.
type RateLimiter struct {
	Host string

	blockedUntil    atomic.Int64 // unix nano
	consecutiveHits atomic.Int32
	mu              sync.Mutex
}

func NewRateLimiter(host string) *RateLimiter {
	return &RateLimiter{Host: host}
}

// Handle429 records a 429 response and returns how long to wait before
// the next request to this host, preferring the server's Retry-After
// header (seconds or HTTP-date) and falling back to exponential backoff
// with jitter.
func (rl *RateLimiter) Handle429(resp *http.Response) time.Duration {
	hits := rl.consecutiveHits.Add(1)

	wait := rl.retryAfter(resp)
	if wait <= 0 {
		wait = backoffForHits(hits)
	}
	wait = addJitter(wait)

	rl.setBlockedUntil(time.Now().Add(wait))
	return wait
}

func (rl *RateLimiter) retryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d > 0 {
			return d
		}
	}
	return 0
}

func backoffForHits(hits int32) time.Duration {
	d := baseBackoff
	for i := int32(1); i < hits; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

func addJitter(d time.Duration) time.Duration {
	jitter := time.Duration(float64(d) * 0.1)
	if jitter <= 0 {
		return d
	}
	delta := time.Duration(rand.Int63n(int64(jitter)*2)) - jitter
	return d + delta
}

func (rl *RateLimiter) setBlockedUntil(until time.Time) {
	target := until.UnixNano()
	for {
		cur := rl.blockedUntil.Load()
		if cur >= target {
			return
		}
		if rl.blockedUntil.CompareAndSwap(cur, target) {
			return
		}
	}
}

// WaitIfBlocked sleeps until the host's current block expires, if any.
func (rl *RateLimiter) WaitIfBlocked() {
	d := rl.BlockDuration()
	if d > 0 {
		time.Sleep(d)
	}
}

// ReportSuccess clears consecutive-hit tracking after a non-429
// response, so the next 429 starts backoff from the base delay again.
func (rl *RateLimiter) ReportSuccess() {
	rl.consecutiveHits.Store(0)
}

func (rl *RateLimiter) IsBlocked() bool {
	return rl.BlockDuration() > 0
}

func (rl *RateLimiter) BlockedUntil() time.Time {
	ns := rl.blockedUntil.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (rl *RateLimiter) BlockDuration() time.Duration {
	ns := rl.blockedUntil.Load()
	if ns == 0 {
		return 0
	}
	d := time.Until(time.Unix(0, ns))
	if d < 0 {
		return 0
	}
	return d
}
