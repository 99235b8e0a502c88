package devicetoken

import (
	"time"

	"github.com/patrickmn/go-cache"

	"shop-monitor-backend/internal/metrics"
)

// Lockout counts auth failures per client IP and blocks an IP for a fixed
// period once it reaches the limit within the counting window.
type Lockout struct {
	failures    *cache.Cache
	locked      *cache.Cache
	maxFailures int
	duration    time.Duration
}

// NewLockout creates a lockout tracker.
func NewLockout(maxFailures int, window, duration time.Duration) *Lockout {
	return &Lockout{
		failures:    cache.New(window, 2*window),
		locked:      cache.New(duration, 2*duration),
		maxFailures: maxFailures,
		duration:    duration,
	}
}

// Locked reports whether ip is currently locked out.
func (l *Lockout) Locked(ip string) bool {
	_, found := l.locked.Get(ip)
	return found
}

// Remaining returns how long ip stays locked out, or zero.
func (l *Lockout) Remaining(ip string) time.Duration {
	_, exp, found := l.locked.GetWithExpiration(ip)
	if !found {
		return 0
	}
	if left := time.Until(exp); left > 0 {
		return left
	}
	return 0
}

// Fail records a failure and reports whether it locked the ip.
func (l *Lockout) Fail(ip string) bool {
	n := 1
	if err := l.failures.Add(ip, 1, cache.DefaultExpiration); err != nil {
		var incErr error
		n, incErr = l.failures.IncrementInt(ip, 1)
		if incErr != nil {
			// Expired between Add and IncrementInt.
			l.failures.Set(ip, 1, cache.DefaultExpiration)
			n = 1
		}
	}
	if n < l.maxFailures {
		return false
	}
	l.locked.Set(ip, true, l.duration)
	l.failures.Delete(ip)
	metrics.AuthLockouts.Inc()
	return true
}

// Reset clears the ip's failure count after a success.
func (l *Lockout) Reset(ip string) {
	l.failures.Delete(ip)
}
