// Package backoff holds the exponential retry policy shared by entity
// pushes and feed restarts, and the eligibility rule that gates re-pushing
// failed records.
package backoff

import (
	"time"

	"github.com/matheus3301/driftsync/internal/store"
)

// Policy is a capped exponential backoff with a bounded attempt budget.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// EntityDefaults is the policy for per-record push retries.
func EntityDefaults() Policy {
	return Policy{Base: time.Second, Cap: 16 * time.Second, MaxAttempts: 5}
}

// FeedDefaults is the policy for change-feed restarts. Its counters are
// independent of per-record retry counters.
func FeedDefaults() Policy {
	return Policy{Base: 2 * time.Second, Cap: 32 * time.Second, MaxAttempts: 5}
}

// Delay returns min(Base * 2^n, Cap). Non-decreasing in n.
func (p Policy) Delay(n int) time.Duration {
	d := p.Base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Exhausted reports whether the attempt budget is spent.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// Eligible reports whether a record may be pushed now. Pending records are
// always eligible. Failed records wait out Delay(retryCount) since the last
// attempt and stop once the budget is spent; they keep their failed status
// while waiting, eligibility is computed, not stored.
func (p Policy) Eligible(status store.SyncStatus, retryCount int, lastAttemptMs int64, now time.Time) bool {
	switch status {
	case store.StatusPending:
		return true
	case store.StatusFailed:
		if p.Exhausted(retryCount) {
			return false
		}
		if lastAttemptMs == 0 {
			return true
		}
		return now.UnixMilli()-lastAttemptMs >= p.Delay(retryCount).Milliseconds()
	default:
		return false
	}
}

// EligibleMeta is Eligible applied to a record's sync metadata.
func (p Policy) EligibleMeta(m store.SyncMeta, now time.Time) bool {
	return p.Eligible(m.SyncStatus, m.SyncRetryCount, m.LastSyncAttempt, now)
}
