package token

import "time"

// CachedToken is one acquired bearer token with its metadata. Instances are
// immutable: each successful acquisition replaces the whole record.
type CachedToken struct {
	Value      string
	ExpiresAt  time.Time
	AcquiredAt time.Time
}

// ValidAt reports whether the token is still usable at the given instant,
// applying the refresh threshold as a safety margin before real expiry.
func (t CachedToken) ValidAt(now time.Time, threshold time.Duration) bool {
	if t.Value == "" || t.ExpiresAt.IsZero() {
		return false
	}
	return t.ExpiresAt.Sub(now) > threshold
}

func (t CachedToken) TimeToExpiry(now time.Time) time.Duration {
	if t.ExpiresAt.IsZero() {
		return 0
	}
	return t.ExpiresAt.Sub(now)
}
