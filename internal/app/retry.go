package app

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// backoffPolicy implements exponential backoff with jitter for transient
// provider and replication failures.
type backoffPolicy struct {
	Base        time.Duration
	Factor      float64
	MaxAttempts int
	Jitter      float64 // fraction, e.g. 0.2 for ±20%
}

var defaultBackoff = backoffPolicy{
	Base:        time.Second,
	Factor:      2,
	MaxAttempts: 5,
	Jitter:      0.2,
}

// delay returns the sleep before the given retry attempt (1-based; attempt 1
// is the first retry).
func (p backoffPolicy) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base) * math.Pow(p.Factor, float64(attempt-1))
	spread := 1 + p.Jitter*(2*rand.Float64()-1)
	return time.Duration(d * spread)
}

// isTransient reports whether a provider round-trip is worth retrying:
// transport failures and 5xx responses are; local deterministic failures
// (unreadable artifact, missing configuration) and everything else are not.
func isTransient(statusCode int, err error) bool {
	if statusCode >= 500 {
		return true
	}
	if statusCode != 0 || err == nil {
		return false
	}
	if errors.Is(err, ErrArtifactUnreadable) || errors.Is(err, ErrConfigInvalid) {
		return false
	}
	return true
}
