package pulse

import (
	"time"

	"github.com/cenkalti/backoff"
)

// Policy holds the debounce thresholds and the remediation retry schedule.
// It is a pure value and safe for concurrent use.
type Policy struct {
	ConfirmThreshold  int
	RecoveryThreshold int
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffFactor     float64
	BackoffCap        time.Duration
}

// NewPolicy extracts the policy settings from cfg.
func NewPolicy(cfg PulseConfig) Policy {
	return Policy{
		ConfirmThreshold:  cfg.ConfirmThreshold,
		RecoveryThreshold: cfg.RecoveryThreshold,
		MaxAttempts:       cfg.MaxRemediationAttempts,
		BackoffBase:       cfg.BackoffBase,
		BackoffFactor:     cfg.BackoffFactor,
		BackoffCap:        cfg.BackoffCap,
	}
}

// ShouldConfirmDown reports whether enough consecutive failures have been
// seen to declare the device down.
func (p Policy) ShouldConfirmDown(consecutiveFailures int) bool {
	return consecutiveFailures >= max(p.ConfirmThreshold, 1)
}

// ShouldConfirmUp reports whether enough consecutive successes have been
// seen to declare the device recovered.
func (p Policy) ShouldConfirmUp(consecutiveSuccesses int) bool {
	return consecutiveSuccesses >= max(p.RecoveryThreshold, 1)
}

// CanRetry reports whether another remediation attempt is allowed after
// attempts have already been made in the current incident.
func (p Policy) CanRetry(attempts int) bool {
	return attempts < p.MaxAttempts
}

// NextRetryDelay returns the wait after the given (1-based) failed attempt:
// base * factor^(attempt-1), capped. Randomization is disabled so the
// schedule is deterministic and non-decreasing.
func (p Policy) NextRetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BackoffBase,
		RandomizationFactor: 0,
		Multiplier:          max(p.BackoffFactor, 1),
		MaxInterval:         p.BackoffCap,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
		if d == backoff.Stop || d >= p.BackoffCap {
			return p.BackoffCap
		}
	}
	return d
}
