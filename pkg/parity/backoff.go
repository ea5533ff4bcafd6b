package parity

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// DelayFunc returns how long to wait after the given failed attempt (1-based)
// before the next one.
type DelayFunc func(attempt int) time.Duration

// ConstantDelay waits d between every attempt.
func ConstantDelay(d time.Duration) DelayFunc {
	return func(int) time.Duration { return d }
}

// BackoffPolicy is an exponential schedule with deterministic jitter.
type BackoffPolicy struct {
	PolicyID    string
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
}

// ComputeBackoff returns base * 2^(attempt-1), capped at MaxMs, plus jitter
// derived from PolicyID and attempt so that replays wait identically.
func ComputeBackoff(policy BackoffPolicy, attempt int) time.Duration {
	exp := attempt - 1
	if exp < 0 {
		exp = 0
	}
	if exp > 30 {
		exp = 30
	}
	delay := policy.BaseMs * (int64(1) << exp)
	if policy.MaxMs > 0 && delay > policy.MaxMs {
		delay = policy.MaxMs
	}
	return time.Duration(delay+deterministicJitter(policy, attempt)) * time.Millisecond
}

func deterministicJitter(policy BackoffPolicy, attempt int) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", policy.PolicyID, attempt)))
	return int64(binary.BigEndian.Uint64(hash[:8]) % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}

// Delay returns the policy as a DelayFunc.
func (p BackoffPolicy) Delay() DelayFunc {
	return func(attempt int) time.Duration { return ComputeBackoff(p, attempt) }
}

// ExponentialDelay is shorthand for a BackoffPolicy in durations.
func ExponentialDelay(base, maxDelay, maxJitter time.Duration) DelayFunc {
	return BackoffPolicy{
		PolicyID:    "parity",
		BaseMs:      base.Milliseconds(),
		MaxMs:       maxDelay.Milliseconds(),
		MaxJitterMs: maxJitter.Milliseconds(),
	}.Delay()
}
