package ledger

import (
	"math"
	"time"
)

// Policy is the retry policy of one stage.
type Policy struct {
	MaxAttempts        int
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	Jitter             float64 // fraction in [0, 1)
	RetryPriorityDelta int32
}

// DefaultPolicy matches the built-in stage defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BackoffBase: 2 * time.Second,
		BackoffCap:  5 * time.Minute,
		Jitter:      0.2,
	}
}

// PolicyResolver yields the policy for a stage.
type PolicyResolver interface {
	Policy(pipeline, stage string) Policy
}

// PolicyFunc adapts a function to PolicyResolver.
type PolicyFunc func(pipeline, stage string) Policy

// Policy implements PolicyResolver.
func (f PolicyFunc) Policy(pipeline, stage string) Policy { return f(pipeline, stage) }

// StaticPolicy returns a resolver that answers p for every stage.
func StaticPolicy(p Policy) PolicyResolver {
	return PolicyFunc(func(string, string) Policy { return p })
}

// ComputeBackoff returns min(cap, base * 2^(attempt-1) * (1 + j)) where j is
// rnd() scaled into [0, p.Jitter). rnd must return values in [0, 1); nil
// means no jitter. Attempts below 1 are treated as 1.
func ComputeBackoff(p Policy, attempt int, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.BackoffBase <= 0 {
		return 0
	}
	j := 0.0
	if rnd != nil && p.Jitter > 0 {
		j = rnd() * p.Jitter
	}
	d := float64(p.BackoffBase) * math.Pow(2, float64(attempt-1)) * (1 + j)
	if p.BackoffCap > 0 && d >= float64(p.BackoffCap) {
		return p.BackoffCap
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
