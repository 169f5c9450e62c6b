package queue

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fixed":
		return StrategyFixed, nil
	case "linear":
		return StrategyLinear, nil
	case "", "exponential":
		return StrategyExponential, nil
	default:
		return StrategyExponential, fmt.Errorf("unknown backoff strategy %q", s)
	}
}

// BackoffPolicy computes the delay before a failed attempt re-enters the
// runnable set.
type BackoffPolicy struct {
	Strategy  Strategy
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Delay returns the wait after the given attempt (1-based): the strategy
// curve capped at MaxDelay, plus uniform jitter in [0, 0.1*delay) so
// simultaneous failures don't re-arrive as a thundering herd.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	maxD := p.MaxDelay
	if maxD <= 0 {
		maxD = 5 * time.Minute
	}

	var d time.Duration
	switch p.Strategy {
	case StrategyFixed:
		d = base
	case StrategyLinear:
		d = time.Duration(int64(base) * int64(attempt))
	default:
		d = time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	}
	if d > maxD || d <= 0 {
		d = maxD
	}

	jitter := time.Duration(rand.Float64() * 0.1 * float64(d))
	return d + jitter
}
