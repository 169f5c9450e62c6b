package queue

import (
	"testing"
	"time"
)

func TestParseStrategy(t *testing.T) {
	if s, err := ParseStrategy(""); err != nil || s != StrategyExponential {
		t.Fatalf("empty strategy: got %q, err %v", s, err)
	}
	if s, err := ParseStrategy("LINEAR"); err != nil || s != StrategyLinear {
		t.Fatalf("LINEAR: got %q, err %v", s, err)
	}
	if s, err := ParseStrategy("fixed"); err != nil || s != StrategyFixed {
		t.Fatalf("fixed: got %q, err %v", s, err)
	}
	if _, err := ParseStrategy("fibonacci"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

// jitter adds up to 10% on top of the curve value, so an expected delay d is
// accepted anywhere in [d, 1.1*d).
func assertDelay(t *testing.T, got, want time.Duration) {
	t.Helper()
	upper := want + time.Duration(float64(want)*0.1)
	if got < want || got >= upper+time.Millisecond {
		t.Fatalf("delay %v outside [%v, %v)", got, want, upper)
	}
}

func TestBackoffFixed(t *testing.T) {
	p := BackoffPolicy{Strategy: StrategyFixed, BaseDelay: 2 * time.Second, MaxDelay: time.Minute}
	for attempt := 1; attempt <= 5; attempt++ {
		assertDelay(t, p.Delay(attempt), 2*time.Second)
	}
}

func TestBackoffLinear(t *testing.T) {
	p := BackoffPolicy{Strategy: StrategyLinear, BaseDelay: time.Second, MaxDelay: time.Minute}
	assertDelay(t, p.Delay(1), time.Second)
	assertDelay(t, p.Delay(3), 3*time.Second)
	assertDelay(t, p.Delay(5), 5*time.Second)
}

func TestBackoffExponential(t *testing.T) {
	p := BackoffPolicy{Strategy: StrategyExponential, BaseDelay: time.Second, MaxDelay: time.Hour}
	assertDelay(t, p.Delay(1), time.Second)
	assertDelay(t, p.Delay(2), 2*time.Second)
	assertDelay(t, p.Delay(4), 8*time.Second)
}

func TestBackoffCap(t *testing.T) {
	p := BackoffPolicy{Strategy: StrategyExponential, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	// 2^9 seconds would be far past the cap.
	d := p.Delay(10)
	if d < 10*time.Second || d >= 11*time.Second+time.Millisecond {
		t.Fatalf("capped delay %v outside [10s, 11s)", d)
	}
}

func TestBackoffDefaultsAndClamp(t *testing.T) {
	var p BackoffPolicy
	if d := p.Delay(0); d <= 0 {
		t.Fatalf("zero-value policy produced %v", d)
	}
	if d := p.Delay(-3); d <= 0 {
		t.Fatalf("negative attempt produced %v", d)
	}
}
