package retry

import (
	"testing"
	"time"

	"git.home.luguber.info/inful/assetstore/internal/config"
)

// TestDefaultPolicy verifies the baseline default values.
func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.Mode != config.RetryBackoffExponential {
		t.Fatalf("expected exponential default mode got %s", p.Mode)
	}
	if p.Initial != 30*time.Second {
		t.Fatalf("expected initial 30s got %v", p.Initial)
	}
	if p.Max != 30*time.Minute {
		t.Fatalf("expected max 30m got %v", p.Max)
	}
	if p.MaxRetries != 5 {
		t.Fatalf("expected max retries 5 got %d", p.MaxRetries)
	}
}

// TestNewPolicyOverrides checks override precedence and clamping when initial > max.
func TestNewPolicyOverrides(t *testing.T) {
	p := NewPolicy(config.RetryBackoffFixed, 5*time.Second, 2*time.Second, 3)
	if p.Initial != 2*time.Second {
		t.Fatalf("expected clamped initial 2s got %v", p.Initial)
	}
	if p.Mode != config.RetryBackoffFixed {
		t.Fatalf("expected fixed mode got %s", p.Mode)
	}
	if p.MaxRetries != 3 {
		t.Fatalf("expected maxRetries 3 got %d", p.MaxRetries)
	}
	if z := NewPolicy(config.RetryBackoffFixed, time.Second, time.Minute, 0); z.MaxRetries != 5 {
		t.Fatalf("zero max retries should fall back to 5 got %d", z.MaxRetries)
	}
}

// TestDelayModes ensures fixed, linear, exponential behave and respect cap.
func TestDelayModes(t *testing.T) {
	fixed := NewPolicy(config.RetryBackoffFixed, 100*time.Millisecond, 500*time.Millisecond, 3)
	for i := 1; i <= 3; i++ {
		if d := fixed.Delay(i); d != 100*time.Millisecond {
			t.Fatalf("fixed attempt %d expected 100ms got %v", i, d)
		}
	}

	linear := NewPolicy(config.RetryBackoffLinear, 100*time.Millisecond, 250*time.Millisecond, 5)
	cases := []struct {
		attempt int
		want    time.Duration
	}{{1, 100 * time.Millisecond}, {2, 200 * time.Millisecond}, {3, 250 * time.Millisecond}, {4, 250 * time.Millisecond}}
	for _, c := range cases {
		if got := linear.Delay(c.attempt); got != c.want {
			t.Fatalf("linear attempt %d expected %v got %v", c.attempt, c.want, got)
		}
	}

	exp := NewPolicy(config.RetryBackoffExponential, 50*time.Millisecond, 160*time.Millisecond, 5)
	expCases := []struct {
		attempt int
		want    time.Duration
	}{{1, 50 * time.Millisecond}, {2, 100 * time.Millisecond}, {3, 160 * time.Millisecond}, {40, 160 * time.Millisecond}}
	for _, c := range expCases {
		if got := exp.Delay(c.attempt); got != c.want {
			t.Fatalf("exp attempt %d expected %v got %v", c.attempt, c.want, got)
		}
	}

	if d := exp.Delay(0); d != 0 {
		t.Fatalf("attempt 0 expected 0 got %v", d)
	}
}

func TestExhausted(t *testing.T) {
	p := NewPolicy(config.RetryBackoffFixed, time.Second, time.Second, 2)
	if p.Exhausted(2) {
		t.Fatal("two attempts with two retries allowed should not be exhausted")
	}
	if !p.Exhausted(3) {
		t.Fatal("three attempts should exhaust two retries")
	}
}

func TestFromEscalation(t *testing.T) {
	if _, ok := FromEscalation(config.EscalationConfig{}); ok {
		t.Fatal("empty backoff disables the policy")
	}
	p, ok := FromEscalation(config.EscalationConfig{
		Backoff:    config.RetryBackoffLinear,
		Initial:    "2s",
		Max:        "10s",
		MaxRetries: 4,
	})
	if !ok {
		t.Fatal("expected policy")
	}
	if p.Mode != config.RetryBackoffLinear || p.Initial != 2*time.Second || p.Max != 10*time.Second || p.MaxRetries != 4 {
		t.Fatalf("unexpected policy %+v", p)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

// TestValidate covers validation error paths.
func TestValidate(t *testing.T) {
	badInitial := Policy{Mode: config.RetryBackoffLinear, Initial: 0, Max: time.Second}
	if err := badInitial.Validate(); err == nil {
		t.Fatalf("expected error for zero initial")
	}
	badRetries := Policy{Mode: config.RetryBackoffLinear, Initial: time.Second, Max: 2 * time.Second, MaxRetries: -1}
	if err := badRetries.Validate(); err == nil {
		t.Fatalf("expected error for negative retries")
	}
}
