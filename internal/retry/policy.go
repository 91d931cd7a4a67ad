package retry

import (
	"fmt"
	"time"

	"git.home.luguber.info/inful/assetstore/internal/config"
)

// Policy encapsulates backoff settings for repeated attempts against the same key.
// It is immutable after construction.
type Policy struct {
	Mode       config.RetryBackoffMode // fixed|linear|exponential
	Initial    time.Duration           // base delay
	Max        time.Duration           // cap for growth
	MaxRetries int                     // maximum attempts after the first one
}

// DefaultPolicy returns the default escalation policy (exponential, 30s initial, 30m cap, 5 retries).
func DefaultPolicy() Policy {
	return Policy{Mode: config.RetryBackoffExponential, Initial: 30 * time.Second, Max: 30 * time.Minute, MaxRetries: 5}
}

// NewPolicy builds a policy from raw config fields; zero/invalid values fall back to defaults.
func NewPolicy(mode config.RetryBackoffMode, initial, maxDuration time.Duration, maxRetries int) Policy {
	p := DefaultPolicy()
	if maxRetries > 0 {
		p.MaxRetries = maxRetries
	}
	if initial > 0 {
		p.Initial = initial
	}
	if maxDuration > 0 {
		p.Max = maxDuration
	}
	switch mode {
	case config.RetryBackoffFixed, config.RetryBackoffLinear, config.RetryBackoffExponential:
		p.Mode = mode
	default:
		// unknown or empty -> keep default
	}
	if p.Initial > p.Max {
		p.Initial = p.Max
	}
	return p
}

// FromEscalation returns the policy configured for peer escalation, or false
// when escalation suppression is disabled.
func FromEscalation(cfg config.EscalationConfig) (Policy, bool) {
	if cfg.Backoff == "" {
		return Policy{}, false
	}
	initial, _ := time.ParseDuration(cfg.Initial)
	maxDelay, _ := time.ParseDuration(cfg.Max)
	return NewPolicy(cfg.Backoff, initial, maxDelay, cfg.MaxRetries), true
}

// Delay returns the backoff delay for the given attempt number (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	switch p.Mode {
	case config.RetryBackoffFixed:
		return p.Initial
	case config.RetryBackoffLinear:
		d := time.Duration(attempt) * p.Initial
		if d > p.Max {
			return p.Max
		}
		return d
	default: // exponential
		if attempt > 32 {
			return p.Max
		}
		d := p.Initial * (1 << (attempt - 1))
		if d > p.Max || d <= 0 {
			return p.Max
		}
		return d
	}
}

// Exhausted reports whether attempts has used up the first try plus every retry.
func (p Policy) Exhausted(attempts int) bool {
	return attempts > p.MaxRetries
}

// Validate ensures invariants; returns error if policy impossible to apply.
func (p Policy) Validate() error {
	if p.Initial <= 0 {
		return fmt.Errorf("initial must be >0")
	}
	if p.Max <= 0 {
		return fmt.Errorf("max must be >0")
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	return nil
}
