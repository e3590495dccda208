package registration

import (
	"time"

	"github.com/listforge/listforge/core"
)

// Policy decides whether and when a failed platform registration may be
// re-attempted. Schedule is indexed by the attempt just completed: attempt 1
// waits Schedule[0], attempt 2 waits Schedule[1], and so on; attempts past
// the schedule reuse its last entry.
type Policy struct {
	Schedule    []time.Duration
	MaxAttempts int
}

// NewPolicy derives the retry policy from configuration.
func NewPolicy(cfg *core.Config) *Policy {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	return &Policy{
		Schedule:    append([]time.Duration(nil), cfg.RetryBackoff...),
		MaxAttempts: cfg.MaxRetryAttempts,
	}
}

// Eligible reports whether the registration may be retried after failing with
// err. Permanent errors are never eligible regardless of remaining attempts.
func (p *Policy) Eligible(r *PlatformRegistration, err error) bool {
	if err != nil && core.IsPermanent(err) {
		return false
	}
	max := p.MaxAttempts
	if r.MaxAttempts > 0 {
		max = r.MaxAttempts
	}
	return r.Attempts < max
}

// Backoff returns the delay after the given completed attempt count.
func (p *Policy) Backoff(attempts int) time.Duration {
	if len(p.Schedule) == 0 {
		return 0
	}
	index := attempts - 1
	if index < 0 {
		index = 0
	}
	if index >= len(p.Schedule) {
		index = len(p.Schedule) - 1
	}
	return p.Schedule[index]
}

// NextRetryAt computes the earliest time of the next attempt.
func (p *Policy) NextRetryAt(r *PlatformRegistration, now time.Time) time.Time {
	return now.Add(p.Backoff(r.Attempts))
}
