package registration

import (
	"fmt"
	"testing"
	"time"

	"github.com/listforge/listforge/core"
)

func testPolicy() *Policy {
	return &Policy{
		Schedule:    []time.Duration{time.Second, 5 * time.Second, 15 * time.Second},
		MaxAttempts: 4,
	}
}

func TestPolicyEligible(t *testing.T) {
	policy := testPolicy()
	transient := fmt.Errorf("call failed: %w", core.ErrServerError)

	registration := &PlatformRegistration{Attempts: 1}
	if !policy.Eligible(registration, transient) {
		t.Error("first transient failure should be eligible")
	}

	registration.Attempts = 4
	if policy.Eligible(registration, transient) {
		t.Error("attempt cap reached, must not retry")
	}

	registration.Attempts = 1
	permanent := fmt.Errorf("call failed: %w", core.ErrPayloadRejected)
	if policy.Eligible(registration, permanent) {
		t.Error("permanent errors are never eligible")
	}
}

func TestPolicyEligiblePerRegistrationCap(t *testing.T) {
	policy := testPolicy()
	transient := fmt.Errorf("call failed: %w", core.ErrTimeout)

	// A per-batch override on the registration wins over the policy default.
	registration := &PlatformRegistration{Attempts: 2, MaxAttempts: 2}
	if policy.Eligible(registration, transient) {
		t.Error("registration-level cap of 2 must stop the third attempt")
	}

	registration = &PlatformRegistration{Attempts: 5, MaxAttempts: 8}
	if !policy.Eligible(registration, transient) {
		t.Error("registration-level cap of 8 allows attempt 6")
	}
}

func TestPolicyBackoffSchedule(t *testing.T) {
	policy := testPolicy()

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 5 * time.Second},
		{3, 15 * time.Second},
		{4, 15 * time.Second}, // past the schedule reuses the last entry
		{9, 15 * time.Second},
		{0, time.Second},
	}
	for _, tt := range tests {
		if got := policy.Backoff(tt.attempts); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestPolicyBackoffEmptySchedule(t *testing.T) {
	policy := &Policy{MaxAttempts: 3}
	if got := policy.Backoff(2); got != 0 {
		t.Errorf("Backoff() = %v, want 0 with an empty schedule", got)
	}
}

func TestPolicyNextRetryAt(t *testing.T) {
	policy := testPolicy()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	registration := &PlatformRegistration{Attempts: 2}
	if got := policy.NextRetryAt(registration, now); !got.Equal(now.Add(5 * time.Second)) {
		t.Errorf("NextRetryAt() = %v, want now+5s", got)
	}
}

func TestNewPolicyFromConfig(t *testing.T) {
	cfg := core.DefaultConfig()
	policy := NewPolicy(cfg)
	if policy.MaxAttempts != cfg.MaxRetryAttempts {
		t.Errorf("MaxAttempts = %d, want %d", policy.MaxAttempts, cfg.MaxRetryAttempts)
	}
	if len(policy.Schedule) != len(cfg.RetryBackoff) {
		t.Errorf("Schedule = %v, want %v", policy.Schedule, cfg.RetryBackoff)
	}
}
