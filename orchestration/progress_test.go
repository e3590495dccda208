package orchestration

import (
	"testing"
	"time"

	"github.com/listforge/listforge/core"
)

// fakeClock drives the tracker's time source deterministically.
type fakeClock struct {
	current time.Time
}

func (c *fakeClock) now() time.Time                 { return c.current }
func (c *fakeClock) advance(d time.Duration)        { c.current = c.current.Add(d) }
func newFakeClock() *fakeClock                      { return &fakeClock{current: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)} }
func newTestTracker(clock *fakeClock) *Tracker {
	tracker := NewTracker(core.DefaultConfig(), nil)
	tracker.now = clock.now
	return tracker
}

func TestTrackerRateFromWindow(t *testing.T) {
	clock := newFakeClock()
	tracker := newTestTracker(clock)
	tracker.StartTracking("e1", 1000)

	// 10 items per second is 600 items/minute.
	completed := 0
	for i := 0; i < 10; i++ {
		clock.advance(time.Second)
		completed += 10
		tracker.Record("e1", "registration", completed)
	}

	estimate, ok := tracker.Summary("e1")
	if !ok {
		t.Fatal("expected an estimate")
	}
	if estimate.ItemsPerMinute < 590 || estimate.ItemsPerMinute > 610 {
		t.Errorf("ItemsPerMinute = %.1f, want ~600", estimate.ItemsPerMinute)
	}
}

func TestTrackerEstimateConvergence(t *testing.T) {
	clock := newFakeClock()
	tracker := newTestTracker(clock)
	tracker.StartTracking("e1", 1000)

	completed := 0
	for completed < 500 {
		clock.advance(time.Second)
		completed += 10
		tracker.Record("e1", "registration", completed)
	}

	estimate, ok := tracker.Summary("e1")
	if !ok {
		t.Fatal("expected an estimate")
	}
	// 500 items remain at ~600/min: ETA just under a minute out.
	if estimate.MinutesRemaining < 0.7 || estimate.MinutesRemaining > 1.0 {
		t.Errorf("MinutesRemaining = %.2f, want ~0.83", estimate.MinutesRemaining)
	}
	if estimate.Confidence < 0.7 {
		t.Errorf("Confidence = %.2f, want >= 0.7 on a steady rate", estimate.Confidence)
	}
	wantCompletion := clock.now().Add(time.Duration(estimate.MinutesRemaining * float64(time.Minute)))
	if !estimate.EstimatedCompletion.Equal(wantCompletion) {
		t.Errorf("EstimatedCompletion = %v, want %v", estimate.EstimatedCompletion, wantCompletion)
	}
}

func TestTrackerConfidenceBounds(t *testing.T) {
	clock := newFakeClock()
	tracker := newTestTracker(clock)
	tracker.StartTracking("e1", 10000)

	// Wildly varying rates must floor the base confidence at zero; the
	// density bonus alone keeps it within [0, 1].
	completions := []int{5, 500, 510, 1200, 1210, 2600, 2610, 4200}
	for _, completed := range completions {
		clock.advance(time.Second)
		tracker.Record("e1", "registration", completed)
	}

	estimate, ok := tracker.Summary("e1")
	if !ok {
		t.Fatal("expected an estimate")
	}
	if estimate.Confidence < 0 || estimate.Confidence > 1 {
		t.Errorf("Confidence = %.3f, want within [0, 1]", estimate.Confidence)
	}
}

func TestTrackerNegativeDeltaClamped(t *testing.T) {
	clock := newFakeClock()
	tracker := newTestTracker(clock)
	tracker.StartTracking("e1", 100)

	clock.advance(time.Second)
	tracker.Record("e1", "registration", 50)
	clock.advance(time.Second)
	tracker.Record("e1", "registration", 10) // counter reset

	if estimate, ok := tracker.Summary("e1"); ok {
		if estimate.ItemsPerMinute < 0 {
			t.Errorf("ItemsPerMinute = %.1f, want >= 0", estimate.ItemsPerMinute)
		}
	}
}

func TestTrackerUntrackedExecution(t *testing.T) {
	tracker := newTestTracker(newFakeClock())
	tracker.Record("ghost", "stage", 10)
	if _, ok := tracker.Summary("ghost"); ok {
		t.Error("untracked execution should have no estimate")
	}
}

func TestTrackerStopTracking(t *testing.T) {
	clock := newFakeClock()
	tracker := newTestTracker(clock)
	tracker.StartTracking("e1", 10)
	clock.advance(time.Second)
	tracker.Record("e1", "stage", 1)
	tracker.StopTracking("e1")
	if _, ok := tracker.Summary("e1"); ok {
		t.Error("stopped execution should have no estimate")
	}
}

func TestDetectBottleneckSlowProcessing(t *testing.T) {
	clock := newFakeClock()
	tracker := newTestTracker(clock)
	tracker.StartTracking("e1", 1000)

	started := clock.now()
	clock.advance(6 * time.Minute)
	step := &Step{
		Name:      "registration",
		Status:    StepRunning,
		StartedAt: &started,
		Items:     ItemCounters{Total: 1000, Processed: 10},
	}

	signals := tracker.DetectBottlenecks("e1", []*Step{step})
	if len(signals) != 1 {
		t.Fatalf("signals = %d, want 1", len(signals))
	}
	if signals[0].Kind != BottleneckSlowProcessing {
		t.Errorf("Kind = %s, want slow_processing", signals[0].Kind)
	}
	if signals[0].Severity != "medium" {
		t.Errorf("Severity = %s, want medium", signals[0].Severity)
	}

	// Same condition fires once until it clears.
	if again := tracker.DetectBottlenecks("e1", []*Step{step}); len(again) != 0 {
		t.Errorf("deduped signals = %d, want 0", len(again))
	}

	// Condition clears, then recurs: the signal re-arms.
	step.Items.Processed = 5000
	tracker.DetectBottlenecks("e1", []*Step{step})
	step.Items.Processed = 10
	if rearmed := tracker.DetectBottlenecks("e1", []*Step{step}); len(rearmed) != 1 {
		t.Errorf("re-armed signals = %d, want 1", len(rearmed))
	}
}

func TestDetectBottleneckHighErrorRate(t *testing.T) {
	clock := newFakeClock()
	tracker := newTestTracker(clock)
	tracker.StartTracking("e1", 100)

	started := clock.now()
	clock.advance(time.Minute)
	step := &Step{
		Name:      "registration",
		Status:    StepRunning,
		StartedAt: &started,
		Items:     ItemCounters{Total: 100, Processed: 20, Succeeded: 14, Failed: 6},
	}

	signals := tracker.DetectBottlenecks("e1", []*Step{step})
	if len(signals) != 1 {
		t.Fatalf("signals = %d, want 1", len(signals))
	}
	if signals[0].Kind != BottleneckHighErrorRate || signals[0].Severity != "high" {
		t.Errorf("got %s/%s, want high_error_rate/high", signals[0].Kind, signals[0].Severity)
	}
}

func TestDetectBottleneckErrorRateNeedsMinimumSample(t *testing.T) {
	clock := newFakeClock()
	tracker := newTestTracker(clock)
	tracker.StartTracking("e1", 100)

	started := clock.now()
	clock.advance(time.Minute)
	step := &Step{
		Name:      "registration",
		Status:    StepRunning,
		StartedAt: &started,
		Items:     ItemCounters{Total: 100, Processed: 5, Failed: 5},
	}
	if signals := tracker.DetectBottlenecks("e1", []*Step{step}); len(signals) != 0 {
		t.Errorf("signals = %d, want 0 below the 10-item floor", len(signals))
	}
}

func TestDetectBottleneckStuck(t *testing.T) {
	clock := newFakeClock()
	tracker := newTestTracker(clock)
	tracker.StartTracking("e1", 100)

	started := clock.now()
	clock.advance(31 * time.Minute)
	step := &Step{
		Name:      "registration",
		Status:    StepRunning,
		StartedAt: &started,
		Items:     ItemCounters{Total: 100},
	}

	signals := tracker.DetectBottlenecks("e1", []*Step{step})
	var stuck *BottleneckSignal
	for i := range signals {
		if signals[i].Kind == BottleneckStuck {
			stuck = &signals[i]
		}
	}
	if stuck == nil {
		t.Fatalf("expected a stuck signal, got %v", signals)
	}
	if stuck.Severity != "critical" {
		t.Errorf("Severity = %s, want critical", stuck.Severity)
	}
}

func TestDetectBottlenecksIgnoresFinishedSteps(t *testing.T) {
	clock := newFakeClock()
	tracker := newTestTracker(clock)
	tracker.StartTracking("e1", 100)

	started := clock.now()
	clock.advance(time.Hour)
	step := &Step{
		Name:      "registration",
		Status:    StepCompleted,
		StartedAt: &started,
		Items:     ItemCounters{Total: 100, Processed: 100},
	}
	if signals := tracker.DetectBottlenecks("e1", []*Step{step}); len(signals) != 0 {
		t.Errorf("signals = %d, want 0 for a completed step", len(signals))
	}
}

func TestTrackerSweep(t *testing.T) {
	clock := newFakeClock()
	tracker := newTestTracker(clock)

	tracker.StartTracking("old", 10)
	clock.advance(3 * time.Hour)
	tracker.StartTracking("fresh", 10)

	if purged := tracker.Sweep(time.Hour); purged != 1 {
		t.Errorf("Sweep() = %d, want 1", purged)
	}
	if _, ok := tracker.executions["old"]; ok {
		t.Error("old execution should be purged")
	}
	if _, ok := tracker.executions["fresh"]; !ok {
		t.Error("fresh execution should survive")
	}
}
