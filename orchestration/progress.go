package orchestration

import (
	"math"
	"sync"
	"time"

	"github.com/listforge/listforge/core"
)

// Estimate is the tracker's derived view of one execution: current rate, ETA
// and a confidence score in [0, 1].
type Estimate struct {
	ItemsPerMinute      float64   `json:"items_per_minute"`
	MinutesRemaining    float64   `json:"minutes_remaining"`
	EstimatedCompletion time.Time `json:"estimated_completion"`
	Confidence          float64   `json:"confidence"`
	SampleCount         int       `json:"sample_count"`
}

// BottleneckKind names a detected stage-health condition.
type BottleneckKind string

const (
	BottleneckSlowProcessing BottleneckKind = "slow_processing"
	BottleneckHighErrorRate  BottleneckKind = "high_error_rate"
	BottleneckStuck          BottleneckKind = "stuck"
)

// BottleneckSignal is one detected condition on a running step.
type BottleneckSignal struct {
	ExecutionID string
	StepName    string
	Kind        BottleneckKind
	Severity    string
	Detail      string
}

// rateSample is one computed processing rate tagged with its source stage.
type rateSample struct {
	itemsPerMinute float64
	stage          string
	at             time.Time
}

type trackedExecution struct {
	startedAt  time.Time
	totalItems int
	points     []ProgressPoint // ring, newest last
	rates      []rateSample    // ring, newest last
	estimate   *Estimate
	// signalled dedupes bottleneck emission per (step, kind) until the
	// condition clears.
	signalled map[string]bool
}

// Tracker turns streams of (completed items, timestamp) observations into
// processing rates, ETAs with confidence, and bottleneck signals. All state
// is in-process; external readers go through Summary, which snapshots under
// the lock.
type Tracker struct {
	mu         sync.Mutex
	cfg        *core.Config
	logger     core.Logger
	executions map[string]*trackedExecution
	now        func() time.Time
}

// NewTracker creates a progress tracker with the configured ring sizes.
func NewTracker(cfg *core.Config, logger core.Logger) *Tracker {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Tracker{
		cfg:        cfg,
		logger:     logger,
		executions: make(map[string]*trackedExecution),
		now:        time.Now,
	}
}

// StartTracking begins tracking an execution with the given item total.
func (t *Tracker) StartTracking(executionID string, totalItems int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.executions[executionID] = &trackedExecution{
		startedAt:  t.now(),
		totalItems: totalItems,
		signalled:  make(map[string]bool),
	}
}

// StopTracking drops all per-execution state.
func (t *Tracker) StopTracking(executionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.executions, executionID)
}

// Record ingests one progress observation: the cumulative completed-item
// count for the execution, attributed to the named stage. It recomputes the
// current rate from the last five points and refreshes the estimate.
func (t *Tracker) Record(executionID, stage string, completedItems int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tracked, ok := t.executions[executionID]
	if !ok {
		return
	}

	point := ProgressPoint{CompletedItems: completedItems, Timestamp: t.now()}
	tracked.points = append(tracked.points, point)
	if len(tracked.points) > t.cfg.ProgressHistoryPoints {
		tracked.points = tracked.points[len(tracked.points)-t.cfg.ProgressHistoryPoints:]
	}

	if rate, ok := t.currentRate(tracked); ok && rate > 0 {
		tracked.rates = append(tracked.rates, rateSample{
			itemsPerMinute: rate,
			stage:          stage,
			at:             point.Timestamp,
		})
		if len(tracked.rates) > t.cfg.ProgressRatePoints {
			tracked.rates = tracked.rates[len(tracked.rates)-t.cfg.ProgressRatePoints:]
		}
	}

	tracked.estimate = t.computeEstimate(tracked, completedItems)
}

// currentRate computes items/minute over the last five progress points.
// Negative deltas (counter resets) clamp to zero and are not emitted.
func (t *Tracker) currentRate(tracked *trackedExecution) (float64, bool) {
	const window = 5
	n := len(tracked.points)
	if n < 2 {
		return 0, false
	}
	start := n - window
	if start < 0 {
		start = 0
	}
	first, last := tracked.points[start], tracked.points[n-1]

	seconds := last.Timestamp.Sub(first.Timestamp).Seconds()
	if seconds <= 0 {
		return 0, false
	}
	rate := float64(last.CompletedItems-first.CompletedItems) / seconds * 60
	if rate < 0 {
		rate = 0
	}
	return rate, true
}

// computeEstimate derives the weighted rate, ETA and confidence.
func (t *Tracker) computeEstimate(tracked *trackedExecution, completedItems int) *Estimate {
	n := len(tracked.rates)
	if n == 0 {
		return tracked.estimate
	}

	// Linear weights, newest sample weighs most.
	var weightedSum, weightTotal float64
	for i, sample := range tracked.rates {
		weight := float64(i + 1)
		weightedSum += sample.itemsPerMinute * weight
		weightTotal += weight
	}
	weightedRate := weightedSum / weightTotal

	estimate := &Estimate{
		ItemsPerMinute: weightedRate,
		Confidence:     t.confidence(tracked.rates),
		SampleCount:    n,
	}

	remaining := tracked.totalItems - completedItems
	if remaining > 0 && weightedRate > 0 {
		estimate.MinutesRemaining = float64(remaining) / weightedRate
		estimate.EstimatedCompletion = t.now().Add(time.Duration(estimate.MinutesRemaining * float64(time.Minute)))
	}
	return estimate
}

// confidence is 1 minus the coefficient of variation of the rate samples,
// floored at zero, plus a data-density bonus of up to 0.2, bounded to [0, 1].
func (t *Tracker) confidence(rates []rateSample) float64 {
	n := len(rates)
	if n == 0 {
		return 0
	}

	var sum float64
	for _, sample := range rates {
		sum += sample.itemsPerMinute
	}
	mean := sum / float64(n)
	if mean <= 0 {
		return 0
	}

	var variance float64
	for _, sample := range rates {
		diff := sample.itemsPerMinute - mean
		variance += diff * diff
	}
	stddev := math.Sqrt(variance / float64(n))

	confidence := 1 - stddev/mean
	if confidence < 0 {
		confidence = 0
	}
	confidence += math.Min(0.2, float64(n)/50)
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

// Summary returns a copy of the current estimate, if the execution is
// tracked and has one.
func (t *Tracker) Summary(executionID string) (*Estimate, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tracked, ok := t.executions[executionID]
	if !ok || tracked.estimate == nil {
		return nil, false
	}
	copied := *tracked.estimate
	return &copied, true
}

// DetectBottlenecks evaluates the running steps of an execution against the
// slow-processing, high-error-rate and stuck conditions. Each (step, kind)
// pair fires once; it re-arms when the condition clears.
func (t *Tracker) DetectBottlenecks(executionID string, steps []*Step) []BottleneckSignal {
	t.mu.Lock()
	defer t.mu.Unlock()

	tracked, ok := t.executions[executionID]
	if !ok {
		return nil
	}

	now := t.now()
	var signals []BottleneckSignal
	for _, step := range steps {
		if step.Status != StepRunning || step.StartedAt == nil {
			continue
		}
		elapsed := now.Sub(*step.StartedAt)

		// At a nominal 10 items/min, a stage this old should have processed
		// proportionally many items; under half of that is slow.
		expected := elapsed.Seconds() / 60 * 10
		slow := elapsed > 5*time.Minute && float64(step.Items.Processed) < 0.5*expected
		signals = t.evaluate(tracked, signals, executionID, step, BottleneckSlowProcessing, "medium", slow,
			"step is processing at under half the expected rate")

		errorRate := step.Items.Processed > 10 &&
			float64(step.Items.Failed)/float64(step.Items.Processed) > 0.2
		signals = t.evaluate(tracked, signals, executionID, step, BottleneckHighErrorRate, "high", errorRate,
			"step error rate exceeds 20%")

		stuck := elapsed > 30*time.Minute && step.Items.Processed == 0
		signals = t.evaluate(tracked, signals, executionID, step, BottleneckStuck, "critical", stuck,
			"step has made no progress for 30 minutes")
	}
	return signals
}

func (t *Tracker) evaluate(tracked *trackedExecution, signals []BottleneckSignal, executionID string, step *Step, kind BottleneckKind, severity string, active bool, detail string) []BottleneckSignal {
	key := step.Name + ":" + string(kind)
	if !active {
		delete(tracked.signalled, key)
		return signals
	}
	if tracked.signalled[key] {
		return signals
	}
	tracked.signalled[key] = true
	return append(signals, BottleneckSignal{
		ExecutionID: executionID,
		StepName:    step.Name,
		Kind:        kind,
		Severity:    severity,
		Detail:      detail,
	})
}

// Sweep purges executions started more than maxAge ago, capping tracker
// memory for abandoned executions. Engine.Sweep forwards the host's schedule
// here.
func (t *Tracker) Sweep(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-maxAge)
	purged := 0
	for id, tracked := range t.executions {
		if tracked.startedAt.Before(cutoff) {
			delete(t.executions, id)
			purged++
		}
	}
	return purged
}
