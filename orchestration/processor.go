package orchestration

import (
	"context"
	"sync"
	"sync/atomic"
)

// StageRequest carries everything a stage processor needs: the item set, the
// merged config (template defaults, run config, then stage config), and the
// cooperative cancellation signal. Report must be called once per processed
// item; the engine uses it to drive counters, progress tracking and snapshot
// writes.
type StageRequest struct {
	Execution *Execution
	Step      *Step
	Items     []Item
	Config    map[string]interface{}

	// Cancelled reports whether a cancel intent is set for the execution.
	// Workers must check it between per-item units; they are not required to
	// abort a mid-flight platform call.
	Cancelled func() bool

	// Report records one item's outcome with optional per-stage artifacts.
	Report func(itemID string, artifacts map[string]interface{}, err error)
}

// StageResult is the aggregate a processor returns on success. Per-item
// failures inside a successful stage are reflected in the counters, not in
// the error return.
type StageResult struct {
	Processed int
	Succeeded int
	Failed    int
	Results   map[string]interface{}
}

// StageProcessor executes one stage over the execution's item set.
// A returned error fails the step and the execution.
type StageProcessor interface {
	Process(ctx context.Context, req *StageRequest) (*StageResult, error)
}

// ProcessorFunc adapts a function to the StageProcessor interface.
type ProcessorFunc func(ctx context.Context, req *StageRequest) (*StageResult, error)

func (f ProcessorFunc) Process(ctx context.Context, req *StageRequest) (*StageResult, error) {
	return f(ctx, req)
}

// IntConfig reads an integer option from a merged config map, accepting the
// numeric types JSON and YAML decoding produce.
func IntConfig(config map[string]interface{}, key string, fallback int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// RunItems fans fn out over the items through a bounded worker pool gated by
// a counting semaphore. Failures in one item never halt the others; workers
// check the cancel signal between per-item units, so items already dispatched
// run to completion after a cancel. Returns a result with aggregate counters.
func RunItems(ctx context.Context, req *StageRequest, maxConcurrency int, fn func(ctx context.Context, item Item) (map[string]interface{}, error)) *StageResult {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	var (
		wg        sync.WaitGroup
		semaphore = make(chan struct{}, maxConcurrency)
		processed int64
		succeeded int64
		failed    int64
	)

	for _, item := range req.Items {
		if ctx.Err() != nil {
			break
		}
		if req.Cancelled != nil && req.Cancelled() {
			break
		}

		semaphore <- struct{}{}
		wg.Add(1)
		go func(item Item) {
			defer func() {
				<-semaphore
				wg.Done()
			}()

			artifacts, err := fn(ctx, item)
			atomic.AddInt64(&processed, 1)
			if err != nil {
				atomic.AddInt64(&failed, 1)
			} else {
				atomic.AddInt64(&succeeded, 1)
			}
			if req.Report != nil {
				req.Report(item.ID, artifacts, err)
			}
		}(item)
	}

	wg.Wait()
	return &StageResult{
		Processed: int(atomic.LoadInt64(&processed)),
		Succeeded: int(atomic.LoadInt64(&succeeded)),
		Failed:    int(atomic.LoadInt64(&failed)),
	}
}
