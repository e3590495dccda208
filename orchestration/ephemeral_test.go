package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/listforge/listforge/core"
)

func newTestCheckpointStore(t *testing.T) (*CheckpointStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCheckpointStore(core.NewRedisStoreWithClient(client), core.DefaultConfig(), nil), mr
}

func TestCheckpointStoreSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestCheckpointStore(t)

	snapshot := &ExecutionSnapshot{
		ExecutionID: "e1",
		StepIndex:   2,
		Template:    &Template{Name: "full_pipeline", Stages: pipelineStages()},
		Items:       []Item{{ID: "item-1", Name: "Widget", Description: "d", Price: 9.99, Stock: 3}},
		LastProgress: ProgressPoint{
			CompletedItems: 42,
			Timestamp:      time.Now().UTC(),
		},
		PauseRequested: true,
	}
	if err := store.SaveSnapshot(ctx, snapshot); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	got, err := store.LoadSnapshot(ctx, "e1")
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if got == nil {
		t.Fatal("LoadSnapshot() = nil, want snapshot")
	}
	if got.StepIndex != 2 || !got.PauseRequested || got.LastProgress.CompletedItems != 42 {
		t.Errorf("snapshot mismatch: %+v", got)
	}
	if got.Template == nil || got.Template.Name != "full_pipeline" {
		t.Errorf("template not carried: %+v", got.Template)
	}
	if len(got.Items) != 1 || got.Items[0].ID != "item-1" {
		t.Errorf("items not carried: %+v", got.Items)
	}
	if got.SavedAt.IsZero() {
		t.Error("SavedAt should be stamped")
	}
}

func TestCheckpointStoreSnapshotMissing(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestCheckpointStore(t)

	got, err := store.LoadSnapshot(ctx, "absent")
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if got != nil {
		t.Errorf("LoadSnapshot(absent) = %+v, want nil", got)
	}
}

func TestCheckpointStoreSnapshotTTL(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestCheckpointStore(t)

	snapshot := &ExecutionSnapshot{ExecutionID: "e1", StepIndex: 1}
	if err := store.SaveSnapshot(ctx, snapshot); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	mr.FastForward(8 * 24 * time.Hour)

	got, err := store.LoadSnapshot(ctx, "e1")
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if got != nil {
		t.Error("snapshot should expire after its TTL")
	}
}

func TestCheckpointStoreCheckpointTTLShorterThanSnapshot(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestCheckpointStore(t)

	if err := store.SaveCheckpoint(ctx, "e1", "registration", "cursor-17"); err != nil {
		t.Fatalf("SaveCheckpoint() error = %v", err)
	}
	if err := store.SaveSnapshot(ctx, &ExecutionSnapshot{ExecutionID: "e1"}); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	mr.FastForward(4 * 24 * time.Hour)

	token, err := store.LoadCheckpoint(ctx, "e1", "registration")
	if err != nil {
		t.Fatalf("LoadCheckpoint() error = %v", err)
	}
	if token != "" {
		t.Error("checkpoint should expire after 3 days")
	}
	snapshot, err := store.LoadSnapshot(ctx, "e1")
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if snapshot == nil {
		t.Error("snapshot should still be live at 4 days")
	}
}

func TestCheckpointStoreProgressPoint(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestCheckpointStore(t)

	point := ProgressPoint{CompletedItems: 7, Timestamp: time.Now().UTC().Truncate(time.Second)}
	if err := store.SaveProgress(ctx, "e1", point); err != nil {
		t.Fatalf("SaveProgress() error = %v", err)
	}
	got, err := store.LoadProgress(ctx, "e1")
	if err != nil {
		t.Fatalf("LoadProgress() error = %v", err)
	}
	if got == nil || got.CompletedItems != 7 {
		t.Errorf("LoadProgress() = %+v, want 7 completed", got)
	}
}

func TestCheckpointStoreErrorContext(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestCheckpointStore(t)

	errCtx := &ErrorContext{
		Type:    "*core.PipelineError",
		Message: "platform server error: status 500",
		Context: map[string]interface{}{"stage": "registration"},
	}
	if err := store.SaveErrorContext(ctx, "e1", "registration", errCtx); err != nil {
		t.Fatalf("SaveErrorContext() error = %v", err)
	}

	got, err := store.LoadErrorContext(ctx, "e1", "registration")
	if err != nil {
		t.Fatalf("LoadErrorContext() error = %v", err)
	}
	if got == nil || got.Message != errCtx.Message {
		t.Errorf("LoadErrorContext() = %+v", got)
	}
	if got.Timestamp == "" {
		t.Error("timestamp should be stamped in ISO 8601")
	}
	if _, err := time.Parse(time.RFC3339, got.Timestamp); err != nil {
		t.Errorf("timestamp %q is not RFC 3339: %v", got.Timestamp, err)
	}
}

func TestCheckpointStoreSweep(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestCheckpointStore(t)

	if err := store.SaveSnapshot(ctx, &ExecutionSnapshot{ExecutionID: "e1"}); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
	if err := store.SaveProgress(ctx, "e1", ProgressPoint{CompletedItems: 3}); err != nil {
		t.Fatalf("SaveProgress() error = %v", err)
	}
	if err := store.SaveCheckpoint(ctx, "e1", "registration", "cursor"); err != nil {
		t.Fatalf("SaveCheckpoint() error = %v", err)
	}
	if err := store.SaveSnapshot(ctx, &ExecutionSnapshot{ExecutionID: "e2"}); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	if err := store.MarkCleanup(ctx, "e1"); err != nil {
		t.Fatalf("MarkCleanup() error = %v", err)
	}
	purged, err := store.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if purged != 1 {
		t.Errorf("Sweep() = %d, want 1", purged)
	}

	if snapshot, _ := store.LoadSnapshot(ctx, "e1"); snapshot != nil {
		t.Error("e1 snapshot should be purged")
	}
	if token, _ := store.LoadCheckpoint(ctx, "e1", "registration"); token != "" {
		t.Error("e1 checkpoint should be purged")
	}
	if snapshot, _ := store.LoadSnapshot(ctx, "e2"); snapshot == nil {
		t.Error("e2 snapshot should survive")
	}
}
