// Package alerts holds the structured alert records emitted by the
// orchestration and registration engines on threshold conditions. The core
// persists alerts; delivery to external channels is an external collaborator
// that reads unacknowledged alerts from the store.
package alerts

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/listforge/listforge/core"
)

// Kind classifies an alert.
type Kind string

const (
	KindError   Kind = "error"
	KindWarning Kind = "warning"
	KindInfo    Kind = "info"
	KindSuccess Kind = "success"
)

// Severity tags an alert for routing and paging decisions.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is an observable condition keyed to an execution. Immutable after
// creation except for the acknowledgement and resolution fields.
type Alert struct {
	ID          string                 `json:"id"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	Kind        Kind                   `json:"kind"`
	Severity    Severity               `json:"severity"`
	Title       string                 `json:"title"`
	Body        string                 `json:"body"`
	Component   string                 `json:"component,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ActionTaken    string     `json:"action_taken,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// Emitter accepts structured alert records. Implementations must be safe for
// concurrent use.
type Emitter interface {
	Emit(ctx context.Context, alert *Alert) (string, error)
}

// Store persists alerts and supports the acknowledgement lifecycle.
type Store interface {
	SaveAlert(ctx context.Context, alert *Alert) error
	GetAlert(ctx context.Context, id string) (*Alert, error)
	UpdateAlert(ctx context.Context, alert *Alert) error
	ListUnacknowledged(ctx context.Context, limit int) ([]*Alert, error)
	ListByExecution(ctx context.Context, executionID string) ([]*Alert, error)
}

// StoreEmitter persists every emitted alert through a Store.
type StoreEmitter struct {
	store  Store
	logger core.Logger
}

// NewStoreEmitter creates an Emitter backed by the given store.
func NewStoreEmitter(store Store, logger core.Logger) *StoreEmitter {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &StoreEmitter{store: store, logger: logger}
}

// Emit assigns an id and creation time, persists the alert, and returns its id.
func (e *StoreEmitter) Emit(ctx context.Context, alert *Alert) (string, error) {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}
	if err := e.store.SaveAlert(ctx, alert); err != nil {
		return "", core.NewPipelineError("alerts.Emit", "alert", err)
	}

	e.logger.Info("Alert emitted", map[string]interface{}{
		"operation":    "alert_emit",
		"alert_id":     alert.ID,
		"execution_id": alert.ExecutionID,
		"kind":         string(alert.Kind),
		"severity":     string(alert.Severity),
		"title":        alert.Title,
	})
	return alert.ID, nil
}

// Acknowledge marks an alert as seen by an actor.
func Acknowledge(ctx context.Context, store Store, id, actor string) error {
	alert, err := store.GetAlert(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now()
	alert.AcknowledgedBy = actor
	alert.AcknowledgedAt = &now
	return store.UpdateAlert(ctx, alert)
}

// Resolve records the action taken and closes out an alert.
func Resolve(ctx context.Context, store Store, id, actionTaken string) error {
	alert, err := store.GetAlert(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now()
	alert.ActionTaken = actionTaken
	alert.ResolvedAt = &now
	return store.UpdateAlert(ctx, alert)
}
