// Package orchestration implements the workflow engine at the heart of the
// listforge pipeline: persistent, resumable, multi-stage executions that fan
// per-item work across stage processors, track progress in real time, and
// recover from partial failure.
package orchestration

import (
	"time"
)

// ExecutionStatus represents workflow execution status.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status is terminal.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// StepStatus represents an individual step's status.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// ItemFinalStatus is the materialised per-item outcome across all stages.
type ItemFinalStatus string

const (
	ItemPending            ItemFinalStatus = "pending"
	ItemRunning            ItemFinalStatus = "running"
	ItemCompleted          ItemFinalStatus = "completed"
	ItemFailed             ItemFinalStatus = "failed"
	ItemPartiallyCompleted ItemFinalStatus = "partially_completed"
)

// Item is the canonical product shape flowing through the pipeline.
// Stage processors read it; only the sourcing collaborator writes it.
type Item struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	Description         string            `json:"description"`
	Price               float64           `json:"price"`
	OriginalPrice       float64           `json:"original_price,omitempty"`
	Stock               int               `json:"stock"`
	Weight              float64           `json:"weight,omitempty"`
	CategoryID          string            `json:"category_id,omitempty"`
	Brand               string            `json:"brand,omitempty"`
	MainImageURL        string            `json:"main_image_url,omitempty"`
	AdditionalImageURLs []string          `json:"additional_image_urls,omitempty"`
	Attributes          map[string]string `json:"attributes,omitempty"`
	Keywords            []string          `json:"keywords,omitempty"`
	Tags                []string          `json:"tags,omitempty"`
}

// ItemCounters aggregates per-item outcomes at execution or step scope.
type ItemCounters struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Execution is one run of a workflow template.
type Execution struct {
	ID           string          `json:"id"`
	TemplateName string          `json:"template_name"`
	Status       ExecutionStatus `json:"status"`

	StartedAt          time.Time  `json:"started_at"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
	ExpectedCompletion *time.Time `json:"expected_completion,omitempty"`

	TotalSteps     int `json:"total_steps"`
	CompletedSteps int `json:"completed_steps"`
	FailedSteps    int `json:"failed_steps"`

	Items ItemCounters `json:"items"`

	ProcessingRate float64 `json:"processing_rate"` // items/min
	SuccessRate    float64 `json:"success_rate"`    // percent
	ErrorRate      float64 `json:"error_rate"`      // percent

	Config         map[string]interface{} `json:"config,omitempty"`
	ResultsSummary map[string]interface{} `json:"results_summary,omitempty"`
	ResourceUsage  map[string]interface{} `json:"resource_usage,omitempty"`
	ErrorLog       []string               `json:"error_log,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to external readers.
func (e *Execution) Clone() *Execution {
	copied := *e
	copied.Config = cloneMap(e.Config)
	copied.ResultsSummary = cloneMap(e.ResultsSummary)
	copied.ResourceUsage = cloneMap(e.ResourceUsage)
	copied.ErrorLog = append([]string(nil), e.ErrorLog...)
	return &copied
}

// Step is one stage of one execution.
type Step struct {
	ID          string     `json:"id"`
	ExecutionID string     `json:"execution_id"`
	Ordinal     int        `json:"ordinal"`
	Name        string     `json:"name"`
	Type        string     `json:"type"`
	Status      StepStatus `json:"status"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Items          ItemCounters           `json:"items"`
	Config         map[string]interface{} `json:"config,omitempty"`
	Results        map[string]interface{} `json:"results,omitempty"`
	ProcessingRate float64                `json:"processing_rate"`
	ErrorDetail    string                 `json:"error_detail,omitempty"`
}

// Clone returns a deep copy of the step.
func (s *Step) Clone() *Step {
	copied := *s
	copied.Config = cloneMap(s.Config)
	copied.Results = cloneMap(s.Results)
	return &copied
}

// StageOutcome records a single item's passage through one stage.
type StageOutcome struct {
	Status      StepStatus             `json:"status"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Artifacts   map[string]interface{} `json:"artifacts,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// ItemResult is the per-item materialised outcome of an execution.
// FinalStatus is completed only when every required stage completed; failed
// when a required stage failed terminally and nothing is pending.
type ItemResult struct {
	ID          string                   `json:"id"`
	ExecutionID string                   `json:"execution_id"`
	ItemID      string                   `json:"item_id"`
	Stages      map[string]*StageOutcome `json:"stages"`
	FinalStatus ItemFinalStatus          `json:"final_status"`

	TotalProcessingTime time.Duration `json:"total_processing_time"`
	LastError           string        `json:"last_error,omitempty"`
}

// ProgressPoint is one (completed items, timestamp) observation.
type ProgressPoint struct {
	CompletedItems int       `json:"completed_items"`
	Timestamp      time.Time `json:"timestamp"`
}

// ExecutionSnapshot is the ephemeral recovery artefact written on stage
// boundaries and progress ticks. Advisory, not a source of truth.
type ExecutionSnapshot struct {
	ExecutionID     string                 `json:"execution_id"`
	StepIndex       int                    `json:"step_index"`
	Template        *Template              `json:"template"`
	Items           []Item                 `json:"items,omitempty"`
	RunConfig       map[string]interface{} `json:"run_config,omitempty"`
	LastProgress    ProgressPoint          `json:"last_progress"`
	PauseRequested  bool                   `json:"pause_requested"`
	CancelRequested bool                   `json:"cancel_requested"`
	SavedAt         time.Time              `json:"saved_at"`
}

// ExecutionFilter narrows ListExecutions results.
type ExecutionFilter struct {
	TemplateName string
	Status       ExecutionStatus
	Limit        int
	Offset       int
}

func cloneMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// mergeConfig layers config maps left to right, later maps winning.
func mergeConfig(layers ...map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{})
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	return merged
}
