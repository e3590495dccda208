// Package registration lists products onto external selling platforms. It
// owns batches of registration jobs, the per-platform payload transforms, the
// retry policy for transient platform failures, and the account pool that
// spreads API traffic across seller accounts.
package registration

import (
	"fmt"
	"time"
)

// BatchStatus is the lifecycle of a registration batch.
type BatchStatus string

const (
	BatchPending            BatchStatus = "pending"
	BatchProcessing         BatchStatus = "processing"
	BatchCompleted          BatchStatus = "completed"
	BatchPartiallyCompleted BatchStatus = "partially_completed"
	BatchFailed             BatchStatus = "failed"
	BatchCancelled          BatchStatus = "cancelled"
)

// IsTerminal reports whether the batch can no longer change.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchCompleted || s == BatchPartiallyCompleted ||
		s == BatchFailed || s == BatchCancelled
}

// RegistrationStatus is the lifecycle of one (item, platform) registration.
type RegistrationStatus string

const (
	RegistrationPending    RegistrationStatus = "pending"
	RegistrationProcessing RegistrationStatus = "processing"
	RegistrationCompleted  RegistrationStatus = "completed" // implies PlatformProductID is set
	RegistrationFailed     RegistrationStatus = "failed"
	RegistrationCancelled  RegistrationStatus = "cancelled"
)

// Batch groups registrations of a set of items onto a set of platforms,
// created by one user action or one workflow stage.
type Batch struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Name     string `json:"name"`
	Priority int    `json:"priority"`

	Platforms []string `json:"platforms"`
	ItemIDs   []string `json:"item_ids"`

	Status     BatchStatus `json:"status"`
	TotalCount int         `json:"total_count"` // item x platform pairs
	Processed  int         `json:"processed"`
	Succeeded  int         `json:"succeeded"`
	Failed     int         `json:"failed"`
	Progress   float64     `json:"progress"` // percent

	Settings    map[string]interface{} `json:"settings,omitempty"`
	ScheduledAt *time.Time             `json:"scheduled_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a copy safe to hand to external readers.
func (b *Batch) Clone() *Batch {
	copied := *b
	copied.Platforms = append([]string(nil), b.Platforms...)
	copied.ItemIDs = append([]string(nil), b.ItemIDs...)
	if b.Settings != nil {
		copied.Settings = make(map[string]interface{}, len(b.Settings))
		for k, v := range b.Settings {
			copied.Settings[k] = v
		}
	}
	return &copied
}

// PlatformRegistration is one attempt series of one item on one platform.
type PlatformRegistration struct {
	ID       string `json:"id"`
	BatchID  string `json:"batch_id"`
	ItemID   string `json:"item_id"`
	Platform string `json:"platform"`

	Status      RegistrationStatus `json:"status"`
	AccountID   string             `json:"account_id,omitempty"`
	Attempts    int                `json:"attempts"`
	MaxAttempts int                `json:"max_attempts"`

	// IdempotencyKey changes per attempt so a platform-side duplicate check
	// never suppresses a deliberate retry.
	IdempotencyKey    string `json:"idempotency_key,omitempty"`
	PlatformProductID string `json:"platform_product_id,omitempty"`
	APICallCount      int    `json:"api_call_count"`

	LastError   string     `json:"last_error,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a copy of the registration.
func (r *PlatformRegistration) Clone() *PlatformRegistration {
	copied := *r
	return &copied
}

// IdempotencyKey derives the attempt-scoped dedup key.
func IdempotencyKey(itemID, platform string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", itemID, platform, attempt)
}

// AccountStatus is a seller account's health state.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
	AccountBanned    AccountStatus = "banned"
)

// Account is one seller account on one platform.
type Account struct {
	ID       string        `json:"id"`
	Platform string        `json:"platform"`
	Label    string        `json:"label"`
	Status   AccountStatus `json:"status"`

	DailyLimit int `json:"daily_limit"` // 0 = unlimited

	APICallsToday int       `json:"api_calls_today"`
	LastUsedAt    time.Time `json:"last_used_at"`
}

// ItemRollup summarises one item's outcome across the batch's platforms.
type ItemRollup struct {
	ItemID      string             `json:"item_id"`
	FinalStatus string             `json:"final_status"`
	Platforms   map[string]*PlatformRegistration `json:"platforms"`
}

// BatchSummary is the operator-facing roll-up of a batch.
type BatchSummary struct {
	Batch         *Batch                  `json:"batch"`
	Registrations []*PlatformRegistration `json:"registrations"`
	Items         []*ItemRollup           `json:"items"`
}
