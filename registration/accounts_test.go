package registration

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/listforge/listforge/core"
)

func TestAccountPoolSelectLeastRecentlyUsed(t *testing.T) {
	pool := NewAccountPool(nil)
	pool.Add(&Account{ID: "a1", Platform: "platform_a", Status: AccountActive, LastUsedAt: time.Now()})
	pool.Add(&Account{ID: "a2", Platform: "platform_a", Status: AccountActive, LastUsedAt: time.Now().Add(-time.Hour)})

	account, err := pool.Select(context.Background(), "platform_a")
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if account.ID != "a2" {
		t.Errorf("Select() = %s, want the least-recently-used a2", account.ID)
	}

	// Selection stamps usage, so the next pick rotates to the other account.
	account, err = pool.Select(context.Background(), "platform_a")
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if account.ID != "a1" {
		t.Errorf("second Select() = %s, want a1", account.ID)
	}
}

func TestAccountPoolSelectSkipsUnhealthy(t *testing.T) {
	pool := NewAccountPool(nil)
	pool.Add(&Account{ID: "banned", Platform: "platform_a", Status: AccountBanned})
	pool.Add(&Account{ID: "suspended", Platform: "platform_a", Status: AccountSuspended})
	pool.Add(&Account{ID: "drained", Platform: "platform_a", Status: AccountActive, DailyLimit: 10, APICallsToday: 10})
	pool.Add(&Account{ID: "healthy", Platform: "platform_a", Status: AccountActive, DailyLimit: 10, APICallsToday: 3})

	account, err := pool.Select(context.Background(), "platform_a")
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if account.ID != "healthy" {
		t.Errorf("Select() = %s, want healthy", account.ID)
	}
}

func TestAccountPoolSelectNoneAvailable(t *testing.T) {
	pool := NewAccountPool(nil)
	pool.Add(&Account{ID: "banned", Platform: "platform_a", Status: AccountBanned})

	_, err := pool.Select(context.Background(), "platform_a")
	if !errors.Is(err, core.ErrNoActiveAccount) {
		t.Errorf("Select() = %v, want ErrNoActiveAccount", err)
	}
	_, err = pool.Select(context.Background(), "unknown_platform")
	if !errors.Is(err, core.ErrNoActiveAccount) {
		t.Errorf("Select(unknown) = %v, want ErrNoActiveAccount", err)
	}
}

func TestAccountPoolRecordCall(t *testing.T) {
	pool := NewAccountPool(nil)
	pool.Add(&Account{ID: "a1", Platform: "platform_a", Status: AccountActive})

	pool.RecordCall("a1", nil)
	pool.RecordCall("a1", fmt.Errorf("call failed: %w", core.ErrServerError))

	account, ok := pool.Get("a1")
	if !ok {
		t.Fatal("Get() should find the account")
	}
	if account.APICallsToday != 2 {
		t.Errorf("APICallsToday = %d, want 2", account.APICallsToday)
	}
	if account.Status != AccountActive {
		t.Errorf("transient errors must not change account health, got %s", account.Status)
	}

	// Unknown accounts are ignored.
	pool.RecordCall("ghost", nil)
}

func TestAccountPoolBanRemovesFromRotation(t *testing.T) {
	pool := NewAccountPool(nil)
	pool.Add(&Account{ID: "a1", Platform: "platform_a", Status: AccountActive})

	pool.RecordCall("a1", fmt.Errorf("status 403: %w", core.ErrAccountBanned))

	account, _ := pool.Get("a1")
	if account.Status != AccountBanned {
		t.Errorf("Status = %s, want banned", account.Status)
	}
	if _, err := pool.Select(context.Background(), "platform_a"); !errors.Is(err, core.ErrNoActiveAccount) {
		t.Errorf("banned account must leave rotation, Select() = %v", err)
	}
}

func TestAccountPoolAuthFailureSuspends(t *testing.T) {
	pool := NewAccountPool(nil)
	pool.Add(&Account{ID: "a1", Platform: "platform_a", Status: AccountActive})

	pool.RecordCall("a1", fmt.Errorf("status 401: %w", core.ErrAuthIrrecoverable))

	account, _ := pool.Get("a1")
	if account.Status != AccountSuspended {
		t.Errorf("Status = %s, want suspended", account.Status)
	}
}

func TestAccountPoolResetDailyCounters(t *testing.T) {
	pool := NewAccountPool(nil)
	pool.Add(&Account{ID: "a1", Platform: "platform_a", Status: AccountActive, DailyLimit: 5, APICallsToday: 5})

	if _, err := pool.Select(context.Background(), "platform_a"); !errors.Is(err, core.ErrNoActiveAccount) {
		t.Fatalf("drained account should be unavailable, Select() = %v", err)
	}

	pool.ResetDailyCounters()

	if _, err := pool.Select(context.Background(), "platform_a"); err != nil {
		t.Errorf("Select() after reset = %v, want nil", err)
	}
}

func TestAccountPoolSelectReturnsCopy(t *testing.T) {
	pool := NewAccountPool(nil)
	pool.Add(&Account{ID: "a1", Platform: "platform_a", Status: AccountActive})

	account, err := pool.Select(context.Background(), "platform_a")
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	account.Status = AccountBanned

	stored, _ := pool.Get("a1")
	if stored.Status != AccountActive {
		t.Error("mutating the returned account must not affect the pool")
	}
}
