package registration

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/listforge/listforge/core"
)

// AccountPool selects seller accounts for platform calls and tracks their
// API usage. Selection prefers the least-recently-used active account that
// still has daily quota, spreading load and favouring healthy accounts.
type AccountPool struct {
	mu       sync.Mutex
	accounts map[string][]*Account // platform -> accounts
	logger   core.Logger
}

// NewAccountPool creates an empty pool.
func NewAccountPool(logger core.Logger) *AccountPool {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &AccountPool{
		accounts: make(map[string][]*Account),
		logger:   logger,
	}
}

// Add registers an account with the pool.
func (p *AccountPool) Add(account *Account) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts[account.Platform] = append(p.accounts[account.Platform], account)
}

// Select returns the best active account for a platform, marking it used.
// Returns NoActiveAccount when every account is suspended, banned or over
// its daily limit.
func (p *AccountPool) Select(ctx context.Context, platform string) (*Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *Account
	for _, account := range p.accounts[platform] {
		if account.Status != AccountActive {
			continue
		}
		if account.DailyLimit > 0 && account.APICallsToday >= account.DailyLimit {
			continue
		}
		if best == nil || account.LastUsedAt.Before(best.LastUsedAt) {
			best = account
		}
	}
	if best == nil {
		return nil, &core.PipelineError{
			Op:   "accounts.Select",
			Kind: "platform",
			ID:   platform,
			Err:  core.ErrNoActiveAccount,
		}
	}

	best.LastUsedAt = time.Now()
	copied := *best
	return &copied, nil
}

// RecordCall bumps an account's usage counters after a dispatched call,
// success or failure. Errors classified as account-level health problems
// flip the account out of rotation.
func (p *AccountPool) RecordCall(accountID string, callErr error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	account := p.findLocked(accountID)
	if account == nil {
		return
	}
	account.APICallsToday++

	if callErr == nil {
		return
	}
	switch {
	case isBanned(callErr):
		account.Status = AccountBanned
		p.logger.Warn("Account banned by platform, removed from rotation", map[string]interface{}{
			"operation":  "account_health",
			"account_id": account.ID,
			"platform":   account.Platform,
		})
	case isAuthDead(callErr):
		account.Status = AccountSuspended
		p.logger.Warn("Account authentication irrecoverable, suspended", map[string]interface{}{
			"operation":  "account_health",
			"account_id": account.ID,
			"platform":   account.Platform,
		})
	}
}

// ResetDailyCounters zeroes API usage, called by the daily scheduler.
func (p *AccountPool) ResetDailyCounters() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, accounts := range p.accounts {
		for _, account := range accounts {
			account.APICallsToday = 0
		}
	}
}

// Get returns a copy of the account.
func (p *AccountPool) Get(accountID string) (*Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	account := p.findLocked(accountID)
	if account == nil {
		return nil, false
	}
	copied := *account
	return &copied, true
}

func (p *AccountPool) findLocked(accountID string) *Account {
	for _, accounts := range p.accounts {
		for _, account := range accounts {
			if account.ID == accountID {
				return account
			}
		}
	}
	return nil
}

func isBanned(err error) bool {
	return errors.Is(err, core.ErrAccountBanned)
}

func isAuthDead(err error) bool {
	return errors.Is(err, core.ErrAuthIrrecoverable)
}
