package gateway

import (
	"fmt"
	"sync"
	"time"
)

// Budget caps what one org may spend against one provider.
type Budget struct {
	MaxTokens int
	MaxWall   time.Duration
}

// ledgerKey identifies one budget account.
type ledgerKey struct {
	provider string
	org      string
}

// Ledger is the process-wide budget and spend accounting, keyed by
// (provider, org). Checks happen before generation so an exhausted budget
// never contacts a provider.
type Ledger struct {
	mu      sync.Mutex
	budgets map[ledgerKey]Budget
	tokens  map[ledgerKey]int
	wall    map[ledgerKey]time.Duration
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		budgets: map[ledgerKey]Budget{},
		tokens:  map[ledgerKey]int{},
		wall:    map[ledgerKey]time.Duration{},
	}
}

// SetBudget installs the cap for a (provider, org) account. A zero-valued
// field means unlimited.
func (l *Ledger) SetBudget(provider, org string, b Budget) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.budgets[ledgerKey{provider, org}] = b
}

// Check verifies that the estimated spend fits the remaining budget. It
// does not debit.
func (l *Ledger) Check(provider, org string, estimatedTokens int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ledgerKey{provider, org}
	b, ok := l.budgets[key]
	if !ok {
		return nil
	}
	if b.MaxTokens > 0 && l.tokens[key]+estimatedTokens > b.MaxTokens {
		return fmt.Errorf("token budget exhausted for %s/%s: spent %d of %d, need %d more",
			provider, org, l.tokens[key], b.MaxTokens, estimatedTokens)
	}
	if b.MaxWall > 0 && l.wall[key] >= b.MaxWall {
		return fmt.Errorf("wall-clock budget exhausted for %s/%s", provider, org)
	}
	return nil
}

// Debit records actual spend after a call completes.
func (l *Ledger) Debit(provider, org string, tokens int, wall time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ledgerKey{provider, org}
	l.tokens[key] += tokens
	l.wall[key] += wall
}

// Spent returns the tokens debited so far for an account.
func (l *Ledger) Spent(provider, org string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens[ledgerKey{provider, org}]
}
