// Package wallet is the caller-side ledger of sats: balances, lifetime
// totals, and a trailing one-hour spend window for the budget check.
//
// All mutation goes through one mutex per ledger, so two concurrent
// affordability checks can never both debit past zero.
package wallet

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrNoAccount         = errors.New("wallet: no such account")
	ErrAlreadyRegistered = errors.New("wallet: account already registered")
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	ErrInvalidAmount     = errors.New("wallet: amount must be positive")
)

// Account is a read-only snapshot of one caller's wallet.
type Account struct {
	CallerID      string    `json:"caller_id"`
	BalanceSats   int64     `json:"balance_sats"`
	InitialSats   int64     `json:"initial_sats"`
	TotalSpent    int64     `json:"total_spent"`
	TotalReceived int64     `json:"total_received"`
	HourlySpend   int64     `json:"hourly_spend"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store persists wallet snapshots across restarts.
type Store interface {
	Save(ctx context.Context, acct *Account) error
	LoadAll(ctx context.Context) ([]*Account, error)
}

type spendEntry struct {
	amount int64
	at     time.Time
}

type account struct {
	callerID      string
	balance       int64
	initial       int64
	totalSpent    int64
	totalReceived int64
	createdAt     time.Time
	spends        []spendEntry // pruned to the trailing window on read
}

// Ledger owns every account. Debit and Credit are atomic; balance is
// never observable below zero.
type Ledger struct {
	mu       sync.Mutex
	accounts map[string]*account
	window   time.Duration
	store    Store // optional
	now      func() time.Time
}

func NewLedger() *Ledger {
	return &Ledger{
		accounts: make(map[string]*account),
		window:   time.Hour,
		now:      time.Now,
	}
}

// SetStore attaches a persistence backend and restores prior balances.
// The hourly window restarts empty; it only steers the budget check.
func (l *Ledger) SetStore(ctx context.Context, store Store) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.store = store
	accounts, err := store.LoadAll(ctx)
	if err != nil {
		return err
	}
	for _, a := range accounts {
		l.accounts[a.CallerID] = &account{
			callerID:      a.CallerID,
			balance:       a.BalanceSats,
			initial:       a.InitialSats,
			totalSpent:    a.TotalSpent,
			totalReceived: a.TotalReceived,
			createdAt:     a.CreatedAt,
		}
	}
	slog.Info("Wallet ledger restored", "accounts", len(accounts))
	return nil
}

// Register creates a funded account for a caller.
func (l *Ledger) Register(callerID string, initialSats int64) error {
	l.mu.Lock()
	if _, exists := l.accounts[callerID]; exists {
		l.mu.Unlock()
		return ErrAlreadyRegistered
	}
	a := &account{
		callerID:  callerID,
		balance:   initialSats,
		initial:   initialSats,
		createdAt: l.now(),
	}
	l.accounts[callerID] = a
	snap := l.snapshotLocked(a)
	l.mu.Unlock()

	l.persist(snap)
	return nil
}

// CanAfford reports whether the caller's balance covers an amount.
func (l *Ledger) CanAfford(callerID string, amountSats int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.accounts[callerID]
	return ok && a.balance >= amountSats
}

// Debit removes sats from a balance, recording the spend in the hourly
// window. Fails without mutation when the balance is short.
func (l *Ledger) Debit(callerID string, amountSats int64) error {
	if amountSats <= 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	a, ok := l.accounts[callerID]
	if !ok {
		l.mu.Unlock()
		return ErrNoAccount
	}
	if a.balance < amountSats {
		l.mu.Unlock()
		return ErrInsufficientFunds
	}

	a.balance -= amountSats
	a.totalSpent += amountSats
	a.spends = append(a.spends, spendEntry{amount: amountSats, at: l.now()})
	snap := l.snapshotLocked(a)
	l.mu.Unlock()

	l.persist(snap)
	return nil
}

// Credit adds sats to a balance (top-up, or refund of a failed settlement).
func (l *Ledger) Credit(callerID string, amountSats int64) error {
	if amountSats <= 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	a, ok := l.accounts[callerID]
	if !ok {
		l.mu.Unlock()
		return ErrNoAccount
	}
	a.balance += amountSats
	a.totalReceived += amountSats
	snap := l.snapshotLocked(a)
	l.mu.Unlock()

	l.persist(snap)
	return nil
}

// RefundSpend reverses a debit: the balance comes back and the hourly window
// forgets the spend, so a failed settlement does not eat budget.
func (l *Ledger) RefundSpend(callerID string, amountSats int64) error {
	if amountSats <= 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	a, ok := l.accounts[callerID]
	if !ok {
		l.mu.Unlock()
		return ErrNoAccount
	}
	a.balance += amountSats
	a.totalSpent -= amountSats
	// Drop the most recent matching window entry.
	for i := len(a.spends) - 1; i >= 0; i-- {
		if a.spends[i].amount == amountSats {
			a.spends = append(a.spends[:i], a.spends[i+1:]...)
			break
		}
	}
	snap := l.snapshotLocked(a)
	l.mu.Unlock()

	l.persist(snap)
	return nil
}

// HourlySpend returns sats spent in the trailing window, pruning old entries
// so the accumulator never grows without bound.
func (l *Ledger) HourlySpend(callerID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.accounts[callerID]
	if !ok {
		return 0
	}
	return l.hourlySpendLocked(a)
}

// Balance returns the current balance, or 0 for unknown callers.
func (l *Ledger) Balance(callerID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.accounts[callerID]
	if !ok {
		return 0
	}
	return a.balance
}

// Stats returns a snapshot of the account.
func (l *Ledger) Stats(callerID string) (*Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.accounts[callerID]
	if !ok {
		return nil, ErrNoAccount
	}
	return l.snapshotLocked(a), nil
}

func (l *Ledger) hourlySpendLocked(a *account) int64 {
	cutoff := l.now().Add(-l.window)
	keep := a.spends[:0]
	var total int64
	for _, s := range a.spends {
		if s.at.After(cutoff) {
			keep = append(keep, s)
			total += s.amount
		}
	}
	a.spends = keep
	return total
}

func (l *Ledger) snapshotLocked(a *account) *Account {
	return &Account{
		CallerID:      a.callerID,
		BalanceSats:   a.balance,
		InitialSats:   a.initial,
		TotalSpent:    a.totalSpent,
		TotalReceived: a.totalReceived,
		HourlySpend:   l.hourlySpendLocked(a),
		CreatedAt:     a.createdAt,
	}
}

func (l *Ledger) persist(snap *Account) {
	if l.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.store.Save(ctx, snap); err != nil {
		slog.Warn("Wallet persist failed", "caller_id", snap.CallerID, "error", err)
	}
}
