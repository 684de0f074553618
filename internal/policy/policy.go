// Package policy decides, caller-side, whether a price quote is worth
// paying. The checks run in a fixed order and short-circuit on the first
// failure; the order determines which rejection reason a boundary case
// reports, so it is part of the contract.
package policy

import (
	"errors"

	"github.com/bitagent/backend/internal/wallet"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var (
	ErrInsufficientFunds       = errors.New("policy: insufficient balance")
	ErrBudgetExceeded          = errors.New("policy: hourly budget exceeded")
	ErrPriorityCeilingExceeded = errors.New("policy: price over priority ceiling")
	ErrReserveExceeded         = errors.New("policy: would breach reserve floor")
)

// Config holds the tunable limits. Ceilings and floors are deployment
// configuration, not core logic.
type Config struct {
	HourlyBudgetSats int64
	ReserveFloorSats int64
	Ceilings         map[Priority]int64
}

// DefaultCeilings returns the stock per-priority price ceilings in sats.
func DefaultCeilings() map[Priority]int64 {
	return map[Priority]int64{
		PriorityLow:      10,
		PriorityNormal:   30,
		PriorityHigh:     70,
		PriorityCritical: 200,
	}
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Approved        bool   `json:"approved"`
	Reason          string `json:"reason"`
	EffectiveSats   int64  `json:"effective_sats"`
	BudgetRemaining int64  `json:"budget_remaining"`
	Err             error  `json:"-"`
}

// Evaluator applies the pay/decline policy against a wallet ledger.
type Evaluator struct {
	wallet *wallet.Ledger
	cfg    Config
}

func NewEvaluator(w *wallet.Ledger, cfg Config) *Evaluator {
	if cfg.Ceilings == nil {
		cfg.Ceilings = DefaultCeilings()
	}
	return &Evaluator{wallet: w, cfg: cfg}
}

// Evaluate runs the ordered checks for a quoted price. discountPercent is
// the caller's reputation discount; pass 0 when the quote is already
// discounted by the provider.
func (e *Evaluator) Evaluate(callerID string, quotedSats int64, priority Priority, discountPercent int) Decision {
	effective := applyDiscount(quotedSats, discountPercent)
	balance := e.wallet.Balance(callerID)

	// 1. Balance
	if !e.wallet.CanAfford(callerID, effective) {
		return Decision{
			Reason:          "insufficient balance",
			EffectiveSats:   effective,
			BudgetRemaining: balance,
			Err:             ErrInsufficientFunds,
		}
	}

	// 2. Hourly budget
	hourly := e.wallet.HourlySpend(callerID)
	if hourly+effective > e.cfg.HourlyBudgetSats {
		return Decision{
			Reason:          "hourly budget exceeded",
			EffectiveSats:   effective,
			BudgetRemaining: max64(0, e.cfg.HourlyBudgetSats-hourly),
			Err:             ErrBudgetExceeded,
		}
	}

	// 3. Priority ceiling
	ceiling, ok := e.cfg.Ceilings[priority]
	if !ok {
		ceiling = e.cfg.Ceilings[PriorityNormal]
	}
	if effective > ceiling {
		return Decision{
			Reason:          "price exceeds priority ceiling",
			EffectiveSats:   effective,
			BudgetRemaining: balance,
			Err:             ErrPriorityCeilingExceeded,
		}
	}

	// 4. Reserve floor. Critical tasks may dip into the reserve.
	if priority != PriorityCritical && balance-effective < e.cfg.ReserveFloorSats {
		return Decision{
			Reason:          "reserve floor protection",
			EffectiveSats:   effective,
			BudgetRemaining: balance,
			Err:             ErrReserveExceeded,
		}
	}

	return Decision{
		Approved:        true,
		Reason:          "approved",
		EffectiveSats:   effective,
		BudgetRemaining: balance - effective,
	}
}

// Authorize evaluates and, on approval, debits the wallet immediately so a
// racing task cannot spend the same sats. The caller refunds via
// wallet.RefundSpend if settlement later fails.
func (e *Evaluator) Authorize(callerID string, quotedSats int64, priority Priority, discountPercent int) Decision {
	d := e.Evaluate(callerID, quotedSats, priority, discountPercent)
	if !d.Approved {
		return d
	}

	// The debit rechecks the balance atomically; a concurrent winner turns
	// this approval into an insufficient-funds rejection.
	if err := e.wallet.Debit(callerID, d.EffectiveSats); err != nil {
		return Decision{
			Reason:          "insufficient balance",
			EffectiveSats:   d.EffectiveSats,
			BudgetRemaining: e.wallet.Balance(callerID),
			Err:             ErrInsufficientFunds,
		}
	}
	return d
}

func applyDiscount(amount int64, percent int) int64 {
	if percent <= 0 {
		return amount
	}
	if percent >= 100 {
		return 0
	}
	return amount * int64(100-percent) / 100
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
