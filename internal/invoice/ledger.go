// Package invoice tracks payment requests from challenge to terminal state.
//
// Every 402 challenge opens one Invoice bound to one rail invoice and one
// signed macaroon. The ledger owns the state machine: Pending is the only
// live state, and the transition out of it happens exactly once under the
// ledger lock, no matter how many settle attempts race.
package invoice

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bitagent/backend/internal/lightning"
	"github.com/bitagent/backend/internal/token"
)

type State string

const (
	StatePending  State = "PENDING"
	StateSettled  State = "SETTLED"
	StateExpired  State = "EXPIRED"
	StateRejected State = "REJECTED"
)

var (
	ErrNotFound         = errors.New("invoice: not found")
	ErrCapacityExceeded = errors.New("invoice: too many pending invoices for caller")
	ErrAlreadySettled   = errors.New("invoice: already settled")
	ErrExpired          = errors.New("invoice: expired")
	ErrProofInvalid     = errors.New("invoice: proof invalid")
)

// Invoice is one payment obligation. Terminal invoices are retained
// read-only for audit; only the ledger mutates them.
type Invoice struct {
	ID             string     `json:"id"`
	CallerID       string     `json:"caller_id"`
	Resource       string     `json:"resource"`
	AmountSats     int64      `json:"amount_sats"`
	PaymentHash    string     `json:"payment_hash"`
	PaymentRequest string     `json:"payment_request"`
	Macaroon       string     `json:"macaroon"`
	State          State      `json:"state"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	SettledAt      *time.Time `json:"settled_at,omitempty"`
}

// Store persists invoices so in-flight payments survive a restart.
type Store interface {
	Save(ctx context.Context, inv *Invoice) error
	LoadAll(ctx context.Context) ([]*Invoice, error)
}

// Ledger is the invoice state machine plus the bindings to the rail (for
// invoice creation) and the token codec (for the macaroon in each challenge).
type Ledger struct {
	mu       sync.Mutex
	invoices map[string]*Invoice
	byHash   map[string]string // payment hash -> invoice id
	pending  map[string]int    // caller id -> live pending count

	node       lightning.Node
	codec      *token.Codec
	store      Store // optional
	ttl        time.Duration
	tokenTTL   time.Duration
	maxPending int
}

func NewLedger(node lightning.Node, codec *token.Codec, ttl, tokenTTL time.Duration, maxPending int) *Ledger {
	return &Ledger{
		invoices:   make(map[string]*Invoice),
		byHash:     make(map[string]string),
		pending:    make(map[string]int),
		node:       node,
		codec:      codec,
		ttl:        ttl,
		tokenTTL:   tokenTTL,
		maxPending: maxPending,
	}
}

// SetStore attaches a persistence backend and restores prior state from it.
func (l *Ledger) SetStore(ctx context.Context, store Store) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.store = store
	invoices, err := store.LoadAll(ctx)
	if err != nil {
		return err
	}
	for _, inv := range invoices {
		cp := *inv
		l.invoices[cp.ID] = &cp
		l.byHash[cp.PaymentHash] = cp.ID
		if cp.State == StatePending {
			l.pending[cp.CallerID]++
		}
	}
	l.sweepLocked(time.Now())
	slog.Info("Invoice ledger restored", "count", len(invoices))
	return nil
}

// Open creates a Pending invoice with a fresh rail invoice and macaroon.
// Fails with ErrCapacityExceeded once a caller has maxPending live invoices;
// abandoned ones free their slot when they expire.
func (l *Ledger) Open(ctx context.Context, callerID, resource string, amountSats int64) (*Invoice, error) {
	l.mu.Lock()
	l.sweepLocked(time.Now())
	if l.maxPending > 0 && l.pending[callerID] >= l.maxPending {
		l.mu.Unlock()
		return nil, ErrCapacityExceeded
	}
	// Reserve the slot before the external rail call so concurrent Opens
	// cannot overshoot the cap.
	l.pending[callerID]++
	l.mu.Unlock()

	railInv, err := l.node.CreateInvoice(ctx, amountSats, "L402 access: "+resource)
	if err != nil {
		l.release(callerID)
		return nil, err
	}

	macaroon, _, err := l.codec.Issue(railInv.PaymentHash, resource, amountSats, l.tokenTTL)
	if err != nil {
		l.release(callerID)
		return nil, err
	}

	now := time.Now()
	inv := &Invoice{
		ID:             uuid.NewString(),
		CallerID:       callerID,
		Resource:       resource,
		AmountSats:     amountSats,
		PaymentHash:    railInv.PaymentHash,
		PaymentRequest: railInv.PaymentRequest,
		Macaroon:       macaroon,
		State:          StatePending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(l.ttl),
	}

	l.mu.Lock()
	l.invoices[inv.ID] = inv
	l.byHash[inv.PaymentHash] = inv.ID
	cp := *inv
	l.mu.Unlock()

	l.persist(ctx, &cp)
	return &cp, nil
}

// Settle attempts the exactly-once Pending -> Settled transition. The first
// valid proof wins; every later attempt reports the terminal state it found.
func (l *Ledger) Settle(ctx context.Context, id, proof string) error {
	return l.settle(ctx, func() (*Invoice, bool) {
		inv, ok := l.invoices[id]
		return inv, ok
	}, proof)
}

// SettleByHash settles via the payment hash carried in a macaroon.
func (l *Ledger) SettleByHash(ctx context.Context, paymentHash, proof string) error {
	return l.settle(ctx, func() (*Invoice, bool) {
		id, ok := l.byHash[paymentHash]
		if !ok {
			return nil, false
		}
		inv, ok := l.invoices[id]
		return inv, ok
	}, proof)
}

func (l *Ledger) settle(ctx context.Context, lookup func() (*Invoice, bool), proof string) error {
	now := time.Now()

	l.mu.Lock()
	inv, ok := lookup()
	if !ok {
		l.mu.Unlock()
		return ErrNotFound
	}

	switch inv.State {
	case StateSettled:
		l.mu.Unlock()
		return ErrAlreadySettled
	case StateExpired:
		l.mu.Unlock()
		return ErrExpired
	case StateRejected:
		l.mu.Unlock()
		return ErrProofInvalid
	}

	if now.After(inv.ExpiresAt) {
		l.transitionLocked(inv, StateExpired)
		cp := *inv
		l.mu.Unlock()
		l.persist(ctx, &cp)
		return ErrExpired
	}

	if !lightning.VerifyProof(inv.PaymentHash, proof) {
		l.transitionLocked(inv, StateRejected)
		cp := *inv
		l.mu.Unlock()
		l.persist(ctx, &cp)
		return ErrProofInvalid
	}

	l.transitionLocked(inv, StateSettled)
	inv.SettledAt = &now
	cp := *inv
	l.mu.Unlock()

	l.persist(ctx, &cp)
	return nil
}

// Get returns a copy of an invoice.
func (l *Ledger) Get(id string) (*Invoice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	inv, ok := l.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

// ByHash returns a copy of the invoice bound to a payment hash.
func (l *Ledger) ByHash(paymentHash string) (*Invoice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id, ok := l.byHash[paymentHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l.invoices[id]
	return &cp, nil
}

// PendingCount returns the number of live invoices for a caller.
func (l *Ledger) PendingCount(callerID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(time.Now())
	return l.pending[callerID]
}

// SweepExpired transitions Pending invoices past their expiry to Expired and
// returns how many it moved. Also runs lazily inside Open and Settle.
func (l *Ledger) SweepExpired() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(time.Now())
}

// StartSweeper runs SweepExpired on a ticker until ctx is cancelled.
func (l *Ledger) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := l.SweepExpired(); n > 0 {
					slog.Info("Swept expired invoices", "count", n)
				}
			}
		}
	}()
}

func (l *Ledger) sweepLocked(now time.Time) int {
	swept := 0
	for _, inv := range l.invoices {
		if inv.State == StatePending && now.After(inv.ExpiresAt) {
			l.transitionLocked(inv, StateExpired)
			swept++
		}
	}
	return swept
}

// transitionLocked moves an invoice out of Pending. Callers hold l.mu and
// have already checked that the invoice is Pending.
func (l *Ledger) transitionLocked(inv *Invoice, to State) {
	inv.State = to
	if l.pending[inv.CallerID] > 0 {
		l.pending[inv.CallerID]--
	}
}

func (l *Ledger) release(callerID string) {
	l.mu.Lock()
	if l.pending[callerID] > 0 {
		l.pending[callerID]--
	}
	l.mu.Unlock()
}

func (l *Ledger) persist(ctx context.Context, inv *Invoice) {
	if l.store == nil {
		return
	}
	if err := l.store.Save(ctx, inv); err != nil {
		slog.Warn("Invoice persist failed", "invoice_id", inv.ID, "error", err)
	}
}
