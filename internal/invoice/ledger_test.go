package invoice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitagent/backend/internal/lightning"
	"github.com/bitagent/backend/internal/token"
)

func newTestLedger(t *testing.T, ttl time.Duration, maxPending int) (*Ledger, *lightning.MockNode) {
	t.Helper()
	node := lightning.NewMockNode()
	codec := token.NewCodec("test-secret")
	return NewLedger(node, codec, ttl, time.Hour, maxPending), node
}

func openAndPay(t *testing.T, ledger *Ledger, node *lightning.MockNode, caller string) (*Invoice, string) {
	t.Helper()
	ctx := context.Background()
	inv, err := ledger.Open(ctx, caller, "/api/weather/tokyo", 10)
	require.NoError(t, err)
	preimage, err := node.PayInvoice(ctx, inv.PaymentHash)
	require.NoError(t, err)
	return inv, preimage
}

func TestOpenCreatesPendingInvoice(t *testing.T) {
	ledger, _ := newTestLedger(t, time.Minute, 10)

	inv, err := ledger.Open(context.Background(), "agent-alpha", "/api/weather/tokyo", 10)
	require.NoError(t, err)

	assert.Equal(t, StatePending, inv.State)
	assert.NotEmpty(t, inv.ID)
	assert.NotEmpty(t, inv.PaymentHash)
	assert.NotEmpty(t, inv.Macaroon)
	assert.Equal(t, 1, ledger.PendingCount("agent-alpha"))

	got, err := ledger.Get(inv.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.ID, got.ID)
}

func TestSettleHappyPath(t *testing.T) {
	ledger, node := newTestLedger(t, time.Minute, 10)
	inv, preimage := openAndPay(t, ledger, node, "agent-alpha")

	require.NoError(t, ledger.Settle(context.Background(), inv.ID, preimage))

	got, err := ledger.Get(inv.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSettled, got.State)
	require.NotNil(t, got.SettledAt)
	assert.Equal(t, 0, ledger.PendingCount("agent-alpha"))
}

func TestSettleExactlyOnceConcurrent(t *testing.T) {
	ledger, node := newTestLedger(t, time.Minute, 10)
	inv, preimage := openAndPay(t, ledger, node, "agent-alpha")

	const n = 50
	results := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- ledger.Settle(context.Background(), inv.ID, preimage)
		}()
	}
	wg.Wait()
	close(results)

	oks, dups := 0, 0
	for err := range results {
		switch {
		case err == nil:
			oks++
		case errors.Is(err, ErrAlreadySettled):
			dups++
		default:
			t.Fatalf("unexpected settle error: %v", err)
		}
	}
	assert.Equal(t, 1, oks)
	assert.Equal(t, n-1, dups)
}

func TestSettleRejectsBadProof(t *testing.T) {
	ledger, _ := newTestLedger(t, time.Minute, 10)
	inv, err := ledger.Open(context.Background(), "agent-alpha", "/api/news", 5)
	require.NoError(t, err)

	err = ledger.Settle(context.Background(), inv.ID, "deadbeef")
	assert.ErrorIs(t, err, ErrProofInvalid)

	got, _ := ledger.Get(inv.ID)
	assert.Equal(t, StateRejected, got.State)
	assert.Equal(t, 0, ledger.PendingCount("agent-alpha"))
}

func TestExpiredInvoiceNeverSettles(t *testing.T) {
	ledger, node := newTestLedger(t, 10*time.Millisecond, 10)
	inv, preimage := openAndPay(t, ledger, node, "agent-alpha")

	time.Sleep(20 * time.Millisecond)

	// A proof that would have been valid arrives after expiry.
	err := ledger.Settle(context.Background(), inv.ID, preimage)
	assert.ErrorIs(t, err, ErrExpired)

	// Still expired on retry; the valid proof cannot revive it.
	err = ledger.Settle(context.Background(), inv.ID, preimage)
	assert.ErrorIs(t, err, ErrExpired)

	got, _ := ledger.Get(inv.ID)
	assert.Equal(t, StateExpired, got.State)
}

func TestSweepExpired(t *testing.T) {
	ledger, _ := newTestLedger(t, 10*time.Millisecond, 10)
	ctx := context.Background()

	_, err := ledger.Open(ctx, "agent-alpha", "/api/weather", 10)
	require.NoError(t, err)
	_, err = ledger.Open(ctx, "agent-alpha", "/api/news", 10)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, ledger.SweepExpired())
	assert.Equal(t, 0, ledger.PendingCount("agent-alpha"))
	assert.Equal(t, 0, ledger.SweepExpired())
}

func TestCapacityBackpressure(t *testing.T) {
	ledger, _ := newTestLedger(t, time.Minute, 2)
	ctx := context.Background()

	_, err := ledger.Open(ctx, "agent-alpha", "/api/weather", 10)
	require.NoError(t, err)
	_, err = ledger.Open(ctx, "agent-alpha", "/api/weather", 10)
	require.NoError(t, err)

	_, err = ledger.Open(ctx, "agent-alpha", "/api/weather", 10)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	// A different caller is unaffected.
	_, err = ledger.Open(ctx, "agent-beta", "/api/weather", 10)
	assert.NoError(t, err)
}

// Two races for the same resource get distinct invoices; settling one leaves
// the other Pending.
func TestConcurrentChallengesAreIndependent(t *testing.T) {
	ledger, node := newTestLedger(t, time.Minute, 10)
	ctx := context.Background()

	first, err := ledger.Open(ctx, "agent-alpha", "/api/stocks/BTC", 15)
	require.NoError(t, err)
	second, err := ledger.Open(ctx, "agent-alpha", "/api/stocks/BTC", 15)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.PaymentHash, second.PaymentHash)

	preimage, err := node.PayInvoice(ctx, first.PaymentHash)
	require.NoError(t, err)
	require.NoError(t, ledger.Settle(ctx, first.ID, preimage))

	got, err := ledger.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)
}

func TestSettleByHash(t *testing.T) {
	ledger, node := newTestLedger(t, time.Minute, 10)
	inv, preimage := openAndPay(t, ledger, node, "agent-alpha")

	require.NoError(t, ledger.SettleByHash(context.Background(), inv.PaymentHash, preimage))
	assert.ErrorIs(t, ledger.SettleByHash(context.Background(), inv.PaymentHash, preimage), ErrAlreadySettled)

	assert.ErrorIs(t, ledger.SettleByHash(context.Background(), "unknown", preimage), ErrNotFound)
}

// In-memory Store used to test restore-on-restart without Redis.
type memStore struct {
	mu   sync.Mutex
	data map[string]*Invoice
}

func newMemStore() *memStore { return &memStore{data: make(map[string]*Invoice)} }

func (m *memStore) Save(ctx context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inv
	m.data[inv.ID] = &cp
	return nil
}

func (m *memStore) LoadAll(ctx context.Context) ([]*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Invoice, 0, len(m.data))
	for _, inv := range m.data {
		cp := *inv
		out = append(out, &cp)
	}
	return out, nil
}

func TestRestoreFromStore(t *testing.T) {
	store := newMemStore()
	node := lightning.NewMockNode()
	codec := token.NewCodec("test-secret")
	ctx := context.Background()

	first := NewLedger(node, codec, time.Minute, time.Hour, 10)
	require.NoError(t, first.SetStore(ctx, store))
	inv, err := first.Open(ctx, "agent-alpha", "/api/weather", 10)
	require.NoError(t, err)

	// Simulated restart: a fresh ledger over the same store.
	second := NewLedger(node, codec, time.Minute, time.Hour, 10)
	require.NoError(t, second.SetStore(ctx, store))

	restored, err := second.Get(inv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, restored.State)
	assert.Equal(t, 1, second.PendingCount("agent-alpha"))

	preimage, err := node.PayInvoice(ctx, inv.PaymentHash)
	require.NoError(t, err)
	require.NoError(t, second.Settle(ctx, inv.ID, preimage))
}
