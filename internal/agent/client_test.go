package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitagent/backend/internal/gate"
	"github.com/bitagent/backend/internal/invoice"
	"github.com/bitagent/backend/internal/lightning"
	"github.com/bitagent/backend/internal/policy"
	"github.com/bitagent/backend/internal/pricing"
	"github.com/bitagent/backend/internal/reputation"
	"github.com/bitagent/backend/internal/token"
	"github.com/bitagent/backend/internal/wallet"
)

type world struct {
	client *Client
	wallet *wallet.Ledger
	rep    *reputation.Ledger
	node   *lightning.MockNode
}

// newWorld stands up a full provider (gate over httptest) and a funded
// caller sharing the same mock rail.
func newWorld(t *testing.T, invoiceTTL time.Duration, priceSats, balance int64) *world {
	t.Helper()

	node := lightning.NewMockNode()
	codec := token.NewCodec("test-secret")
	invoices := invoice.NewLedger(node, codec, invoiceTTL, time.Hour, 16)
	rep := reputation.NewLedger()
	g := gate.New(codec, invoices, rep, pricing.NewStaticQuoter(priceSats, nil), nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/weather/tokyo", g.Require(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"condition": "sunny"})
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	w := wallet.NewLedger()
	require.NoError(t, w.Register("agent-alpha", balance))
	eval := policy.NewEvaluator(w, policy.Config{
		HourlyBudgetSats: 500,
		ReserveFloorSats: 0,
	})

	return &world{
		client: NewClient("agent-alpha", server.URL, w, eval, node),
		wallet: w,
		rep:    rep,
		node:   node,
	}
}

func TestFetchPaysAndRetries(t *testing.T) {
	w := newWorld(t, time.Minute, 10, 1000)

	res, err := w.client.Fetch(context.Background(), "/api/weather/tokyo", policy.PriorityNormal)
	require.NoError(t, err)
	assert.True(t, res.Paid)
	assert.Equal(t, int64(10), res.PriceSats)
	assert.Contains(t, string(res.Body), "sunny")

	// Wallet debited exactly once, no refund.
	assert.Equal(t, int64(990), w.wallet.Balance("agent-alpha"))
	assert.Equal(t, int64(10), w.wallet.HourlySpend("agent-alpha"))

	// Provider logged the success.
	rec, err := w.rep.Get("agent-alpha")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.SuccessfulPayments)
}

func TestFreeResourceNeedsNoPayment(t *testing.T) {
	w := newWorld(t, time.Minute, 10, 1000)

	res, err := w.client.Fetch(context.Background(), "/healthz", policy.PriorityNormal)
	require.NoError(t, err)
	assert.False(t, res.Paid)
	assert.Equal(t, int64(1000), w.wallet.Balance("agent-alpha"))
}

func TestDeclineLeavesWalletUntouched(t *testing.T) {
	// 60 sats at priority low (ceiling 10) is declined before any debit.
	w := newWorld(t, time.Minute, 60, 1000)

	res, err := w.client.Fetch(context.Background(), "/api/weather/tokyo", policy.PriorityLow)
	assert.ErrorIs(t, err, ErrDeclined)
	assert.False(t, res.Paid)
	assert.ErrorIs(t, res.Decision.Err, policy.ErrPriorityCeilingExceeded)
	assert.Equal(t, int64(1000), w.wallet.Balance("agent-alpha"))
}

func TestExpiredInvoiceRefundsDebit(t *testing.T) {
	w := newWorld(t, 30*time.Millisecond, 10, 1000)

	// Pay, then outwait the invoice TTL before retrying.
	w.client.httpClient.Transport = delayedTransport{delay: 60 * time.Millisecond}

	_, err := w.client.Fetch(context.Background(), "/api/weather/tokyo", policy.PriorityNormal)
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.Contains(t, err.Error(), gate.DenyInvoiceExpired)

	// The pessimistic debit came back.
	assert.Equal(t, int64(1000), w.wallet.Balance("agent-alpha"))
	assert.Zero(t, w.wallet.HourlySpend("agent-alpha"))
}

func TestSettlementFailureRefundsDebit(t *testing.T) {
	w := newWorld(t, time.Minute, 10, 1000)
	w.client.node = failingNode{}

	_, err := w.client.Fetch(context.Background(), "/api/weather/tokyo", policy.PriorityNormal)
	assert.ErrorIs(t, err, ErrSettlementFailed)
	assert.Equal(t, int64(1000), w.wallet.Balance("agent-alpha"))
}

// delayedTransport delays the authorized retry so the invoice expires
// between payment and presentation.
type delayedTransport struct {
	delay time.Duration
}

func (d delayedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Authorization") != "" {
		time.Sleep(d.delay)
	}
	return http.DefaultTransport.RoundTrip(req)
}

// failingNode simulates a rail that cannot settle.
type failingNode struct{}

func (failingNode) CreateInvoice(ctx context.Context, amountSats int64, memo string) (*lightning.Invoice, error) {
	return nil, lightning.ErrPaymentFailed
}

func (failingNode) PayInvoice(ctx context.Context, paymentHash string) (string, error) {
	return "", lightning.ErrPaymentFailed
}
