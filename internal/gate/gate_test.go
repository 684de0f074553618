package gate

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitagent/backend/internal/invoice"
	"github.com/bitagent/backend/internal/lightning"
	"github.com/bitagent/backend/internal/pricing"
	"github.com/bitagent/backend/internal/reputation"
	"github.com/bitagent/backend/internal/token"
)

type fixture struct {
	gate     *Gate
	node     *lightning.MockNode
	invoices *invoice.Ledger
	rep      *reputation.Ledger
	server   *httptest.Server
}

func newFixture(t *testing.T, invoiceTTL time.Duration) *fixture {
	t.Helper()

	node := lightning.NewMockNode()
	codec := token.NewCodec("test-secret")
	invoices := invoice.NewLedger(node, codec, invoiceTTL, time.Hour, 16)
	rep := reputation.NewLedger()
	quoter := pricing.NewStaticQuoter(10, map[string]int64{"/api/stocks/BTC": 25})

	g := New(codec, invoices, rep, quoter, nil)

	mux := http.NewServeMux()
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"data": "sunny"})
	}
	mux.HandleFunc("/api/weather/tokyo", g.Require(handler))
	mux.HandleFunc("/api/stocks/BTC", g.Require(handler))

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &fixture{gate: g, node: node, invoices: invoices, rep: rep, server: server}
}

func (f *fixture) get(t *testing.T, path, callerID, authorization string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.server.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("X-Agent-Id", callerID)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func decodeChallenge(t *testing.T, body []byte) Challenge {
	t.Helper()
	var ch Challenge
	require.NoError(t, json.Unmarshal(body, &ch))
	return ch
}

// macaroonFrom pulls the macaroon out of the WWW-Authenticate header.
func macaroonFrom(t *testing.T, resp *http.Response) string {
	t.Helper()
	header := resp.Header.Get("WWW-Authenticate")
	const prefix = `L402 macaroon="`
	require.True(t, strings.HasPrefix(header, prefix), "header %q", header)
	rest := strings.TrimPrefix(header, prefix)
	end := strings.IndexByte(rest, '"')
	require.Greater(t, end, 0)
	return rest[:end]
}

func TestUnpaidRequestGetsChallenge(t *testing.T) {
	f := newFixture(t, time.Minute)

	resp, body := f.get(t, "/api/weather/tokyo", "agent-alpha", "")
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	ch := decodeChallenge(t, body)
	assert.Equal(t, "Payment Required", ch.Error)
	assert.Equal(t, int64(10), ch.PriceSats)
	assert.NotEmpty(t, ch.Invoice)
	assert.NotEmpty(t, ch.PaymentHash)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "L402 macaroon=")
}

func TestPaidRetryIsGranted(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	resp, body := f.get(t, "/api/weather/tokyo", "agent-alpha", "")
	ch := decodeChallenge(t, body)
	macaroon := macaroonFrom(t, resp)

	preimage, err := f.node.PayInvoice(ctx, ch.PaymentHash)
	require.NoError(t, err)

	resp, body = f.get(t, "/api/weather/tokyo", "agent-alpha", "L402 "+macaroon+":"+preimage)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("X-Payment-Verified"))
	assert.Contains(t, string(body), "sunny")

	// Success is on the reputation log.
	rec, err := f.rep.Get("agent-alpha")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.TotalPayments)
	assert.Equal(t, 1, rec.SuccessfulPayments)

	// And on the audit trail.
	history := f.gate.History(10)
	require.Len(t, history, 1)
	assert.Equal(t, "agent-alpha", history[0].CallerID)
	assert.Equal(t, int64(10), history[0].AmountSats)
}

func TestReplayedProofIsDenied(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	resp, body := f.get(t, "/api/weather/tokyo", "agent-alpha", "")
	ch := decodeChallenge(t, body)
	macaroon := macaroonFrom(t, resp)
	preimage, err := f.node.PayInvoice(ctx, ch.PaymentHash)
	require.NoError(t, err)

	auth := "L402 " + macaroon + ":" + preimage
	resp, _ = f.get(t, "/api/weather/tokyo", "agent-alpha", auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Same proof again: denied, and the answer is a fresh challenge with a
	// different invoice.
	resp, body = f.get(t, "/api/weather/tokyo", "agent-alpha", auth)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	fresh := decodeChallenge(t, body)
	assert.Equal(t, DenyAlreadySettled, fresh.Denied)
	assert.NotEqual(t, ch.PaymentHash, fresh.PaymentHash)

	// The replay shows up as a failed payment.
	rec, _ := f.rep.Get("agent-alpha")
	assert.Equal(t, 2, rec.TotalPayments)
	assert.Equal(t, 1, rec.SuccessfulPayments)
}

func TestTamperedMacaroonIsDenied(t *testing.T) {
	f := newFixture(t, time.Minute)

	resp, _ := f.get(t, "/api/weather/tokyo", "agent-alpha", "")
	macaroon := macaroonFrom(t, resp)

	// Corrupt one character of the macaroon.
	tampered := []byte(macaroon)
	tampered[len(tampered)/2] ^= 0x01

	denied, body := f.get(t, "/api/weather/tokyo", "agent-alpha", "L402 "+string(tampered)+":00ff")
	assert.Equal(t, http.StatusPaymentRequired, denied.StatusCode)
	assert.Equal(t, DenyTokenInvalid, decodeChallenge(t, body).Denied)
}

func TestMacaroonBoundToResource(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	// Pay for the weather resource, then present the token at the stocks one.
	resp, body := f.get(t, "/api/weather/tokyo", "agent-alpha", "")
	ch := decodeChallenge(t, body)
	macaroon := macaroonFrom(t, resp)
	preimage, err := f.node.PayInvoice(ctx, ch.PaymentHash)
	require.NoError(t, err)

	resp, body = f.get(t, "/api/stocks/BTC", "agent-alpha", "L402 "+macaroon+":"+preimage)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, DenyTokenInvalid, decodeChallenge(t, body).Denied)
}

func TestExpiredInvoiceIsDeniedAndRechallenged(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	ctx := context.Background()

	resp, body := f.get(t, "/api/weather/tokyo", "agent-alpha", "")
	ch := decodeChallenge(t, body)
	macaroon := macaroonFrom(t, resp)
	preimage, err := f.node.PayInvoice(ctx, ch.PaymentHash)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	resp, body = f.get(t, "/api/weather/tokyo", "agent-alpha", "L402 "+macaroon+":"+preimage)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, DenyInvoiceExpired, decodeChallenge(t, body).Denied)
}

func TestMalformedAuthorizationIsDenied(t *testing.T) {
	f := newFixture(t, time.Minute)

	resp, body := f.get(t, "/api/weather/tokyo", "agent-alpha", "L402 no-colon-here")
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, DenyMalformed, decodeChallenge(t, body).Denied)
}

// Two concurrent unpaid requests each get their own invoice; settling one
// leaves the other untouched.
func TestConcurrentChallengesStayIndependent(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	resp1, body1 := f.get(t, "/api/weather/tokyo", "agent-alpha", "")
	resp2, body2 := f.get(t, "/api/weather/tokyo", "agent-alpha", "")
	require.Equal(t, http.StatusPaymentRequired, resp1.StatusCode)
	require.Equal(t, http.StatusPaymentRequired, resp2.StatusCode)

	ch1 := decodeChallenge(t, body1)
	ch2 := decodeChallenge(t, body2)
	assert.NotEqual(t, ch1.PaymentHash, ch2.PaymentHash)

	mac1 := macaroonFrom(t, resp1)
	preimage, err := f.node.PayInvoice(ctx, ch1.PaymentHash)
	require.NoError(t, err)

	resp, _ := f.get(t, "/api/weather/tokyo", "agent-alpha", "L402 "+mac1+":"+preimage)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	second, err := f.invoices.ByHash(ch2.PaymentHash)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatePending, second.State)
}

// A caller with a strong payment record sees discounted quotes.
func TestReputationDiscountOnQuote(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := f.rep.RecordPayment(ctx, "agent-vip", 1000, "/api/stocks/BTC", true)
		require.NoError(t, err)
	}
	// Score 73 -> 20% off the 25-sat quote.
	_, body := f.get(t, "/api/stocks/BTC", "agent-vip", "")
	assert.Equal(t, int64(20), decodeChallenge(t, body).PriceSats)

	// An unknown caller pays list price.
	_, body = f.get(t, "/api/stocks/BTC", "agent-nobody", "")
	assert.Equal(t, int64(25), decodeChallenge(t, body).PriceSats)
}

func TestCapacityBackpressureReturns429(t *testing.T) {
	node := lightning.NewMockNode()
	codec := token.NewCodec("test-secret")
	invoices := invoice.NewLedger(node, codec, time.Minute, time.Hour, 2)
	g := New(codec, invoices, reputation.NewLedger(), pricing.NewStaticQuoter(10, nil), nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/weather/tokyo", g.Require(func(w http.ResponseWriter, r *http.Request) {}))
	server := httptest.NewServer(mux)
	defer server.Close()

	f := &fixture{server: server}
	for i := 0; i < 2; i++ {
		resp, _ := f.get(t, "/api/weather/tokyo", "agent-alpha", "")
		require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	}
	resp, _ := f.get(t, "/api/weather/tokyo", "agent-alpha", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
