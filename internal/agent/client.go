// Package agent is the caller side of the protocol: an autonomous client
// that hits metered endpoints, evaluates 402 challenges against its wallet
// and policy, settles approved invoices on the rail, and retries.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bitagent/backend/internal/lightning"
	"github.com/bitagent/backend/internal/policy"
	"github.com/bitagent/backend/internal/wallet"
)

var (
	ErrDeclined         = errors.New("agent: payment declined by policy")
	ErrSettlementFailed = errors.New("agent: settlement failed")
	ErrAccessDenied     = errors.New("agent: access denied after payment")
)

// challenge mirrors the gate's 402 body.
type challenge struct {
	PriceSats   int64  `json:"price_sats"`
	Invoice     string `json:"invoice"`
	PaymentHash string `json:"payment_hash"`
	Denied      string `json:"denied"`
}

// Result is the outcome of one Fetch.
type Result struct {
	Resource  string          `json:"resource"`
	Paid      bool            `json:"paid"`
	PriceSats int64           `json:"price_sats"`
	Body      json.RawMessage `json:"body,omitempty"`
	Decision  policy.Decision `json:"decision"`
}

// Client fetches metered resources, paying for them when policy allows.
type Client struct {
	callerID      string
	baseURL       string
	httpClient    *http.Client
	wallet        *wallet.Ledger
	policy        *policy.Evaluator
	node          lightning.Node
	settleTimeout time.Duration
}

func NewClient(callerID, baseURL string, w *wallet.Ledger, p *policy.Evaluator, node lightning.Node) *Client {
	return &Client{
		callerID:      callerID,
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		wallet:        w,
		policy:        p,
		node:          node,
		settleTimeout: 5 * time.Second,
	}
}

// Fetch requests a resource, paying on a 402 if the decision policy
// approves. The wallet is debited before settlement; any failure after the
// debit refunds it, so the balance only reflects consummated payments.
func (c *Client) Fetch(ctx context.Context, resource string, priority policy.Priority) (*Result, error) {
	resp, body, err := c.get(ctx, resource, "")
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusPaymentRequired {
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("agent: unexpected status %d for %s", resp.StatusCode, resource)
		}
		return &Result{Resource: resource, Body: body}, nil
	}

	var ch challenge
	if err := json.Unmarshal(body, &ch); err != nil {
		return nil, fmt.Errorf("agent: undecodable challenge: %w", err)
	}
	macaroon, ok := macaroonFromHeader(resp.Header.Get("WWW-Authenticate"))
	if !ok {
		return nil, fmt.Errorf("agent: challenge missing macaroon header")
	}

	// The quote already carries the provider-side reputation discount, so
	// the policy sees it undiscounted.
	decision := c.policy.Authorize(c.callerID, ch.PriceSats, priority, 0)
	if !decision.Approved {
		slog.Info("Payment declined",
			"caller_id", c.callerID,
			"resource", resource,
			"price_sats", ch.PriceSats,
			"reason", decision.Reason)
		return &Result{Resource: resource, Decision: decision},
			fmt.Errorf("%w: %s", ErrDeclined, decision.Reason)
	}

	settleCtx, cancel := context.WithTimeout(ctx, c.settleTimeout)
	preimage, err := c.node.PayInvoice(settleCtx, ch.PaymentHash)
	cancel()
	if err != nil {
		c.refund(decision.EffectiveSats)
		return &Result{Resource: resource, Decision: decision},
			fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}

	resp, body, err = c.get(ctx, resource, "L402 "+macaroon+":"+preimage)
	if err != nil {
		c.refund(decision.EffectiveSats)
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		c.refund(decision.EffectiveSats)
		denied := ""
		var refreshed challenge
		if json.Unmarshal(body, &refreshed) == nil {
			denied = refreshed.Denied
		}
		return &Result{Resource: resource, Decision: decision},
			fmt.Errorf("%w: %s", ErrAccessDenied, denied)
	}

	slog.Info("Paid access granted",
		"caller_id", c.callerID,
		"resource", resource,
		"price_sats", decision.EffectiveSats)
	return &Result{
		Resource:  resource,
		Paid:      true,
		PriceSats: decision.EffectiveSats,
		Body:      body,
		Decision:  decision,
	}, nil
}

// CallerID returns the agent's identity.
func (c *Client) CallerID() string { return c.callerID }

func (c *Client) get(ctx context.Context, resource, authorization string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+resource, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("X-Agent-Id", c.callerID)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("agent: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

func (c *Client) refund(amountSats int64) {
	if err := c.wallet.RefundSpend(c.callerID, amountSats); err != nil {
		slog.Error("Refund failed", "caller_id", c.callerID, "amount_sats", amountSats, "error", err)
	}
}

func macaroonFromHeader(header string) (string, bool) {
	const prefix = `L402 macaroon="`
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(header, prefix)
	end := strings.IndexByte(rest, '"')
	if end <= 0 {
		return "", false
	}
	return rest[:end], true
}
