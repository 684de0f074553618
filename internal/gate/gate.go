// Package gate is the HTTP-facing access control for metered resources: it
// turns an unpaid request into a 402 challenge and a paid retry into a
// served response, settling each invoice exactly once.
//
// Protocol: a request without credentials gets 402 with a signed macaroon
// and a rail invoice in the WWW-Authenticate header. The retry carries
// "Authorization: L402 <macaroon>:<preimage>". Any rejection answers 402
// again with a fresh challenge at a freshly quoted price, so a caller can
// always recover with a new invoice, and can never lock in a stale quote.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bitagent/backend/internal/invoice"
	"github.com/bitagent/backend/internal/pricing"
	"github.com/bitagent/backend/internal/reputation"
	"github.com/bitagent/backend/internal/token"
)

const (
	authScheme      = "L402 "
	callerHeader    = "X-Agent-Id"
	anonymousCaller = "unknown"
)

// Denial reasons sent back in the "denied" field of a refreshed challenge.
const (
	DenyMalformed      = "malformed_credentials"
	DenyTokenInvalid   = "token_invalid"
	DenyTokenExpired   = "token_expired"
	DenyProofInvalid   = "proof_invalid"
	DenyAlreadySettled = "already_settled"
	DenyInvoiceExpired = "invoice_expired"
	DenyUnknownInvoice = "unknown_invoice"
)

// Challenge is the JSON body of a 402 response.
type Challenge struct {
	Error       string `json:"error"`
	Denied      string `json:"denied,omitempty"`
	PriceSats   int64  `json:"price_sats"`
	Invoice     string `json:"invoice"`
	PaymentHash string `json:"payment_hash"`
	Memo        string `json:"memo"`
	ExpiresAt   int64  `json:"expires_at"`
}

// PaymentRecord is one granted access, kept for the audit endpoint.
type PaymentRecord struct {
	CallerID    string    `json:"caller_id"`
	Resource    string    `json:"resource"`
	AmountSats  int64     `json:"amount_sats"`
	PaymentHash string    `json:"payment_hash"`
	Timestamp   time.Time `json:"timestamp"`
}

// Gate wires the token codec, invoice ledger, reputation ledger and pricing
// collaborator into one middleware.
type Gate struct {
	codec      *token.Codec
	invoices   *invoice.Ledger
	reputation *reputation.Ledger
	quoter     pricing.Quoter
	metrics    *Metrics // nil disables metrics
	timeout    time.Duration

	mu      sync.Mutex
	history []PaymentRecord
}

func New(codec *token.Codec, invoices *invoice.Ledger, rep *reputation.Ledger, quoter pricing.Quoter, metrics *Metrics) *Gate {
	return &Gate{
		codec:      codec,
		invoices:   invoices,
		reputation: rep,
		quoter:     quoter,
		metrics:    metrics,
		timeout:    5 * time.Second,
	}
}

// Require wraps a resource handler with the payment check.
func (g *Gate) Require(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID := r.Header.Get(callerHeader)
		if callerID == "" {
			callerID = anonymousCaller
		}
		resource := r.URL.Path

		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, authScheme) {
			g.issueChallenge(w, r, callerID, resource, "")
			return
		}

		macaroon, preimage, ok := parseAuthHeader(auth)
		if !ok {
			g.deny(w, r, callerID, resource, DenyMalformed)
			return
		}

		start := time.Now()
		claims, err := g.codec.Verify(macaroon)
		if err != nil {
			reason := DenyTokenInvalid
			if errors.Is(err, token.ErrExpired) {
				reason = DenyTokenExpired
			}
			g.deny(w, r, callerID, resource, reason)
			return
		}
		// The token binds the price to one resource; presenting it
		// elsewhere is tampering, not a payment problem.
		if claims.Resource != resource {
			g.deny(w, r, callerID, resource, DenyTokenInvalid)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), g.timeout)
		err = g.invoices.SettleByHash(ctx, claims.PaymentHash, preimage)
		cancel()
		g.observeSettleDuration(time.Since(start))

		if err != nil {
			reason := settleDenyReason(err)
			g.countSettlement(reason)
			g.recordOutcome(r.Context(), callerID, claims.AmountSats, resource, false)
			g.deny(w, r, callerID, resource, reason)
			return
		}

		g.countSettlement("ok")
		g.addRevenue(claims.AmountSats)
		g.recordOutcome(r.Context(), callerID, claims.AmountSats, resource, true)
		g.appendHistory(PaymentRecord{
			CallerID:    callerID,
			Resource:    resource,
			AmountSats:  claims.AmountSats,
			PaymentHash: claims.PaymentHash,
			Timestamp:   time.Now(),
		})

		w.Header().Set("X-Payment-Verified", "true")
		w.Header().Set("X-Payment-Hash", claims.PaymentHash)
		next(w, r)
	}
}

// issueChallenge quotes a fresh price (reputation discount applied), opens
// an invoice and answers 402.
func (g *Gate) issueChallenge(w http.ResponseWriter, r *http.Request, callerID, resource, denied string) {
	ctx, cancel := context.WithTimeout(r.Context(), g.timeout)
	defer cancel()

	price, err := g.quoter.Price(ctx, resource, callerID)
	if err != nil {
		slog.Error("Price quote failed", "resource", resource, "error", err)
		httpError(w, http.StatusServiceUnavailable, "pricing unavailable")
		return
	}

	if score, err := g.reputation.Score(callerID); err == nil {
		if tier := reputation.DiscountTier(score); tier > 0 {
			price = price * int64(100-tier) / 100
			if price < 1 {
				price = 1
			}
		}
	}

	inv, err := g.invoices.Open(ctx, callerID, resource, price)
	if err != nil {
		if errors.Is(err, invoice.ErrCapacityExceeded) {
			httpError(w, http.StatusTooManyRequests, "too many pending invoices")
			return
		}
		slog.Error("Invoice open failed", "resource", resource, "error", err)
		httpError(w, http.StatusServiceUnavailable, "settlement rail unavailable")
		return
	}

	g.countChallenge(resource)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate",
		fmt.Sprintf(`L402 macaroon="%s" invoice="%s"`, inv.Macaroon, inv.PaymentRequest))
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(Challenge{
		Error:       "Payment Required",
		Denied:      denied,
		PriceSats:   inv.AmountSats,
		Invoice:     inv.PaymentRequest,
		PaymentHash: inv.PaymentHash,
		Memo:        "L402 access: " + resource,
		ExpiresAt:   inv.ExpiresAt.Unix(),
	})
}

// deny counts the denial and reissues a fresh challenge so the caller can
// retry with a new invoice.
func (g *Gate) deny(w http.ResponseWriter, r *http.Request, callerID, resource, reason string) {
	g.countDenial(reason)
	slog.Info("Access denied", "caller_id", callerID, "resource", resource, "reason", reason)
	g.issueChallenge(w, r, callerID, resource, reason)
}

// recordOutcome logs the settlement attempt in the reputation ledger.
func (g *Gate) recordOutcome(ctx context.Context, callerID string, amount int64, resource string, success bool) {
	if _, err := g.reputation.RecordPayment(ctx, callerID, amount, resource, success); err != nil {
		slog.Warn("Reputation record failed", "caller_id", callerID, "error", err)
	}
}

// History returns the most recent granted payments, newest last.
func (g *Gate) History(limit int) []PaymentRecord {
	g.mu.Lock()
	defer g.mu.Unlock()

	if limit <= 0 || limit > len(g.history) {
		limit = len(g.history)
	}
	out := make([]PaymentRecord, limit)
	copy(out, g.history[len(g.history)-limit:])
	return out
}

func (g *Gate) appendHistory(rec PaymentRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.history = append(g.history, rec)
	if len(g.history) > 5000 {
		g.history = g.history[len(g.history)-5000:]
	}
}

func settleDenyReason(err error) string {
	switch {
	case errors.Is(err, invoice.ErrAlreadySettled):
		return DenyAlreadySettled
	case errors.Is(err, invoice.ErrExpired):
		return DenyInvoiceExpired
	case errors.Is(err, invoice.ErrProofInvalid):
		return DenyProofInvalid
	default:
		return DenyUnknownInvoice
	}
}

// parseAuthHeader splits "L402 <macaroon>:<preimage>".
func parseAuthHeader(auth string) (macaroon, preimage string, ok bool) {
	rest := strings.TrimSpace(strings.TrimPrefix(auth, authScheme))
	macaroon, preimage, found := strings.Cut(rest, ":")
	if !found || macaroon == "" || preimage == "" {
		return "", "", false
	}
	return macaroon, preimage, true
}

func httpError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Metric helpers tolerate a nil Metrics so tests can run without touching
// the global prometheus registry.

func (g *Gate) countChallenge(resource string) {
	if g.metrics != nil {
		g.metrics.ChallengesIssued.WithLabelValues(resource).Inc()
	}
}

func (g *Gate) countSettlement(result string) {
	if g.metrics != nil {
		g.metrics.Settlements.WithLabelValues(result).Inc()
	}
}

func (g *Gate) countDenial(reason string) {
	if g.metrics != nil {
		g.metrics.Denials.WithLabelValues(reason).Inc()
	}
}

func (g *Gate) addRevenue(sats int64) {
	if g.metrics != nil {
		g.metrics.RevenueSats.Add(float64(sats))
	}
}

func (g *Gate) observeSettleDuration(d time.Duration) {
	if g.metrics != nil {
		g.metrics.SettleDuration.Observe(d.Seconds())
	}
}
