// Package lightning wraps the external settlement rail. The rest of the
// system only sees the Node interface: create an invoice, pay an invoice,
// and the pure preimage check in VerifyProof.
package lightning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	ErrInvoiceNotFound = errors.New("lightning: invoice not found")
	ErrPaymentFailed   = errors.New("lightning: payment failed")
)

// Invoice is one payment request on the rail.
type Invoice struct {
	PaymentHash    string    `json:"payment_hash"`
	PaymentRequest string    `json:"payment_request"` // bolt11 string
	AmountSats     int64     `json:"amount_sats"`
	Memo           string    `json:"memo"`
	CreatedAt      time.Time `json:"created_at"`
	Settled        bool      `json:"settled"`
}

// Node is the settlement service. CreateInvoice is the provider-side call,
// PayInvoice the caller-side one; both respect ctx deadlines so a slow rail
// surfaces as a timeout, never a hang.
type Node interface {
	CreateInvoice(ctx context.Context, amountSats int64, memo string) (*Invoice, error)
	PayInvoice(ctx context.Context, paymentHash string) (preimage string, err error)
}

// VerifyProof reports whether a preimage settles the given payment hash.
// This is the whole trust anchor of the rail: sha256(preimage) == hash.
func VerifyProof(paymentHash, preimage string) bool {
	raw, err := hex.DecodeString(preimage)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]) == paymentHash
}
