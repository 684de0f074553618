package lightning

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// MockNode is an in-process settlement rail for dev and tests. It generates
// real preimage/hash pairs so proof verification behaves exactly like a
// regtest node, minus the network.
type MockNode struct {
	mu       sync.Mutex
	invoices map[string]*mockInvoice
}

type mockInvoice struct {
	invoice  Invoice
	preimage string
}

func NewMockNode() *MockNode {
	return &MockNode{invoices: make(map[string]*mockInvoice)}
}

func (n *MockNode) CreateInvoice(ctx context.Context, amountSats int64, memo string) (*Invoice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	preimage := make([]byte, 32)
	if _, err := rand.Read(preimage); err != nil {
		return nil, err
	}
	hash := sha256.Sum256(preimage)

	suffix := make([]byte, 20)
	rand.Read(suffix)

	inv := Invoice{
		PaymentHash: hex.EncodeToString(hash[:]),
		// Fake bolt11 shaped like a regtest invoice
		PaymentRequest: fmt.Sprintf("lnbcrt%d0n1pbitagt%s", amountSats, hex.EncodeToString(suffix)),
		AmountSats:     amountSats,
		Memo:           memo,
		CreatedAt:      time.Now(),
	}

	n.mu.Lock()
	n.invoices[inv.PaymentHash] = &mockInvoice{invoice: inv, preimage: hex.EncodeToString(preimage)}
	n.mu.Unlock()

	out := inv
	return &out, nil
}

// PayInvoice simulates a caller settling an invoice and returns the preimage.
func (n *MockNode) PayInvoice(ctx context.Context, paymentHash string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	mi, ok := n.invoices[paymentHash]
	if !ok {
		return "", ErrInvoiceNotFound
	}
	mi.invoice.Settled = true
	return mi.preimage, nil
}

// Lookup returns the current state of an invoice on the rail.
func (n *MockNode) Lookup(paymentHash string) (*Invoice, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	mi, ok := n.invoices[paymentHash]
	if !ok {
		return nil, false
	}
	out := mi.invoice
	return &out, true
}
