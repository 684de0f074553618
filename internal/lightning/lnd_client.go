package lightning

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// LNDClient talks to an LND node over its REST API. Used when
// lightning.use_mock is off; the interface is identical to MockNode so the
// gate and agent never know which rail they are on.
type LNDClient struct {
	host       string
	macaroon   string // hex-encoded admin macaroon
	httpClient *http.Client
}

func NewLNDClient(host, macaroonPath string) (*LNDClient, error) {
	mac := ""
	if macaroonPath != "" {
		raw, err := os.ReadFile(macaroonPath)
		if err != nil {
			return nil, fmt.Errorf("read lnd macaroon: %w", err)
		}
		mac = hex.EncodeToString(raw)
	}

	return &LNDClient{
		host:     host,
		macaroon: mac,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				// LND serves a self-signed cert on regtest
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}, nil
}

func (c *LNDClient) CreateInvoice(ctx context.Context, amountSats int64, memo string) (*Invoice, error) {
	body := map[string]string{"value": fmt.Sprintf("%d", amountSats), "memo": memo}

	var resp struct {
		RHash          string `json:"r_hash"`
		PaymentRequest string `json:"payment_request"`
	}
	if err := c.post(ctx, "/v1/invoices", body, &resp); err != nil {
		return nil, fmt.Errorf("lnd create invoice: %w", err)
	}

	hash, err := decodeRHash(resp.RHash)
	if err != nil {
		return nil, fmt.Errorf("lnd create invoice: %w", err)
	}

	return &Invoice{
		PaymentHash:    hash,
		PaymentRequest: resp.PaymentRequest,
		AmountSats:     amountSats,
		Memo:           memo,
		CreatedAt:      time.Now(),
	}, nil
}

func (c *LNDClient) PayInvoice(ctx context.Context, paymentHash string) (string, error) {
	// Paying by hash alone is not something LND exposes; callers on a real
	// rail hold the bolt11 string and pay through their own node.
	return "", fmt.Errorf("%w: LND rail callers pay through their own node", ErrPaymentFailed)
}

// PayRequest settles a bolt11 invoice through this node and returns the
// preimage, for callers that run their own LND.
func (c *LNDClient) PayRequest(ctx context.Context, paymentRequest string) (string, error) {
	body := map[string]string{"payment_request": paymentRequest}

	var resp struct {
		PaymentError    string `json:"payment_error"`
		PaymentPreimage string `json:"payment_preimage"`
	}
	if err := c.post(ctx, "/v1/channels/transactions", body, &resp); err != nil {
		return "", fmt.Errorf("lnd pay: %w", err)
	}
	if resp.PaymentError != "" {
		return "", fmt.Errorf("%w: %s", ErrPaymentFailed, resp.PaymentError)
	}

	preimage, err := decodeRHash(resp.PaymentPreimage)
	if err != nil {
		return "", fmt.Errorf("lnd pay: %w", err)
	}
	return preimage, nil
}

func (c *LNDClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.macaroon != "" {
		req.Header.Set("Grpc-Metadata-macaroon", c.macaroon)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		slog.Error("LND request failed", "path", path, "status", resp.StatusCode)
		return fmt.Errorf("lnd %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeRHash normalizes LND's base64-encoded hashes/preimages to hex.
func decodeRHash(s string) (string, error) {
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil && len(raw) == 32 {
		return hex.EncodeToString(raw), nil
	}
	if _, err := hex.DecodeString(s); err == nil {
		return s, nil
	}
	return "", fmt.Errorf("unrecognized hash encoding %q", s)
}
