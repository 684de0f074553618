// Package token issues and verifies the signed access tokens ("macaroons")
// that prove a price quote came from this provider.
//
// A token is a base64 envelope around a JSON payload: the claim fields plus
// an HMAC-SHA256 signature computed over the canonical serialization of the
// claims alone. Altering any claim bit invalidates the signature.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

const Version = "L402-v1"

var (
	ErrMalformed         = errors.New("token: malformed macaroon")
	ErrSignatureMismatch = errors.New("token: signature mismatch")
	ErrExpired           = errors.New("token: expired")
)

// Claims are the signed fields of an access token. Field order is fixed;
// the canonical serialization signed by Issue is json.Marshal of this struct.
type Claims struct {
	PaymentHash string `json:"payment_hash"`
	Resource    string `json:"resource"`
	AmountSats  int64  `json:"amount_sats"`
	IssuedAt    int64  `json:"issued_at"`
	ExpiresAt   int64  `json:"expires_at"`
	Nonce       string `json:"nonce"`
	Version     string `json:"version"`
}

type envelope struct {
	Claims
	Signature string `json:"signature"`
}

// Codec signs and verifies access tokens with a provider-held secret.
// Verification has no side effects; failures are return values, never panics.
type Codec struct {
	secret []byte
	now    func() time.Time
}

func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret), now: time.Now}
}

// Issue creates a signed token binding a payment hash to a resource and price.
func (c *Codec) Issue(paymentHash, resource string, amountSats int64, ttl time.Duration) (string, Claims, error) {
	now := c.now()
	claims := Claims{
		PaymentHash: paymentHash,
		Resource:    resource,
		AmountSats:  amountSats,
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(ttl).Unix(),
		Nonce:       uuid.NewString(),
		Version:     Version,
	}

	sig, err := c.sign(claims)
	if err != nil {
		return "", Claims{}, err
	}

	raw, err := json.Marshal(envelope{Claims: claims, Signature: sig})
	if err != nil {
		return "", Claims{}, err
	}
	return base64.StdEncoding.EncodeToString(raw), claims, nil
}

// Verify checks a macaroon's signature and expiry and returns its claims.
func (c *Codec) Verify(macaroon string) (Claims, error) {
	raw, err := base64.StdEncoding.DecodeString(macaroon)
	if err != nil {
		return Claims{}, ErrMalformed
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Claims{}, ErrMalformed
	}

	expected, err := c.sign(env.Claims)
	if err != nil {
		return Claims{}, err
	}
	if !hmac.Equal([]byte(env.Signature), []byte(expected)) {
		return Claims{}, ErrSignatureMismatch
	}

	if c.now().Unix() > env.ExpiresAt {
		return Claims{}, ErrExpired
	}
	return env.Claims, nil
}

func (c *Codec) sign(claims Claims) (string, error) {
	canonical, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
