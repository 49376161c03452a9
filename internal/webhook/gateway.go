// Package webhook admits provider delivery-event callbacks: it verifies
// their signature, parses batches into domain events, and reports
// per-entry rejections without aborting the rest of a batch.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingSignature is returned when a signing secret is configured
	// but the request carried no signature header.
	ErrMissingSignature = errors.New("webhook signature required but missing")

	// ErrInvalidSignature is returned when the signature does not match the
	// HMAC of the raw body.
	ErrInvalidSignature = errors.New("webhook signature mismatch")

	// ErrMalformedBody is returned when the payload is not a JSON event batch.
	ErrMalformedBody = errors.New("webhook body is not a valid event batch")
)

// Gateway verifies and parses inbound webhook batches. When secret is
// empty, signature verification is skipped entirely; when set, it is
// mandatory.
type Gateway struct {
	secret []byte
}

// NewGateway builds a Gateway. Pass an empty secret to disable
// verification (local development only).
func NewGateway(secret string) *Gateway {
	var key []byte
	if secret != "" {
		key = []byte(secret)
	}
	return &Gateway{secret: key}
}

// Admit verifies the signature over the raw body bytes and parses the
// batch. Verification runs over the bytes as received, never a
// re-serialized form, so canonicalization differences cannot break it.
// One malformed entry becomes a Rejection; it never fails the batch.
func (g *Gateway) Admit(rawBody []byte, signature string) (*Batch, error) {
	if err := g.verify(rawBody, signature); err != nil {
		return nil, err
	}
	batch, err := parseBatch(rawBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	return batch, nil
}

// verify checks the HMAC-SHA256 signature. Both a bare hex digest and the
// "sha256=<hex>" prefixed form are accepted.
func (g *Gateway) verify(rawBody []byte, signature string) error {
	if len(g.secret) == 0 {
		return nil
	}
	if signature == "" {
		return ErrMissingSignature
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, g.secret)
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign computes the signature a sender would attach. Exposed for tests
// and for signing outbound callback forwarding.
func (g *Gateway) Sign(rawBody []byte) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}
