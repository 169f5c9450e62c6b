package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Delivery headers. Receivers verify by recomputing the HMAC over the raw
// body with their subscription secret and may reject timestamps older than a
// replay window (5 minutes recommended).
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderEvent     = "X-Webhook-Event"
	HeaderDelivery  = "X-Webhook-Delivery"

	signaturePrefix = "sha256="
)

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader returns the full header value, "sha256=<hex>".
func SignatureHeader(secret string, body []byte) string {
	return signaturePrefix + Sign(secret, body)
}

// Verify checks a received signature header against the raw body in
// constant time. Shipped for receiver-side use and the test suite; the
// dispatcher itself only signs.
func Verify(secret string, body []byte, header string) bool {
	got, ok := strings.CutPrefix(header, signaturePrefix)
	if !ok {
		return false
	}
	want := Sign(secret, body)
	return hmac.Equal([]byte(got), []byte(want))
}
