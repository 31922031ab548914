package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Hub-Signature-256"

// ValidSignature reports whether header ("sha256=<hex>") matches body under appSecret.
func ValidSignature(appSecret string, body []byte, header string) bool {
	header = strings.TrimSpace(header)
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok || sig == "" {
		return false
	}
	expected, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// Sign returns the header value for body under appSecret.
func Sign(appSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
