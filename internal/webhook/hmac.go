package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// Verify checks an HMAC-SHA256 signature against a delivery body.
//
// Supported formats:
//   - "sha256=<hex>" (what Sink sends)
//   - "<hex>" (plain hex)
//
// All errors are generic so a probing caller learns nothing about the format.
func Verify(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return fmt.Errorf("webhook verification failed")
	}

	actualMAC, err := parseSignature(signature)
	if err != nil {
		return fmt.Errorf("webhook verification failed")
	}
	if subtle.ConstantTimeCompare(computeMAC(body, secret), actualMAC) != 1 {
		return fmt.Errorf("webhook verification failed")
	}
	return nil
}

// Sign returns the header value for body: "sha256=<hex>".
func Sign(body []byte, secret string) string {
	return "sha256=" + hex.EncodeToString(computeMAC(body, secret))
}

func computeMAC(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

func parseSignature(signature string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
}
