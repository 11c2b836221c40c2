package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// VerifyHMACHex authenticates body against a "<prefix><hex digest>" header,
// the Meta-style X-Hub-Signature-256 scheme. The digest is HMAC-SHA256 over
// the raw body bytes and the comparison is constant time. Malformed headers
// report false.
func VerifyHMACHex(secret string, body []byte, header, prefix string) bool {
	if secret == "" {
		return false
	}
	sig := strings.TrimSpace(header)
	if prefix != "" {
		if !strings.HasPrefix(sig, prefix) {
			return false
		}
		sig = strings.TrimPrefix(sig, prefix)
	}
	provided, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// VerifyHMACBase64 authenticates body against a base64 HMAC-SHA256 digest
// header, the LINE X-Line-Signature scheme.
func VerifyHMACBase64(secret string, body []byte, header string) bool {
	if secret == "" {
		return false
	}
	provided, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}
