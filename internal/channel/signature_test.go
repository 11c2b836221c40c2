package channel_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/irisorigin/iris/internal/channel"
)

func hexSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyHMACHex(t *testing.T) {
	t.Parallel()
	secret := "app-secret"
	body := []byte(`{"object":"page"}`)
	header := "sha256=" + hexSignature(secret, body)

	if !channel.VerifyHMACHex(secret, body, header, "sha256=") {
		t.Fatal("valid signature rejected")
	}
	if channel.VerifyHMACHex("other-secret", body, header, "sha256=") {
		t.Fatal("signature accepted with wrong secret")
	}
	if channel.VerifyHMACHex(secret, []byte(`{"object":"tampered"}`), header, "sha256=") {
		t.Fatal("signature accepted for tampered body")
	}
}

func TestVerifyHMACHex_MalformedHeader(t *testing.T) {
	t.Parallel()
	body := []byte("body")
	cases := map[string]string{
		"empty":          "",
		"missing prefix": hexSignature("s", body),
		"bad hex":        "sha256=zz-not-hex",
	}
	for name, header := range cases {
		if channel.VerifyHMACHex("s", body, header, "sha256=") {
			t.Fatalf("%s header should be rejected", name)
		}
	}
}

func TestVerifyHMACHex_EmptySecret(t *testing.T) {
	t.Parallel()
	body := []byte("body")
	header := "sha256=" + hexSignature("", body)
	if channel.VerifyHMACHex("", body, header, "sha256=") {
		t.Fatal("empty secret must never verify")
	}
}

func TestVerifyHMACBase64(t *testing.T) {
	t.Parallel()
	secret := "line-channel-secret"
	body := []byte(`{"events":[]}`)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	header := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !channel.VerifyHMACBase64(secret, body, header) {
		t.Fatal("valid signature rejected")
	}
	if channel.VerifyHMACBase64(secret, body, "!!! not base64") {
		t.Fatal("malformed header should be rejected")
	}
	if channel.VerifyHMACBase64("wrong", body, header) {
		t.Fatal("signature accepted with wrong secret")
	}
}
