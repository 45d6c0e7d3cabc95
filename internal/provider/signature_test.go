package provider

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"
)

func signHex256(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestSchemeVerify(t *testing.T) {
	secret := []byte("topsecret")
	body := []byte(`{"id":"dpl_1","state":"ready"}`)

	sha1mac := hmac.New(sha1.New, secret)
	sha1mac.Write(body)
	vercelSig := hex.EncodeToString(sha1mac.Sum(nil))

	sha256mac := hmac.New(sha256.New, secret)
	sha256mac.Write(body)
	netlifySig := base64.StdEncoding.EncodeToString(sha256mac.Sum(nil))

	cases := []struct {
		name     string
		scheme   SignatureScheme
		received string
		want     bool
	}{
		{"vercel valid", VercelScheme, vercelSig, true},
		{"netlify valid", NetlifyScheme, netlifySig, true},
		{"render valid", RenderScheme, signHex256(secret, body), true},
		{"git push valid", GitPushScheme, "sha256=" + signHex256(secret, body), true},
		{"git push missing prefix", GitPushScheme, signHex256(secret, body), false},
		{"empty signature", RenderScheme, "", false},
		{"garbage encoding", RenderScheme, "not-hex!", false},
		{"wrong secret", RenderScheme, signHex256([]byte("other"), body), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.scheme.Verify(secret, body, tc.received); got != tc.want {
				t.Fatalf("Verify() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSchemeVerifyRejectsTamperedBody(t *testing.T) {
	secret := []byte("topsecret")
	body := []byte(`{"id":"dpl_1","state":"ready"}`)
	sig := signHex256(secret, body)

	tampered := []byte(`{"id":"dpl_1","state":"error"}`)
	if RenderScheme.Verify(secret, tampered, sig) {
		t.Fatal("replayed signature accepted for tampered body")
	}
}

func TestSchemeVerifyEmptySecret(t *testing.T) {
	body := []byte("payload")
	if RenderScheme.Verify(nil, body, signHex256(nil, body)) {
		t.Fatal("verification must fail with no secret configured")
	}
}
