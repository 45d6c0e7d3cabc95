package provider

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"strings"
)

// SignatureScheme describes how one provider signs webhook bodies. All
// comparison is constant-time regardless of provider.
type SignatureScheme struct {
	Header    string
	Algorithm string // "sha1" or "sha256"
	Encoding  string // "hex" or "base64"
	Prefix    string // e.g. "sha256=" for git pushes
}

// Signature schemes per webhook source.
var (
	VercelScheme = SignatureScheme{Header: "X-Vercel-Signature", Algorithm: "sha1", Encoding: "hex"}

	NetlifyScheme = SignatureScheme{Header: "X-Netlify-Signature", Algorithm: "sha256", Encoding: "base64"}

	RenderScheme = SignatureScheme{Header: "X-Render-Signature", Algorithm: "sha256", Encoding: "hex"}

	GitPushScheme = SignatureScheme{Header: "X-Hub-Signature-256", Algorithm: "sha256", Encoding: "hex", Prefix: "sha256="}
)

// SchemeFor returns the signature scheme used by a known provider's
// webhooks. The second result is false for names without one.
func SchemeFor(name string) (SignatureScheme, bool) {
	switch strings.ToLower(name) {
	case Vercel:
		return VercelScheme, true
	case Netlify:
		return NetlifyScheme, true
	case Render:
		return RenderScheme, true
	}
	return SignatureScheme{}, false
}

// Verify checks the received signature against an HMAC of body under secret.
// It returns false for a missing or malformed signature; it never reveals
// which byte differed.
func (s SignatureScheme) Verify(secret, body []byte, received string) bool {
	if received == "" || len(secret) == 0 {
		return false
	}
	if s.Prefix != "" {
		if !strings.HasPrefix(received, s.Prefix) {
			return false
		}
		received = received[len(s.Prefix):]
	}

	var newHash func() hash.Hash
	switch s.Algorithm {
	case "sha1":
		newHash = sha1.New
	case "sha256":
		newHash = sha256.New
	default:
		return false
	}

	mac := hmac.New(newHash, secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	var got []byte
	var err error
	switch s.Encoding {
	case "hex":
		got, err = hex.DecodeString(received)
	case "base64":
		got, err = base64.StdEncoding.DecodeString(received)
	default:
		return false
	}
	if err != nil {
		return false
	}

	return hmac.Equal(expected, got)
}
