package wechat

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"net/url"
	"sort"
)

// VerificationParams are the query parameters the platform attaches to every
// callback. EchoStr is only present on the GET handshake.
type VerificationParams struct {
	Signature string
	Timestamp string
	Nonce     string
	EchoStr   string
}

// ParamsFromQuery extracts verification parameters from a request query.
func ParamsFromQuery(q url.Values) VerificationParams {
	return VerificationParams{
		Signature: q.Get("signature"),
		Timestamp: q.Get("timestamp"),
		Nonce:     q.Get("nonce"),
		EchoStr:   q.Get("echostr"),
	}
}

// Sign computes the callback signature: the token, timestamp and nonce are
// sorted by value, concatenated and hashed with SHA-1 (lowercase hex).
func Sign(token, timestamp, nonce string) string {
	pieces := []string{token, timestamp, nonce}
	sort.Strings(pieces)

	sum := sha1.Sum([]byte(pieces[0] + pieces[1] + pieces[2]))
	return hex.EncodeToString(sum[:])
}

// VerifySignature reports whether signature matches the one computed from
// token, timestamp and nonce.
//
// It fails closed: an empty token or any empty input yields false, so an
// unconfigured deployment rejects all traffic.
func VerifySignature(token, timestamp, nonce, signature string) bool {
	if token == "" || timestamp == "" || nonce == "" || signature == "" {
		return false
	}

	expected := Sign(token, timestamp, nonce)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// Verify checks p against token.
func (p VerificationParams) Verify(token string) bool {
	return VerifySignature(token, p.Timestamp, p.Nonce, p.Signature)
}
