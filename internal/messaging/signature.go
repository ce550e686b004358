package messaging

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // Twilio signs callbacks with HMAC-SHA1
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
)

// SignatureHeader carries the callback signature.
const SignatureHeader = "X-Twilio-Signature"

// ComputeSignature returns the signature Twilio sends for a form POST to fullURL.
func ComputeSignature(authToken, fullURL string, params url.Values) string {
	var b strings.Builder
	b.WriteString(fullURL)

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		values := append([]string(nil), params[k]...)
		sort.Strings(values)
		for _, v := range values {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ValidateSignature checks a callback signature in constant time.
func ValidateSignature(authToken, fullURL string, params url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	expected := ComputeSignature(authToken, fullURL, params)
	return hmac.Equal([]byte(expected), []byte(signature))
}
