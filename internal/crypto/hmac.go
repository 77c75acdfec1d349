package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Header names carried by HMAC-signed API requests.
const (
	HeaderKey       = "X-DMARKET-KEY"
	HeaderTimestamp = "X-DMARKET-TIMESTAMP"
	HeaderSignature = "X-DMARKET-SIGNATURE"
)

// HMACAuth signs and verifies API requests with a shared secret. The
// signature is base64(HMAC-SHA256(secret, timestamp+method+path+body)).
type HMACAuth struct {
	Key    string
	Secret string
	// MaxSkew bounds how far a request timestamp may drift from now.
	MaxSkew time.Duration
}

// Headers returns the headers for a request signed now.
func (h *HMACAuth) Headers(method, path, body string) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is like Headers with a caller-supplied Unix timestamp.
func (h *HMACAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderKey:       h.Key,
		HeaderTimestamp: ts,
		HeaderSignature: hmacSHA256Base64([]byte(h.Secret), ts+method+path+body),
	}
}

// Verify checks a signature produced by Headers.
func (h *HMACAuth) Verify(key, ts, sig, method, path, body string, now time.Time) error {
	if !hmac.Equal([]byte(key), []byte(h.Key)) {
		return fmt.Errorf("crypto/hmac: unknown key")
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("crypto/hmac: bad timestamp %q", ts)
	}
	if h.MaxSkew > 0 {
		skew := now.Sub(time.Unix(unix, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > h.MaxSkew {
			return fmt.Errorf("crypto/hmac: timestamp skew %s exceeds %s", skew, h.MaxSkew)
		}
	}
	want := hmacSHA256Base64([]byte(h.Secret), ts+method+path+body)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return fmt.Errorf("crypto/hmac: signature mismatch")
	}
	return nil
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}

func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
