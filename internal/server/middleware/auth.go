package middleware

import (
	"bytes"
	"crypto/subtle"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/digitalmarket/internal/crypto"
)

// maxSignedBody bounds how much of a request body is buffered for HMAC
// verification.
const maxSignedBody = 1 << 20

// Auth admits requests carrying the API key as a Bearer token or in
// X-API-Key. With hmac set, a request signed with the X-DMARKET-* headers is
// admitted too. An empty apiKey and nil hmac disable authentication.
func Auth(apiKey string, hmac *crypto.HMACAuth) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" && hmac == nil {
				next.ServeHTTP(w, r)
				return
			}

			if hmac != nil && r.Header.Get(crypto.HeaderSignature) != "" {
				if err := verifySigned(r, hmac); err != nil {
					writeUnauthorized(w, "invalid request signature")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			switch {
			case apiKey == "" || token == "":
				writeUnauthorized(w, "missing authentication token")
			case subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1:
				writeUnauthorized(w, "invalid authentication token")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// verifySigned checks the HMAC headers and restores the body for the
// handler.
func verifySigned(r *http.Request, hmac *crypto.HMACAuth) error {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
		if err != nil {
			return err
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	return hmac.Verify(
		r.Header.Get(crypto.HeaderKey),
		r.Header.Get(crypto.HeaderTimestamp),
		r.Header.Get(crypto.HeaderSignature),
		r.Method,
		r.URL.RequestURI(),
		string(body),
		time.Now(),
	)
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if scheme, token, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	writeJSONError(w, http.StatusUnauthorized, msg)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
