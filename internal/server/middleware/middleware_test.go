package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/digitalmarket/internal/cache/memory"
	"github.com/alanyoungcy/digitalmarket/internal/crypto"
)

func echoBody() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	})
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestAuth_APIKey(t *testing.T) {
	h := Auth("secret", nil)(echoBody())

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/listings", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "missing authentication token")

	r := httptest.NewRequest(http.MethodGet, "/api/listings", nil)
	r.Header.Set("X-API-Key", "wrong")
	require.Equal(t, http.StatusUnauthorized, serve(h, r).Code)

	r = httptest.NewRequest(http.MethodGet, "/api/listings", nil)
	r.Header.Set("Authorization", "Bearer secret")
	require.Equal(t, http.StatusOK, serve(h, r).Code)

	r = httptest.NewRequest(http.MethodGet, "/api/listings", nil)
	r.Header.Set("X-API-Key", "secret")
	require.Equal(t, http.StatusOK, serve(h, r).Code)
}

func TestAuth_Disabled(t *testing.T) {
	rec := serve(Auth("", nil)(echoBody()), httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth_HMAC(t *testing.T) {
	signer := &crypto.HMACAuth{Key: "k1", Secret: "s3cr3t", MaxSkew: time.Minute}
	h := Auth("", signer)(echoBody())

	body := `{"quantity":2}`
	r := httptest.NewRequest(http.MethodPost, "/api/listings/1001/buy", strings.NewReader(body))
	for k, v := range signer.Headers(http.MethodPost, "/api/listings/1001/buy", body) {
		r.Header.Set(k, v)
	}
	rec := serve(h, r)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, body, rec.Body.String())

	// Same headers, tampered body.
	r = httptest.NewRequest(http.MethodPost, "/api/listings/1001/buy", strings.NewReader(`{"quantity":3}`))
	for k, v := range signer.Headers(http.MethodPost, "/api/listings/1001/buy", body) {
		r.Header.Set(k, v)
	}
	require.Equal(t, http.StatusUnauthorized, serve(h, r).Code)

	// Unsigned requests need the API key, which is not configured.
	r = httptest.NewRequest(http.MethodGet, "/api/listings", nil)
	require.Equal(t, http.StatusUnauthorized, serve(h, r).Code)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://shop.example"})(echoBody())

	r := httptest.NewRequest(http.MethodOptions, "/api/listings", nil)
	r.Header.Set("Origin", "https://shop.example")
	rec := serve(h, r)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://shop.example", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), crypto.HeaderSignature)

	r = httptest.NewRequest(http.MethodGet, "/api/listings", nil)
	r.Header.Set("Origin", "https://evil.example")
	rec = serve(h, r)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(memory.NewRateLimiter(), 2, time.Minute, nil)(echoBody())

	for i := 0; i < 2; i++ {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
		require.Equal(t, http.StatusOK, serve(h, r).Code)
	}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "10.0.0.1")
	rec := serve(h, r)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))

	// Another client has its own budget.
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Real-IP", "10.0.0.9")
	require.Equal(t, http.StatusOK, serve(h, r).Code)

	// Limiter failures fail open.
	open := RateLimit(failingLimiter{}, 1, time.Minute, nil)(echoBody())
	require.Equal(t, http.StatusOK, serve(open, httptest.NewRequest(http.MethodGet, "/", nil)).Code)
}

func TestLogging_CapturesStatus(t *testing.T) {
	h := Logging(nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	require.Equal(t, http.StatusConflict, serve(h, httptest.NewRequest(http.MethodGet, "/", nil)).Code)
}
