package middleware

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polymatch/internal/crypto"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func echoAccount() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account, _ := Account(r.Context())
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write([]byte(account + "|" + string(body)))
	})
}

func signedRequest(cred crypto.HMACAuth, method, target, body string, ts time.Time) *http.Request {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range cred.HeadersAt(method, r.URL.RequestURI(), body, ts.Unix()) {
		r.Header.Set(k, v)
	}
	return r
}

func TestSigned(t *testing.T) {
	alice := crypto.HMACAuth{Account: "alice", Key: "k-alice", Secret: base64.StdEncoding.EncodeToString([]byte("s3cret"))}
	h := Signed([]crypto.HMACAuth{alice}, 30*time.Second, func() time.Time { return now })(echoAccount())

	t.Run("valid", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, signedRequest(alice, http.MethodPost, "/api/orders?x=1", `{"size":1}`, now))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, `alice|{"size":1}`, rec.Body.String())
	})

	t.Run("tampered body", func(t *testing.T) {
		r := signedRequest(alice, http.MethodPost, "/api/orders", `{"size":1}`, now)
		r.Body = io.NopCloser(strings.NewReader(`{"size":9}`))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("stale timestamp", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, signedRequest(alice, http.MethodGet, "/api/orders/1", "", now.Add(-time.Minute)))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown key", func(t *testing.T) {
		mallory := alice
		mallory.Key = "k-mallory"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, signedRequest(mallory, http.MethodGet, "/api/orders/1", "", now))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("account mismatch", func(t *testing.T) {
		r := signedRequest(alice, http.MethodGet, "/api/orders/1", "", now)
		r.Header.Set(crypto.HeaderAccount, "bob")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestSignedDisabledWithoutCredentials(t *testing.T) {
	h := Signed(nil, time.Second, time.Now)(echoAccount())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders/1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "|", rec.Body.String())
}

func TestAPIKey(t *testing.T) {
	h := APIKey("op-key")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		header [2]string
		want   int
	}{
		{"missing", [2]string{}, http.StatusUnauthorized},
		{"wrong", [2]string{"X-API-Key", "nope"}, http.StatusUnauthorized},
		{"header", [2]string{"X-API-Key", "op-key"}, http.StatusNoContent},
		{"bearer", [2]string{"Authorization", "Bearer op-key"}, http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/books/m/yes/resume", nil)
			if tc.header[0] != "" {
				r.Header.Set(tc.header[0], tc.header[1])
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

type countingLimiter struct {
	keys  []string
	limit int
}

func (l *countingLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.keys = append(l.keys, key)
	return len(l.keys) <= l.limit, nil
}

func TestRateLimit(t *testing.T) {
	lim := &countingLimiter{limit: 1}
	h := RateLimit(lim, 1, 2*time.Second)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))

	r := httptest.NewRequest(http.MethodGet, "/api/books/m/yes", nil)
	r.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r.WithContext(WithAccount(r.Context(), "alice")))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, []string{"api:ip:10.0.0.1", "api:account:alice"}, lim.keys)
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"https://app.example.com"})(http.NotFoundHandler())

	r := httptest.NewRequest(http.MethodOptions, "/api/orders", nil)
	r.Header.Set("Origin", "https://app.example.com")
	r.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	r = httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestLoggingSetsRequestID(t *testing.T) {
	h := Logging(slog.New(slog.NewTextHandler(io.Discard, nil)))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}
