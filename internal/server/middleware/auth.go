package middleware

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/polymatch/internal/crypto"
)

// maxSignedBody bounds the body read for signature verification.
const maxSignedBody = 1 << 20

type accountKey struct{}

// WithAccount returns ctx carrying the authenticated submitter account.
func WithAccount(ctx context.Context, account string) context.Context {
	return context.WithValue(ctx, accountKey{}, account)
}

// Account returns the account authenticated by Signed.
func Account(ctx context.Context) (string, bool) {
	a, ok := ctx.Value(accountKey{}).(string)
	return a, ok && a != ""
}

// APIKey guards operator routes with a static key sent as a Bearer token or
// in the X-API-Key header. An empty apiKey disables the check.
func APIKey(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			token := extractToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "missing authentication token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid authentication token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Signed authenticates submitter requests by HMAC signature over
// timestamp, method, request URI and body, and stores the signing account
// in the request context. With no credentials configured every request
// passes through unauthenticated.
func Signed(creds []crypto.HMACAuth, maxSkew time.Duration, now func() time.Time) func(http.Handler) http.Handler {
	byKey := make(map[string]crypto.HMACAuth, len(creds))
	for _, c := range creds {
		byKey[c.Key] = c
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(byKey) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			cred, ok := byKey[r.Header.Get(crypto.HeaderKey)]
			if !ok {
				writeError(w, http.StatusUnauthorized, "unknown api key")
				return
			}
			if r.Header.Get(crypto.HeaderAccount) != cred.Account {
				writeError(w, http.StatusUnauthorized, "account does not match api key")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
			if err != nil {
				writeError(w, http.StatusBadRequest, "read body failed")
				return
			}
			if len(body) > maxSignedBody {
				writeError(w, http.StatusRequestEntityTooLarge, "body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			err = cred.Verify(r.Method, r.URL.RequestURI(), string(body),
				r.Header.Get(crypto.HeaderTimestamp), r.Header.Get(crypto.HeaderSignature),
				now(), maxSkew)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), cred.Account)))
		})
	}
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	body, _ := json.Marshal(map[string]string{"error": msg})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
