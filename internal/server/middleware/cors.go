package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/cors"

	"github.com/alanyoungcy/polymatch/internal/crypto"
)

// CORS allows browser clients from allowedOrigins. An empty list or "*"
// allows any origin.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowOriginFunc: allowedOrigin(allowedOrigins),
		AllowedMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{
			"Content-Type", "Authorization", "X-API-Key",
			crypto.HeaderAccount, crypto.HeaderKey, crypto.HeaderTimestamp, crypto.HeaderSignature,
		},
		MaxAge: 86400,
	})
	return c.Handler
}

func allowedOrigin(allowed []string) func(origin string) bool {
	return func(origin string) bool {
		if len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}
