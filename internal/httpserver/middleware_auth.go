package httpserver

import (
	"crypto/subtle"
	"net/http"

	"github.com/sokopesa/bridge/internal/errors"
)

// adminAuth gates admin surfaces behind the X-API-Key header. An empty
// configured key disables the surface entirely rather than leaving it open.
func adminAuth(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				errors.WriteSimpleError(w, errors.ErrCodeUnauthorized, "admin surface disabled")
				return
			}
			got := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				errors.WriteSimpleError(w, errors.ErrCodeUnauthorized, "invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
