package middleware

import (
	"crypto/subtle"
	"net/http"
)

// OpsTokenHeader carries the ops API token.
const OpsTokenHeader = "X-Ops-Token"

// OpsToken rejects requests that do not present token in OpsTokenHeader or,
// for browser websockets, the token query parameter. An empty token
// disables the check.
func OpsToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(OpsTokenHeader)
			if got == "" {
				got = r.URL.Query().Get("token")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
