package middleware

import "net/http"

// Preflight answers every OPTIONS request with 204 and no body. It runs after
// the CORS handler, which has already set the Access-Control headers.
func Preflight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
