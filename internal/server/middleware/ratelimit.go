package middleware

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/licensedesk/licensedesk/internal/model"
)

// RejectFunc is called for every request the limiter turns away.
type RejectFunc func(r *http.Request)

// RateLimit returns an HTTP middleware that limits requests per client IP
// and endpoint to the specified number per minute, using the sliding window
// counter of httprate. Rejected requests get a 429 envelope and are handed
// to onReject, which may be nil.
func RateLimit(requestsPerMinute int, onReject RejectFunc) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP, httprate.KeyByEndpoint),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			if onReject != nil {
				onReject(r)
			}
			writeEnvelope(w, http.StatusTooManyRequests, model.Envelope{Error: "rate limit exceeded"})
		}),
	)
}

// ClientIP returns the host part of r.RemoteAddr. Behind chi's RealIP
// middleware this is the address reported by the proxy headers.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
