package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/fulmenhq/gofulmen/errors"
	"golang.org/x/time/rate"

	apperrors "github.com/3leaps/superdev/internal/errors"
)

// RateLimit rejects requests beyond limiter with 429. A nil limiter passes
// everything through.
func RateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				retry := 1
				if l := float64(limiter.Limit()); l > 0 {
					retry = int(math.Ceil(1 / l))
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				envelope := errors.NewErrorEnvelope(apperrors.CodeTooManyRequests, "too many recompile requests").
					WithCorrelationID(GetRequestID(r.Context()))
				envelope, _ = envelope.WithContext(map[string]any{"retry_after_seconds": retry})
				writeErrorResponse(w, envelope, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
