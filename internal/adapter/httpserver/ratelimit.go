package httpserver

import (
	"time"

	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

const rateLimiterExpiry = 5 * time.Minute

// broadcastLimiter throttles broadcasts per caller and target domain, so one collaborator
// flooding a tenant does not use up the budget of its other tenants.
type broadcastLimiter struct {
	store middleware.RateLimiterStore
}

func newBroadcastLimiter(ratePerSecond float64, burst int) *broadcastLimiter {
	return &broadcastLimiter{
		store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(ratePerSecond),
				Burst:     burst,
				ExpiresIn: rateLimiterExpiry,
			},
		),
	}
}

func broadcastKey(clientIP, siteDomain string) string {
	return clientIP + "|" + siteDomain
}

// allow reports whether clientIP may broadcast to siteDomain now. Unresolved domains share
// the caller's empty-domain bucket.
func (l *broadcastLimiter) allow(clientIP, siteDomain string) bool {
	ok, err := l.store.Allow(broadcastKey(clientIP, siteDomain))
	return err == nil && ok
}
