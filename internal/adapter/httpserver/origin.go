package httpserver

import (
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// NewCheckOrigin returns the CheckOrigin function for the /ws upgrader.
// An empty allow-list accepts every origin. Otherwise empty origins (non-browser clients) and
// listed origins are accepted, plus localhost origins when isDevelopment is set.
func NewCheckOrigin(allowed []string, isDevelopment bool) func(r *http.Request) bool {
	normalized := make([]string, 0, len(allowed))
	for _, a := range allowed {
		if o := extractOrigin(a); o != "" {
			normalized = append(normalized, o)
		}
	}

	return func(r *http.Request) bool {
		if len(normalized) == 0 {
			return true
		}

		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}

		if slices.Contains(normalized, strings.ToLower(origin)) {
			return true
		}

		if isDevelopment && isLocalhostOrigin(origin) {
			return true
		}

		slog.Warn("WebSocket origin rejected", "origin", origin, "remote_addr", r.RemoteAddr)
		return false
	}
}

func extractOrigin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

func isLocalhostOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}
