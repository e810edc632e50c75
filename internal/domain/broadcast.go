package domain

import (
	"strings"

	"github.com/pscheid92/sitepulse/internal/protocol"
)

// SkipReasonDuplicate marks a broadcast suppressed by the dedup cache.
const SkipReasonDuplicate = "duplicate"

// DeliveryStats counts per-session send outcomes of one broadcast.
type DeliveryStats struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failure int `json:"failure"`
}

// BroadcastResult is the outcome of one broadcast. Stats is zero when Skipped.
type BroadcastResult struct {
	Domain  string
	Skipped bool
	Reason  string
	Stats   DeliveryStats
}

// ResolveDomain applies the precedence message.domain, then message.data.domain, then fallback.
// Returns "" when none is set.
func ResolveDomain(msg protocol.Message, fallback string) string {
	if d := NormalizeDomain(msg.Domain); d != "" {
		return d
	}
	if d := NormalizeDomain(msg.DataDomain()); d != "" {
		return d
	}
	return NormalizeDomain(fallback)
}

// NormalizeDomain lower-cases and trims a hostname-derived tenant key.
func NormalizeDomain(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
