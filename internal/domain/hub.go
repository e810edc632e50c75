package domain

import (
	"context"

	"github.com/pscheid92/sitepulse/internal/protocol"
)

// Hub is the session registry as seen by the application layer.
type Hub interface {
	Broadcast(ctx context.Context, fallbackDomain string, msg protocol.Message) (BroadcastResult, error)
	SessionCount(domain string) int
	Domains() map[string]int
}
