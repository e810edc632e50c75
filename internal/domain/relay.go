package domain

import (
	"context"

	"github.com/pscheid92/sitepulse/internal/protocol"
)

// Relay forwards broadcasts to peer hub instances.
type Relay interface {
	Publish(ctx context.Context, domain string, msg protocol.Message) error
}
