package domain

import (
	"errors"

	"github.com/pscheid92/sitepulse/internal/protocol"
)

var (
	ErrBadUpgrade       = errors.New("websocket upgrade required")
	ErrMissingDomain    = errors.New("domain is required")
	ErrMissingType      = protocol.ErrMissingType
	ErrMalformedMessage = errors.New("invalid message format")
	ErrSendFailure      = errors.New("session send failed")
	ErrDomainFull       = errors.New("max sessions per domain reached")
	ErrHubStopped       = errors.New("hub stopped")
	ErrLedgerDisabled   = errors.New("delivery ledger not configured")
)
