package domain

import (
	"context"
	"time"
)

// Delivery is the recorded outcome of one broadcast. Payloads are never stored.
type Delivery struct {
	ID          string    `json:"id"`
	Domain      string    `json:"domain"`
	MessageType string    `json:"type"`
	Total       int       `json:"total"`
	Success     int       `json:"success"`
	Failure     int       `json:"failure"`
	Skipped     bool      `json:"skipped"`
	CreatedAt   time.Time `json:"created_at"`
}

// DeliveryLedger records broadcast outcomes for operators.
type DeliveryLedger interface {
	Record(ctx context.Context, d Delivery) error
	Recent(ctx context.Context, domain string, limit int) ([]Delivery, error)
}
