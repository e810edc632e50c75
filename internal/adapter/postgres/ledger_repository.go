package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/sitepulse/internal/domain"
)

// LedgerRepo stores broadcast outcomes. It never stores payloads.
type LedgerRepo struct {
	pool *pgxpool.Pool
}

var _ domain.DeliveryLedger = (*LedgerRepo)(nil)

func NewLedgerRepo(pool *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

const insertDeliverySQL = `
INSERT INTO deliveries (id, domain, message_type, total, success, failure, skipped, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

func (r *LedgerRepo) Record(ctx context.Context, d domain.Delivery) error {
	_, err := r.pool.Exec(ctx, insertDeliverySQL,
		d.ID, d.Domain, d.MessageType, d.Total, d.Success, d.Failure, d.Skipped, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert delivery: %w", err)
	}
	return nil
}

const recentDeliveriesSQL = `
SELECT id, domain, message_type, total, success, failure, skipped, created_at
FROM deliveries
WHERE domain = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`

// Recent returns the newest deliveries of siteDomain, newest first.
func (r *LedgerRepo) Recent(ctx context.Context, siteDomain string, limit int) ([]domain.Delivery, error) {
	rows, err := r.pool.Query(ctx, recentDeliveriesSQL, siteDomain, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}

	deliveries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Delivery, error) {
		var d domain.Delivery
		err := row.Scan(&d.ID, &d.Domain, &d.MessageType, &d.Total, &d.Success, &d.Failure, &d.Skipped, &d.CreatedAt)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan deliveries: %w", err)
	}

	for i := range deliveries {
		deliveries[i].CreatedAt = deliveries[i].CreatedAt.UTC()
	}
	return deliveries, nil
}

// Ping checks database reachability for readiness probes.
func (r *LedgerRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
