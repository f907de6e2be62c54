package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reelcredit/backend/internal/models"
)

// EventRepo stores provider notifications for audit and replay detection.
type EventRepo struct {
	pool *pgxpool.Pool
}

func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

// InsertTx records the event. Returns false when a byte-identical event was already stored.
func (r *EventRepo) InsertTx(ctx context.Context, tx pgx.Tx, e *models.ProviderEvent) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO provider_events (id, provider, external_job_id, state, payload, payload_hash, outcome, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (provider, external_job_id, state, payload_hash) DO NOTHING
	`, e.ID, e.Provider, e.ExternalJobID, e.State, e.Payload, e.PayloadHash, e.Outcome, e.ReceivedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
