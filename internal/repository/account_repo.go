package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reelcredit/backend/internal/models"
)

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

const accountColumns = `id, balance, total_earned, total_spent, created_at, updated_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	if err := row.Scan(&a.ID, &a.Balance, &a.TotalEarned, &a.TotalSpent, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateTx inserts an empty account. Returns false when it already exists.
func (r *AccountRepo) CreateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `INSERT INTO accounts (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// GetByID reads the account without locking it.
func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

// GetByIDForUpdate locks the account row for update. Call within a transaction.
func (r *AccountRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error) {
	return scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
}

// DeductCredits atomically deducts amount if balance >= amount and returns the new balance.
// pgx.ErrNoRows means the balance was too low.
func (r *AccountRepo) DeductCredits(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) (newBalance int64, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE accounts SET balance = balance - $1, total_spent = total_spent + $1, updated_at = now()
		WHERE id = $2 AND balance >= $1
		RETURNING balance
	`, amount, id).Scan(&newBalance)
	return newBalance, err
}

// AddCredits adds amount to the balance. earned also advances total_earned.
func (r *AccountRepo) AddCredits(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64, earned bool) (newBalance int64, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE accounts SET balance = balance + $1,
			total_earned = total_earned + CASE WHEN $3 THEN $1 ELSE 0 END,
			updated_at = now()
		WHERE id = $2
		RETURNING balance
	`, amount, id, earned).Scan(&newBalance)
	return newBalance, err
}

// RemoveExpired subtracts amount from the balance, never going below zero.
func (r *AccountRepo) RemoveExpired(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) (newBalance int64, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE accounts SET balance = GREATEST(balance - $1, 0), updated_at = now()
		WHERE id = $2
		RETURNING balance
	`, amount, id).Scan(&newBalance)
	return newBalance, err
}
