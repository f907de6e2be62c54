package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reelcredit/backend/internal/models"
)

// CreditRepo reads and appends ledger_entries rows.
type CreditRepo struct {
	pool *pgxpool.Pool
}

func NewCreditRepo(pool *pgxpool.Pool) *CreditRepo {
	return &CreditRepo{pool: pool}
}

const entryColumns = `id, account_id, kind, amount, balance_after, reference_type, reference_id, task_id,
	description, created_at, expires_at, is_expired, expired_at`

func scanEntry(row pgx.Row) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := row.Scan(&e.ID, &e.AccountID, &e.Kind, &e.Amount, &e.BalanceAfter, &e.ReferenceType, &e.ReferenceID,
		&e.TaskID, &e.Description, &e.CreatedAt, &e.ExpiresAt, &e.IsExpired, &e.ExpiredAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func collectEntries(rows pgx.Rows, err error) ([]*models.LedgerEntry, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

// optionalEntry turns pgx.ErrNoRows into (nil, nil).
func optionalEntry(e *models.LedgerEntry, err error) (*models.LedgerEntry, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// CreateTx inserts a ledger entry inside the given transaction.
func (r *CreditRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, account_id, kind, amount, balance_after, reference_type, reference_id,
			task_id, description, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.AccountID, e.Kind, e.Amount, e.BalanceAfter, e.ReferenceType, e.ReferenceID,
		e.TaskID, e.Description, e.CreatedAt, e.ExpiresAt)
	return err
}

// ListAvailableTx returns the account's spendable credit lots at now, oldest first.
// Call after locking the account.
func (r *CreditRepo) ListAvailableTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, now time.Time) ([]*models.LedgerEntry, error) {
	return collectEntries(tx.Query(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE account_id = $1 AND amount > 0 AND kind <> 'spent' AND is_expired = false
			AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY created_at, id
	`, accountID, now))
}

// ListDueTx returns the account's unexpired lots whose expires_at has passed.
func (r *CreditRepo) ListDueTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, now time.Time) ([]*models.LedgerEntry, error) {
	return collectEntries(tx.Query(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE account_id = $1 AND amount > 0 AND is_expired = false
			AND expires_at IS NOT NULL AND expires_at <= $2
		ORDER BY expires_at, id
	`, accountID, now))
}

// MarkExpiredTx flags the given entries as expired. Already expired rows are left alone.
func (r *CreditRepo) MarkExpiredTx(ctx context.Context, tx pgx.Tx, ids []uuid.UUID, at time.Time) (int64, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE ledger_entries SET is_expired = true, expired_at = $2
		WHERE id = ANY($1) AND is_expired = false
	`, ids, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// FindByTaskTx returns the task's entry of the given kind, or nil.
func (r *CreditRepo) FindByTaskTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID, kind models.EntryKind) (*models.LedgerEntry, error) {
	return optionalEntry(scanEntry(tx.QueryRow(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries WHERE task_id = $1 AND kind = $2
	`, taskID, kind)))
}

// FindByReferenceTx returns the entry with the given reference, or nil.
func (r *CreditRepo) FindByReferenceTx(ctx context.Context, tx pgx.Tx, refType, refID string) (*models.LedgerEntry, error) {
	return optionalEntry(scanEntry(tx.QueryRow(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries WHERE reference_type = $1 AND reference_id = $2
		ORDER BY created_at LIMIT 1
	`, refType, refID)))
}

// FindByAccountReferenceTx returns the account's entry with the given reference, or nil.
func (r *CreditRepo) FindByAccountReferenceTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, refType, refID string) (*models.LedgerEntry, error) {
	return optionalEntry(scanEntry(tx.QueryRow(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE account_id = $1 AND reference_type = $2 AND reference_id = $3
		ORDER BY created_at LIMIT 1
	`, accountID, refType, refID)))
}

// ListByAccountID pages through an account's entries, newest first. Empty kind lists all kinds.
func (r *CreditRepo) ListByAccountID(ctx context.Context, accountID uuid.UUID, kind models.EntryKind, limit, offset int) ([]*models.LedgerEntry, error) {
	return collectEntries(r.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE account_id = $1 AND ($2 = '' OR kind = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, accountID, string(kind), limit, offset))
}

// ListAccountsWithDue returns accounts holding lots due to expire at now, ordered by id
// after afterID so a sweep can resume where it stopped.
func (r *CreditRepo) ListAccountsWithDue(ctx context.Context, now time.Time, afterID uuid.UUID, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT account_id FROM ledger_entries
		WHERE amount > 0 AND is_expired = false AND expires_at IS NOT NULL AND expires_at <= $1
			AND account_id > $2
		ORDER BY account_id
		LIMIT $3
	`, now, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SumExpiring totals unexpired credits with expires_at in (from, to] per account.
func (r *CreditRepo) SumExpiring(ctx context.Context, from, to time.Time) ([]models.ExpiringTotal, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT account_id, SUM(amount), MIN(expires_at) FROM ledger_entries
		WHERE amount > 0 AND is_expired = false AND expires_at > $1 AND expires_at <= $2
		GROUP BY account_id
		ORDER BY account_id
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.ExpiringTotal
	for rows.Next() {
		var t models.ExpiringTotal
		if err := rows.Scan(&t.AccountID, &t.Amount, &t.EarliestAt); err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// Totals aggregates the account's ledger for counter auditing.
func (r *CreditRepo) Totals(ctx context.Context, accountID uuid.UUID) (models.EntryTotals, error) {
	var t models.EntryTotals
	err := r.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE amount > 0 AND is_expired = false), 0),
			COALESCE(-SUM(amount) FILTER (WHERE amount < 0), 0),
			COALESCE(SUM(amount) FILTER (WHERE kind IN ('earned', 'purchased', 'bonus')), 0),
			COALESCE(-SUM(amount) FILTER (WHERE kind = 'spent'), 0)
		FROM ledger_entries WHERE account_id = $1
	`, accountID).Scan(&t.ActivePositive, &t.Negative, &t.Earned, &t.Spent)
	return t, err
}
