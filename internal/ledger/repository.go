package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/creditcore/internal/models"
)

const pgUniqueViolation = "23505"

// Repository is the PostgreSQL Store.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

// EnsureBalance inserts the row and its opening grant in one transaction.
// A concurrent opener blocks on the primary key until this commits, then
// finds the row.
func (r *Repository) EnsureBalance(ctx context.Context, o Opening) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin ensure balance: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO balances (user_id, credits) VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, o.UserID, max(o.Credits, 0))
	if err != nil {
		return false, fmt.Errorf("ensure balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if o.Credits > 0 {
		if _, err := insertTransaction(ctx, tx, o.UserID, models.TransactionGrant, o.Reference, o.Credits, 0); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit ensure balance: %w", err)
	}
	return true, nil
}

func (r *Repository) GetBalance(ctx context.Context, userID uuid.UUID) (*models.Balance, error) {
	var b models.Balance
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, credits, updated_at FROM balances WHERE user_id = $1
	`, userID).Scan(&b.UserID, &b.Credits, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return &b, nil
}

const transactionColumns = `id, user_id, amount, balance_before, balance_after, kind, reference, created_at`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.UserID, &t.Amount, &t.BalanceBefore, &t.BalanceAfter, &t.Kind, &t.Reference, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) FindTransaction(ctx context.Context, kind models.TransactionKind, reference string) (*models.Transaction, error) {
	t, err := scanTransaction(r.pool.QueryRow(ctx, `
		SELECT `+transactionColumns+` FROM transactions WHERE kind = $1 AND reference = $2
	`, kind, reference))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find transaction: %w", err)
	}
	return t, nil
}

func (r *Repository) ListTransactions(ctx context.Context, userID uuid.UUID) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+transactionColumns+` FROM transactions WHERE user_id = $1 ORDER BY created_at, seq
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// Apply runs the balance compare-and-swap and the transaction insert in one
// database transaction scoped to the user's row.
func (r *Repository) Apply(ctx context.Context, m Mutation) (*models.Transaction, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin apply: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := casBalance(ctx, tx, m.UserID, m.ExpectedCredits, m.Amount); err != nil {
		return nil, err
	}
	t, err := insertTransaction(ctx, tx, m.UserID, m.Kind, m.Reference, m.Amount, m.ExpectedCredits)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit apply: %w", err)
	}
	return t, nil
}

// Redeem deactivates the code (only where active = true), then credits the
// balance. Any failure rolls both back.
func (r *Repository) Redeem(ctx context.Context, red Redemption) (*models.Transaction, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin redeem: %w", err)
	}
	defer tx.Rollback(ctx)

	var amount int64
	err = tx.QueryRow(ctx, `
		UPDATE one_time_codes SET active = false, used_by = $1, used_at = now()
		WHERE code = $2 AND active = true
		RETURNING grant_amount
	`, red.UserID, red.Code).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM one_time_codes WHERE code = $1)`, red.Code).Scan(&exists); err != nil {
			return nil, fmt.Errorf("lookup code: %w", err)
		}
		if !exists {
			return nil, ErrCodeNotFound
		}
		return nil, ErrCodeAlreadyUsed
	}
	if err != nil {
		return nil, fmt.Errorf("consume code: %w", err)
	}

	if err := casBalance(ctx, tx, red.UserID, red.ExpectedCredits, amount); err != nil {
		return nil, err
	}
	t, err := insertTransaction(ctx, tx, red.UserID, models.TransactionRedeem, red.Code, amount, red.ExpectedCredits)
	if errors.Is(err, ErrDuplicateReference) {
		return nil, ErrCodeAlreadyUsed
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit redeem: %w", err)
	}
	return t, nil
}

func casBalance(ctx context.Context, tx pgx.Tx, userID uuid.UUID, expected, amount int64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE balances SET credits = credits + $1, updated_at = now()
		WHERE user_id = $2 AND credits = $3
	`, amount, userID, expected)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, userID uuid.UUID, kind models.TransactionKind, reference string, amount, before int64) (*models.Transaction, error) {
	t, err := scanTransaction(tx.QueryRow(ctx, `
		INSERT INTO transactions (user_id, amount, balance_before, balance_after, kind, reference)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+transactionColumns,
		userID, amount, before, before+amount, kind, reference))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrDuplicateReference
		}
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	return t, nil
}

func (r *Repository) GetCode(ctx context.Context, code string) (*models.OneTimeCode, error) {
	var c models.OneTimeCode
	err := r.pool.QueryRow(ctx, `
		SELECT code, active, grant_amount, used_by, used_at FROM one_time_codes WHERE code = $1
	`, code).Scan(&c.Code, &c.Active, &c.GrantAmount, &c.UsedBy, &c.UsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get code: %w", err)
	}
	return &c, nil
}

func (r *Repository) CreateCode(ctx context.Context, code *models.OneTimeCode) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO one_time_codes (code, active, grant_amount) VALUES ($1, $2, $3)
	`, code.Code, code.Active, code.GrantAmount)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("create code %q: %w", code.Code, ErrDuplicateReference)
		}
		return fmt.Errorf("create code: %w", err)
	}
	return nil
}
