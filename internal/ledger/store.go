package ledger

import (
	"context"

	"github.com/google/uuid"

	"github.com/inaiurai/creditcore/internal/models"
)

// Store is the durable balance and transaction table pair. It holds no
// business rules; it only performs guarded single-user writes.
type Store interface {
	// EnsureBalance creates the balance row together with its opening grant
	// if none exists, and reports whether it did. A reader never sees the row
	// without the grant.
	EnsureBalance(ctx context.Context, o Opening) (bool, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (*models.Balance, error)
	FindTransaction(ctx context.Context, kind models.TransactionKind, reference string) (*models.Transaction, error)
	ListTransactions(ctx context.Context, userID uuid.UUID) ([]*models.Transaction, error)
	// Apply moves the balance from ExpectedCredits by Amount and appends the
	// transaction. It returns ErrConflict when the balance no longer equals
	// ExpectedCredits and ErrDuplicateReference when (kind, reference) exists.
	Apply(ctx context.Context, m Mutation) (*models.Transaction, error)
	// Redeem deactivates an active code and credits its grant amount in one unit.
	Redeem(ctx context.Context, r Redemption) (*models.Transaction, error)
	GetCode(ctx context.Context, code string) (*models.OneTimeCode, error)
	CreateCode(ctx context.Context, code *models.OneTimeCode) error
}

// Opening is the starting state of a new balance row. Credits of zero opens
// an empty balance with no transaction.
type Opening struct {
	UserID    uuid.UUID
	Credits   int64
	Reference string
}

// Mutation is a compare-and-swap request against one balance row.
type Mutation struct {
	UserID          uuid.UUID
	Kind            models.TransactionKind
	Reference       string
	Amount          int64
	ExpectedCredits int64
}

type Redemption struct {
	Code            string
	UserID          uuid.UUID
	ExpectedCredits int64
}
