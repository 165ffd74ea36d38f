package models

import (
	"time"

	"github.com/google/uuid"
)

// TransactionKind enumerates the ledger mutation types.
type TransactionKind string

const (
	TransactionGrant  TransactionKind = "grant"
	TransactionCharge TransactionKind = "charge"
	TransactionRefund TransactionKind = "refund"
	TransactionRedeem TransactionKind = "redeem"
)

// Transaction is one immutable ledger row. Amount is signed: charges are
// negative, everything else positive.
type Transaction struct {
	ID            uuid.UUID       `json:"id"`
	UserID        uuid.UUID       `json:"user_id"`
	Amount        int64           `json:"amount"`
	BalanceBefore int64           `json:"balance_before"`
	BalanceAfter  int64           `json:"balance_after"`
	Kind          TransactionKind `json:"kind"`
	Reference     string          `json:"reference"`
	CreatedAt     time.Time       `json:"created_at"`
}
