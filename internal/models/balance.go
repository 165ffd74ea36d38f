package models

import (
	"time"

	"github.com/google/uuid"
)

// Balance is a user's spendable credit total. Only the ledger service writes it.
type Balance struct {
	UserID    uuid.UUID `json:"user_id"`
	Credits   int64     `json:"credits"`
	UpdatedAt time.Time `json:"updated_at"`
}
