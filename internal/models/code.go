package models

import (
	"time"

	"github.com/google/uuid"
)

// OneTimeCode is a redeemable grant. Active flips to false exactly once.
type OneTimeCode struct {
	Code        string     `json:"code"`
	Active      bool       `json:"active"`
	GrantAmount int64      `json:"grant_amount"`
	UsedBy      *uuid.UUID `json:"used_by,omitempty"`
	UsedAt      *time.Time `json:"used_at,omitempty"`
}
