package models

import (
	"time"

	"github.com/google/uuid"
)

// Account holds a user's spendable credit balance. The account id is the user id.
// TotalEarned and TotalSpent are monotonic audit counters and are never decremented.
type Account struct {
	ID          uuid.UUID `json:"id"`
	Balance     int64     `json:"balance"`
	TotalEarned int64     `json:"total_earned"`
	TotalSpent  int64     `json:"total_spent"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
