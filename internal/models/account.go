package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Account struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	Balance        decimal.Decimal `json:"balance"`
	OverdraftLimit decimal.Decimal `json:"overdraft_limit"`
	IsActive       bool            `json:"is_active"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// AvailableBalance is the ceiling for any outgoing transfer.
func (a Account) AvailableBalance() decimal.Decimal {
	return a.Balance.Add(a.OverdraftLimit)
}

// CanApply reports whether adding delta keeps the balance at or above -OverdraftLimit.
func (a Account) CanApply(delta decimal.Decimal) bool {
	return a.Balance.Add(delta).GreaterThanOrEqual(a.OverdraftLimit.Neg())
}
