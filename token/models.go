package token

import "time"

// Account mirrors the accounts table. Balance is spendable; Reserved is
// locked behind deposits, stakes and escrowed payments.
type Account struct {
	ID        string
	Balance   int64
	Reserved  int64
	CreatedAt time.Time
}
