package models

import (
	"time"
)

const (
	EntryDebit  = "DEBIT"
	EntryCredit = "CREDIT"
)

// LedgerEntry is one bookkeeping row in the transactions table. Every recorded
// transfer yields a debit and a credit row sharing StellarTxHash.
type LedgerEntry struct {
	ID            string    `json:"id" db:"id"`
	ProductID     string    `json:"product_id" db:"product_id"`
	UserID        *string   `json:"user_id" db:"user_id"` // nil when the key is not linked to a user
	SenderID      string    `json:"sender_id" db:"sender_id"`
	ReceiverID    string    `json:"receiver_id" db:"receiver_id"`
	TableAdminID  *string   `json:"table_admin_id,omitempty" db:"table_admin_id"`
	Amount        string    `json:"amount" db:"amount"` // signed, e.g. "-10.0000000"
	Currency      string    `json:"currency" db:"currency"`
	Status        string    `json:"status" db:"status"`
	StellarTxHash string    `json:"stellar_transaction_hash" db:"stellar_transaction_hash"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// EntryType derives DEBIT or CREDIT from the amount sign.
func (e *LedgerEntry) EntryType() string {
	if len(e.Amount) > 0 && e.Amount[0] == '-' {
		return EntryDebit
	}
	return EntryCredit
}

type TransactionLog struct {
	DebitEntry  *LedgerEntry `json:"debit_entry"`
	CreditEntry *LedgerEntry `json:"credit_entry"`
}
