package models

import (
	"time"
)

const (
	MemoPending   = "pending"
	MemoCompleted = "completed"

	RequestOpen     = "open"
	RequestAccepted = "accepted"
	RequestPaid     = "paid"

	ProposalPending  = "pending"
	ProposalAccepted = "accepted"
	ProposalRejected = "rejected"
	ProposalPaid     = "paid"
)

// Memo is a seller-created payable item, stored in the services table.
type Memo struct {
	ID            string    `json:"id" db:"id"`
	SenderID      string    `json:"sender_id" db:"sender_id"` // seller public key
	ReceiverID    *string   `json:"receiver_id" db:"receiver_id"`
	Amount        string    `json:"amount" db:"amount"`
	Currency      string    `json:"currency" db:"currency"`
	Price         *string   `json:"price,omitempty" db:"price"`
	Memo          string    `json:"memo" db:"memo"`
	Description   *string   `json:"description,omitempty" db:"description"`
	Rating        *int      `json:"rating,omitempty" db:"rating"`
	Status        string    `json:"status" db:"status"`
	StellarTxHash *string   `json:"stellar_transaction_hash,omitempty" db:"stellar_transaction_hash"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

type ServiceRequest struct {
	ID            string    `json:"id" db:"id"`
	ClientKey     string    `json:"client_key" db:"client_key"`
	Description   string    `json:"description" db:"description"`
	Budget        string    `json:"budget" db:"budget"`
	Status        string    `json:"status" db:"status"`
	StellarTxHash *string   `json:"stellar_transaction_hash,omitempty" db:"stellar_transaction_hash"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

type ServiceProposal struct {
	ID           string    `json:"id" db:"id"`
	RequestID    string    `json:"request_id" db:"request_id"`
	ProviderKey  string    `json:"provider_key" db:"provider_key"`
	ProposalText string    `json:"proposal_text" db:"proposal_text"`
	BidAmount    string    `json:"bid_amount" db:"bid_amount"`
	Status       string    `json:"status" db:"status"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// WalletBalance is the cached view of an account's balances.
type WalletBalance struct {
	PublicKey      string    `json:"public_key" db:"public_key"`
	XLMBalance     string    `json:"xlm_balance" db:"xlm_balance"`
	BDBalance      string    `json:"bd_balance" db:"bd_balance"`
	HasBDTrustline bool      `json:"has_bd_trustline" db:"has_bd_trustline"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}
