package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/bluedollar/backend/internal/audit"
	"github.com/bluedollar/backend/internal/logger"
	"github.com/bluedollar/backend/internal/models"
)

const (
	LedgerStatusCompleted = "completed"
	LedgerStatusSuccess   = "success"
	LedgerStatusPending   = "pending"
)

// TransferRecord is what the ledger needs to know about one settled transfer.
type TransferRecord struct {
	ProductID      string          `json:"product_id"`
	SenderKey      string          `json:"sender_key"`
	ReceiverKey    string          `json:"receiver_key"`
	SenderUserID   *string         `json:"sender_user_id,omitempty"`
	ReceiverUserID *string         `json:"receiver_user_id,omitempty"`
	TableAdminID   *string         `json:"table_admin_id,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Status         string          `json:"status"`
	TxHash         string          `json:"tx_hash"`
}

// LedgerRecorder writes the debit/credit pair for an on-chain transfer.
type LedgerRecorder struct {
	db    *sql.DB
	audit *audit.Logger
	now   func() time.Time
	newID func() string
}

func NewLedgerRecorder(db *sql.DB, auditLogger *audit.Logger) *LedgerRecorder {
	if auditLogger == nil {
		auditLogger = audit.NewLogger()
	}
	return &LedgerRecorder{
		db:    db,
		audit: auditLogger,
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
}

// RecordTransfer inserts both rows in one statement. It is idempotent on the
// transaction hash: an existing pair is returned untouched.
func (l *LedgerRecorder) RecordTransfer(ctx context.Context, rec TransferRecord) (*models.TransactionLog, error) {
	if rec.TxHash == "" {
		return nil, newValidationError("Missing transaction hash")
	}
	if !rec.Amount.IsPositive() {
		return nil, newValidationError("Invalid amount: must be greater than zero")
	}

	existing, err := l.findByHash(ctx, rec.TxHash)
	if err != nil {
		return nil, &LedgerRecordingError{TxHash: rec.TxHash, Err: err}
	}
	if existing != nil {
		logger.WithField("tx_hash", rec.TxHash).Info("[LEDGER] Transfer already recorded")
		return existing, nil
	}

	senderUser := rec.SenderUserID
	if senderUser == nil {
		senderUser = l.resolveUserID(ctx, rec.SenderKey)
	}
	receiverUser := rec.ReceiverUserID
	if receiverUser == nil {
		receiverUser = l.resolveUserID(ctx, rec.ReceiverKey)
	}

	status := rec.Status
	if status == "" {
		status = LedgerStatusCompleted
	}
	now := l.now().UTC()
	amount := formatAmount(rec.Amount)

	debit := &models.LedgerEntry{
		ID:            l.newID(),
		ProductID:     rec.ProductID,
		UserID:        senderUser,
		SenderID:      rec.SenderKey,
		ReceiverID:    rec.ReceiverKey,
		TableAdminID:  rec.TableAdminID,
		Amount:        "-" + amount,
		Currency:      rec.Currency,
		Status:        status,
		StellarTxHash: rec.TxHash,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	credit := *debit
	credit.ID = l.newID()
	credit.UserID = receiverUser
	credit.Amount = "+" + amount

	if err := l.insertPair(ctx, debit, &credit); err != nil {
		l.audit.LogError(rec.TxHash, rec.SenderKey, err)
		return nil, &LedgerRecordingError{TxHash: rec.TxHash, Err: err}
	}

	l.audit.LogLedger(rec.TxHash, rec.ProductID, 2, "RECORDED")
	return &models.TransactionLog{DebitEntry: debit, CreditEntry: &credit}, nil
}

func (l *LedgerRecorder) insertPair(ctx context.Context, debit, credit *models.LedgerEntry) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO transactions (id, product_id, user_id, sender_id, receiver_id, table_admin_id, amount, currency, status, stellar_transaction_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12),
		       ($13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		debit.ID, debit.ProductID, debit.UserID, debit.SenderID, debit.ReceiverID, debit.TableAdminID,
		debit.Amount, debit.Currency, debit.Status, debit.StellarTxHash, debit.CreatedAt, debit.UpdatedAt,
		credit.ID, credit.ProductID, credit.UserID, credit.SenderID, credit.ReceiverID, credit.TableAdminID,
		credit.Amount, credit.Currency, credit.Status, credit.StellarTxHash, credit.CreatedAt, credit.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert ledger entries: %w", err)
	}
	return nil
}

func (l *LedgerRecorder) findByHash(ctx context.Context, hash string) (*models.TransactionLog, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, product_id, user_id, sender_id, receiver_id, table_admin_id, amount, currency, status, stellar_transaction_hash, created_at, updated_at
		FROM transactions
		WHERE stellar_transaction_hash = $1`, hash)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	entries, err := scanLedgerEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	out := &models.TransactionLog{}
	for _, e := range entries {
		if e.EntryType() == models.EntryDebit {
			out.DebitEntry = e
		} else {
			out.CreditEntry = e
		}
	}
	return out, nil
}

// EntriesByUser lists a user's ledger rows, newest first.
func (l *LedgerRecorder) EntriesByUser(ctx context.Context, userID string) ([]*models.LedgerEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, product_id, user_id, sender_id, receiver_id, table_admin_id, amount, currency, status, stellar_transaction_hash, created_at, updated_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// resolveUserID looks the key up in users, then profiles. A nil result means
// the key is not linked to anyone and the row is stored unlinked.
func (l *LedgerRecorder) resolveUserID(ctx context.Context, publicKey string) *string {
	for _, table := range []string{"users", "profiles"} {
		var id string
		err := l.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT id FROM %s WHERE public_key = $1 LIMIT 1`, table), publicKey).Scan(&id)
		if err == nil {
			return &id
		}
		if !errors.Is(err, sql.ErrNoRows) {
			logger.WithFields(logrus.Fields{"table": table, "public_key": publicKey}).
				WithError(err).Warn("[LEDGER] User lookup failed")
		}
	}

	logger.WithField("public_key", publicKey).Info("[LEDGER] No user linked to key, recording entry unlinked")
	return nil
}

func scanLedgerEntries(rows *sql.Rows) ([]*models.LedgerEntry, error) {
	var entries []*models.LedgerEntry
	for rows.Next() {
		var (
			e         models.LedgerEntry
			productID sql.NullString
		)
		if err := rows.Scan(&e.ID, &productID, &e.UserID, &e.SenderID, &e.ReceiverID, &e.TableAdminID,
			&e.Amount, &e.Currency, &e.Status, &e.StellarTxHash, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.ProductID = productID.String
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
