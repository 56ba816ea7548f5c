package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/bluedollar/backend/internal/logger"
	"github.com/bluedollar/backend/internal/models"
	"github.com/bluedollar/backend/internal/stellar"
)

// Settlement bundles what runs after a transfer settles on-chain.
type Settlement struct {
	Recorder   *LedgerRecorder
	Balances   *BalanceUpdater
	Reconciler *LedgerReconciler
}

// settle records the ledger pair and refreshes balances. Failures never undo
// the payment; they come back as a warning for the response body.
func (s *Settlement) settle(ctx context.Context, rec TransferRecord) (*models.TransactionLog, string) {
	var warnings []string

	txLog, err := s.Recorder.RecordTransfer(ctx, rec)
	if err != nil {
		logger.WithField("tx_hash", rec.TxHash).WithError(err).Error("[SETTLEMENT] Ledger recording failed")
		warnings = append(warnings, "Payment succeeded but transaction logging failed: "+err.Error())
		if qErr := s.Reconciler.Enqueue(ctx, rec); qErr == nil {
			warnings[len(warnings)-1] += " (queued for retry)"
		}
		txLog = nil
	}

	if s.Balances != nil {
		if err := s.Balances.RefreshBalances(ctx, rec.SenderKey, rec.ReceiverKey); err != nil {
			logger.WithField("tx_hash", rec.TxHash).WithError(err).Warn("[SETTLEMENT] Balance cache refresh failed")
			warnings = append(warnings, "Wallet balance cache could not be refreshed")
		}
	}

	return txLog, strings.Join(warnings, "; ")
}

type MemoService struct {
	db         *sql.DB
	transfers  *TransferExecutor
	settlement *Settlement
	asset      stellar.Asset
	timeout    int64
	validator  *ValidationHelper
	now        func() time.Time
}

func NewMemoService(db *sql.DB, transfers *TransferExecutor, settlement *Settlement, asset stellar.Asset, timeout int64) *MemoService {
	return &MemoService{
		db:         db,
		transfers:  transfers,
		settlement: settlement,
		asset:      asset,
		timeout:    timeout,
		validator:  NewValidationHelper(),
		now:        time.Now,
	}
}

// CreateMemoRequest represents a seller's payable memo
// @Description Memo creation request
type CreateMemoRequest struct {
	CreatorKey  string      `json:"creatorKey" validate:"required,stellar_public" example:"GCKFBEIYTKP6RYVDYGMVVMJ6J6XKCRZL74JPWTFGD2NQNMPBQC2LGTVZ"`
	Memo        string      `json:"memo" validate:"required,max=28" example:"Invoice 42"`
	BDAmount    json.Number `json:"bdAmount" validate:"required,amount" swaggertype:"string" example:"10"`
	AssetID     string      `json:"assetId" validate:"required,max=64" example:"BD"`
	Price       json.Number `json:"price,omitempty" validate:"omitempty,amount" swaggertype:"string"`
	Description string      `json:"description,omitempty" validate:"max=500"`
	Rating      *int        `json:"rating,omitempty" validate:"omitempty,min=0,max=5"`
}

// PayForMemoRequest represents a buyer paying a memo
// @Description Pay-for-memo request
type PayForMemoRequest struct {
	BuyerSecret string `json:"buyerSecret" validate:"required,stellar_secret"`
	MemoID      string `json:"memoId" validate:"required,uuid"`
}

// MemoPaymentResponse is returned after a memo is paid
type MemoPaymentResponse struct {
	Message        string          `json:"message"`
	Receiver       string          `json:"receiver"`
	TxHash         string          `json:"txHash"`
	Status         string          `json:"status"`
	TransactionLog *MemoPaymentLog `json:"transaction_log,omitempty"`
	Warning        string          `json:"warning,omitempty"`
}

type MemoPaymentLog struct {
	models.TransactionLog
	MemoID string `json:"memo_id"`
}

// CreateMemo handles memo creation
// @Summary Create a memo
// @Description Create a payable memo owned by the creator's public key
// @Tags memos
// @Accept json
// @Produce json
// @Param request body CreateMemoRequest true "Memo data"
// @Success 201 {object} object{message=string,memoId=string}
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /memos/create [post]
func (s *MemoService) CreateMemo(w http.ResponseWriter, r *http.Request) {
	var req CreateMemoRequest
	if !decodeAndValidate(w, r, s.validator, &req) {
		return
	}

	amount, err := parseAmount(req.BDAmount.String())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if amount.Round(7).IsZero() {
		writeServiceError(w, newValidationError("Invalid bdAmount: rounds to zero at 7 decimal places"))
		return
	}

	var price, description any
	if req.Price != "" {
		p, err := parseAmount(req.Price.String())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		price = formatAmount(p)
	}
	if req.Description != "" {
		description = req.Description
	}

	id := uuid.New().String()
	now := s.now().UTC()
	_, err = s.db.ExecContext(r.Context(), `
		INSERT INTO services (id, sender_id, amount, currency, price, memo, description, rating, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		id, req.CreatorKey, formatAmount(amount), req.AssetID, price, req.Memo, description, req.Rating,
		models.MemoPending, now, now)
	if err != nil {
		logger.WithError(err).Error("[MEMO] Failed to create memo")
		SendErrorResponse(w, "Failed to create memo", http.StatusInternalServerError, nil)
		return
	}

	logger.WithFields(logrus.Fields{"memo_id": id, "creator": req.CreatorKey}).Info("[MEMO] Memo created")
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "Memo created successfully",
		"memoId":  id,
	})
}

// PayForMemo handles memo payment
// @Summary Pay for a memo
// @Description Send the memo amount in BD from the buyer to the memo creator and record the ledger entries
// @Tags memos
// @Accept json
// @Produce json
// @Param request body PayForMemoRequest true "Payment data"
// @Success 200 {object} MemoPaymentResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /memos/pay-for-memo [post]
func (s *MemoService) PayForMemo(w http.ResponseWriter, r *http.Request) {
	var req PayForMemoRequest
	if !decodeAndValidate(w, r, s.validator, &req) {
		return
	}

	resp, err := s.PayMemo(r.Context(), req.MemoID, req.BuyerSecret)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// PayMemo moves a pending memo to completed by paying its creator.
func (s *MemoService) PayMemo(ctx context.Context, memoID, buyerSecret string) (*MemoPaymentResponse, error) {
	memo, err := s.GetMemo(ctx, memoID)
	if err != nil {
		return nil, err
	}
	if memo.Status != models.MemoPending {
		return nil, newPreconditionError("Memo already paid (status: %s)", memo.Status)
	}

	result, err := s.transfers.Transfer(ctx, TransferRequest{
		SenderSecret:    buyerSecret,
		SenderRole:      "Buyer",
		Destination:     memo.SenderID,
		DestinationRole: "Seller",
		Asset:           s.asset,
		Amount:          memo.Amount,
		Memo:            memo.Memo,
		Timeout:         s.timeout,
	})
	if err != nil {
		return nil, err
	}

	resp := &MemoPaymentResponse{
		Message:  fmt.Sprintf("Payment of %s %s sent successfully", result.Amount, s.asset.Code),
		Receiver: result.Destination,
		TxHash:   result.Hash,
		Status:   models.MemoCompleted,
	}

	var warnings []string
	if err := s.markCompleted(ctx, memo.ID, result.Source, result.Hash); err != nil {
		logger.WithFields(logrus.Fields{"memo_id": memo.ID, "tx_hash": result.Hash}).WithError(err).Error("[MEMO] Status update failed after payment")
		warnings = append(warnings, "Payment sent but memo status could not be updated")
	}

	amount, _ := decimal.NewFromString(result.Amount)
	txLog, warning := s.settlement.settle(ctx, TransferRecord{
		ProductID:   memo.ID,
		SenderKey:   result.Source,
		ReceiverKey: result.Destination,
		Amount:      amount,
		Currency:    s.asset.Code,
		Status:      LedgerStatusCompleted,
		TxHash:      result.Hash,
	})
	if warning != "" {
		warnings = append(warnings, warning)
	}
	if txLog != nil {
		resp.TransactionLog = &MemoPaymentLog{TransactionLog: *txLog, MemoID: memo.ID}
	}
	resp.Warning = strings.Join(warnings, "; ")
	return resp, nil
}

func (s *MemoService) GetMemo(ctx context.Context, memoID string) (*models.Memo, error) {
	var m models.Memo
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sender_id, receiver_id, amount, currency, price, memo, description, rating, status, stellar_transaction_hash, created_at, updated_at
		FROM services
		WHERE id = $1`, memoID).Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Amount, &m.Currency, &m.Price,
		&m.Memo, &m.Description, &m.Rating, &m.Status, &m.StellarTxHash, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newNotFoundError("Memo not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load memo: %w", err)
	}
	return &m, nil
}

// markCompleted only flips a memo that is still pending.
func (s *MemoService) markCompleted(ctx context.Context, memoID, payer, hash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE services
		SET status = $1, receiver_id = $2, stellar_transaction_hash = $3, updated_at = $4
		WHERE id = $5 AND status = $6`,
		models.MemoCompleted, payer, hash, s.now().UTC(), memoID, models.MemoPending)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("memo %s was no longer pending", memoID)
	}
	return nil
}

// ListServices handles paginated memo listing
// @Summary List memos
// @Description List memos filtered by status, newest first
// @Tags memos
// @Produce json
// @Param limit query int false "Page size (1-100)" default(10)
// @Param offset query int false "Offset" default(0)
// @Param status query string false "Status filter" default(pending)
// @Success 200 {object} object{services=[]models.Memo,total=int,limit=int,offset=int}
// @Failure 400 {object} ErrorResponse
// @Router /services [get]
func (s *MemoService) ListServices(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 10, 1, 100)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0, 0, -1)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := r.URL.Query().Get("status")
	if status == "" {
		status = models.MemoPending
	}
	if status != models.MemoPending && status != models.MemoCompleted {
		SendErrorResponse(w, "Invalid status: must be pending or completed", http.StatusBadRequest, nil)
		return
	}

	var total int
	if err := s.db.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM services WHERE status = $1`, status).Scan(&total); err != nil {
		logger.WithError(err).Error("[MEMO] Failed to count memos")
		SendErrorResponse(w, "Failed to list services", http.StatusInternalServerError, nil)
		return
	}

	rows, err := s.db.QueryContext(r.Context(), `
		SELECT id, sender_id, receiver_id, amount, currency, price, memo, description, rating, status, stellar_transaction_hash, created_at, updated_at
		FROM services
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, status, limit, offset)
	if err != nil {
		logger.WithError(err).Error("[MEMO] Failed to list memos")
		SendErrorResponse(w, "Failed to list services", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	memos := []models.Memo{}
	for rows.Next() {
		var m models.Memo
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Amount, &m.Currency, &m.Price,
			&m.Memo, &m.Description, &m.Rating, &m.Status, &m.StellarTxHash, &m.CreatedAt, &m.UpdatedAt); err != nil {
			logger.WithError(err).Error("[MEMO] Failed to scan memo")
			SendErrorResponse(w, "Failed to list services", http.StatusInternalServerError, nil)
			return
		}
		memos = append(memos, m)
	}
	if err := rows.Err(); err != nil {
		logger.WithError(err).Error("[MEMO] Failed to read memos")
		SendErrorResponse(w, "Failed to list services", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"services": memos,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// queryInt parses an integer query parameter within [min, max]; max < 0 means
// unbounded.
func queryInt(r *http.Request, name string, def, min, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min || (max >= 0 && v > max) {
		if max >= 0 {
			return 0, newValidationError("Invalid %s: must be an integer between %d and %d", name, min, max)
		}
		return 0, newValidationError("Invalid %s: must be an integer of at least %d", name, min)
	}
	return v, nil
}
