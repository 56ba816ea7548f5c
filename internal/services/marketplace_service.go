package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stellar/go/keypair"

	"github.com/bluedollar/backend/internal/logger"
	"github.com/bluedollar/backend/internal/models"
	"github.com/bluedollar/backend/internal/stellar"
)

const serviceMemo = "Service Payment"

// MarketplaceService runs the request → proposal → accept → pay flow.
type MarketplaceService struct {
	db         *sql.DB
	transfers  *TransferExecutor
	settlement *Settlement
	asset      stellar.Asset
	validator  *ValidationHelper
	now        func() time.Time
	newID      func() string
}

func NewMarketplaceService(db *sql.DB, transfers *TransferExecutor, settlement *Settlement, asset stellar.Asset) *MarketplaceService {
	return &MarketplaceService{
		db:         db,
		transfers:  transfers,
		settlement: settlement,
		asset:      asset,
		validator:  NewValidationHelper(),
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}
}

// ServiceRequestInput represents a client asking for work
// @Description Service request creation
type ServiceRequestInput struct {
	ClientKey   string      `json:"clientKey" validate:"required,stellar_public"`
	Description string      `json:"description" validate:"required,max=2000"`
	Budget      json.Number `json:"budget" validate:"required,amount" swaggertype:"string" example:"50"`
}

// ProposalInput represents a provider bidding on a request
// @Description Service proposal
type ProposalInput struct {
	RequestID    string      `json:"requestId" validate:"required,uuid"`
	ProviderKey  string      `json:"providerKey" validate:"required,stellar_public"`
	ProposalText string      `json:"proposalText" validate:"required,max=2000"`
	BidAmount    json.Number `json:"bidAmount" validate:"required,amount" swaggertype:"string" example:"45"`
}

type AcceptProposalInput struct {
	ProposalID string `json:"proposalId" validate:"required,uuid"`
}

// PayForServiceInput represents the client settling an accepted proposal
// @Description Pay-for-service request
type PayForServiceInput struct {
	ProposalID   string `json:"proposalId" validate:"required,uuid"`
	ClientSecret string `json:"clientSecret" validate:"required,stellar_secret"`
	BDIssuer     string `json:"bdIssuer,omitempty" validate:"omitempty,stellar_public"`
}

type ServicePaymentResponse struct {
	Message         string                 `json:"message"`
	TransactionHash string                 `json:"transactionHash"`
	Status          string                 `json:"status"`
	TransactionLog  *models.TransactionLog `json:"transaction_log,omitempty"`
	Warning         string                 `json:"warning,omitempty"`
}

// CreateRequest handles service request creation
// @Summary Create a service request
// @Tags services
// @Accept json
// @Produce json
// @Param request body ServiceRequestInput true "Request data"
// @Success 201 {object} models.ServiceRequest
// @Failure 400 {object} ErrorResponse
// @Router /services/request [post]
func (s *MarketplaceService) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var in ServiceRequestInput
	if !decodeAndValidate(w, r, s.validator, &in) {
		return
	}
	budget, err := parseAmount(in.Budget.String())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	now := s.now().UTC()
	req := models.ServiceRequest{
		ID:          s.newID(),
		ClientKey:   in.ClientKey,
		Description: in.Description,
		Budget:      formatAmount(budget),
		Status:      models.RequestOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = s.db.ExecContext(r.Context(), `
		INSERT INTO service_requests (id, client_key, description, budget, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		req.ID, req.ClientKey, req.Description, req.Budget, req.Status, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		logger.WithError(err).Error("[MARKET] Failed to create service request")
		SendErrorResponse(w, "Failed to create service request", http.StatusInternalServerError, nil)
		return
	}

	logger.WithField("request_id", req.ID).Info("[MARKET] Service request created")
	writeJSON(w, http.StatusCreated, req)
}

// Propose handles proposal submission
// @Summary Propose on a service request
// @Tags services
// @Accept json
// @Produce json
// @Param request body ProposalInput true "Proposal data"
// @Success 201 {object} models.ServiceProposal
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /services/propose [post]
func (s *MarketplaceService) Propose(w http.ResponseWriter, r *http.Request) {
	var in ProposalInput
	if !decodeAndValidate(w, r, s.validator, &in) {
		return
	}
	bid, err := parseAmount(in.BidAmount.String())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	req, err := s.getRequest(r.Context(), s.db, in.RequestID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if req.Status != models.RequestOpen {
		SendErrorResponse(w, "Service request is not open for proposals", http.StatusBadRequest, nil)
		return
	}

	now := s.now().UTC()
	p := models.ServiceProposal{
		ID:           s.newID(),
		RequestID:    req.ID,
		ProviderKey:  in.ProviderKey,
		ProposalText: in.ProposalText,
		BidAmount:    formatAmount(bid),
		Status:       models.ProposalPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err = s.db.ExecContext(r.Context(), `
		INSERT INTO service_proposals (id, request_id, provider_key, proposal_text, bid_amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.RequestID, p.ProviderKey, p.ProposalText, p.BidAmount, p.Status, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		logger.WithError(err).Error("[MARKET] Failed to create proposal")
		SendErrorResponse(w, "Failed to create proposal", http.StatusInternalServerError, nil)
		return
	}

	logger.WithFields(logrus.Fields{"request_id": req.ID, "proposal_id": p.ID}).Info("[MARKET] Proposal submitted")
	writeJSON(w, http.StatusCreated, p)
}

// AcceptProposal handles proposal acceptance
// @Summary Accept a proposal
// @Description Accepts one proposal, moves its request to accepted and rejects the other pending proposals
// @Tags services
// @Accept json
// @Produce json
// @Param request body AcceptProposalInput true "Proposal id"
// @Success 200 {object} object{message=string}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /services/accept-proposal [post]
func (s *MarketplaceService) AcceptProposal(w http.ResponseWriter, r *http.Request) {
	var in AcceptProposalInput
	if !decodeAndValidate(w, r, s.validator, &in) {
		return
	}
	if err := s.Accept(r.Context(), in.ProposalID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Proposal accepted"})
}

// Accept runs the acceptance in one database transaction.
func (s *MarketplaceService) Accept(ctx context.Context, proposalID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	p, err := s.getProposal(ctx, tx, proposalID)
	if err != nil {
		return err
	}
	if p.Status != models.ProposalPending {
		return newPreconditionError("Proposal is not pending (status: %s)", p.Status)
	}

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE service_proposals SET status = $1, updated_at = $2 WHERE id = $3`,
		models.ProposalAccepted, now, p.ID); err != nil {
		return fmt.Errorf("accept proposal: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE service_requests SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		models.RequestAccepted, now, p.RequestID, models.RequestOpen)
	if err != nil {
		return fmt.Errorf("accept request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return newPreconditionError("Service request is no longer open")
	}

	if _, err := tx.ExecContext(ctx, `UPDATE service_proposals SET status = $1, updated_at = $2 WHERE request_id = $3 AND id <> $4 AND status = $5`,
		models.ProposalRejected, now, p.RequestID, p.ID, models.ProposalPending); err != nil {
		return fmt.Errorf("reject other proposals: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	logger.WithFields(logrus.Fields{"request_id": p.RequestID, "proposal_id": p.ID}).Info("[MARKET] Proposal accepted")
	return nil
}

// PayForService handles service payment
// @Summary Pay for an accepted proposal
// @Description Pays the provider the bid amount in BD, marks request and proposal paid and records the ledger entries
// @Tags services
// @Accept json
// @Produce json
// @Param request body PayForServiceInput true "Payment data"
// @Success 200 {object} ServicePaymentResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /services/pay [post]
func (s *MarketplaceService) PayForService(w http.ResponseWriter, r *http.Request) {
	var in PayForServiceInput
	if !decodeAndValidate(w, r, s.validator, &in) {
		return
	}

	resp, err := s.Pay(r.Context(), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Pay moves an accepted proposal and its request to paid.
func (s *MarketplaceService) Pay(ctx context.Context, in PayForServiceInput) (*ServicePaymentResponse, error) {
	p, err := s.getProposal(ctx, s.db, in.ProposalID)
	if err != nil {
		return nil, err
	}
	req, err := s.getRequest(ctx, s.db, p.RequestID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.ProposalAccepted || req.Status != models.RequestAccepted {
		return nil, newPreconditionError("Proposal not accepted or already paid")
	}

	kp, err := keypair.ParseFull(in.ClientSecret)
	if err != nil {
		return nil, newValidationError("Invalid secret key format")
	}
	if kp.Address() != req.ClientKey {
		return nil, newPreconditionError("Invalid client: only the requesting client can pay for this service")
	}

	// A caller-chosen issuer could be the client itself, which mints the
	// asset on payment and skips the balance check.
	if in.BDIssuer != "" && in.BDIssuer != s.asset.Issuer {
		return nil, newValidationError("Invalid bdIssuer: does not match the configured %s issuer", s.asset.Code)
	}
	asset := s.asset

	result, err := s.transfers.Transfer(ctx, TransferRequest{
		SenderSecret:                in.ClientSecret,
		SenderRole:                  "Client",
		Destination:                 p.ProviderKey,
		DestinationRole:             "Provider",
		Asset:                       asset,
		Amount:                      p.BidAmount,
		Memo:                        serviceMemo,
		RequireDestinationTrustline: true,
	})
	if err != nil {
		return nil, err
	}

	resp := &ServicePaymentResponse{
		Message:         "Payment successful",
		TransactionHash: result.Hash,
		Status:          models.RequestPaid,
	}

	var warnings []string
	if err := s.markPaid(ctx, p.ID, req.ID, result.Hash); err != nil {
		logger.WithFields(logrus.Fields{"proposal_id": p.ID, "tx_hash": result.Hash}).WithError(err).Error("[MARKET] Status update failed after payment")
		warnings = append(warnings, "Payment sent but service status could not be updated")
	}

	amount, _ := decimal.NewFromString(result.Amount)
	txLog, warning := s.settlement.settle(ctx, TransferRecord{
		ProductID:   p.ID,
		SenderKey:   result.Source,
		ReceiverKey: result.Destination,
		Amount:      amount,
		Currency:    asset.Code,
		Status:      LedgerStatusCompleted,
		TxHash:      result.Hash,
	})
	if warning != "" {
		warnings = append(warnings, warning)
	}
	resp.TransactionLog = txLog
	resp.Warning = strings.Join(warnings, "; ")
	return resp, nil
}

func (s *MarketplaceService) markPaid(ctx context.Context, proposalID, requestID, hash string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE service_proposals SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		models.ProposalPaid, now, proposalID, models.ProposalAccepted); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE service_requests SET status = $1, stellar_transaction_hash = $2, updated_at = $3 WHERE id = $4 AND status = $5`,
		models.RequestPaid, hash, now, requestID, models.RequestAccepted); err != nil {
		return err
	}
	return tx.Commit()
}

// GetRequest handles request lookup with its proposals
// @Summary Get a service request
// @Tags services
// @Produce json
// @Param requestId path string true "Request ID"
// @Success 200 {object} object{request=models.ServiceRequest,proposals=[]models.ServiceProposal}
// @Failure 404 {object} ErrorResponse
// @Router /services/requests/{requestId} [get]
func (s *MarketplaceService) GetRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "requestId")
	if _, err := uuid.Parse(id); err != nil {
		SendErrorResponse(w, "Invalid request id", http.StatusBadRequest, nil)
		return
	}

	req, err := s.getRequest(r.Context(), s.db, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	rows, err := s.db.QueryContext(r.Context(), `
		SELECT id, request_id, provider_key, proposal_text, bid_amount, status, created_at, updated_at
		FROM service_proposals
		WHERE request_id = $1
		ORDER BY created_at`, id)
	if err != nil {
		logger.WithError(err).Error("[MARKET] Failed to list proposals")
		SendErrorResponse(w, "Failed to load proposals", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	proposals := []models.ServiceProposal{}
	for rows.Next() {
		var p models.ServiceProposal
		if err := rows.Scan(&p.ID, &p.RequestID, &p.ProviderKey, &p.ProposalText, &p.BidAmount, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			logger.WithError(err).Error("[MARKET] Failed to scan proposal")
			SendErrorResponse(w, "Failed to load proposals", http.StatusInternalServerError, nil)
			return
		}
		proposals = append(proposals, p)
	}
	if err := rows.Err(); err != nil {
		logger.WithError(err).Error("[MARKET] Failed to read proposals")
		SendErrorResponse(w, "Failed to load proposals", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"request": req, "proposals": proposals})
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *MarketplaceService) getRequest(ctx context.Context, q queryer, id string) (*models.ServiceRequest, error) {
	var req models.ServiceRequest
	err := q.QueryRowContext(ctx, `
		SELECT id, client_key, description, budget, status, stellar_transaction_hash, created_at, updated_at
		FROM service_requests
		WHERE id = $1`, id).Scan(&req.ID, &req.ClientKey, &req.Description, &req.Budget, &req.Status,
		&req.StellarTxHash, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newNotFoundError("Service request not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load service request: %w", err)
	}
	return &req, nil
}

func (s *MarketplaceService) getProposal(ctx context.Context, q queryer, id string) (*models.ServiceProposal, error) {
	var p models.ServiceProposal
	err := q.QueryRowContext(ctx, `
		SELECT id, request_id, provider_key, proposal_text, bid_amount, status, created_at, updated_at
		FROM service_proposals
		WHERE id = $1`, id).Scan(&p.ID, &p.RequestID, &p.ProviderKey, &p.ProposalText, &p.BidAmount,
		&p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newNotFoundError("Proposal not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load proposal: %w", err)
	}
	return &p, nil
}
