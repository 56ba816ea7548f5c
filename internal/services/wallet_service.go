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

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stellar/go/keypair"

	"github.com/bluedollar/backend/internal/logger"
	"github.com/bluedollar/backend/internal/models"
	"github.com/bluedollar/backend/internal/stellar"
	"github.com/bluedollar/backend/internal/vault"
)

const generatedPasswordLength = 16

// WalletOptions carries the issuer side of wallet provisioning.
type WalletOptions struct {
	IssuerSecret string
	InitialGrant string
	MinIssuerXLM string
}

type WalletService struct {
	db           *sql.DB
	gateway      stellar.Gateway
	transfers    *TransferExecutor
	settlement   *Settlement
	vault        *vault.Vault
	asset        stellar.Asset
	issuerSecret string
	initialGrant string
	minIssuerXLM decimal.Decimal
	validator    *ValidationHelper
	now          func() time.Time
	newID        func() string
}

func NewWalletService(db *sql.DB, gateway stellar.Gateway, transfers *TransferExecutor, settlement *Settlement, v *vault.Vault, asset stellar.Asset, opts WalletOptions) *WalletService {
	grant := opts.InitialGrant
	if grant == "" {
		grant = "500"
	}
	minXLM, err := decimal.NewFromString(opts.MinIssuerXLM)
	if err != nil {
		minXLM = decimal.NewFromInt(1)
	}
	return &WalletService{
		db:           db,
		gateway:      gateway,
		transfers:    transfers,
		settlement:   settlement,
		vault:        v,
		asset:        asset,
		issuerSecret: opts.IssuerSecret,
		initialGrant: grant,
		minIssuerXLM: minXLM,
		validator:    NewValidationHelper(),
		now:          time.Now,
		newID:        func() string { return uuid.New().String() },
	}
}

// CreateAccountRequest represents a new wallet holder
// @Description Wallet account creation request
type CreateAccountRequest struct {
	Username        string `json:"username" validate:"required,min=2,max=100"`
	Email           string `json:"email" validate:"required,email"`
	Role            string `json:"role" validate:"required,max=50"`
	EntityBelongs   string `json:"entity_belongs" validate:"required,max=100"`
	EntityAdminName string `json:"entity_admin_name" validate:"required,max=100"`
}

type PaymentRequest struct {
	SenderSecret   string      `json:"senderSecret" validate:"required,stellar_secret"`
	ReceiverPublic string      `json:"receiverPublic" validate:"required,stellar_public"`
	Amount         json.Number `json:"amount" validate:"required,amount" swaggertype:"string" example:"10"`
}

// BDPaymentRequest is a BD payment that is also written to the ledger
// @Description BD payment with ledger log
type BDPaymentRequest struct {
	SenderSecret   string      `json:"senderSecret" validate:"required,stellar_secret"`
	ReceiverPublic string      `json:"receiverPublic" validate:"required,stellar_public"`
	Amount         json.Number `json:"amount" validate:"required,amount" swaggertype:"string" example:"10"`
	ProductID      string      `json:"product_id" validate:"required,max=100"`
	UserID         string      `json:"user_id" validate:"required,uuid"`
	TableAdminID   string      `json:"table_admin_id" validate:"required,max=100"`
}

type TrustlineRequest struct {
	Secret string `json:"secret"`
}

type WalletAmountsRequest struct {
	UserSecret string `json:"userSecret" validate:"required,stellar_secret"`
}

type PaymentResponse struct {
	Message         string                 `json:"message"`
	TransactionHash string                 `json:"transactionHash"`
	Status          string                 `json:"status,omitempty"`
	TransactionLog  *models.TransactionLog `json:"transaction_log,omitempty"`
	Warning         string                 `json:"warning,omitempty"`
}

type CreatedProfile struct {
	models.Profile
	Password  string `json:"password"`
	SecretKey string `json:"secret_key"`
}

type StellarInfo struct {
	PublicKey        string `json:"public_key"`
	XLMBalance       string `json:"xlm_balance,omitempty"`
	BDBalance        string `json:"bd_balance"`
	TrustlineCreated bool   `json:"trustline_created"`
}

type CreateAccountResponse struct {
	Message     string         `json:"message"`
	Profile     CreatedProfile `json:"profile"`
	StellarInfo StellarInfo    `json:"stellar_info"`
}

// CreateAccount handles wallet provisioning
// @Summary Create a funded wallet account
// @Description Generates a keypair, funds it, opens the BD trustline, grants the initial BD balance and stores the profile
// @Tags wallets
// @Accept json
// @Produce json
// @Param request body CreateAccountRequest true "Profile data"
// @Success 201 {object} CreateAccountResponse
// @Failure 400 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /wallets/create-account [post]
func (s *WalletService) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !decodeAndValidate(w, r, s.validator, &req) {
		return
	}

	resp, err := s.Provision(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Provision creates and stores a new wallet. Chain steps run in order and the
// profile is written only after all of them succeed.
func (s *WalletService) Provision(ctx context.Context, req CreateAccountRequest) (*CreateAccountResponse, error) {
	if err := s.checkIssuer(ctx); err != nil {
		return nil, err
	}

	kp, err := keypair.Random()
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	entry := logger.WithField("public_key", kp.Address())

	entry.Info("[WALLET] Funding new account")
	if err := s.gateway.Fund(ctx, kp.Address()); err != nil {
		return nil, newNetworkError(err)
	}

	entry.Info("[WALLET] Creating trustline")
	if _, err := s.transfers.CreateTrustline(ctx, kp.Seed(), s.asset); err != nil {
		return nil, err
	}

	entry.Infof("[WALLET] Granting %s %s", s.initialGrant, s.asset.Code)
	if _, err := s.transfers.Transfer(ctx, TransferRequest{
		SenderSecret: s.issuerSecret,
		SenderRole:   "Issuer",
		Destination:  kp.Address(),
		Asset:        s.asset,
		Amount:       s.initialGrant,
	}); err != nil {
		return nil, err
	}

	password, err := generatePassword(generatedPasswordLength)
	if err != nil {
		return nil, fmt.Errorf("generate password: %w", err)
	}
	hashed, err := hashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	storedSecret, err := sealSeed(s.vault, kp.Seed())
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	profile := models.Profile{
		ID:              s.newID(),
		Username:        req.Username,
		Email:           req.Email,
		PublicKey:       kp.Address(),
		Role:            req.Role,
		EntityBelongs:   req.EntityBelongs,
		EntityAdminName: req.EntityAdminName,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, username, email, password, public_key, secret_key, role, entity_belongs, entity_admin_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		profile.ID, profile.Username, profile.Email, hashed, profile.PublicKey, storedSecret,
		profile.Role, profile.EntityBelongs, profile.EntityAdminName, profile.CreatedAt, profile.UpdatedAt)
	if err != nil {
		entry.WithError(err).Error("[WALLET] Failed to save profile for funded account")
		return nil, fmt.Errorf("save profile: %w", err)
	}

	info := StellarInfo{PublicKey: kp.Address(), BDBalance: s.initialGrant, TrustlineCreated: true}
	if s.settlement != nil && s.settlement.Balances != nil {
		if snap, err := s.settlement.Balances.Refresh(ctx, kp.Address()); err == nil {
			info.XLMBalance = snap.XLMBalance
			info.BDBalance = snap.BDBalance
		} else {
			entry.WithError(err).Warn("[WALLET] Balance cache refresh failed")
		}
	}

	entry.WithField("profile_id", profile.ID).Info("[WALLET] Account created")
	return &CreateAccountResponse{
		Message:     fmt.Sprintf("Account created successfully with %s %s", s.initialGrant, s.asset.Code),
		Profile:     CreatedProfile{Profile: profile, Password: password, SecretKey: kp.Seed()},
		StellarInfo: info,
	}, nil
}

func (s *WalletService) checkIssuer(ctx context.Context) error {
	if s.issuerSecret == "" {
		return &ChainError{Message: "Issuer account not configured", Unavailable: true}
	}
	kp, err := keypair.ParseFull(s.issuerSecret)
	if err != nil {
		return &ChainError{Message: "Issuer account not configured", Unavailable: true, Err: err}
	}

	account, err := s.gateway.LoadAccount(ctx, kp.Address())
	if err != nil {
		if errors.Is(err, stellar.ErrAccountNotFound) {
			return &ChainError{Message: "Issuer account not found or not funded", Unavailable: true, Err: err}
		}
		return newNetworkError(err)
	}

	xlm, _ := account.FindBalance(stellar.NativeAsset())
	if xlm.LessThan(s.minIssuerXLM) {
		return &ChainError{Message: "Issuer account has insufficient XLM for fees", Unavailable: true}
	}
	return nil
}

// PayXLM handles native payments
// @Summary Send XLM
// @Tags wallets
// @Accept json
// @Produce json
// @Param request body PaymentRequest true "Payment data"
// @Success 200 {object} PaymentResponse
// @Failure 400 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /wallets/pay [post]
func (s *WalletService) PayXLM(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if !decodeAndValidate(w, r, s.validator, &req) {
		return
	}

	result, err := s.transfers.Transfer(r.Context(), TransferRequest{
		SenderSecret: req.SenderSecret,
		Destination:  req.ReceiverPublic,
		Asset:        stellar.NativeAsset(),
		Amount:       req.Amount.String(),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, PaymentResponse{
		Message:         fmt.Sprintf("Sent %s XLM from sender to receiver", result.Amount),
		TransactionHash: result.Hash,
	})
}

// PayBD handles BD payments with ledger logging
// @Summary Send BD and log the transaction
// @Description Sends BD, confirms the result on Horizon and writes the debit/credit ledger pair
// @Tags wallets
// @Accept json
// @Produce json
// @Param request body BDPaymentRequest true "Payment data"
// @Success 200 {object} PaymentResponse
// @Failure 400 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /wallets/pay-bd [post]
func (s *WalletService) PayBD(w http.ResponseWriter, r *http.Request) {
	var req BDPaymentRequest
	if !decodeAndValidate(w, r, s.validator, &req) {
		return
	}

	resp, err := s.SendBD(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *WalletService) SendBD(ctx context.Context, req BDPaymentRequest) (*PaymentResponse, error) {
	result, err := s.transfers.Transfer(ctx, TransferRequest{
		SenderSecret: req.SenderSecret,
		Destination:  req.ReceiverPublic,
		Asset:        s.asset,
		Amount:       req.Amount.String(),
	})
	if err != nil {
		return nil, err
	}

	// Horizon has already accepted the transaction; a failed lookup only
	// leaves the ledger status pending.
	status := LedgerStatusPending
	if ok, err := s.gateway.TransactionSuccessful(ctx, result.Hash); err != nil {
		logger.WithField("tx_hash", result.Hash).WithError(err).Warn("[WALLET] Could not confirm transaction status")
	} else if ok {
		status = LedgerStatusSuccess
	}

	amount, _ := decimal.NewFromString(result.Amount)
	userID := req.UserID
	tableAdmin := req.TableAdminID
	txLog, warning := s.settlement.settle(ctx, TransferRecord{
		ProductID:    req.ProductID,
		SenderKey:    result.Source,
		ReceiverKey:  result.Destination,
		SenderUserID: &userID,
		TableAdminID: &tableAdmin,
		Amount:       amount,
		Currency:     s.asset.Code,
		Status:       status,
		TxHash:       result.Hash,
	})

	return &PaymentResponse{
		Message:         fmt.Sprintf("Sent %s %s from sender to receiver", result.Amount, s.asset.Code),
		TransactionHash: result.Hash,
		Status:          status,
		TransactionLog:  txLog,
		Warning:         warning,
	}, nil
}

// CreateTrustline handles trustline creation
// @Summary Open a BD trustline
// @Tags wallets
// @Accept json
// @Produce json
// @Param request body TrustlineRequest true "Account secret"
// @Success 200 {object} object{message=string,transactionHash=string}
// @Failure 400 {object} ErrorResponse
// @Router /wallets/trustline [post]
func (s *WalletService) CreateTrustline(w http.ResponseWriter, r *http.Request) {
	var req TrustlineRequest
	if !decodeAndValidate(w, r, s.validator, &req) {
		return
	}
	if strings.TrimSpace(req.Secret) == "" {
		SendErrorResponse(w, "Missing secret key", http.StatusBadRequest, nil)
		return
	}

	hash, err := s.transfers.CreateTrustline(r.Context(), req.Secret, s.asset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":         "Trustline created successfully",
		"transactionHash": hash,
	})
}

// GetTransactions handles ledger lookup by user
// @Summary List a user's ledger entries
// @Tags wallets
// @Produce json
// @Param user_id query string true "User ID"
// @Success 200 {object} object{transactions=[]models.LedgerEntry}
// @Failure 400 {object} ErrorResponse
// @Router /wallets/transactions [get]
func (s *WalletService) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if _, err := uuid.Parse(userID); err != nil {
		SendErrorResponse(w, "Missing or invalid user_id", http.StatusBadRequest, nil)
		return
	}

	entries, err := s.settlement.Recorder.EntriesByUser(r.Context(), userID)
	if err != nil {
		logger.WithError(err).Error("[WALLET] Failed to load transactions")
		SendErrorResponse(w, "Failed to load transactions", http.StatusInternalServerError, nil)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": entries})
}

// GetPersons handles profile lookup by admin
// @Summary List profiles managed by an admin
// @Tags wallets
// @Produce json
// @Param table_admin_id query string true "Entity admin name"
// @Success 200 {object} object{users=[]models.Profile}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /wallets/persons [get]
func (s *WalletService) GetPersons(w http.ResponseWriter, r *http.Request) {
	admin := strings.TrimSpace(r.URL.Query().Get("table_admin_id"))
	if admin == "" {
		SendErrorResponse(w, "Missing or invalid table_admin_id", http.StatusBadRequest, nil)
		return
	}

	rows, err := s.db.QueryContext(r.Context(), `
		SELECT id, username, email, public_key, role, COALESCE(entity_belongs, ''), COALESCE(entity_admin_name, ''), created_at, updated_at
		FROM profiles
		WHERE entity_admin_name = $1
		ORDER BY created_at DESC`, admin)
	if err != nil {
		logger.WithError(err).Error("[WALLET] Failed to load profiles")
		SendErrorResponse(w, "Failed to load users", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	var users []models.Profile
	for rows.Next() {
		var p models.Profile
		if err := rows.Scan(&p.ID, &p.Username, &p.Email, &p.PublicKey, &p.Role, &p.EntityBelongs,
			&p.EntityAdminName, &p.CreatedAt, &p.UpdatedAt); err != nil {
			logger.WithError(err).Error("[WALLET] Failed to scan profile")
			SendErrorResponse(w, "Failed to load users", http.StatusInternalServerError, nil)
			return
		}
		users = append(users, p)
	}
	if err := rows.Err(); err != nil {
		logger.WithError(err).Error("[WALLET] Failed to read profiles")
		SendErrorResponse(w, "Failed to load users", http.StatusInternalServerError, nil)
		return
	}
	if len(users) == 0 {
		SendErrorResponse(w, "No users found for this table_admin_id", http.StatusNotFound, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

// GetWalletAmounts handles live balance lookup
// @Summary Get wallet balances
// @Description Reads XLM and BD balances from Horizon and caches them
// @Tags wallets
// @Accept json
// @Produce json
// @Param request body WalletAmountsRequest true "Wallet secret"
// @Success 200 {object} object{public_key=string,found_in_database=bool,username=string,email=string,balances=models.WalletBalance}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /wallets/amounts [post]
func (s *WalletService) GetWalletAmounts(w http.ResponseWriter, r *http.Request) {
	var req WalletAmountsRequest
	if !decodeAndValidate(w, r, s.validator, &req) {
		return
	}

	kp, err := keypair.ParseFull(req.UserSecret)
	if err != nil {
		SendErrorResponse(w, "Invalid secret key format", http.StatusBadRequest, nil)
		return
	}

	balances, err := s.settlement.Balances.Refresh(r.Context(), kp.Address())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := map[string]any{
		"public_key":        kp.Address(),
		"found_in_database": false,
		"balances":          balances,
	}

	var username, email string
	err = s.db.QueryRowContext(r.Context(), `SELECT username, email FROM profiles WHERE public_key = $1`, kp.Address()).
		Scan(&username, &email)
	switch {
	case err == nil:
		resp["found_in_database"] = true
		resp["username"] = username
		resp["email"] = email
	case !errors.Is(err, sql.ErrNoRows):
		logger.WithFields(logrus.Fields{"public_key": kp.Address()}).WithError(err).Warn("[WALLET] Profile lookup failed")
	}

	writeJSON(w, http.StatusOK, resp)
}
