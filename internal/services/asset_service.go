package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stellar/go/keypair"

	"github.com/bluedollar/backend/internal/logger"
	"github.com/bluedollar/backend/internal/middleware"
	"github.com/bluedollar/backend/internal/models"
	"github.com/bluedollar/backend/internal/stellar"
	"github.com/bluedollar/backend/internal/vault"
)

const (
	assetProvider   = "Stellar Network"
	pqUniqueViolate = "23505"
)

const assetColumns = `asset_id, asset_code, asset_name, asset_provider, asset_provider_public_key, description, total_supply,
	category, icon_url, website, is_active, created_by, updated_by, created_at, updated_at`

// AssetService manages issuer-backed custom assets.
type AssetService struct {
	db        *sql.DB
	gateway   stellar.Gateway
	transfers *TransferExecutor
	vault     *vault.Vault
	network   string
	testnet   bool
	timeout   int64
	validator *ValidationHelper
	now       func() time.Time
	newID     func() string
}

func NewAssetService(db *sql.DB, gateway stellar.Gateway, transfers *TransferExecutor, v *vault.Vault, network string, testnet bool, timeout int64) *AssetService {
	return &AssetService{
		db:        db,
		gateway:   gateway,
		transfers: transfers,
		vault:     v,
		network:   network,
		testnet:   testnet,
		timeout:   timeout,
		validator: NewValidationHelper(),
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// CreateAssetRequest represents a new custom asset
// @Description Custom asset creation request
type CreateAssetRequest struct {
	AssetCode   string      `json:"asset_code" validate:"required,max=12,asset_code,uppercase" example:"BD"`
	AssetName   string      `json:"asset_name" validate:"required,max=50" example:"Blue Dollar"`
	Description string      `json:"description,omitempty" validate:"max=500"`
	TotalSupply json.Number `json:"total_supply,omitempty" validate:"omitempty,amount" swaggertype:"string"`
	Category    string      `json:"category,omitempty" validate:"max=50"`
	IconURL     string      `json:"icon_url,omitempty" validate:"omitempty,url"`
	Website     string      `json:"website,omitempty" validate:"omitempty,url"`
}

// IssueAssetRequest represents an issuance to a recipient
// @Description Asset issuance request
type IssueAssetRequest struct {
	RecipientPublicKey string      `json:"recipient_public_key" validate:"required,stellar_public"`
	Amount             json.Number `json:"amount" validate:"required,amount" swaggertype:"string" example:"100"`
}

type IssueResult struct {
	TransactionHash string `json:"transaction_hash"`
	AssetCode       string `json:"asset_code"`
	Issuer          string `json:"issuer"`
	Recipient       string `json:"recipient"`
	Amount          string `json:"amount"`
	Status          string `json:"status"`
}

// CreateAsset handles custom asset creation
// @Summary Create a custom asset issuer
// @Description Generates an issuer keypair for the asset, stores it sealed and funds it on testnet
// @Tags assets
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body CreateAssetRequest true "Asset data"
// @Success 201 {object} object{success=bool,message=string,asset=models.Asset}
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /assets [post]
func (s *AssetService) CreateAsset(w http.ResponseWriter, r *http.Request) {
	var req CreateAssetRequest
	if !decodeAndValidate(w, r, s.validator, &req) {
		return
	}

	asset, err := s.Create(r.Context(), req, middleware.UserIDFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"message": "Custom asset issuer created successfully",
		"asset":   asset,
		"stellar_info": map[string]string{
			"issuer_public_key": asset.ProviderPublicKey,
			"network":           s.network,
		},
	})
}

func (s *AssetService) Create(ctx context.Context, req CreateAssetRequest, createdBy string) (*models.Asset, error) {
	var supply *string
	if req.TotalSupply != "" {
		d, err := parseAmount(req.TotalSupply.String())
		if err != nil {
			return nil, err
		}
		v := formatAmount(d)
		supply = &v
	}
	if createdBy == "" {
		createdBy = "system"
	}

	kp, err := keypair.Random()
	if err != nil {
		return nil, fmt.Errorf("generate issuer keypair: %w", err)
	}
	sealed, err := sealSeed(s.vault, kp.Seed())
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	asset := &models.Asset{
		ID:                s.newID(),
		Code:              req.AssetCode,
		Name:              req.AssetName,
		Provider:          assetProvider,
		ProviderPublicKey: kp.Address(),
		Description:       optionalString(req.Description),
		TotalSupply:       supply,
		Category:          optionalString(req.Category),
		IconURL:           optionalString(req.IconURL),
		Website:           optionalString(req.Website),
		IsActive:          true,
		CreatedBy:         createdBy,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO assets (asset_id, asset_code, asset_name, asset_provider, asset_provider_public_key, asset_provider_secret_key,
			description, total_supply, category, icon_url, website, is_active, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		asset.ID, asset.Code, asset.Name, asset.Provider, asset.ProviderPublicKey, sealed,
		asset.Description, asset.TotalSupply, asset.Category, asset.IconURL, asset.Website,
		asset.IsActive, asset.CreatedBy, asset.CreatedAt, asset.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, newConflictError("Asset code '%s' already exists. Please choose a different asset code.", req.AssetCode)
		}
		return nil, fmt.Errorf("insert asset: %w", err)
	}

	entry := logger.WithFields(logrus.Fields{"asset_id": asset.ID, "asset_code": asset.Code, "issuer": asset.ProviderPublicKey})
	entry.Info("[ASSET] Asset issuer created")

	// The row is already stored; an unfunded issuer can be topped up later.
	if s.testnet {
		if err := s.gateway.Fund(ctx, asset.ProviderPublicKey); err != nil {
			entry.WithError(err).Warn("[ASSET] Friendbot funding failed, continuing")
		}
	}
	return asset, nil
}

// ListAssets handles asset listing
// @Summary List assets
// @Tags assets
// @Produce json
// @Security BearerAuth
// @Param page query int false "Page" default(1)
// @Param limit query int false "Page size (1-100)" default(10)
// @Param is_active query bool false "Active filter"
// @Param category query string false "Category filter"
// @Success 200 {object} object{success=bool,data=object}
// @Failure 400 {object} ErrorResponse
// @Router /assets [get]
func (s *AssetService) ListAssets(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1, 1, -1)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", 10, 1, 100)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	filters := newFilterSet()
	if raw := r.URL.Query().Get("is_active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			SendErrorResponse(w, "is_active must be true or false", http.StatusBadRequest, nil)
			return
		}
		filters.eq("is_active", active)
	}
	if category := r.URL.Query().Get("category"); category != "" {
		if len(category) > 50 {
			SendErrorResponse(w, "Category must be 50 characters or less", http.StatusBadRequest, nil)
			return
		}
		filters.eq("category", category)
	}

	var total int
	if err := s.db.QueryRowContext(r.Context(), "SELECT COUNT(*) FROM assets"+filters.where(), filters.args...).Scan(&total); err != nil {
		logger.WithError(err).Error("[ASSET] Failed to count assets")
		SendErrorResponse(w, "Failed to fetch assets", http.StatusInternalServerError, nil)
		return
	}

	suffix, args := filters.page(limit, (page-1)*limit)
	rows, err := s.db.QueryContext(r.Context(),
		"SELECT "+assetColumns+" FROM assets"+filters.where()+" ORDER BY created_at DESC"+suffix, args...)
	if err != nil {
		logger.WithError(err).Error("[ASSET] Failed to list assets")
		SendErrorResponse(w, "Failed to fetch assets", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	assets := []*models.Asset{}
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			logger.WithError(err).Error("[ASSET] Failed to scan asset")
			SendErrorResponse(w, "Failed to fetch assets", http.StatusInternalServerError, nil)
			return
		}
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		logger.WithError(err).Error("[ASSET] Failed to read assets")
		SendErrorResponse(w, "Failed to fetch assets", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"assets": assets,
			"pagination": pagination(page, limit, total),
			"filters":    filters.applied,
		},
	})
}

// GetAsset handles asset lookup
// @Summary Get an asset
// @Tags assets
// @Produce json
// @Security BearerAuth
// @Param assetId path string true "Asset ID"
// @Success 200 {object} object{success=bool,asset=models.Asset}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /assets/{assetId} [get]
func (s *AssetService) GetAsset(w http.ResponseWriter, r *http.Request) {
	id, ok := assetIDParam(w, r)
	if !ok {
		return
	}

	asset, _, err := s.load(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "asset": asset})
}

// ToggleAssetStatus handles activation changes
// @Summary Toggle asset active status
// @Tags assets
// @Produce json
// @Security BearerAuth
// @Param assetId path string true "Asset ID"
// @Success 200 {object} object{success=bool,message=string,asset=models.Asset}
// @Failure 404 {object} ErrorResponse
// @Router /assets/{assetId}/toggle-status [patch]
func (s *AssetService) ToggleAssetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := assetIDParam(w, r)
	if !ok {
		return
	}

	row := s.db.QueryRowContext(r.Context(), `
		UPDATE assets SET is_active = NOT is_active, updated_by = $1, updated_at = $2
		WHERE asset_id = $3
		RETURNING `+assetColumns, optionalString(middleware.UserIDFromContext(r.Context())), s.now().UTC(), id)
	asset, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		SendErrorResponse(w, "Asset not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		logger.WithError(err).Error("[ASSET] Failed to toggle asset status")
		SendErrorResponse(w, "Failed to update asset status", http.StatusInternalServerError, nil)
		return
	}

	state := "inactive"
	if asset.IsActive {
		state = "active"
	}
	logger.WithFields(logrus.Fields{"asset_id": id, "is_active": asset.IsActive}).Info("[ASSET] Status toggled")
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Asset status updated to " + state,
		"asset":   asset,
	})
}

// IssueAsset handles issuance
// @Summary Issue an asset to an account
// @Description Pays the requested amount from the asset's issuer account to the recipient
// @Tags assets
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param assetId path string true "Asset ID"
// @Param request body IssueAssetRequest true "Issuance data"
// @Success 200 {object} object{success=bool,message=string,transaction=IssueResult}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /assets/{assetId}/issue [post]
func (s *AssetService) IssueAsset(w http.ResponseWriter, r *http.Request) {
	id, ok := assetIDParam(w, r)
	if !ok {
		return
	}
	var req IssueAssetRequest
	if !decodeAndValidate(w, r, s.validator, &req) {
		return
	}

	result, err := s.Issue(r.Context(), id, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"message":     "Asset issued successfully",
		"transaction": result,
	})
}

func (s *AssetService) Issue(ctx context.Context, assetID string, req IssueAssetRequest) (*IssueResult, error) {
	asset, sealed, err := s.load(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if !asset.IsActive {
		return nil, newPreconditionError("Asset is not active and cannot be issued")
	}

	secret, err := openSeed(s.vault, sealed)
	if err != nil {
		return nil, err
	}

	result, err := s.transfers.Transfer(ctx, TransferRequest{
		SenderSecret:    secret,
		SenderRole:      "Issuer",
		Destination:     req.RecipientPublicKey,
		DestinationRole: "Recipient",
		Asset:           stellar.Asset{Code: asset.Code, Issuer: asset.ProviderPublicKey},
		Amount:          req.Amount.String(),
		Memo:            "Issue " + asset.Code,
		Timeout:         s.timeout,
	})
	if err != nil {
		return nil, mapIssueError(err)
	}

	return &IssueResult{
		TransactionHash: result.Hash,
		AssetCode:       asset.Code,
		Issuer:          asset.ProviderPublicKey,
		Recipient:       result.Destination,
		Amount:          result.Amount,
		Status:          "success",
	}, nil
}

// mapIssueError rewords payment failures from the issuer's point of view.
func mapIssueError(err error) error {
	var (
		sErr *stellar.SubmitError
		nErr *NotFoundError
	)
	switch {
	case errors.As(err, &nErr) && nErr.Message == "Destination account not found":
		return newNotFoundError("Recipient account does not exist on Stellar network")
	case errors.As(err, &sErr) && sErr.HasOperationCode("op_no_trust"):
		return &ChainError{Message: "Recipient account has not established trustline for this asset", Err: err}
	case errors.As(err, &sErr) && sErr.HasOperationCode("op_underfunded"):
		return &ChainError{Message: "Issuer account has insufficient XLM for transaction fees", Err: err}
	}
	return err
}

// load returns the asset and its stored (sealed) issuer secret.
func (s *AssetService) load(ctx context.Context, id string) (*models.Asset, string, error) {
	var sealed string
	row := s.db.QueryRowContext(ctx, `SELECT `+assetColumns+`, asset_provider_secret_key FROM assets WHERE asset_id = $1`, id)
	asset, err := scanAsset(row, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", newNotFoundError("Asset not found")
	}
	if err != nil {
		return nil, "", fmt.Errorf("load asset: %w", err)
	}
	return asset, sealed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner, extra ...any) (*models.Asset, error) {
	var a models.Asset
	dest := []any{&a.ID, &a.Code, &a.Name, &a.Provider, &a.ProviderPublicKey, &a.Description, &a.TotalSupply,
		&a.Category, &a.IconURL, &a.Website, &a.IsActive, &a.CreatedBy, &a.UpdatedBy, &a.CreatedAt, &a.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &a, nil
}

func assetIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "assetId")
	if _, err := uuid.Parse(id); err != nil {
		SendErrorResponse(w, "Invalid asset ID format. Must be a valid UUID.", http.StatusBadRequest, nil)
		return "", false
	}
	return id, true
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
