package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/stellar/go/keypair"

	"github.com/bluedollar/backend/internal/logger"
	"github.com/bluedollar/backend/internal/middleware"
	"github.com/bluedollar/backend/internal/models"
	"github.com/bluedollar/backend/internal/vault"
)

const entityColumns = `id, name, code, description, stellar_public_key, asset_code, created_by, entity_manager_id,
	is_active, created_at, updated_at`

const entityCodeTaken = "Entity code already exists. Please choose a different entity code."

// EntityService keeps the registry of organisations that hold wallets.
type EntityService struct {
	db           *sql.DB
	vault        *vault.Vault
	defaultAsset string
	validator    *ValidationHelper
	now          func() time.Time
	newID        func() string
}

func NewEntityService(db *sql.DB, v *vault.Vault, defaultAsset string) *EntityService {
	return &EntityService{
		db:           db,
		vault:        v,
		defaultAsset: defaultAsset,
		validator:    NewValidationHelper(),
		now:          time.Now,
		newID:        func() string { return uuid.New().String() },
	}
}

// CreateEntityRequest represents a new entity
// @Description Entity creation request
type CreateEntityRequest struct {
	Name                string `json:"name" validate:"required,max=100" example:"Campus Cafe"`
	Code                string `json:"code" validate:"required,max=50,entity_code" example:"CAFE_01"`
	Description         string `json:"description,omitempty"`
	StellarPublicKey    string `json:"stellar_public_key,omitempty" validate:"omitempty,stellar_public"`
	StellarSecretKey    string `json:"stellar_secret_key,omitempty" validate:"omitempty,stellar_secret"`
	AssetCode           string `json:"asset_code,omitempty" validate:"omitempty,max=12"`
	EntityManagerID     string `json:"entity_manager_id,omitempty" validate:"omitempty,uuid"`
	GenerateStellarKeys bool   `json:"generate_stellar_keys,omitempty"`
}

// UpdateEntityRequest carries the fields to change. Absent fields are kept.
// @Description Entity update request
type UpdateEntityRequest struct {
	Name             *string `json:"name,omitempty" validate:"omitempty,max=100"`
	Code             *string `json:"code,omitempty" validate:"omitempty,max=50,entity_code"`
	Description      *string `json:"description,omitempty"`
	StellarPublicKey *string `json:"stellar_public_key,omitempty" validate:"omitempty,stellar_public"`
	StellarSecretKey *string `json:"stellar_secret_key,omitempty" validate:"omitempty,stellar_secret"`
	AssetCode        *string `json:"asset_code,omitempty" validate:"omitempty,max=12"`
	EntityManagerID  *string `json:"entity_manager_id,omitempty" validate:"omitempty,uuid"`
	IsActive         *bool   `json:"is_active,omitempty"`
}

type countByKey struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// EntityStatistics summarises the registry.
type EntityStatistics struct {
	TotalEntities     int          `json:"total_entities"`
	ActiveEntities    int          `json:"active_entities"`
	InactiveEntities  int          `json:"inactive_entities"`
	WithStellarKeys   int          `json:"with_stellar_keys"`
	AssetCodes        []countByKey `json:"asset_codes"`
	EntitiesByManager []countByKey `json:"entities_by_manager"`
}

// CreateEntity handles entity creation
// @Summary Create an entity
// @Description Registers an entity, either with the given Stellar keys or a generated keypair
// @Tags entities
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body CreateEntityRequest true "Entity data"
// @Success 201 {object} object{success=bool,message=string,entity=models.Entity}
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /entities [post]
func (s *EntityService) CreateEntity(w http.ResponseWriter, r *http.Request) {
	createdBy := middleware.UserIDFromContext(r.Context())
	if createdBy == "" {
		SendErrorResponse(w, "Authentication required. User ID not found in request.", http.StatusUnauthorized, nil)
		return
	}

	var req CreateEntityRequest
	if !decodeAndValidate(w, r, s.validator, &req) {
		return
	}

	entity, err := s.Create(r.Context(), req, createdBy)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"message": "Entity created successfully",
		"entity":  entity,
	})
}

func (s *EntityService) Create(ctx context.Context, req CreateEntityRequest, createdBy string) (*models.Entity, error) {
	publicKey, secret := req.StellarPublicKey, req.StellarSecretKey

	if req.GenerateStellarKeys && (publicKey == "" || secret == "") {
		kp, err := keypair.Random()
		if err != nil {
			return nil, fmt.Errorf("generate entity keypair: %w", err)
		}
		publicKey, secret = kp.Address(), kp.Seed()
	}
	if publicKey == "" {
		return nil, newValidationError("Either provide stellar_public_key or set generate_stellar_keys=true")
	}
	if err := keysMatch(publicKey, secret); err != nil {
		return nil, err
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM entities WHERE code = $1)`, req.Code).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check entity code: %w", err)
	}
	if exists {
		return nil, newConflictError(entityCodeTaken)
	}

	var sealed *string
	if secret != "" {
		v, err := sealSeed(s.vault, secret)
		if err != nil {
			return nil, err
		}
		sealed = &v
	}

	assetCode := req.AssetCode
	if assetCode == "" {
		assetCode = s.defaultAsset
	}

	now := s.now().UTC()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO entities (id, name, code, description, stellar_public_key, stellar_secret_key, asset_code,
			created_by, entity_manager_id, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE, $10, $10)
		RETURNING `+entityColumns,
		s.newID(), req.Name, req.Code, optionalString(req.Description), publicKey, sealed, assetCode,
		createdBy, optionalString(req.EntityManagerID), now)
	entity, err := scanEntity(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, newConflictError(entityCodeTaken)
		}
		return nil, fmt.Errorf("insert entity: %w", err)
	}

	logger.WithFields(logrus.Fields{"entity_id": entity.ID, "code": entity.Code}).Info("[ENTITY] Entity created")
	return entity, nil
}

// ListEntities handles entity listing
// @Summary List entities
// @Tags entities
// @Produce json
// @Security BearerAuth
// @Param page query int false "Page" default(1)
// @Param limit query int false "Page size (1-100)" default(10)
// @Param is_active query bool false "Active filter"
// @Param asset_code query string false "Asset code filter"
// @Param entity_manager_id query string false "Manager filter"
// @Param created_by query string false "Creator filter"
// @Success 200 {object} object{success=bool,data=object}
// @Failure 400 {object} ErrorResponse
// @Router /entities [get]
func (s *EntityService) ListEntities(w http.ResponseWriter, r *http.Request) {
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

	q := r.URL.Query()
	filters := newFilterSet()
	if raw := q.Get("is_active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			SendErrorResponse(w, "is_active must be true or false", http.StatusBadRequest, nil)
			return
		}
		filters.eq("is_active", active)
	}
	if code := q.Get("asset_code"); code != "" {
		if len(code) > 12 {
			SendErrorResponse(w, "Asset code must be 12 characters or less", http.StatusBadRequest, nil)
			return
		}
		filters.eq("asset_code", code)
	}
	if manager := q.Get("entity_manager_id"); manager != "" {
		if _, err := uuid.Parse(manager); err != nil {
			SendErrorResponse(w, "Entity manager ID must be a valid UUID", http.StatusBadRequest, nil)
			return
		}
		filters.eq("entity_manager_id", manager)
	}
	if creator := q.Get("created_by"); creator != "" {
		filters.eq("created_by", creator)
	}

	var total int
	if err := s.db.QueryRowContext(r.Context(), "SELECT COUNT(*) FROM entities"+filters.where(), filters.args...).Scan(&total); err != nil {
		logger.WithError(err).Error("[ENTITY] Failed to count entities")
		SendErrorResponse(w, "Failed to fetch entities", http.StatusInternalServerError, nil)
		return
	}

	suffix, args := filters.page(limit, (page-1)*limit)
	rows, err := s.db.QueryContext(r.Context(),
		"SELECT "+entityColumns+" FROM entities"+filters.where()+" ORDER BY created_at DESC"+suffix, args...)
	if err != nil {
		logger.WithError(err).Error("[ENTITY] Failed to list entities")
		SendErrorResponse(w, "Failed to fetch entities", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	entities := []*models.Entity{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			logger.WithError(err).Error("[ENTITY] Failed to scan entity")
			SendErrorResponse(w, "Failed to fetch entities", http.StatusInternalServerError, nil)
			return
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		logger.WithError(err).Error("[ENTITY] Failed to read entities")
		SendErrorResponse(w, "Failed to fetch entities", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"entities":   entities,
			"pagination": pagination(page, limit, total),
			"filters":    filters.applied,
		},
	})
}

// GetEntity handles entity lookup by id
// @Summary Get an entity
// @Tags entities
// @Produce json
// @Security BearerAuth
// @Param entityId path string true "Entity ID"
// @Success 200 {object} object{success=bool,entity=models.Entity}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /entities/{entityId} [get]
func (s *EntityService) GetEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := entityIDParam(w, r)
	if !ok {
		return
	}
	entity, err := s.get(r.Context(), "id", id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "entity": entity})
}

// GetEntityByCode handles entity lookup by code
// @Summary Get an entity by code
// @Tags entities
// @Produce json
// @Security BearerAuth
// @Param code path string true "Entity code"
// @Success 200 {object} object{success=bool,entity=models.Entity}
// @Failure 404 {object} ErrorResponse
// @Router /entities/code/{code} [get]
func (s *EntityService) GetEntityByCode(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if code == "" || len(code) > 50 {
		SendErrorResponse(w, "Entity code must be between 1 and 50 characters", http.StatusBadRequest, nil)
		return
	}
	entity, err := s.get(r.Context(), "code", code)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "entity": entity})
}

// UpdateEntity handles entity updates
// @Summary Update an entity
// @Tags entities
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param entityId path string true "Entity ID"
// @Param request body UpdateEntityRequest true "Fields to change"
// @Success 200 {object} object{success=bool,message=string,entity=models.Entity}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /entities/{entityId} [put]
func (s *EntityService) UpdateEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := entityIDParam(w, r)
	if !ok {
		return
	}
	var req UpdateEntityRequest
	if !decodeAndValidate(w, r, s.validator, &req) {
		return
	}

	entity, err := s.Update(r.Context(), id, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Entity updated successfully",
		"entity":  entity,
	})
}

func (s *EntityService) Update(ctx context.Context, id string, req UpdateEntityRequest) (*models.Entity, error) {
	current, err := s.get(ctx, "id", id)
	if err != nil {
		return nil, err
	}

	var (
		sets []string
		args []any
	)
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if req.Name != nil {
		set("name", *req.Name)
	}
	if req.Code != nil && *req.Code != current.Code {
		var taken bool
		err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM entities WHERE code = $1 AND id <> $2)`, *req.Code, id).Scan(&taken)
		if err != nil {
			return nil, fmt.Errorf("check entity code: %w", err)
		}
		if taken {
			return nil, newConflictError("Another entity with this code already exists")
		}
		set("code", *req.Code)
	}
	if req.Description != nil {
		set("description", optionalString(*req.Description))
	}
	if req.StellarPublicKey != nil {
		set("stellar_public_key", *req.StellarPublicKey)
	}
	if req.StellarSecretKey != nil {
		publicKey := ""
		if current.StellarPublicKey != nil {
			publicKey = *current.StellarPublicKey
		}
		if req.StellarPublicKey != nil {
			publicKey = *req.StellarPublicKey
		}
		if err := keysMatch(publicKey, *req.StellarSecretKey); err != nil {
			return nil, err
		}
		sealed, err := sealSeed(s.vault, *req.StellarSecretKey)
		if err != nil {
			return nil, err
		}
		set("stellar_secret_key", sealed)
	}
	if req.AssetCode != nil {
		set("asset_code", *req.AssetCode)
	}
	if req.EntityManagerID != nil {
		set("entity_manager_id", optionalString(*req.EntityManagerID))
	}
	if req.IsActive != nil {
		set("is_active", *req.IsActive)
	}
	if len(sets) == 0 {
		return nil, newValidationError("At least one field must be provided for update")
	}
	set("updated_at", s.now().UTC())

	args = append(args, id)
	query := fmt.Sprintf("UPDATE entities SET %s WHERE id = $%d RETURNING %s", strings.Join(sets, ", "), len(args), entityColumns)
	entity, err := scanEntity(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newNotFoundError("Entity not found")
	}
	if err != nil {
		if isUniqueViolation(err) {
			return nil, newConflictError("Another entity with this code already exists")
		}
		return nil, fmt.Errorf("update entity: %w", err)
	}

	logger.WithField("entity_id", id).Info("[ENTITY] Entity updated")
	return entity, nil
}

// ToggleEntityStatus handles activation changes
// @Summary Toggle entity active status
// @Tags entities
// @Produce json
// @Security BearerAuth
// @Param entityId path string true "Entity ID"
// @Success 200 {object} object{success=bool,message=string,entity=models.Entity}
// @Failure 404 {object} ErrorResponse
// @Router /entities/{entityId}/toggle-status [patch]
func (s *EntityService) ToggleEntityStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := entityIDParam(w, r)
	if !ok {
		return
	}

	entity, err := scanEntity(s.db.QueryRowContext(r.Context(), `
		UPDATE entities SET is_active = NOT is_active, updated_at = $1
		WHERE id = $2
		RETURNING `+entityColumns, s.now().UTC(), id))
	if errors.Is(err, sql.ErrNoRows) {
		SendErrorResponse(w, "Entity not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		logger.WithError(err).Error("[ENTITY] Failed to toggle entity status")
		SendErrorResponse(w, "Internal server error while updating entity status", http.StatusInternalServerError, nil)
		return
	}

	state := "inactive"
	if entity.IsActive {
		state = "active"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Entity status updated to " + state,
		"entity":  entity,
	})
}

// DeleteEntity handles soft deletion
// @Summary Deactivate an entity
// @Tags entities
// @Produce json
// @Security BearerAuth
// @Param entityId path string true "Entity ID"
// @Success 200 {object} object{success=bool,message=string,entity=models.Entity}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /entities/{entityId} [delete]
func (s *EntityService) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := entityIDParam(w, r)
	if !ok {
		return
	}

	entity, err := s.Deactivate(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Entity deactivated successfully",
		"entity":  entity,
	})
}

// Deactivate soft deletes an entity. Rows are never removed.
func (s *EntityService) Deactivate(ctx context.Context, id string) (*models.Entity, error) {
	current, err := s.get(ctx, "id", id)
	if err != nil {
		return nil, err
	}
	if !current.IsActive {
		return nil, newPreconditionError("Entity is already inactive")
	}

	entity, err := scanEntity(s.db.QueryRowContext(ctx, `
		UPDATE entities SET is_active = FALSE, updated_at = $1
		WHERE id = $2 AND is_active
		RETURNING `+entityColumns, s.now().UTC(), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newPreconditionError("Entity is already inactive")
	}
	if err != nil {
		return nil, fmt.Errorf("deactivate entity: %w", err)
	}
	logger.WithField("entity_id", id).Info("[ENTITY] Entity deactivated")
	return entity, nil
}

// GetStatistics handles registry statistics
// @Summary Entity statistics
// @Tags entities
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{success=bool,statistics=EntityStatistics}
// @Router /entities/statistics [get]
func (s *EntityService) GetStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Statistics(r.Context())
	if err != nil {
		logger.WithError(err).Error("[ENTITY] Failed to compute statistics")
		SendErrorResponse(w, "Internal server error while fetching entity statistics", http.StatusInternalServerError, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "statistics": stats})
}

func (s *EntityService) Statistics(ctx context.Context) (*EntityStatistics, error) {
	stats := &EntityStatistics{}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE is_active),
			COUNT(*) FILTER (WHERE stellar_public_key IS NOT NULL)
		FROM entities`).Scan(&stats.TotalEntities, &stats.ActiveEntities, &stats.WithStellarKeys)
	if err != nil {
		return nil, fmt.Errorf("count entities: %w", err)
	}
	stats.InactiveEntities = stats.TotalEntities - stats.ActiveEntities

	if stats.AssetCodes, err = s.countBy(ctx, "asset_code"); err != nil {
		return nil, err
	}
	if stats.EntitiesByManager, err = s.countBy(ctx, "entity_manager_id"); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *EntityService) countBy(ctx context.Context, column string) ([]countByKey, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT %[1]s, COUNT(*) FROM entities WHERE %[1]s IS NOT NULL GROUP BY %[1]s ORDER BY %[1]s", column))
	if err != nil {
		return nil, fmt.Errorf("count entities by %s: %w", column, err)
	}
	defer rows.Close()

	counts := []countByKey{}
	for rows.Next() {
		var c countByKey
		if err := rows.Scan(&c.Key, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// GenerateKeys handles keypair rotation
// @Summary Generate a new Stellar keypair for an entity
// @Description The secret key is returned once and stored sealed
// @Tags entities
// @Produce json
// @Security BearerAuth
// @Param entityId path string true "Entity ID"
// @Success 200 {object} object{success=bool,message=string,data=object}
// @Failure 404 {object} ErrorResponse
// @Router /entities/{entityId}/generate-keys [post]
func (s *EntityService) GenerateKeys(w http.ResponseWriter, r *http.Request) {
	id, ok := entityIDParam(w, r)
	if !ok {
		return
	}

	kp, entity, err := s.RotateKeys(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "New Stellar keypair generated successfully",
		"data": map[string]any{
			"stellar_public_key": kp.Address(),
			"stellar_secret_key": kp.Seed(),
			"entity":             entity,
		},
	})
}

func (s *EntityService) RotateKeys(ctx context.Context, id string) (*keypair.Full, *models.Entity, error) {
	kp, err := keypair.Random()
	if err != nil {
		return nil, nil, fmt.Errorf("generate entity keypair: %w", err)
	}
	sealed, err := sealSeed(s.vault, kp.Seed())
	if err != nil {
		return nil, nil, err
	}

	entity, err := scanEntity(s.db.QueryRowContext(ctx, `
		UPDATE entities SET stellar_public_key = $1, stellar_secret_key = $2, updated_at = $3
		WHERE id = $4
		RETURNING `+entityColumns, kp.Address(), sealed, s.now().UTC(), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, newNotFoundError("Entity not found")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("store entity keys: %w", err)
	}

	logger.WithFields(logrus.Fields{"entity_id": id, "public_key": kp.Address()}).Info("[ENTITY] Keypair rotated")
	return kp, entity, nil
}

func (s *EntityService) get(ctx context.Context, column, value string) (*models.Entity, error) {
	entity, err := scanEntity(s.db.QueryRowContext(ctx,
		"SELECT "+entityColumns+" FROM entities WHERE "+column+" = $1", value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newNotFoundError("Entity not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load entity: %w", err)
	}
	return entity, nil
}

func scanEntity(row rowScanner) (*models.Entity, error) {
	var e models.Entity
	err := row.Scan(&e.ID, &e.Name, &e.Code, &e.Description, &e.StellarPublicKey, &e.AssetCode, &e.CreatedBy,
		&e.EntityManagerID, &e.IsActive, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// keysMatch checks that secret, when given, signs for publicKey.
func keysMatch(publicKey, secret string) error {
	if secret == "" {
		return nil
	}
	kp, err := keypair.ParseFull(secret)
	if err != nil {
		return newValidationError("Invalid Stellar secret key format")
	}
	if publicKey != "" && kp.Address() != publicKey {
		return newValidationError("Stellar secret key does not belong to the given public key")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolate
}

func entityIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "entityId")
	if _, err := uuid.Parse(id); err != nil {
		SendErrorResponse(w, "Invalid entity ID format. Must be a valid UUID.", http.StatusBadRequest, nil)
		return "", false
	}
	return id, true
}
