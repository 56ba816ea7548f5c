package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/bluedollar/backend/internal/logger"
	"github.com/bluedollar/backend/internal/middleware"
	"github.com/bluedollar/backend/internal/services"
)

type KeycloakHandler struct {
	tokens *services.TokenClient
}

func NewKeycloakHandler(tokens *services.TokenClient) *KeycloakHandler {
	return &KeycloakHandler{tokens: tokens}
}

type tokenRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	GrantType string `json:"grant_type,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Token exchanges user credentials for tokens
// @Summary Get access token from Keycloak
// @Tags Keycloak
// @Accept json
// @Produce json
// @Param request body tokenRequest true "Credentials"
// @Success 200 {object} object{success=bool,message=string,data=services.TokenResponse}
// @Failure 400 {object} object{success=bool,message=string,error=string}
// @Failure 401 {object} object{success=bool,message=string,error=string}
// @Router /keycloak/token [post]
func (h *KeycloakHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeTokenResult(w, http.StatusBadRequest, "Username and password are required", "MISSING_CREDENTIALS", nil)
		return
	}
	if req.GrantType != "" && req.GrantType != "password" {
		writeTokenResult(w, http.StatusBadRequest, "Only the password grant is supported", "UNSUPPORTED_GRANT", nil)
		return
	}

	tok, err := h.tokens.Password(r.Context(), req.Username, req.Password)
	if err != nil {
		logger.WithError(err).Warn("[KEYCLOAK] Token request failed")
		writeTokenResult(w, http.StatusUnauthorized, err.Error(), "TOKEN_REQUEST_FAILED", nil)
		return
	}
	writeTokenResult(w, http.StatusOK, "Access token obtained successfully", "", tok)
}

// Refresh exchanges a refresh token
// @Summary Refresh an access token
// @Tags Keycloak
// @Accept json
// @Produce json
// @Param request body refreshRequest true "Refresh token"
// @Success 200 {object} object{success=bool,message=string,data=services.TokenResponse}
// @Failure 400 {object} object{success=bool,message=string,error=string}
// @Failure 401 {object} object{success=bool,message=string,error=string}
// @Router /keycloak/refresh [post]
func (h *KeycloakHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		writeTokenResult(w, http.StatusBadRequest, "Refresh token is required", "MISSING_REFRESH_TOKEN", nil)
		return
	}

	tok, err := h.tokens.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		logger.WithError(err).Warn("[KEYCLOAK] Token refresh failed")
		writeTokenResult(w, http.StatusUnauthorized, err.Error(), "TOKEN_REFRESH_FAILED", nil)
		return
	}
	writeTokenResult(w, http.StatusOK, "Token refreshed successfully", "", tok)
}

// Logout ends the session
// @Summary Logout from Keycloak
// @Description Ends the Keycloak session and blacklists the bearer token, when one is sent, until it expires
// @Tags Keycloak
// @Accept json
// @Produce json
// @Param request body refreshRequest true "Refresh token"
// @Success 200 {object} object{success=bool,message=string}
// @Failure 400 {object} object{success=bool,message=string,error=string}
// @Router /keycloak/logout [post]
func (h *KeycloakHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		writeTokenResult(w, http.StatusBadRequest, "Refresh token is required", "MISSING_REFRESH_TOKEN", nil)
		return
	}

	access, _ := middleware.BearerToken(r)
	if err := h.tokens.Logout(r.Context(), req.RefreshToken, access); err != nil {
		logger.WithError(err).Warn("[KEYCLOAK] Logout failed")
		writeTokenResult(w, http.StatusBadRequest, err.Error(), "LOGOUT_FAILED", nil)
		return
	}
	writeTokenResult(w, http.StatusOK, "Logout successful", "", nil)
}

// UserInfo returns the caller's verified claims
// @Summary Current user
// @Tags Keycloak
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{success=bool,data=object}
// @Failure 401 {object} object{error=string,message=string}
// @Router /keycloak/userinfo [get]
func (h *KeycloakHandler) UserInfo(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeTokenResult(w, http.StatusUnauthorized, "User not authenticated", "USER_INFO_FAILED", nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data": map[string]any{
			"sub":                claims.Subject,
			"email":              claims.Email,
			"preferred_username": claims.PreferredUsername,
			"roles":              claims.RealmAccess.Roles,
		},
	})
}

func writeTokenResult(w http.ResponseWriter, status int, message, code string, data any) {
	body := map[string]any{"success": status < 300, "message": message}
	if code != "" {
		body["error"] = code
	}
	if data != nil {
		body["data"] = data
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	return true
}
