package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluedollar/backend/internal/config"
	"github.com/bluedollar/backend/internal/middleware"
	"github.com/bluedollar/backend/internal/models"
	"github.com/bluedollar/backend/internal/services"
	"github.com/bluedollar/backend/internal/stellar"
)

const testMemoID = "3b0e4a4c-3f4e-4c55-9a57-1f1f1d3c2b10"

type stubMemos struct{ memo *models.Memo }

func (s stubMemos) GetMemo(ctx context.Context, memoID string) (*models.Memo, error) {
	return s.memo, nil
}

func qrRouter(t *testing.T) http.Handler {
	t.Helper()
	issuer := keypair.MustRandom()
	memo := &models.Memo{
		ID:       testMemoID,
		SenderID: keypair.MustRandom().Address(),
		Amount:   "5.0000000",
		Memo:     "Lunch",
		Status:   models.MemoPending,
	}
	svc := services.NewQRService(stubMemos{memo: memo}, nil, stellar.Asset{Code: "BD", Issuer: issuer.Address()}, "")
	h := NewQRHandler(svc)

	r := chi.NewRouter()
	r.Get("/memos/{memoId}/qr", h.MemoQR)
	r.Post("/qr/decode", h.DecodeQR)
	return r
}

func TestQRHandler_MemoQR(t *testing.T) {
	h := qrRouter(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/memos/"+testMemoID+"/qr", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "web+stellar:pay?")

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/memos/"+testMemoID+"/qr?format=png", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "image/png", rr.Header().Get("Content-Type"))

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/memos/not-a-uuid/qr", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestQRHandler_DecodeQR(t *testing.T) {
	h := qrRouter(t)
	dest := keypair.MustRandom().Address()

	body := `{"uri":"web+stellar:pay?amount=5&destination=` + dest + `&memo=Lunch%20box"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/qr/decode", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"memo":"Lunch box"`)
	assert.Contains(t, rr.Body.String(), dest)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/qr/decode", bytes.NewBufferString(`{"uri":"bitcoin:abc"}`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestKeycloakHandler(t *testing.T) {
	cfg := &config.KeycloakConfig{BaseURL: "http://127.0.0.1:1", Realm: "bluedollar", ClientID: "bluedollar-api"}
	h := NewKeycloakHandler(services.NewTokenClient(cfg, nil, nil))

	t.Run("missing credentials", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.Token(rr, httptest.NewRequest(http.MethodPost, "/api/keycloak/token", bytes.NewBufferString(`{"username":"ada"}`)))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "MISSING_CREDENTIALS")
	})

	t.Run("unreachable provider", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.Token(rr, httptest.NewRequest(http.MethodPost, "/api/keycloak/token", bytes.NewBufferString(`{"username":"ada","password":"pw"}`)))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Contains(t, rr.Body.String(), "TOKEN_REQUEST_FAILED")
	})

	t.Run("logout needs refresh token", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.Logout(rr, httptest.NewRequest(http.MethodPost, "/api/keycloak/logout", bytes.NewBufferString(`{}`)))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("userinfo", func(t *testing.T) {
		claims := &middleware.Claims{Email: "ada@example.com", PreferredUsername: "ada"}
		claims.Subject = "user-1"
		req := httptest.NewRequest(http.MethodGet, "/api/keycloak/userinfo", nil)
		req = req.WithContext(middleware.WithClaims(req.Context(), claims))

		rr := httptest.NewRecorder()
		h.UserInfo(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `"preferred_username":"ada"`)
	})
}
