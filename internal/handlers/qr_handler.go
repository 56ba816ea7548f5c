package handlers

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bluedollar/backend/internal/services"
)

type QRHandler struct {
	service   *services.QRService
	validator *services.ValidationHelper
}

func NewQRHandler(service *services.QRService) *QRHandler {
	return &QRHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// MemoQR returns a payment request QR for a memo
// @Summary Memo payment QR
// @Description SEP-7 pay request for a pending memo, as JSON or as a PNG with format=png
// @Tags QR
// @Produce json
// @Produce png
// @Param memoId path string true "Memo ID"
// @Param format query string false "json (default) or png"
// @Success 200 {object} services.PaymentRequestQR
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /memos/{memoId}/qr [get]
func (h *QRHandler) MemoQR(w http.ResponseWriter, r *http.Request) {
	memoID := chi.URLParam(r, "memoId")
	if _, err := uuid.Parse(memoID); err != nil {
		services.SendErrorResponse(w, "Invalid memo ID format", http.StatusBadRequest, nil)
		return
	}

	qr, err := h.service.MemoPaymentRequest(r.Context(), memoID)
	if err != nil {
		status := services.StatusFor(err)
		msg := err.Error()
		if status == http.StatusInternalServerError {
			msg = "Failed to generate payment request"
		}
		services.SendErrorResponse(w, msg, status, nil)
		return
	}

	if r.URL.Query().Get("format") == "png" {
		img, err := base64.StdEncoding.DecodeString(qr.Image)
		if err != nil {
			services.SendErrorResponse(w, "Failed to generate payment request", http.StatusInternalServerError, nil)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(img)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    qr,
	})
}

// DecodeQR reads a scanned payment request
// @Summary Decode a payment request
// @Description Parses a scanned SEP-7 pay URI into its fields
// @Tags QR
// @Accept json
// @Produce json
// @Param request body object{uri=string} true "Scanned URI"
// @Success 200 {object} object{success=bool,data=object}
// @Failure 400 {object} services.ErrorResponse
// @Router /qr/decode [post]
func (h *QRHandler) DecodeQR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URI string `json:"uri" validate:"required"`
	}

	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	values, err := services.ParsePayURI(req.URI)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	fields := make(map[string]string, len(values))
	for k := range values {
		fields[k] = values.Get(k)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    fields,
	})
}
