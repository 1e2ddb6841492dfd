package checkout

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/wekeza-labs/backend-duka/internal/catalog"
	"github.com/wekeza-labs/backend-duka/internal/common"
	"github.com/wekeza-labs/backend-duka/internal/daraja"
	"github.com/wekeza-labs/backend-duka/internal/phone"
	"github.com/wekeza-labs/backend-duka/internal/schedule"
)

type Handler struct {
	Svc      *Service
	Validate *validator.Validate
}

// Checkout opens an order and pushes the deposit. When the push fails the
// order is still created and returned so the client can retry the payment.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout service not configured", nil)
		return
	}
	var payload Input
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if h.Validate != nil {
		if err := h.Validate.Struct(payload); err != nil {
			common.JSONError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error(), nil)
			return
		}
	}
	out, err := h.Svc.Create(r.Context(), payload)
	if err != nil {
		h.writeError(w, out, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": out})
}

func (h *Handler) writeError(w http.ResponseWriter, out Output, err error) {
	var details any
	if out.OrderID != "" {
		details = map[string]any{"orderId": out.OrderID, "scheduleId": out.ScheduleID}
	}
	switch {
	case errors.Is(err, phone.ErrInvalidFormat):
		common.JSONError(w, http.StatusBadRequest, "INVALID_PHONE_FORMAT", err.Error(), nil)
	case errors.Is(err, schedule.ErrInvalidParameters):
		common.JSONError(w, http.StatusBadRequest, "INVALID_SCHEDULE_PARAMETERS", err.Error(), nil)
	case errors.Is(err, catalog.ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "PRODUCT_NOT_FOUND", "product not found", nil)
	case errors.Is(err, daraja.ErrAuthExpired):
		common.JSONError(w, http.StatusBadGateway, "AUTH_EXPIRED", "payment gateway authentication failed", details)
	case errors.Is(err, daraja.ErrUnavailable):
		common.JSONError(w, http.StatusBadGateway, "GATEWAY_UNAVAILABLE", "payment gateway unreachable", details)
	default:
		if rej, ok := daraja.IsRejected(err); ok {
			common.JSONError(w, http.StatusUnprocessableEntity, "GATEWAY_REJECTED", rej.Message, details)
			return
		}
		var appErr *common.AppError
		if errors.As(err, &appErr) {
			status := appErr.HTTPStatus
			if status == 0 {
				status = http.StatusBadRequest
			}
			common.JSONError(w, status, appErr.Code, appErr.Message, appErr.Details)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), details)
	}
}
