package order

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wekeza-labs/backend-duka/internal/common"
	"github.com/wekeza-labs/backend-duka/internal/daraja"
	"github.com/wekeza-labs/backend-duka/internal/intent"
	"github.com/wekeza-labs/backend-duka/internal/phone"
	"github.com/wekeza-labs/backend-duka/internal/schedule"
	"github.com/wekeza-labs/backend-duka/internal/store"
)

type Handler struct {
	Svc *Service
}

// Get returns the order with its installment plan and payment attempts.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order service not configured", nil)
		return
	}
	orderID, err := store.ToUUID(chi.URLParam(r, "orderID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid order id", nil)
		return
	}
	detail, err := h.Svc.Get(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load order", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": detailView(detail)})
}

// GetPayment returns one payment intent.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order service not configured", nil)
		return
	}
	intentID, err := store.ToUUID(chi.URLParam(r, "intentID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid intent id", nil)
		return
	}
	pi, err := h.Svc.GetIntent(r.Context(), intentID)
	if err != nil {
		if errors.Is(err, intent.ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "payment intent not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load intent", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": intentView(pi)})
}

// Schedule returns the order's installment plan with its dues.
func (h *Handler) Schedule(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order service not configured", nil)
		return
	}
	orderID, err := store.ToUUID(chi.URLParam(r, "orderID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid order id", nil)
		return
	}
	sched, dues, err := h.Svc.ScheduleForOrder(r.Context(), orderID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
		case errors.Is(err, schedule.ErrNotFound):
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "no schedule for order", nil)
		default:
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load schedule", nil)
		}
		return
	}
	dueViews := make([]map[string]any, 0, len(dues))
	for _, due := range dues {
		dueViews = append(dueViews, map[string]any{
			"id":      store.UUIDString(due.ID),
			"seq":     due.Seq,
			"amount":  due.Amount,
			"lateFee": due.LateFee,
			"dueDate": due.DueDate.Time.Format("2006-01-02"),
			"status":  due.Status,
		})
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"schedule": map[string]any{
			"id":            store.UUIDString(sched.ID),
			"totalAmount":   sched.TotalAmount,
			"depositAmount": sched.DepositAmount,
			"monthlyAmount": sched.MonthlyAmount,
			"installments":  sched.Installments,
			"startDate":     sched.StartDate.Time.Format("2006-01-02"),
			"status":        sched.Status,
		},
		"dues": dueViews,
	}})
}

type payRequest struct {
	DueID string `json:"dueId"`
	Phone string `json:"phone"`
}

// Pay pushes a payment for one installment of the order.
func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order service not configured", nil)
		return
	}
	orderID, err := store.ToUUID(chi.URLParam(r, "orderID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid order id", nil)
		return
	}
	var payload payRequest
	if r.Body != nil {
		// empty body means "earliest unpaid due, order's phone"
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}
	pushed, err := h.Svc.PayInstallment(r.Context(), orderID, PayParams(payload))
	if err != nil {
		h.writePayError(w, err)
		return
	}
	common.JSON(w, http.StatusAccepted, map[string]any{"data": intentView(pushed)})
}

// Cancel abandons a pending payment intent.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order service not configured", nil)
		return
	}
	intentID, err := store.ToUUID(chi.URLParam(r, "intentID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid intent id", nil)
		return
	}
	var payload struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}
	cancelled, err := h.Svc.CancelIntent(r.Context(), intentID, payload.Reason)
	if err != nil {
		switch {
		case errors.Is(err, intent.ErrNotFound):
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "payment intent not found", nil)
		case errors.Is(err, intent.ErrAlreadyResolved):
			common.JSONError(w, http.StatusConflict, "ALREADY_RESOLVED", "payment intent already resolved", nil)
		default:
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to cancel intent", nil)
		}
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": intentView(cancelled)})
}

func (h *Handler) writePayError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
	case errors.Is(err, ErrOrderClosed):
		common.JSONError(w, http.StatusConflict, "ORDER_CLOSED", err.Error(), nil)
	case errors.Is(err, ErrDueNotPayable):
		common.JSONError(w, http.StatusConflict, "DUE_NOT_PAYABLE", err.Error(), nil)
	case errors.Is(err, phone.ErrInvalidFormat):
		common.JSONError(w, http.StatusBadRequest, "INVALID_PHONE_FORMAT", err.Error(), nil)
	case errors.Is(err, daraja.ErrAuthExpired):
		common.JSONError(w, http.StatusBadGateway, "AUTH_EXPIRED", "payment gateway authentication failed", nil)
	case errors.Is(err, daraja.ErrUnavailable):
		common.JSONError(w, http.StatusBadGateway, "GATEWAY_UNAVAILABLE", "payment gateway unreachable", nil)
	default:
		if rej, ok := daraja.IsRejected(err); ok {
			common.JSONError(w, http.StatusUnprocessableEntity, "GATEWAY_REJECTED", rej.Message, map[string]any{"gatewayCode": rej.Code})
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
	}
}

func detailView(d Detail) map[string]any {
	dues := make([]map[string]any, 0, len(d.Dues))
	for _, due := range d.Dues {
		dues = append(dues, map[string]any{
			"id":      store.UUIDString(due.ID),
			"seq":     due.Seq,
			"amount":  due.Amount,
			"lateFee": due.LateFee,
			"dueDate": due.DueDate.Time.Format("2006-01-02"),
			"status":  due.Status,
		})
	}
	intents := make([]map[string]any, 0, len(d.Intents))
	for _, pi := range d.Intents {
		intents = append(intents, intentView(pi))
	}
	out := map[string]any{
		"order": map[string]any{
			"id":            store.UUIDString(d.Order.ID),
			"customerName":  d.Order.CustomerName,
			"customerPhone": d.Order.CustomerPhone,
			"productTitle":  d.Order.ProductTitle,
			"currency":      d.Order.Currency,
			"totalAmount":   d.Order.TotalAmount,
			"depositAmount": d.Order.DepositAmount,
			"amountPaid":    d.Order.AmountPaid,
			"paymentMethod": d.Order.PaymentMethod,
			"status":        d.Order.Status,
			"paymentStatus": d.Order.PaymentStatus,
			"createdAt":     d.Order.CreatedAt.Time.Format(time.RFC3339),
		},
		"dues":    dues,
		"intents": intents,
	}
	if d.Schedule.ID.Valid {
		out["schedule"] = map[string]any{
			"id":            store.UUIDString(d.Schedule.ID),
			"totalAmount":   d.Schedule.TotalAmount,
			"depositAmount": d.Schedule.DepositAmount,
			"monthlyAmount": d.Schedule.MonthlyAmount,
			"installments":  d.Schedule.Installments,
			"startDate":     d.Schedule.StartDate.Time.Format("2006-01-02"),
			"status":        d.Schedule.Status,
		}
	}
	return out
}

func intentView(pi store.PaymentIntent) map[string]any {
	view := map[string]any{
		"id":      store.UUIDString(pi.ID),
		"orderId": store.UUIDString(pi.OrderID),
		"purpose": pi.Purpose,
		"phone":   pi.Phone,
		"amount":  pi.Amount,
		"status":  pi.Status,
	}
	if pi.CheckoutRequestID.Valid {
		view["checkoutRequestId"] = pi.CheckoutRequestID.String
	}
	if pi.ReceiptNumber.Valid {
		view["receiptNumber"] = pi.ReceiptNumber.String
	}
	if pi.ResultCode.Valid {
		view["resultCode"] = pi.ResultCode.Int32
		view["resultDesc"] = pi.ResultDesc.String
	}
	if pi.SettledAmount.Valid {
		view["settledAmount"] = pi.SettledAmount.Int64
	}
	if pi.SettledAt.Valid {
		view["settledAt"] = pi.SettledAt.Time.Format(time.RFC3339)
	}
	if pi.ResolvedAt.Valid {
		view["resolvedAt"] = pi.ResolvedAt.Time.Format(time.RFC3339)
	}
	return view
}
