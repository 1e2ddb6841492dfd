package order

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/wekeza-labs/backend-duka/internal/common"
	"github.com/wekeza-labs/backend-duka/internal/intent"
	"github.com/wekeza-labs/backend-duka/internal/ledger"
	"github.com/wekeza-labs/backend-duka/internal/store"
)

// AdminQuerier is the slice of the store the admin surface uses.
type AdminQuerier interface {
	GetOrder(ctx context.Context, id pgtype.UUID) (store.Order, error)
	ListOrders(ctx context.Context, arg store.ListOrdersParams) ([]store.Order, error)
	CountOrders(ctx context.Context, status string) (int64, error)
	SetOrderStatus(ctx context.Context, arg store.SetOrderStatusParams) (store.Order, error)
	ListIntentsByOrder(ctx context.Context, orderID pgtype.UUID) ([]store.PaymentIntent, error)
}

// ScheduleCanceller closes out an order's remaining installment plan.
type ScheduleCanceller interface {
	CancelRemaining(ctx context.Context, orderID pgtype.UUID) (int64, error)
}

// IntentCanceller abandons a pending payment intent.
type IntentCanceller interface {
	Cancel(ctx context.Context, id pgtype.UUID, reason string) (store.PaymentIntent, error)
}

// AdminHandler provides back-office order management endpoints.
type AdminHandler struct {
	Q         AdminQuerier
	Schedules ScheduleCanceller
	Intents   IntentCanceller
}

// List pages over orders, optionally filtered by ?status=.
func (h *AdminHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.Q == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order queries not configured", nil)
		return
	}
	status := r.URL.Query().Get("status")
	page, perPage := common.ParsePagination(r, 20)
	if perPage > 100 {
		perPage = 100
	}
	total, err := h.Q.CountOrders(r.Context(), status)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to count orders", nil)
		return
	}
	orders, err := h.Q.ListOrders(r.Context(), store.ListOrdersParams{
		Status: status,
		Limit:  int32(perPage),
		Offset: int32((page - 1) * perPage),
	})
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to list orders", nil)
		return
	}
	response := make([]map[string]any, 0, len(orders))
	for _, ord := range orders {
		response = append(response, map[string]any{
			"id":            store.UUIDString(ord.ID),
			"customerName":  ord.CustomerName,
			"customerPhone": ord.CustomerPhone,
			"productTitle":  ord.ProductTitle,
			"totalAmount":   ord.TotalAmount,
			"amountPaid":    ord.AmountPaid,
			"paymentMethod": ord.PaymentMethod,
			"status":        ord.Status,
			"paymentStatus": ord.PaymentStatus,
		})
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data": response,
		"meta": map[string]any{"page": page, "perPage": perPage, "total": total},
	})
}

// CancelOrder closes an order that has not collected any money yet.
func (h *AdminHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	if h.Q == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order queries not configured", nil)
		return
	}
	orderID, err := store.ToUUID(chi.URLParam(r, "orderID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid order id", nil)
		return
	}
	ord, err := h.Q.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load order", nil)
		return
	}
	if ord.Status == ledger.OrderCancelled {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if ord.AmountPaid > 0 || ord.Status == ledger.OrderCompleted {
		common.JSONError(w, http.StatusConflict, "INVALID_STATE", "order has collected payments", nil)
		return
	}
	if _, err := h.Q.SetOrderStatus(r.Context(), store.SetOrderStatusParams{
		ID:            orderID,
		Status:        ledger.OrderCancelled,
		PaymentStatus: ord.PaymentStatus,
	}); err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to cancel order", nil)
		return
	}
	if err := h.cascadeCancel(r.Context(), orderID); err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order cancelled but cleanup failed", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// cascadeCancel closes the order's remaining plan and abandons any pending
// pushes so the sweeps stop acting on a dead order.
func (h *AdminHandler) cascadeCancel(ctx context.Context, orderID pgtype.UUID) error {
	if h.Schedules != nil {
		if _, err := h.Schedules.CancelRemaining(ctx, orderID); err != nil {
			return err
		}
	}
	if h.Intents == nil {
		return nil
	}
	intents, err := h.Q.ListIntentsByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	for _, pi := range intents {
		if intent.Status(pi.Status).Terminal() {
			continue
		}
		if _, err := h.Intents.Cancel(ctx, pi.ID, "order cancelled"); err != nil && !errors.Is(err, intent.ErrAlreadyResolved) {
			return err
		}
	}
	return nil
}
