package callback

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"

	"github.com/wekeza-labs/backend-duka/internal/common"
	"github.com/wekeza-labs/backend-duka/internal/store"
)

const defaultMaxBodyBytes = 1 << 20

// Handler exposes the gateway webhook endpoint and the admin review surface.
type Handler struct {
	Processor    *Processor
	Admin        AdminQuerier
	Replay       *ReplayGuard
	Log          zerolog.Logger
	MaxBodyBytes int64
}

// AdminQuerier lists stored callbacks for operator review.
type AdminQuerier interface {
	ListCallbacksByStatus(ctx context.Context, status string, limit, offset int32) ([]store.Callback, error)
	CountCallbacksByStatus(ctx context.Context, status string) (int64, error)
}

// Receive accepts a gateway callback. The gateway retries anything but a 200,
// so every outcome acknowledges; failures are recorded and logged instead of
// being signalled to the caller.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit))
	if err != nil {
		h.Log.Error().Err(err).Msg("read callback body")
		h.acknowledge(w)
		return
	}
	if h.Replay != nil && h.Replay.Seen(r.Context(), body) {
		h.Log.Info().Msg("duplicate callback suppressed")
		h.acknowledge(w)
		return
	}
	if err := h.Processor.Process(r.Context(), body); err != nil {
		h.Log.Warn().Err(err).Msg("callback not applied")
	}
	h.acknowledge(w)
}

func (h *Handler) acknowledge(w http.ResponseWriter) {
	common.JSON(w, http.StatusOK, map[string]any{
		"ResultCode": 0,
		"ResultDesc": "Accepted",
	})
}

type callbackView struct {
	ID                string `json:"id"`
	CheckoutRequestID string `json:"checkoutRequestId,omitempty"`
	MerchantRequestID string `json:"merchantRequestId,omitempty"`
	IntentID          string `json:"intentId,omitempty"`
	Status            string `json:"status"`
	Payload           any    `json:"payload"`
	ReceivedAt        string `json:"receivedAt"`
	ProcessedAt       string `json:"processedAt,omitempty"`
}

// List returns stored callbacks filtered by status, defaulting to orphans.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	if h.Admin == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "callback store not configured", nil)
		return
	}
	status := r.URL.Query().Get("status")
	if status == "" {
		status = StatusOrphan
	}
	page, perPage := common.ParsePagination(r, 20)
	items, err := h.Admin.ListCallbacksByStatus(r.Context(), status, int32(perPage), int32((page-1)*perPage))
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "LIST_FAILED", "failed to list callbacks", nil)
		return
	}
	total, err := h.Admin.CountCallbacksByStatus(r.Context(), status)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "LIST_FAILED", "failed to count callbacks", nil)
		return
	}
	views := make([]callbackView, 0, len(items))
	for _, item := range items {
		views = append(views, toView(item))
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data": views,
		"pagination": common.Pagination{
			Page:       page,
			PerPage:    perPage,
			TotalItems: int(total),
		},
	})
}

func toView(c store.Callback) callbackView {
	view := callbackView{
		ID:                store.UUIDString(c.ID),
		CheckoutRequestID: c.CheckoutRequestID.String,
		MerchantRequestID: c.MerchantRequestID.String,
		IntentID:          store.UUIDString(c.IntentID),
		Status:            c.Status,
		Payload:           rawPayload(c.Payload),
	}
	view.ReceivedAt = formatTS(c.ReceivedAt)
	view.ProcessedAt = formatTS(c.ProcessedAt)
	return view
}

// rawPayload re-emits the stored body verbatim when it is valid JSON and as
// a string otherwise, so malformed deliveries stay reviewable.
func rawPayload(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return json.RawMessage(raw)
	}
	return string(raw)
}

func formatTS(ts pgtype.Timestamptz) string {
	if !ts.Valid {
		return ""
	}
	return ts.Time.UTC().Format("2006-01-02T15:04:05Z07:00")
}
