package recon

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"

	"github.com/wekeza-labs/backend-duka/internal/common"
	"github.com/wekeza-labs/backend-duka/internal/store"
)

// Handler exposes the admin reconciliation endpoints.
type Handler struct {
	Svc *Service
	Log zerolog.Logger
}

type reportView struct {
	ID            string `json:"id"`
	PeriodStart   string `json:"periodStart"`
	PeriodEnd     string `json:"periodEnd"`
	Pushed        int64  `json:"pushed"`
	Settled       int64  `json:"settled"`
	Declined      int64  `json:"declined"`
	TimedOut      int64  `json:"timedOut"`
	Cancelled     int64  `json:"cancelled"`
	AmountSettled int64  `json:"amountSettled"`
	Discrepancies int64  `json:"discrepancies"`
	Status        string `json:"status"`
	SignedOffBy   string `json:"signedOffBy,omitempty"`
	SignedOffAt   string `json:"signedOffAt,omitempty"`
}

type discrepancyView struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	IntentID   string `json:"intentId,omitempty"`
	CallbackID string `json:"callbackId,omitempty"`
	Details    any    `json:"details,omitempty"`
}

// Run builds a report for the requested period, defaulting to the previous
// full day.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	var body struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	now := time.Now().UTC()
	from := now.Truncate(24 * time.Hour).AddDate(0, 0, -1)
	to := from.AddDate(0, 0, 1)
	if body.From != "" {
		parsed, err := time.Parse(time.RFC3339, body.From)
		if err != nil {
			common.JSONError(w, http.StatusBadRequest, "INVALID_PERIOD", "from must be RFC3339", nil)
			return
		}
		from = parsed
	}
	if body.To != "" {
		parsed, err := time.Parse(time.RFC3339, body.To)
		if err != nil {
			common.JSONError(w, http.StatusBadRequest, "INVALID_PERIOD", "to must be RFC3339", nil)
			return
		}
		to = parsed
	}
	if !to.After(from) {
		common.JSONError(w, http.StatusBadRequest, "INVALID_PERIOD", "to must be after from", nil)
		return
	}
	report, discrepancies, err := h.Svc.Summarize(r.Context(), from, to)
	if err != nil {
		h.Log.Error().Err(err).Msg("run reconciliation")
		common.JSONError(w, http.StatusInternalServerError, "RECON_FAILED", "reconciliation failed", nil)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{
		"report":        toReportView(report),
		"discrepancies": toDiscrepancyViews(discrepancies),
	})
}

// List returns stored reports, newest period first.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	page, perPage := common.ParsePagination(r, 20)
	reports, err := h.Svc.Q.ListReconReports(r.Context(), int32(perPage), int32((page-1)*perPage))
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "LIST_FAILED", "failed to list reports", nil)
		return
	}
	views := make([]reportView, 0, len(reports))
	for _, report := range reports {
		views = append(views, toReportView(report))
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": views})
}

// Get returns one report with its discrepancies.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.reportID(w, r)
	if !ok {
		return
	}
	report, err := h.Svc.Q.GetReconReport(r.Context(), id)
	if err != nil {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "report not found", nil)
		return
	}
	discrepancies, err := h.Svc.Q.ListReconDiscrepancies(r.Context(), id)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "LIST_FAILED", "failed to list discrepancies", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"report":        toReportView(report),
		"discrepancies": toDiscrepancyViews(discrepancies),
	})
}

// SignOff marks a draft report as acknowledged by the named operator.
func (h *Handler) SignOff(w http.ResponseWriter, r *http.Request) {
	id, ok := h.reportID(w, r)
	if !ok {
		return
	}
	var body struct {
		By string `json:"by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.By) == "" {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "by is required", nil)
		return
	}
	report, err := h.Svc.SignOff(r.Context(), id, strings.TrimSpace(body.By))
	switch {
	case errors.Is(err, ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "report not found", nil)
		return
	case errors.Is(err, ErrAlreadySignedOff):
		common.JSONError(w, http.StatusConflict, "ALREADY_SIGNED_OFF", "report already signed off", nil)
		return
	case err != nil:
		common.JSONError(w, http.StatusInternalServerError, "SIGN_OFF_FAILED", "failed to sign off report", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"report": toReportView(report)})
}

func (h *Handler) reportID(w http.ResponseWriter, r *http.Request) (pgtype.UUID, bool) {
	id, err := store.ToUUID(chi.URLParam(r, "reportID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_ID", "invalid report id", nil)
		return pgtype.UUID{}, false
	}
	return id, true
}

func toReportView(r store.ReconReport) reportView {
	view := reportView{
		ID:            store.UUIDString(r.ID),
		Pushed:        r.PushedCount,
		Settled:       r.SettledCount,
		Declined:      r.DeclinedCount,
		TimedOut:      r.TimedOutCount,
		Cancelled:     r.CancelledCount,
		AmountSettled: r.AmountSettled,
		Discrepancies: r.Discrepancies,
		Status:        r.Status,
		SignedOffBy:   r.SignedOffBy.String,
	}
	if r.PeriodStart.Valid {
		view.PeriodStart = r.PeriodStart.Time.UTC().Format(time.RFC3339)
	}
	if r.PeriodEnd.Valid {
		view.PeriodEnd = r.PeriodEnd.Time.UTC().Format(time.RFC3339)
	}
	if r.SignedOffAt.Valid {
		view.SignedOffAt = r.SignedOffAt.Time.UTC().Format(time.RFC3339)
	}
	return view
}

func toDiscrepancyViews(items []store.ReconDiscrepancy) []discrepancyView {
	views := make([]discrepancyView, 0, len(items))
	for _, item := range items {
		view := discrepancyView{
			ID:         store.UUIDString(item.ID),
			Kind:       item.Kind,
			IntentID:   store.UUIDString(item.IntentID),
			CallbackID: store.UUIDString(item.CallbackID),
		}
		if len(item.Details) > 0 && json.Valid(item.Details) {
			view.Details = json.RawMessage(item.Details)
		}
		views = append(views, view)
	}
	return views
}
