// Package recon cross-checks tracked intents against stored callbacks and
// produces periodic reconciliation reports for operator sign-off.
package recon

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"

	"github.com/wekeza-labs/backend-duka/internal/events"
	"github.com/wekeza-labs/backend-duka/internal/obs"
	"github.com/wekeza-labs/backend-duka/internal/store"
)

// Report statuses.
const (
	StatusDraft     = "draft"
	StatusSignedOff = "signed_off"
)

// Discrepancy kinds.
const (
	KindUnresolvedIntent      = "unresolved_intent"
	KindSettledWithoutReceipt = "settled_without_receipt"
	KindUnappliedSettlement   = "unapplied_settlement"
	KindOrphanCallback        = "orphan_callback"
	KindAmountMismatch        = "amount_mismatch"
	KindMalformedCallback     = "malformed_callback"
	KindOrderMismatch         = "order_mismatch"
)

// ErrAlreadySignedOff indicates the report left the draft state earlier.
var ErrAlreadySignedOff = errors.New("recon: report already signed off")

// ErrNotFound indicates no report matches the identifier.
var ErrNotFound = errors.New("recon: report not found")

// Querier is the persistence surface the reporter needs.
type Querier interface {
	ListIntentsInPeriod(ctx context.Context, from, to pgtype.Timestamptz) ([]store.PaymentIntent, error)
	ListCallbacksInPeriod(ctx context.Context, from, to pgtype.Timestamptz) ([]store.Callback, error)
	ListCompletedOrdersInPeriod(ctx context.Context, from, to pgtype.Timestamptz) ([]store.Order, error)
	CountDuesPaidByIntent(ctx context.Context, intentID pgtype.UUID) (int64, error)
	CountUnpaidDuesByOrder(ctx context.Context, orderID pgtype.UUID) (int64, error)
	InsertReconReport(ctx context.Context, arg store.InsertReconReportParams) (store.ReconReport, error)
	InsertReconDiscrepancy(ctx context.Context, arg store.InsertReconDiscrepancyParams) (store.ReconDiscrepancy, error)
	GetReconReport(ctx context.Context, id pgtype.UUID) (store.ReconReport, error)
	ListReconReports(ctx context.Context, limit, offset int32) ([]store.ReconReport, error)
	ListReconDiscrepancies(ctx context.Context, reportID pgtype.UUID) ([]store.ReconDiscrepancy, error)
	SignOffReconReport(ctx context.Context, arg store.SignOffReconReportParams) (store.ReconReport, error)
}

// Service builds and manages reconciliation reports.
type Service struct {
	Q      Querier
	Events *events.Bus
	Log    zerolog.Logger
}

type finding struct {
	kind       string
	intentID   pgtype.UUID
	callbackID pgtype.UUID
	details    map[string]any
}

// Summarize reconciles the period [from, to) and persists the resulting
// report together with every discrepancy found.
func (s *Service) Summarize(ctx context.Context, from, to time.Time) (store.ReconReport, []store.ReconDiscrepancy, error) {
	if s == nil || s.Q == nil {
		return store.ReconReport{}, nil, errors.New("recon service not configured")
	}
	periodStart := pgtype.Timestamptz{Time: from, Valid: true}
	periodEnd := pgtype.Timestamptz{Time: to, Valid: true}

	intents, err := s.Q.ListIntentsInPeriod(ctx, periodStart, periodEnd)
	if err != nil {
		return store.ReconReport{}, nil, err
	}
	callbacks, err := s.Q.ListCallbacksInPeriod(ctx, periodStart, periodEnd)
	if err != nil {
		return store.ReconReport{}, nil, err
	}

	summary := store.InsertReconReportParams{
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		Status:      StatusDraft,
	}
	var findings []finding
	for _, it := range intents {
		switch it.Status {
		case "settled":
			summary.SettledCount++
			summary.AmountSettled += it.Amount
			if !it.ReceiptNumber.Valid || it.ReceiptNumber.String == "" {
				findings = append(findings, finding{
					kind:     KindSettledWithoutReceipt,
					intentID: it.ID,
					details:  map[string]any{"amount": it.Amount},
				})
			}
			if it.DueID.Valid {
				applied, countErr := s.Q.CountDuesPaidByIntent(ctx, it.ID)
				if countErr != nil {
					return store.ReconReport{}, nil, countErr
				}
				if applied == 0 {
					findings = append(findings, finding{
						kind:     KindUnappliedSettlement,
						intentID: it.ID,
						details:  map[string]any{"amount": it.Amount, "dueId": store.UUIDString(it.DueID)},
					})
				}
			}
		case "declined":
			summary.DeclinedCount++
		case "timed_out":
			summary.TimedOutCount++
		case "cancelled":
			summary.CancelledCount++
		case "pushed":
			summary.PushedCount++
			findings = append(findings, finding{
				kind:     KindUnresolvedIntent,
				intentID: it.ID,
				details:  map[string]any{"pushedAt": timeOrNil(it.PushedAt)},
			})
		}
	}
	for _, cb := range callbacks {
		switch cb.Status {
		case "orphan":
			findings = append(findings, finding{
				kind:       KindOrphanCallback,
				callbackID: cb.ID,
				details:    map[string]any{"checkoutRequestId": cb.CheckoutRequestID.String},
			})
		case "amount_mismatch":
			findings = append(findings, finding{
				kind:       KindAmountMismatch,
				intentID:   cb.IntentID,
				callbackID: cb.ID,
			})
		case "malformed":
			findings = append(findings, finding{
				kind:       KindMalformedCallback,
				callbackID: cb.ID,
			})
		}
	}
	orderFindings, err := s.checkCompletedOrders(ctx, periodStart, periodEnd)
	if err != nil {
		return store.ReconReport{}, nil, err
	}
	findings = append(findings, orderFindings...)
	summary.Discrepancies = int64(len(findings))

	report, err := s.Q.InsertReconReport(ctx, summary)
	if err != nil {
		return store.ReconReport{}, nil, err
	}
	stored := make([]store.ReconDiscrepancy, 0, len(findings))
	for _, f := range findings {
		details, _ := json.Marshal(f.details)
		row, insertErr := s.Q.InsertReconDiscrepancy(ctx, store.InsertReconDiscrepancyParams{
			ReportID:   report.ID,
			Kind:       f.kind,
			IntentID:   f.intentID,
			CallbackID: f.callbackID,
			Details:    details,
		})
		if insertErr != nil {
			return report, stored, insertErr
		}
		stored = append(stored, row)
		if obs.ReconDiscrepancyTotal != nil {
			obs.ReconDiscrepancyTotal.Inc()
		}
	}
	if len(stored) > 0 {
		s.emitDiscrepancies(ctx, report, len(stored))
	}
	return report, stored, nil
}

// checkCompletedOrders verifies that every order completed in the period
// actually collected its full price and left no due unpaid.
func (s *Service) checkCompletedOrders(ctx context.Context, from, to pgtype.Timestamptz) ([]finding, error) {
	orders, err := s.Q.ListCompletedOrdersInPeriod(ctx, from, to)
	if err != nil {
		return nil, err
	}
	var findings []finding
	for _, ord := range orders {
		details := map[string]any{"orderId": store.UUIDString(ord.ID)}
		mismatch := false
		if ord.AmountPaid != ord.TotalAmount {
			mismatch = true
			details["amountPaid"] = ord.AmountPaid
			details["totalAmount"] = ord.TotalAmount
		}
		unpaid, err := s.Q.CountUnpaidDuesByOrder(ctx, ord.ID)
		if err != nil {
			return nil, err
		}
		if unpaid > 0 {
			mismatch = true
			details["unpaidDues"] = unpaid
		}
		if mismatch {
			findings = append(findings, finding{kind: KindOrderMismatch, details: details})
		}
	}
	return findings, nil
}

// SignOff records the operator acknowledgement of a draft report.
func (s *Service) SignOff(ctx context.Context, id pgtype.UUID, by string) (store.ReconReport, error) {
	report, err := s.Q.SignOffReconReport(ctx, store.SignOffReconReportParams{
		ID:          id,
		SignedOffBy: pgtype.Text{String: by, Valid: true},
		SignedOffAt: pgtype.Timestamptz{Time: time.Now(), Valid: true},
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := s.Q.GetReconReport(ctx, id); getErr != nil {
				return store.ReconReport{}, ErrNotFound
			}
			return store.ReconReport{}, ErrAlreadySignedOff
		}
		return store.ReconReport{}, err
	}
	return report, nil
}

func (s *Service) emitDiscrepancies(ctx context.Context, report store.ReconReport, count int) {
	if s.Events == nil {
		return
	}
	payload := map[string]any{
		"reportId":      store.UUIDString(report.ID),
		"discrepancies": count,
	}
	if _, err := s.Events.Emit(ctx, events.TopicReconDiscrepancy, report.ID, payload); err != nil {
		s.Log.Error().Err(err).Str("report_id", store.UUIDString(report.ID)).Msg("emit discrepancy event")
	}
}

func timeOrNil(ts pgtype.Timestamptz) any {
	if !ts.Valid {
		return nil
	}
	return ts.Time.UTC().Format(time.RFC3339)
}
