package recon_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wekeza-labs/backend-duka/internal/recon"
	"github.com/wekeza-labs/backend-duka/internal/store"
)

type memRecon struct {
	intents       []store.PaymentIntent
	callbacks     []store.Callback
	orders        []store.Order
	duesPaidBy    map[string]int64
	unpaidByOrder map[string]int64
	reports       map[string]*store.ReconReport
	discrepancies []store.ReconDiscrepancy
}

func newMemRecon() *memRecon {
	return &memRecon{
		reports:       make(map[string]*store.ReconReport),
		duesPaidBy:    make(map[string]int64),
		unpaidByOrder: make(map[string]int64),
	}
}

func (m *memRecon) ListIntentsInPeriod(context.Context, pgtype.Timestamptz, pgtype.Timestamptz) ([]store.PaymentIntent, error) {
	return m.intents, nil
}

func (m *memRecon) ListCallbacksInPeriod(context.Context, pgtype.Timestamptz, pgtype.Timestamptz) ([]store.Callback, error) {
	return m.callbacks, nil
}

func (m *memRecon) ListCompletedOrdersInPeriod(context.Context, pgtype.Timestamptz, pgtype.Timestamptz) ([]store.Order, error) {
	return m.orders, nil
}

func (m *memRecon) CountDuesPaidByIntent(_ context.Context, intentID pgtype.UUID) (int64, error) {
	return m.duesPaidBy[store.UUIDString(intentID)], nil
}

func (m *memRecon) CountUnpaidDuesByOrder(_ context.Context, orderID pgtype.UUID) (int64, error) {
	return m.unpaidByOrder[store.UUIDString(orderID)], nil
}

func (m *memRecon) InsertReconReport(_ context.Context, arg store.InsertReconReportParams) (store.ReconReport, error) {
	id := uuid.New()
	r := store.ReconReport{
		ID:             pgtype.UUID{Bytes: id, Valid: true},
		PeriodStart:    arg.PeriodStart,
		PeriodEnd:      arg.PeriodEnd,
		PushedCount:    arg.PushedCount,
		SettledCount:   arg.SettledCount,
		DeclinedCount:  arg.DeclinedCount,
		TimedOutCount:  arg.TimedOutCount,
		CancelledCount: arg.CancelledCount,
		AmountSettled:  arg.AmountSettled,
		Discrepancies:  arg.Discrepancies,
		Status:         arg.Status,
	}
	m.reports[id.String()] = &r
	return r, nil
}

func (m *memRecon) InsertReconDiscrepancy(_ context.Context, arg store.InsertReconDiscrepancyParams) (store.ReconDiscrepancy, error) {
	d := store.ReconDiscrepancy{
		ID:         pgtype.UUID{Bytes: uuid.New(), Valid: true},
		ReportID:   arg.ReportID,
		Kind:       arg.Kind,
		IntentID:   arg.IntentID,
		CallbackID: arg.CallbackID,
		Details:    arg.Details,
	}
	m.discrepancies = append(m.discrepancies, d)
	return d, nil
}

func (m *memRecon) GetReconReport(_ context.Context, id pgtype.UUID) (store.ReconReport, error) {
	r, ok := m.reports[store.UUIDString(id)]
	if !ok {
		return store.ReconReport{}, pgx.ErrNoRows
	}
	return *r, nil
}

func (m *memRecon) ListReconReports(context.Context, int32, int32) ([]store.ReconReport, error) {
	var out []store.ReconReport
	for _, r := range m.reports {
		out = append(out, *r)
	}
	return out, nil
}

func (m *memRecon) ListReconDiscrepancies(_ context.Context, reportID pgtype.UUID) ([]store.ReconDiscrepancy, error) {
	var out []store.ReconDiscrepancy
	for _, d := range m.discrepancies {
		if store.UUIDEqual(d.ReportID, reportID) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memRecon) SignOffReconReport(_ context.Context, arg store.SignOffReconReportParams) (store.ReconReport, error) {
	r, ok := m.reports[store.UUIDString(arg.ID)]
	if !ok || r.Status != recon.StatusDraft {
		return store.ReconReport{}, pgx.ErrNoRows
	}
	r.Status = recon.StatusSignedOff
	r.SignedOffBy = arg.SignedOffBy
	r.SignedOffAt = arg.SignedOffAt
	return *r, nil
}

func intentWith(status string, amount int64, receipt string) store.PaymentIntent {
	it := store.PaymentIntent{
		ID:     pgtype.UUID{Bytes: uuid.New(), Valid: true},
		Amount: amount,
		Status: status,
	}
	if receipt != "" {
		it.ReceiptNumber = pgtype.Text{String: receipt, Valid: true}
	}
	return it
}

func callbackWith(status string) store.Callback {
	return store.Callback{
		ID:     pgtype.UUID{Bytes: uuid.New(), Valid: true},
		Status: status,
	}
}

func period() (time.Time, time.Time) {
	from := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 0, 1)
}

func TestSummarizeCountsOutcomes(t *testing.T) {
	m := newMemRecon()
	m.intents = []store.PaymentIntent{
		intentWith("settled", 6000, "NLJ7RT61SV"),
		intentWith("settled", 1500, "NLJ7RT61SW"),
		intentWith("declined", 1500, ""),
		intentWith("timed_out", 1500, ""),
		intentWith("cancelled", 1500, ""),
	}
	svc := &recon.Service{Q: m, Log: zerolog.Nop()}

	from, to := period()
	report, discrepancies, err := svc.Summarize(context.Background(), from, to)
	require.NoError(t, err)
	require.Equal(t, int64(2), report.SettledCount)
	require.Equal(t, int64(1), report.DeclinedCount)
	require.Equal(t, int64(1), report.TimedOutCount)
	require.Equal(t, int64(1), report.CancelledCount)
	require.Equal(t, int64(7500), report.AmountSettled)
	require.Empty(t, discrepancies)
	require.Equal(t, recon.StatusDraft, report.Status)
}

func TestSummarizeFlagsDiscrepancies(t *testing.T) {
	m := newMemRecon()
	unresolved := intentWith("pushed", 1500, "")
	unresolved.PushedAt = pgtype.Timestamptz{Time: time.Now().Add(-2 * time.Hour), Valid: true}
	m.intents = []store.PaymentIntent{
		intentWith("settled", 6000, ""), // settled but no receipt
		unresolved,
	}
	m.callbacks = []store.Callback{
		callbackWith("orphan"),
		callbackWith("amount_mismatch"),
		callbackWith("malformed"),
		callbackWith("processed"),
	}
	svc := &recon.Service{Q: m, Log: zerolog.Nop()}

	from, to := period()
	report, discrepancies, err := svc.Summarize(context.Background(), from, to)
	require.NoError(t, err)
	require.Equal(t, int64(5), report.Discrepancies)
	require.Len(t, discrepancies, 5)

	kinds := make(map[string]int)
	for _, d := range discrepancies {
		kinds[d.Kind]++
	}
	require.Equal(t, 1, kinds[recon.KindSettledWithoutReceipt])
	require.Equal(t, 1, kinds[recon.KindUnresolvedIntent])
	require.Equal(t, 1, kinds[recon.KindOrphanCallback])
	require.Equal(t, 1, kinds[recon.KindAmountMismatch])
	require.Equal(t, 1, kinds[recon.KindMalformedCallback])
}

func TestSignOffGuardsDoubleAcknowledgement(t *testing.T) {
	m := newMemRecon()
	svc := &recon.Service{Q: m, Log: zerolog.Nop()}
	from, to := period()
	report, _, err := svc.Summarize(context.Background(), from, to)
	require.NoError(t, err)

	signed, err := svc.SignOff(context.Background(), report.ID, "ops@wekeza")
	require.NoError(t, err)
	require.Equal(t, recon.StatusSignedOff, signed.Status)
	require.Equal(t, "ops@wekeza", signed.SignedOffBy.String)

	_, err = svc.SignOff(context.Background(), report.ID, "ops@wekeza")
	require.ErrorIs(t, err, recon.ErrAlreadySignedOff)
}

func TestSignOffUnknownReport(t *testing.T) {
	svc := &recon.Service{Q: newMemRecon(), Log: zerolog.Nop()}
	_, err := svc.SignOff(context.Background(), pgtype.UUID{Bytes: uuid.New(), Valid: true}, "ops")
	require.ErrorIs(t, err, recon.ErrNotFound)
}

func TestSummarizeFlagsSettlementNeverAppliedToDue(t *testing.T) {
	m := newMemRecon()
	applied := intentWith("settled", 1500, "NLJ7RT61SV")
	applied.DueID = pgtype.UUID{Bytes: uuid.New(), Valid: true}
	m.duesPaidBy[store.UUIDString(applied.ID)] = 1
	lost := intentWith("settled", 1500, "NLJ7RT61SW")
	lost.DueID = pgtype.UUID{Bytes: uuid.New(), Valid: true}
	m.intents = []store.PaymentIntent{applied, lost}
	svc := &recon.Service{Q: m, Log: zerolog.Nop()}

	from, to := period()
	report, discrepancies, err := svc.Summarize(context.Background(), from, to)
	require.NoError(t, err)
	require.Equal(t, int64(1), report.Discrepancies)
	require.Len(t, discrepancies, 1)
	require.Equal(t, recon.KindUnappliedSettlement, discrepancies[0].Kind)
	require.True(t, store.UUIDEqual(lost.ID, discrepancies[0].IntentID))
}

func TestSummarizeFlagsCompletedOrderMismatch(t *testing.T) {
	m := newMemRecon()
	short := store.Order{
		ID:          pgtype.UUID{Bytes: uuid.New(), Valid: true},
		TotalAmount: 24000,
		AmountPaid:  22500,
		Status:      "completed",
	}
	lingering := store.Order{
		ID:          pgtype.UUID{Bytes: uuid.New(), Valid: true},
		TotalAmount: 24000,
		AmountPaid:  24000,
		Status:      "completed",
	}
	m.unpaidByOrder[store.UUIDString(lingering.ID)] = 2
	clean := store.Order{
		ID:          pgtype.UUID{Bytes: uuid.New(), Valid: true},
		TotalAmount: 24000,
		AmountPaid:  24000,
		Status:      "completed",
	}
	m.orders = []store.Order{short, lingering, clean}
	svc := &recon.Service{Q: m, Log: zerolog.Nop()}

	from, to := period()
	report, discrepancies, err := svc.Summarize(context.Background(), from, to)
	require.NoError(t, err)
	require.Equal(t, int64(2), report.Discrepancies)
	require.Len(t, discrepancies, 2)
	for _, d := range discrepancies {
		require.Equal(t, recon.KindOrderMismatch, d.Kind)
	}
}
