package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const reconReportColumns = `id, period_start, period_end, pushed_count, settled_count,
declined_count, timed_out_count, cancelled_count, amount_settled, discrepancies,
status, signed_off_by, signed_off_at, created_at`

func scanReconReport(row pgx.Row) (ReconReport, error) {
	var r ReconReport
	err := row.Scan(
		&r.ID, &r.PeriodStart, &r.PeriodEnd, &r.PushedCount, &r.SettledCount,
		&r.DeclinedCount, &r.TimedOutCount, &r.CancelledCount, &r.AmountSettled, &r.Discrepancies,
		&r.Status, &r.SignedOffBy, &r.SignedOffAt, &r.CreatedAt,
	)
	return r, err
}

// InsertReconReportParams carries a reconciliation summary for persistence.
type InsertReconReportParams struct {
	PeriodStart    pgtype.Timestamptz
	PeriodEnd      pgtype.Timestamptz
	PushedCount    int64
	SettledCount   int64
	DeclinedCount  int64
	TimedOutCount  int64
	CancelledCount int64
	AmountSettled  int64
	Discrepancies  int64
	Status         string
}

func (q *Queries) InsertReconReport(ctx context.Context, arg InsertReconReportParams) (ReconReport, error) {
	row := q.db.QueryRow(ctx, `INSERT INTO recon_reports (period_start, period_end, pushed_count, settled_count, declined_count, timed_out_count, cancelled_count, amount_settled, discrepancies, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING `+reconReportColumns,
		arg.PeriodStart, arg.PeriodEnd, arg.PushedCount, arg.SettledCount,
		arg.DeclinedCount, arg.TimedOutCount, arg.CancelledCount, arg.AmountSettled,
		arg.Discrepancies, arg.Status)
	return scanReconReport(row)
}

func (q *Queries) GetReconReport(ctx context.Context, id pgtype.UUID) (ReconReport, error) {
	row := q.db.QueryRow(ctx, `SELECT `+reconReportColumns+` FROM recon_reports WHERE id = $1`, id)
	return scanReconReport(row)
}

func (q *Queries) ListReconReports(ctx context.Context, limit, offset int32) ([]ReconReport, error) {
	rows, err := q.db.Query(ctx, `SELECT `+reconReportColumns+` FROM recon_reports
ORDER BY period_start DESC
LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ReconReport
	for rows.Next() {
		r, err := scanReconReport(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

// SignOffReconReportParams records a human acknowledgement of a report.
type SignOffReconReportParams struct {
	ID          pgtype.UUID
	SignedOffBy pgtype.Text
	SignedOffAt pgtype.Timestamptz
}

// SignOffReconReport marks a draft report as signed off. The update is guarded
// so a report cannot be signed off twice.
func (q *Queries) SignOffReconReport(ctx context.Context, arg SignOffReconReportParams) (ReconReport, error) {
	row := q.db.QueryRow(ctx, `UPDATE recon_reports
SET status = 'signed_off', signed_off_by = $1, signed_off_at = $2
WHERE id = $3 AND status = 'draft'
RETURNING `+reconReportColumns, arg.SignedOffBy, arg.SignedOffAt, arg.ID)
	return scanReconReport(row)
}

// InsertReconDiscrepancyParams carries one cross-check failure.
type InsertReconDiscrepancyParams struct {
	ReportID   pgtype.UUID
	Kind       string
	IntentID   pgtype.UUID
	CallbackID pgtype.UUID
	Details    []byte
}

func (q *Queries) InsertReconDiscrepancy(ctx context.Context, arg InsertReconDiscrepancyParams) (ReconDiscrepancy, error) {
	var d ReconDiscrepancy
	err := q.db.QueryRow(ctx, `INSERT INTO recon_discrepancies (report_id, kind, intent_id, callback_id, details)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, report_id, kind, intent_id, callback_id, details, created_at`,
		arg.ReportID, arg.Kind, arg.IntentID, arg.CallbackID, arg.Details).Scan(
		&d.ID, &d.ReportID, &d.Kind, &d.IntentID, &d.CallbackID, &d.Details, &d.CreatedAt)
	return d, err
}

func (q *Queries) ListReconDiscrepancies(ctx context.Context, reportID pgtype.UUID) ([]ReconDiscrepancy, error) {
	rows, err := q.db.Query(ctx, `SELECT id, report_id, kind, intent_id, callback_id, details, created_at
FROM recon_discrepancies WHERE report_id = $1 ORDER BY created_at ASC`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ReconDiscrepancy
	for rows.Next() {
		var d ReconDiscrepancy
		if err := rows.Scan(&d.ID, &d.ReportID, &d.Kind, &d.IntentID, &d.CallbackID, &d.Details, &d.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}
