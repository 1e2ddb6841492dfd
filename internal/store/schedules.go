package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const scheduleColumns = `id, order_id, total_amount, deposit_amount, monthly_amount,
installments, start_date, status, created_at, updated_at`

const dueColumns = `id, schedule_id, seq, amount, late_fee, due_date, status,
intent_id, paid_at, created_at, updated_at`

func scanSchedule(row pgx.Row) (Schedule, error) {
	var s Schedule
	err := row.Scan(
		&s.ID, &s.OrderID, &s.TotalAmount, &s.DepositAmount, &s.MonthlyAmount,
		&s.Installments, &s.StartDate, &s.Status, &s.CreatedAt, &s.UpdatedAt,
	)
	return s, err
}

func scanDue(row pgx.Row) (Due, error) {
	var d Due
	err := row.Scan(
		&d.ID, &d.ScheduleID, &d.Seq, &d.Amount, &d.LateFee, &d.DueDate, &d.Status,
		&d.IntentID, &d.PaidAt, &d.CreatedAt, &d.UpdatedAt,
	)
	return d, err
}

// CreateScheduleParams carries the fields for a new installment schedule.
type CreateScheduleParams struct {
	OrderID       pgtype.UUID
	TotalAmount   int64
	DepositAmount int64
	MonthlyAmount int64
	Installments  int32
	StartDate     pgtype.Date
	Status        string
}

func (q *Queries) CreateSchedule(ctx context.Context, arg CreateScheduleParams) (Schedule, error) {
	row := q.db.QueryRow(ctx, `INSERT INTO schedules (order_id, total_amount, deposit_amount, monthly_amount, installments, start_date, status)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING `+scheduleColumns,
		arg.OrderID, arg.TotalAmount, arg.DepositAmount, arg.MonthlyAmount,
		arg.Installments, arg.StartDate, arg.Status)
	return scanSchedule(row)
}

func (q *Queries) GetSchedule(ctx context.Context, id pgtype.UUID) (Schedule, error) {
	row := q.db.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	return scanSchedule(row)
}

func (q *Queries) GetScheduleByOrder(ctx context.Context, orderID pgtype.UUID) (Schedule, error) {
	row := q.db.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE order_id = $1`, orderID)
	return scanSchedule(row)
}

// CreateDueParams carries the fields for one expected payment.
type CreateDueParams struct {
	ScheduleID pgtype.UUID
	Seq        int32
	Amount     int64
	DueDate    pgtype.Date
	Status     string
}

func (q *Queries) CreateDue(ctx context.Context, arg CreateDueParams) (Due, error) {
	row := q.db.QueryRow(ctx, `INSERT INTO schedule_dues (schedule_id, seq, amount, due_date, status)
VALUES ($1, $2, $3, $4, $5)
RETURNING `+dueColumns,
		arg.ScheduleID, arg.Seq, arg.Amount, arg.DueDate, arg.Status)
	return scanDue(row)
}

func (q *Queries) GetDue(ctx context.Context, id pgtype.UUID) (Due, error) {
	row := q.db.QueryRow(ctx, `SELECT `+dueColumns+` FROM schedule_dues WHERE id = $1`, id)
	return scanDue(row)
}

// ListDues returns every due in a schedule in sequence order.
func (q *Queries) ListDues(ctx context.Context, scheduleID pgtype.UUID) ([]Due, error) {
	rows, err := q.db.Query(ctx, `SELECT `+dueColumns+` FROM schedule_dues
WHERE schedule_id = $1 ORDER BY seq ASC`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDues(rows)
}

// ListUnpaidDues returns pending and overdue dues in sequence order.
func (q *Queries) ListUnpaidDues(ctx context.Context, scheduleID pgtype.UUID) ([]Due, error) {
	rows, err := q.db.Query(ctx, `SELECT `+dueColumns+` FROM schedule_dues
WHERE schedule_id = $1 AND status IN ('pending', 'overdue')
ORDER BY seq ASC`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDues(rows)
}

// MarkDuePaidParams settles a due against a payment intent. The update is
// guarded so a due can only be paid once.
type MarkDuePaidParams struct {
	ID       pgtype.UUID
	IntentID pgtype.UUID
	PaidAt   pgtype.Timestamptz
}

func (q *Queries) MarkDuePaid(ctx context.Context, arg MarkDuePaidParams) (Due, error) {
	row := q.db.QueryRow(ctx, `UPDATE schedule_dues
SET status = 'paid', intent_id = $1, paid_at = $2, updated_at = now()
WHERE id = $3 AND status IN ('pending', 'overdue')
RETURNING `+dueColumns, arg.IntentID, arg.PaidAt, arg.ID)
	return scanDue(row)
}

// MarkDueOverdueParams moves a due past its date into overdue with a late fee.
type MarkDueOverdueParams struct {
	ID      pgtype.UUID
	LateFee int64
}

func (q *Queries) MarkDueOverdue(ctx context.Context, arg MarkDueOverdueParams) (Due, error) {
	row := q.db.QueryRow(ctx, `UPDATE schedule_dues
SET status = 'overdue', late_fee = $1, updated_at = now()
WHERE id = $2 AND status = 'pending'
RETURNING `+dueColumns, arg.LateFee, arg.ID)
	return scanDue(row)
}

// ListPendingDuesBefore returns pending dues across all schedules whose due
// date is strictly before the cutoff. Used by the overdue sweep.
func (q *Queries) ListPendingDuesBefore(ctx context.Context, cutoff pgtype.Date, limit int32) ([]Due, error) {
	rows, err := q.db.Query(ctx, `SELECT `+dueColumns+` FROM schedule_dues
WHERE status = 'pending' AND due_date < $1
ORDER BY due_date ASC
LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDues(rows)
}

// CountUnpaidDues returns how many dues in a schedule are not yet settled.
func (q *Queries) CountUnpaidDues(ctx context.Context, scheduleID pgtype.UUID) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, `SELECT count(*) FROM schedule_dues
WHERE schedule_id = $1 AND status IN ('pending', 'overdue')`, scheduleID).Scan(&n)
	return n, err
}

// CancelUnpaidDues flips every pending or overdue due in a schedule to
// cancelled and reports how many rows changed.
func (q *Queries) CancelUnpaidDues(ctx context.Context, scheduleID pgtype.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, `UPDATE schedule_dues
SET status = 'cancelled', updated_at = now()
WHERE schedule_id = $1 AND status IN ('pending', 'overdue')`, scheduleID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) SetScheduleStatus(ctx context.Context, id pgtype.UUID, status string) error {
	_, err := q.db.Exec(ctx, `UPDATE schedules SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	return err
}

// CountDuesPaidByIntent returns how many dues a settled intent was applied
// to. Zero means the settlement never reached the schedule.
func (q *Queries) CountDuesPaidByIntent(ctx context.Context, intentID pgtype.UUID) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, `SELECT count(*) FROM schedule_dues
WHERE intent_id = $1 AND status = 'paid'`, intentID).Scan(&n)
	return n, err
}

// CountUnpaidDuesByOrder counts pending and overdue dues across an order's
// schedules.
func (q *Queries) CountUnpaidDuesByOrder(ctx context.Context, orderID pgtype.UUID) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, `SELECT count(*) FROM schedule_dues d
JOIN schedules s ON s.id = d.schedule_id
WHERE s.order_id = $1 AND d.status IN ('pending', 'overdue')`, orderID).Scan(&n)
	return n, err
}

// CountOverdueDues returns the number of overdue dues across all schedules.
func (q *Queries) CountOverdueDues(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, `SELECT count(*) FROM schedule_dues WHERE status = 'overdue'`).Scan(&n)
	return n, err
}

func collectDues(rows pgx.Rows) ([]Due, error) {
	var items []Due
	for rows.Next() {
		d, err := scanDue(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}
