package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const intentColumns = `id, order_id, due_id, purpose, phone, amount, status,
merchant_request_id, checkout_request_id, result_code, result_desc, receipt_number,
settled_amount, settled_at, raw_request, raw_response,
pushed_at, resolved_at, created_at, updated_at`

func scanIntent(row pgx.Row) (PaymentIntent, error) {
	var i PaymentIntent
	err := row.Scan(
		&i.ID, &i.OrderID, &i.DueID, &i.Purpose, &i.Phone, &i.Amount, &i.Status,
		&i.MerchantRequestID, &i.CheckoutRequestID, &i.ResultCode, &i.ResultDesc, &i.ReceiptNumber,
		&i.SettledAmount, &i.SettledAt, &i.RawRequest, &i.RawResponse,
		&i.PushedAt, &i.ResolvedAt, &i.CreatedAt, &i.UpdatedAt,
	)
	return i, err
}

// CreateIntentParams carries the fields for a new payment intent.
type CreateIntentParams struct {
	OrderID pgtype.UUID
	DueID   pgtype.UUID
	Purpose string
	Phone   string
	Amount  int64
	Status  string
}

func (q *Queries) CreateIntent(ctx context.Context, arg CreateIntentParams) (PaymentIntent, error) {
	row := q.db.QueryRow(ctx, `INSERT INTO payment_intents (order_id, due_id, purpose, phone, amount, status)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING `+intentColumns,
		arg.OrderID, arg.DueID, arg.Purpose, arg.Phone, arg.Amount, arg.Status)
	return scanIntent(row)
}

func (q *Queries) GetIntent(ctx context.Context, id pgtype.UUID) (PaymentIntent, error) {
	row := q.db.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE id = $1`, id)
	return scanIntent(row)
}

// GetPendingIntentForDue returns the unresolved intent already tracking a
// due, if any.
func (q *Queries) GetPendingIntentForDue(ctx context.Context, dueID pgtype.UUID, statuses []string) (PaymentIntent, error) {
	row := q.db.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents
WHERE due_id = $1 AND status = ANY($2)
LIMIT 1`, dueID, statuses)
	return scanIntent(row)
}

// GetPendingIntentForOrder returns the unresolved due-less intent for an
// order and purpose, if any.
func (q *Queries) GetPendingIntentForOrder(ctx context.Context, orderID pgtype.UUID, purpose string, statuses []string) (PaymentIntent, error) {
	row := q.db.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents
WHERE order_id = $1 AND purpose = $2 AND due_id IS NULL AND status = ANY($3)
LIMIT 1`, orderID, purpose, statuses)
	return scanIntent(row)
}

// GetIntentByCorrelation looks an intent up by either gateway correlation id.
func (q *Queries) GetIntentByCorrelation(ctx context.Context, checkoutRequestID, merchantRequestID string) (PaymentIntent, error) {
	row := q.db.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents
WHERE checkout_request_id = $1 OR merchant_request_id = $2
LIMIT 1`, checkoutRequestID, merchantRequestID)
	return scanIntent(row)
}

// MarkIntentPushedParams records the gateway correlation ids and raw
// exchange after a push.
type MarkIntentPushedParams struct {
	ID                pgtype.UUID
	MerchantRequestID pgtype.Text
	CheckoutRequestID pgtype.Text
	RawRequest        []byte
	RawResponse       []byte
	PushedAt          pgtype.Timestamptz
	FromStatus        string
	ToStatus          string
}

// MarkIntentPushed transitions an intent out of its initial state. The update
// is guarded on the current status so concurrent transitions cannot collide.
func (q *Queries) MarkIntentPushed(ctx context.Context, arg MarkIntentPushedParams) (PaymentIntent, error) {
	row := q.db.QueryRow(ctx, `UPDATE payment_intents
SET status = $1, merchant_request_id = $2, checkout_request_id = $3,
    raw_request = $4, raw_response = $5, pushed_at = $6, updated_at = now()
WHERE id = $7 AND status = $8
RETURNING `+intentColumns,
		arg.ToStatus, arg.MerchantRequestID, arg.CheckoutRequestID,
		arg.RawRequest, arg.RawResponse, arg.PushedAt, arg.ID, arg.FromStatus)
	return scanIntent(row)
}

// ResolveIntentParams carries a terminal transition for an intent.
type ResolveIntentParams struct {
	ID            pgtype.UUID
	FromStatuses  []string
	ToStatus      string
	ResultCode    pgtype.Int4
	ResultDesc    pgtype.Text
	ReceiptNumber pgtype.Text
	SettledAmount pgtype.Int8
	SettledAt     pgtype.Timestamptz
	ResolvedAt    pgtype.Timestamptz
}

// ResolveIntent moves an intent into a terminal status. It only applies when
// the current status is one of FromStatuses; pgx.ErrNoRows means another
// writer resolved the intent first.
func (q *Queries) ResolveIntent(ctx context.Context, arg ResolveIntentParams) (PaymentIntent, error) {
	row := q.db.QueryRow(ctx, `UPDATE payment_intents
SET status = $1, result_code = $2, result_desc = $3, receipt_number = $4,
    settled_amount = $5, settled_at = $6, resolved_at = $7, updated_at = now()
WHERE id = $8 AND status = ANY($9)
RETURNING `+intentColumns,
		arg.ToStatus, arg.ResultCode, arg.ResultDesc, arg.ReceiptNumber,
		arg.SettledAmount, arg.SettledAt, arg.ResolvedAt, arg.ID, arg.FromStatuses)
	return scanIntent(row)
}

// ListExpiredPushedIntents returns intents still awaiting resolution whose
// push happened before the cutoff.
func (q *Queries) ListExpiredPushedIntents(ctx context.Context, status string, before pgtype.Timestamptz, limit int32) ([]PaymentIntent, error) {
	rows, err := q.db.Query(ctx, `SELECT `+intentColumns+` FROM payment_intents
WHERE status = $1 AND pushed_at < $2
ORDER BY pushed_at ASC
LIMIT $3`, status, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIntents(rows)
}

// ListStaleCreatedIntents returns intents that never left their initial
// status and were created before the cutoff.
func (q *Queries) ListStaleCreatedIntents(ctx context.Context, status string, before pgtype.Timestamptz, limit int32) ([]PaymentIntent, error) {
	rows, err := q.db.Query(ctx, `SELECT `+intentColumns+` FROM payment_intents
WHERE status = $1 AND created_at < $2
ORDER BY created_at ASC
LIMIT $3`, status, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIntents(rows)
}

func (q *Queries) ListIntentsByOrder(ctx context.Context, orderID pgtype.UUID) ([]PaymentIntent, error) {
	rows, err := q.db.Query(ctx, `SELECT `+intentColumns+` FROM payment_intents
WHERE order_id = $1 ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIntents(rows)
}

// ListIntentsInPeriod returns intents created inside [from, to), for reconciliation.
func (q *Queries) ListIntentsInPeriod(ctx context.Context, from, to pgtype.Timestamptz) ([]PaymentIntent, error) {
	rows, err := q.db.Query(ctx, `SELECT `+intentColumns+` FROM payment_intents
WHERE created_at >= $1 AND created_at < $2
ORDER BY created_at ASC`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIntents(rows)
}

func collectIntents(rows pgx.Rows) ([]PaymentIntent, error) {
	var items []PaymentIntent
	for rows.Next() {
		i, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}
