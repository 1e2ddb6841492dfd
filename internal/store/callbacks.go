package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const callbackColumns = `id, checkout_request_id, merchant_request_id, intent_id,
payload, payload_hash, status, received_at, processed_at`

func scanCallback(row pgx.Row) (Callback, error) {
	var c Callback
	err := row.Scan(
		&c.ID, &c.CheckoutRequestID, &c.MerchantRequestID, &c.IntentID,
		&c.Payload, &c.PayloadHash, &c.Status, &c.ReceivedAt, &c.ProcessedAt,
	)
	return c, err
}

// InsertCallbackParams carries a raw callback body for persistence.
type InsertCallbackParams struct {
	CheckoutRequestID pgtype.Text
	MerchantRequestID pgtype.Text
	Payload           []byte
	PayloadHash       string
	Status            string
}

// InsertCallback stores the raw payload exactly as received. Rows are
// append-only; interpretation status is tracked separately.
func (q *Queries) InsertCallback(ctx context.Context, arg InsertCallbackParams) (Callback, error) {
	row := q.db.QueryRow(ctx, `INSERT INTO gateway_callbacks (checkout_request_id, merchant_request_id, payload, payload_hash, status)
VALUES ($1, $2, $3, $4, $5)
RETURNING `+callbackColumns,
		arg.CheckoutRequestID, arg.MerchantRequestID, arg.Payload, arg.PayloadHash, arg.Status)
	return scanCallback(row)
}

// SetCallbackStatusParams updates the processing outcome of a stored callback.
type SetCallbackStatusParams struct {
	ID          pgtype.UUID
	Status      string
	IntentID    pgtype.UUID
	ProcessedAt pgtype.Timestamptz
}

func (q *Queries) SetCallbackStatus(ctx context.Context, arg SetCallbackStatusParams) error {
	_, err := q.db.Exec(ctx, `UPDATE gateway_callbacks
SET status = $1, intent_id = $2, processed_at = $3
WHERE id = $4`, arg.Status, arg.IntentID, arg.ProcessedAt, arg.ID)
	return err
}

// CountProcessedCallbacks returns how many callbacks with the given payload
// hash were already processed for a checkout request. Used for replay detection.
func (q *Queries) CountProcessedCallbacks(ctx context.Context, checkoutRequestID pgtype.Text, payloadHash string) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, `SELECT count(*) FROM gateway_callbacks
WHERE checkout_request_id = $1 AND payload_hash = $2 AND status = 'processed'`,
		checkoutRequestID, payloadHash).Scan(&n)
	return n, err
}

func (q *Queries) ListCallbacksByStatus(ctx context.Context, status string, limit, offset int32) ([]Callback, error) {
	rows, err := q.db.Query(ctx, `SELECT `+callbackColumns+` FROM gateway_callbacks
WHERE status = $1
ORDER BY received_at DESC
LIMIT $2 OFFSET $3`, status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCallbacks(rows)
}

func (q *Queries) CountCallbacksByStatus(ctx context.Context, status string) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, `SELECT count(*) FROM gateway_callbacks WHERE status = $1`, status).Scan(&n)
	return n, err
}

// ListCallbacksInPeriod returns callbacks received inside [from, to), for reconciliation.
func (q *Queries) ListCallbacksInPeriod(ctx context.Context, from, to pgtype.Timestamptz) ([]Callback, error) {
	rows, err := q.db.Query(ctx, `SELECT `+callbackColumns+` FROM gateway_callbacks
WHERE received_at >= $1 AND received_at < $2
ORDER BY received_at ASC`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCallbacks(rows)
}

func collectCallbacks(rows pgx.Rows) ([]Callback, error) {
	var items []Callback
	for rows.Next() {
		c, err := scanCallback(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}
