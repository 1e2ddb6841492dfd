package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const orderColumns = `id, customer_name, customer_phone, product_id, product_title,
currency, total_amount, deposit_amount, amount_paid, payment_method, status, payment_status, created_at, updated_at`

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	err := row.Scan(
		&o.ID, &o.CustomerName, &o.CustomerPhone, &o.ProductID, &o.ProductTitle,
		&o.Currency, &o.TotalAmount, &o.DepositAmount, &o.AmountPaid, &o.PaymentMethod,
		&o.Status, &o.PaymentStatus, &o.CreatedAt, &o.UpdatedAt,
	)
	return o, err
}

// CreateOrderParams carries the fields for a new hire-purchase order.
type CreateOrderParams struct {
	CustomerName  string
	CustomerPhone string
	ProductID     pgtype.UUID
	ProductTitle  string
	Currency      string
	TotalAmount   int64
	DepositAmount int64
	PaymentMethod string
	Status        string
	PaymentStatus string
}

func (q *Queries) CreateOrder(ctx context.Context, arg CreateOrderParams) (Order, error) {
	row := q.db.QueryRow(ctx, `INSERT INTO orders (customer_name, customer_phone, product_id, product_title, currency, total_amount, deposit_amount, payment_method, status, payment_status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING `+orderColumns,
		arg.CustomerName, arg.CustomerPhone, arg.ProductID, arg.ProductTitle,
		arg.Currency, arg.TotalAmount, arg.DepositAmount, arg.PaymentMethod, arg.Status, arg.PaymentStatus)
	return scanOrder(row)
}

func (q *Queries) GetOrder(ctx context.Context, id pgtype.UUID) (Order, error) {
	row := q.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

// AddOrderPaymentParams applies a settled amount to the order's running total.
type AddOrderPaymentParams struct {
	ID            pgtype.UUID
	Amount        int64
	Status        string
	PaymentStatus string
}

// AddOrderPayment credits a settlement against the order and updates its
// derived statuses in the same statement.
func (q *Queries) AddOrderPayment(ctx context.Context, arg AddOrderPaymentParams) (Order, error) {
	row := q.db.QueryRow(ctx, `UPDATE orders
SET amount_paid = amount_paid + $1, status = $2, payment_status = $3, updated_at = now()
WHERE id = $4
RETURNING `+orderColumns,
		arg.Amount, arg.Status, arg.PaymentStatus, arg.ID)
	return scanOrder(row)
}

// ListOrdersParams pages over orders, optionally filtered by status.
type ListOrdersParams struct {
	Status string
	Limit  int32
	Offset int32
}

func (q *Queries) ListOrders(ctx context.Context, arg ListOrdersParams) ([]Order, error) {
	rows, err := q.db.Query(ctx, `SELECT `+orderColumns+` FROM orders
WHERE ($1 = '' OR status = $1)
ORDER BY created_at DESC
LIMIT $2 OFFSET $3`, arg.Status, arg.Limit, arg.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (q *Queries) CountOrders(ctx context.Context, status string) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, `SELECT count(*) FROM orders WHERE ($1 = '' OR status = $1)`, status).Scan(&n)
	return n, err
}

// ListCompletedOrdersInPeriod returns orders marked completed whose last
// update falls in [from, to).
func (q *Queries) ListCompletedOrdersInPeriod(ctx context.Context, from, to pgtype.Timestamptz) ([]Order, error) {
	rows, err := q.db.Query(ctx, `SELECT `+orderColumns+` FROM orders
WHERE status = 'completed' AND updated_at >= $1 AND updated_at < $2
ORDER BY updated_at ASC`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, o)
	}
	return items, rows.Err()
}

// SetOrderStatusParams updates the order lifecycle and payment statuses.
type SetOrderStatusParams struct {
	ID            pgtype.UUID
	Status        string
	PaymentStatus string
}

func (q *Queries) SetOrderStatus(ctx context.Context, arg SetOrderStatusParams) (Order, error) {
	row := q.db.QueryRow(ctx, `UPDATE orders
SET status = $1, payment_status = $2, updated_at = now()
WHERE id = $3
RETURNING `+orderColumns, arg.Status, arg.PaymentStatus, arg.ID)
	return scanOrder(row)
}
