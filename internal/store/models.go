package store

import (
	"github.com/jackc/pgx/v5/pgtype"
)

// Order is a hire-purchase order. Amounts are integer shillings.
type Order struct {
	ID            pgtype.UUID
	CustomerName  string
	CustomerPhone string
	ProductID     pgtype.UUID
	ProductTitle  string
	Currency      string
	TotalAmount   int64
	DepositAmount int64
	AmountPaid    int64
	PaymentMethod string
	Status        string
	PaymentStatus string
	CreatedAt     pgtype.Timestamptz
	UpdatedAt     pgtype.Timestamptz
}

// PaymentIntent tracks a single push-payment attempt from creation to resolution.
type PaymentIntent struct {
	ID                pgtype.UUID
	OrderID           pgtype.UUID
	DueID             pgtype.UUID
	Purpose           string
	Phone             string
	Amount            int64
	Status            string
	MerchantRequestID pgtype.Text
	CheckoutRequestID pgtype.Text
	ResultCode        pgtype.Int4
	ResultDesc        pgtype.Text
	ReceiptNumber     pgtype.Text
	SettledAmount     pgtype.Int8
	SettledAt         pgtype.Timestamptz
	RawRequest        []byte
	RawResponse       []byte
	PushedAt          pgtype.Timestamptz
	ResolvedAt        pgtype.Timestamptz
	CreatedAt         pgtype.Timestamptz
	UpdatedAt         pgtype.Timestamptz
}

// Callback is a raw gateway callback, persisted before any interpretation.
type Callback struct {
	ID                pgtype.UUID
	CheckoutRequestID pgtype.Text
	MerchantRequestID pgtype.Text
	IntentID          pgtype.UUID
	Payload           []byte
	PayloadHash       string
	Status            string
	ReceivedAt        pgtype.Timestamptz
	ProcessedAt       pgtype.Timestamptz
}

// Schedule is the installment plan attached to an order.
type Schedule struct {
	ID            pgtype.UUID
	OrderID       pgtype.UUID
	TotalAmount   int64
	DepositAmount int64
	MonthlyAmount int64
	Installments  int32
	StartDate     pgtype.Date
	Status        string
	CreatedAt     pgtype.Timestamptz
	UpdatedAt     pgtype.Timestamptz
}

// Due is a single expected payment within a schedule. Seq 0 is the deposit.
type Due struct {
	ID         pgtype.UUID
	ScheduleID pgtype.UUID
	Seq        int32
	Amount     int64
	LateFee    int64
	DueDate    pgtype.Date
	Status     string
	IntentID   pgtype.UUID
	PaidAt     pgtype.Timestamptz
	CreatedAt  pgtype.Timestamptz
	UpdatedAt  pgtype.Timestamptz
}

// ReconReport is a reconciliation summary for a reporting period.
type ReconReport struct {
	ID             pgtype.UUID
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
	SignedOffBy    pgtype.Text
	SignedOffAt    pgtype.Timestamptz
	CreatedAt      pgtype.Timestamptz
}

// ReconDiscrepancy records one cross-check failure found during reconciliation.
type ReconDiscrepancy struct {
	ID         pgtype.UUID
	ReportID   pgtype.UUID
	Kind       string
	IntentID   pgtype.UUID
	CallbackID pgtype.UUID
	Details    []byte
	CreatedAt  pgtype.Timestamptz
}

// Product is a catalog item offered on hire-purchase terms.
type Product struct {
	ID          pgtype.UUID
	Title       string
	Slug        string
	Description pgtype.Text
	Price       int64
	Currency    string
	Active      bool
	CreatedAt   pgtype.Timestamptz
	UpdatedAt   pgtype.Timestamptz
}
