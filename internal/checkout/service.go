// Package checkout opens orders: the order row, an installment schedule for
// hire-purchase terms, and the first push (deposit or full cash price) in
// one flow.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/wekeza-labs/backend-duka/internal/catalog"
	"github.com/wekeza-labs/backend-duka/internal/events"
	"github.com/wekeza-labs/backend-duka/internal/intent"
	"github.com/wekeza-labs/backend-duka/internal/ledger"
	"github.com/wekeza-labs/backend-duka/internal/phone"
	"github.com/wekeza-labs/backend-duka/internal/schedule"
	"github.com/wekeza-labs/backend-duka/internal/store"
)

// Input is the checkout request payload. PaymentMethod defaults to
// hire_purchase; cash and mpesa checkouts carry no plan terms, and
// hire-purchase terms are checked when the schedule is generated.
type Input struct {
	CustomerName  string `json:"customerName" validate:"required,min=2"`
	Phone         string `json:"phone" validate:"required"`
	ProductID     string `json:"productId" validate:"required,uuid"`
	PaymentMethod string `json:"paymentMethod" validate:"omitempty,oneof=cash mpesa hire_purchase"`
	DepositAmount int64  `json:"depositAmount" validate:"omitempty,gt=0"`
	MonthlyAmount int64  `json:"monthlyAmount" validate:"omitempty,gt=0"`
	Installments  int32  `json:"installments" validate:"omitempty,gte=1,lte=36"`
}

// Output reports the created order and the opening push.
type Output struct {
	OrderID           string `json:"orderId"`
	ScheduleID        string `json:"scheduleId,omitempty"`
	Status            string `json:"status"`
	IntentID          string `json:"intentId,omitempty"`
	CheckoutRequestID string `json:"checkoutRequestId,omitempty"`
	CustomerMessage   string `json:"customerMessage,omitempty"`
}

// Service opens orders.
type Service struct {
	Q         *store.Queries
	Pool      *pgxpool.Pool
	Catalog   *catalog.Service
	Schedules *schedule.Service
	Intents   *intent.Service
	Events    *events.Bus
	Currency  string
	Log       zerolog.Logger
}

// Create validates the terms against the product price, persists the order
// (and its schedule for hire-purchase) in one transaction, then pushes the
// opening payment. A failed push does not undo the order; it can be retried.
func (s *Service) Create(ctx context.Context, in Input) (Output, error) {
	if s == nil || s.Q == nil || s.Pool == nil {
		return Output{}, errors.New("checkout service not configured")
	}
	msisdn, err := phone.Normalize(in.Phone)
	if err != nil {
		return Output{}, err
	}
	productID, err := store.ToUUID(in.ProductID)
	if err != nil {
		return Output{}, fmt.Errorf("invalid product id: %w", err)
	}
	product, err := s.Catalog.Get(ctx, productID)
	if err != nil {
		return Output{}, err
	}

	if ledger.DirectSettlement(in.PaymentMethod) {
		return s.createCash(ctx, in, msisdn, productID, product)
	}

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Output{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	qtx := s.Q.WithTx(tx)

	order, err := qtx.CreateOrder(ctx, store.CreateOrderParams{
		CustomerName:  in.CustomerName,
		CustomerPhone: msisdn,
		ProductID:     productID,
		ProductTitle:  product.Title,
		Currency:      s.Currency,
		TotalAmount:   product.Price,
		DepositAmount: in.DepositAmount,
		PaymentMethod: ledger.PaymentMethodHirePurchase,
		Status:        ledger.OrderPendingDeposit,
		PaymentStatus: ledger.PaymentUnpaid,
	})
	if err != nil {
		return Output{}, err
	}

	txSchedules := *s.Schedules
	txSchedules.Q = qtx
	sched, dues, err := txSchedules.Generate(ctx, schedule.GenerateParams{
		OrderID:       order.ID,
		TotalAmount:   product.Price,
		DepositAmount: in.DepositAmount,
		MonthlyAmount: in.MonthlyAmount,
		Installments:  in.Installments,
		StartDate:     time.Now().UTC(),
	})
	if err != nil {
		return Output{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Output{}, err
	}

	if s.Events != nil {
		_, _ = s.Events.Emit(ctx, events.TopicOrderCreated, order.ID, map[string]any{
			"orderId":    store.UUIDString(order.ID),
			"scheduleId": store.UUIDString(sched.ID),
			"total":      product.Price,
			"deposit":    in.DepositAmount,
		})
	}

	out := Output{
		OrderID:    store.UUIDString(order.ID),
		ScheduleID: store.UUIDString(sched.ID),
		Status:     order.Status,
	}
	pushed, err := s.Intents.CreateAndPush(ctx, intent.CreateParams{
		OrderID:          order.ID,
		DueID:            dues[0].ID,
		Purpose:          intent.PurposeDeposit,
		Phone:            msisdn,
		Amount:           in.DepositAmount,
		AccountReference: "ORD-" + store.UUIDString(order.ID)[:8],
		Description:      "Deposit for " + product.Title,
	})
	if err != nil {
		// order stands; surface the push failure with the order attached
		s.Log.Warn().Err(err).Str("order_id", out.OrderID).Msg("deposit push failed")
		return out, err
	}
	out.IntentID = store.UUIDString(pushed.ID)
	out.CheckoutRequestID = pushed.CheckoutRequestID.String
	out.CustomerMessage = "Deposit request sent to " + msisdn
	return out, nil
}

// createCash opens a cash order: no schedule, one full-price push that
// settles straight to the order balance.
func (s *Service) createCash(ctx context.Context, in Input, msisdn string, productID pgtype.UUID, product catalog.Product) (Output, error) {
	order, err := s.Q.CreateOrder(ctx, store.CreateOrderParams{
		CustomerName:  in.CustomerName,
		CustomerPhone: msisdn,
		ProductID:     productID,
		ProductTitle:  product.Title,
		Currency:      s.Currency,
		TotalAmount:   product.Price,
		DepositAmount: product.Price,
		PaymentMethod: in.PaymentMethod,
		Status:        ledger.OrderPendingDeposit,
		PaymentStatus: ledger.PaymentUnpaid,
	})
	if err != nil {
		return Output{}, err
	}

	if s.Events != nil {
		_, _ = s.Events.Emit(ctx, events.TopicOrderCreated, order.ID, map[string]any{
			"orderId":       store.UUIDString(order.ID),
			"paymentMethod": in.PaymentMethod,
			"total":         product.Price,
		})
	}

	out := Output{
		OrderID: store.UUIDString(order.ID),
		Status:  order.Status,
	}
	pushed, err := s.Intents.CreateAndPush(ctx, intent.CreateParams{
		OrderID:          order.ID,
		Purpose:          intent.PurposeCash,
		Phone:            msisdn,
		Amount:           product.Price,
		AccountReference: "ORD-" + store.UUIDString(order.ID)[:8],
		Description:      "Full payment for " + product.Title,
	})
	if err != nil {
		s.Log.Warn().Err(err).Str("order_id", out.OrderID).Msg("cash push failed")
		return out, err
	}
	out.IntentID = store.UUIDString(pushed.ID)
	out.CheckoutRequestID = pushed.CheckoutRequestID.String
	out.CustomerMessage = "Payment request sent to " + msisdn
	return out, nil
}
