// Package ledger maintains the order-side view of payments: running totals,
// derived payment status and completion events.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"

	"github.com/wekeza-labs/backend-duka/internal/events"
	"github.com/wekeza-labs/backend-duka/internal/schedule"
	"github.com/wekeza-labs/backend-duka/internal/store"
)

// Order lifecycle statuses.
const (
	OrderPendingDeposit = "pending_deposit"
	OrderActive         = "active"
	OrderCompleted      = "completed"
	OrderCancelled      = "cancelled"
)

// Payment methods. Cash and mpesa orders settle in a single push with no
// installment plan; hire-purchase orders delegate to the schedule.
const (
	PaymentMethodCash         = "cash"
	PaymentMethodMpesa        = "mpesa"
	PaymentMethodHirePurchase = "hire_purchase"
)

// DirectSettlement reports whether the payment method bypasses the
// installment schedule.
func DirectSettlement(method string) bool {
	return method == PaymentMethodCash || method == PaymentMethodMpesa
}

// Derived payment statuses.
const (
	PaymentUnpaid      = "unpaid"
	PaymentDepositPaid = "deposit_paid"
	PaymentInProgress  = "in_progress"
	PaymentCompleted   = "completed"
	PaymentFailed      = "failed"
)

// ErrOrderNotFound indicates no order matches the identifier.
var ErrOrderNotFound = errors.New("ledger: order not found")

// Querier is the persistence surface the ledger needs.
type Querier interface {
	GetOrder(ctx context.Context, id pgtype.UUID) (store.Order, error)
	AddOrderPayment(ctx context.Context, arg store.AddOrderPaymentParams) (store.Order, error)
	SetOrderStatus(ctx context.Context, arg store.SetOrderStatusParams) (store.Order, error)
	ListIntentsByOrder(ctx context.Context, orderID pgtype.UUID) ([]store.PaymentIntent, error)
}

// Scheduler is the installment surface the ledger drives. Satisfied by
// *schedule.Service.
type Scheduler interface {
	ForOrder(ctx context.Context, orderID pgtype.UUID) (store.Schedule, []store.Due, error)
	ApplyPayment(ctx context.Context, scheduleID pgtype.UUID, paid store.PaymentIntent) (schedule.ApplyResult, error)
}

// Service applies settlements and declines to orders.
type Service struct {
	Q         Querier
	Schedules Scheduler
	Events    *events.Bus
	Log       zerolog.Logger
}

// ApplySettlement credits a settled intent against the order: cash orders
// are credited directly, hire-purchase settlements are first matched to a
// schedule due. Implements the settlement hook used by the callback
// processor and the timeout sweep.
func (s *Service) ApplySettlement(ctx context.Context, paid store.PaymentIntent) error {
	if s == nil || s.Q == nil || s.Schedules == nil {
		return errors.New("ledger service not configured")
	}
	order, err := s.Q.GetOrder(ctx, paid.OrderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOrderNotFound
		}
		return err
	}
	if DirectSettlement(order.PaymentMethod) {
		return s.applyCashSettlement(ctx, order, paid)
	}
	sched, _, err := s.Schedules.ForOrder(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("ledger: schedule for order %s: %w", store.UUIDString(order.ID), err)
	}
	result, err := s.Schedules.ApplyPayment(ctx, sched.ID, paid)
	if err != nil {
		return fmt.Errorf("ledger: apply payment: %w", err)
	}

	status, paymentStatus := statusAfterSettlement(order, result)
	updated, err := s.Q.AddOrderPayment(ctx, store.AddOrderPaymentParams{
		ID:            order.ID,
		Amount:        paid.Amount,
		Status:        status,
		PaymentStatus: paymentStatus,
	})
	if err != nil {
		return err
	}

	if result.Completed {
		s.emitCompleted(ctx, updated)
	}
	return nil
}

// applyCashSettlement credits a cash payment straight to the order, skipping
// the scheduler.
func (s *Service) applyCashSettlement(ctx context.Context, order store.Order, paid store.PaymentIntent) error {
	status, paymentStatus := OrderActive, PaymentInProgress
	if order.AmountPaid+paid.Amount >= order.TotalAmount {
		status, paymentStatus = OrderCompleted, PaymentCompleted
	}
	updated, err := s.Q.AddOrderPayment(ctx, store.AddOrderPaymentParams{
		ID:            order.ID,
		Amount:        paid.Amount,
		Status:        status,
		PaymentStatus: paymentStatus,
	})
	if err != nil {
		return err
	}
	if status == OrderCompleted {
		s.emitCompleted(ctx, updated)
	}
	return nil
}

// statusAfterSettlement derives the order statuses from what the payment
// settled.
func statusAfterSettlement(order store.Order, result schedule.ApplyResult) (string, string) {
	if result.Completed {
		return OrderCompleted, PaymentCompleted
	}
	if result.Due.Seq == 0 {
		return OrderActive, PaymentDepositPaid
	}
	status := order.Status
	if status == OrderPendingDeposit {
		status = OrderActive
	}
	return status, PaymentInProgress
}

// RecordDecline refreshes the derived payment status after a failed intent.
// An order only shows failed while nothing has been collected and no other
// attempt is still in flight.
func (s *Service) RecordDecline(ctx context.Context, declined store.PaymentIntent) error {
	order, err := s.Q.GetOrder(ctx, declined.OrderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOrderNotFound
		}
		return err
	}
	if order.AmountPaid > 0 {
		return nil
	}
	intents, err := s.Q.ListIntentsByOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	for _, it := range intents {
		switch it.Status {
		case "created", "pushed", "settled":
			return nil
		}
	}
	_, err = s.Q.SetOrderStatus(ctx, store.SetOrderStatusParams{
		ID:            order.ID,
		Status:        order.Status,
		PaymentStatus: PaymentFailed,
	})
	return err
}

func (s *Service) emitCompleted(ctx context.Context, order store.Order) {
	if s.Events == nil {
		return
	}
	payload := map[string]any{
		"orderId":    store.UUIDString(order.ID),
		"total":      order.TotalAmount,
		"amountPaid": order.AmountPaid,
	}
	if _, err := s.Events.Emit(ctx, events.TopicOrderPaymentCompleted, order.ID, payload); err != nil {
		s.Log.Error().Err(err).Str("order_id", store.UUIDString(order.ID)).Msg("emit completion event")
	}
}
