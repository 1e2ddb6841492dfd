// Package order exposes the order ledger over HTTP: order detail with its
// schedule and payment attempts, installment pushes and intent cancellation.
package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"

	"github.com/wekeza-labs/backend-duka/internal/intent"
	"github.com/wekeza-labs/backend-duka/internal/ledger"
	"github.com/wekeza-labs/backend-duka/internal/phone"
	"github.com/wekeza-labs/backend-duka/internal/schedule"
	"github.com/wekeza-labs/backend-duka/internal/store"
)

var (
	ErrNotFound      = errors.New("order not found")
	ErrDueNotPayable = errors.New("installment is not payable")
	ErrOrderClosed   = errors.New("order is not accepting payments")
)

// Querier is the slice of the store the order surface reads.
type Querier interface {
	GetOrder(ctx context.Context, id pgtype.UUID) (store.Order, error)
	GetIntent(ctx context.Context, id pgtype.UUID) (store.PaymentIntent, error)
	ListIntentsByOrder(ctx context.Context, orderID pgtype.UUID) ([]store.PaymentIntent, error)
}

// ScheduleReader loads an order's installment plan.
type ScheduleReader interface {
	ForOrder(ctx context.Context, orderID pgtype.UUID) (store.Schedule, []store.Due, error)
}

// IntentStarter pushes and cancels payment intents.
type IntentStarter interface {
	CreateAndPush(ctx context.Context, arg intent.CreateParams) (store.PaymentIntent, error)
	Cancel(ctx context.Context, id pgtype.UUID, reason string) (store.PaymentIntent, error)
}

type Service struct {
	Q         Querier
	Schedules ScheduleReader
	Intents   IntentStarter
	Log       zerolog.Logger
}

// Detail is the full order view: ledger row, plan and payment attempts.
type Detail struct {
	Order    store.Order
	Schedule store.Schedule
	Dues     []store.Due
	Intents  []store.PaymentIntent
}

func (s *Service) Get(ctx context.Context, orderID pgtype.UUID) (Detail, error) {
	ord, err := s.Q.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Detail{}, ErrNotFound
		}
		return Detail{}, err
	}
	sched, dues, err := s.Schedules.ForOrder(ctx, orderID)
	if err != nil && !errors.Is(err, schedule.ErrNotFound) {
		return Detail{}, err
	}
	intents, err := s.Q.ListIntentsByOrder(ctx, orderID)
	if err != nil {
		return Detail{}, err
	}
	return Detail{Order: ord, Schedule: sched, Dues: dues, Intents: intents}, nil
}

// PayParams selects which installment to push. An empty DueID means the
// earliest unpaid due; an empty Phone falls back to the order's phone.
type PayParams struct {
	DueID string
	Phone string
}

// PayInstallment pushes a payment for one installment of the order. The
// amount is the due's outstanding balance including any accrued late fee.
func (s *Service) PayInstallment(ctx context.Context, orderID pgtype.UUID, arg PayParams) (store.PaymentIntent, error) {
	ord, err := s.Q.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.PaymentIntent{}, ErrNotFound
		}
		return store.PaymentIntent{}, err
	}
	if ord.Status == ledger.OrderCancelled || ord.Status == ledger.OrderCompleted {
		return store.PaymentIntent{}, ErrOrderClosed
	}
	if ledger.DirectSettlement(ord.PaymentMethod) {
		return s.payCashBalance(ctx, ord, arg)
	}
	_, dues, err := s.Schedules.ForOrder(ctx, orderID)
	if err != nil {
		return store.PaymentIntent{}, err
	}
	due, err := pickDue(dues, arg.DueID)
	if err != nil {
		return store.PaymentIntent{}, err
	}

	msisdn := ord.CustomerPhone
	if arg.Phone != "" {
		msisdn, err = phone.Normalize(arg.Phone)
		if err != nil {
			return store.PaymentIntent{}, err
		}
	}

	purpose := intent.PurposeInstallment
	if due.Seq == 0 {
		purpose = intent.PurposeDeposit
	}
	return s.Intents.CreateAndPush(ctx, intent.CreateParams{
		OrderID:          orderID,
		DueID:            due.ID,
		Purpose:          purpose,
		Phone:            msisdn,
		Amount:           due.Amount + due.LateFee,
		AccountReference: "ORD-" + store.UUIDString(orderID)[:8],
		Description:      fmt.Sprintf("Installment %d for %s", due.Seq, ord.ProductTitle),
	})
}

// payCashBalance pushes the outstanding balance of a cash order. Cash orders
// carry no schedule, so the whole remainder goes in one push.
func (s *Service) payCashBalance(ctx context.Context, ord store.Order, arg PayParams) (store.PaymentIntent, error) {
	balance := ord.TotalAmount - ord.AmountPaid
	if balance <= 0 {
		return store.PaymentIntent{}, ErrOrderClosed
	}
	msisdn := ord.CustomerPhone
	if arg.Phone != "" {
		var err error
		msisdn, err = phone.Normalize(arg.Phone)
		if err != nil {
			return store.PaymentIntent{}, err
		}
	}
	return s.Intents.CreateAndPush(ctx, intent.CreateParams{
		OrderID:          ord.ID,
		Purpose:          intent.PurposeCash,
		Phone:            msisdn,
		Amount:           balance,
		AccountReference: "ORD-" + store.UUIDString(ord.ID)[:8],
		Description:      "Full payment for " + ord.ProductTitle,
	})
}

// GetIntent returns a single payment intent.
func (s *Service) GetIntent(ctx context.Context, intentID pgtype.UUID) (store.PaymentIntent, error) {
	pi, err := s.Q.GetIntent(ctx, intentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.PaymentIntent{}, intent.ErrNotFound
		}
		return store.PaymentIntent{}, err
	}
	return pi, nil
}

// ScheduleForOrder returns the order's installment plan.
func (s *Service) ScheduleForOrder(ctx context.Context, orderID pgtype.UUID) (store.Schedule, []store.Due, error) {
	if _, err := s.Q.GetOrder(ctx, orderID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Schedule{}, nil, ErrNotFound
		}
		return store.Schedule{}, nil, err
	}
	return s.Schedules.ForOrder(ctx, orderID)
}

// CancelIntent abandons a pending intent on behalf of the customer.
func (s *Service) CancelIntent(ctx context.Context, intentID pgtype.UUID, reason string) (store.PaymentIntent, error) {
	if reason == "" {
		reason = "cancelled by customer"
	}
	return s.Intents.Cancel(ctx, intentID, reason)
}

func pickDue(dues []store.Due, dueID string) (store.Due, error) {
	if dueID != "" {
		want, err := store.ToUUID(dueID)
		if err != nil {
			return store.Due{}, fmt.Errorf("invalid due id: %w", err)
		}
		for _, d := range dues {
			if store.UUIDEqual(d.ID, want) {
				if d.Status == schedule.DueStatusPaid {
					return store.Due{}, ErrDueNotPayable
				}
				return d, nil
			}
		}
		return store.Due{}, ErrDueNotPayable
	}
	for _, d := range dues {
		if d.Status != schedule.DueStatusPaid {
			return d, nil
		}
	}
	return store.Due{}, ErrDueNotPayable
}
