// Package schedule generates installment plans and applies settled payments
// against their dues.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"

	"github.com/wekeza-labs/backend-duka/internal/events"
	"github.com/wekeza-labs/backend-duka/internal/lock"
	"github.com/wekeza-labs/backend-duka/internal/obs"
	"github.com/wekeza-labs/backend-duka/internal/store"
)

// Schedule statuses.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Due statuses.
const (
	DueStatusPending   = "pending"
	DueStatusOverdue   = "overdue"
	DueStatusPaid      = "paid"
	DueStatusCancelled = "cancelled"
)

// ErrInvalidParameters indicates the plan terms do not add up.
var ErrInvalidParameters = errors.New("schedule: invalid plan parameters")

// ErrAmountMismatch indicates a settled amount matches no unpaid due.
var ErrAmountMismatch = errors.New("schedule: amount matches no unpaid due")

// ErrNotFound indicates no schedule exists for the given key.
var ErrNotFound = errors.New("schedule: not found")

// Querier is the persistence surface the scheduler needs.
type Querier interface {
	CreateSchedule(ctx context.Context, arg store.CreateScheduleParams) (store.Schedule, error)
	CreateDue(ctx context.Context, arg store.CreateDueParams) (store.Due, error)
	GetSchedule(ctx context.Context, id pgtype.UUID) (store.Schedule, error)
	GetScheduleByOrder(ctx context.Context, orderID pgtype.UUID) (store.Schedule, error)
	ListDues(ctx context.Context, scheduleID pgtype.UUID) ([]store.Due, error)
	ListUnpaidDues(ctx context.Context, scheduleID pgtype.UUID) ([]store.Due, error)
	MarkDuePaid(ctx context.Context, arg store.MarkDuePaidParams) (store.Due, error)
	MarkDueOverdue(ctx context.Context, arg store.MarkDueOverdueParams) (store.Due, error)
	ListPendingDuesBefore(ctx context.Context, cutoff pgtype.Date, limit int32) ([]store.Due, error)
	CountUnpaidDues(ctx context.Context, scheduleID pgtype.UUID) (int64, error)
	CountOverdueDues(ctx context.Context) (int64, error)
	SetScheduleStatus(ctx context.Context, id pgtype.UUID, status string) error
	CancelUnpaidDues(ctx context.Context, scheduleID pgtype.UUID) (int64, error)
}

// LateFeePolicy computes the surcharge added when a due becomes overdue.
// Flat and RateBPS are mutually exclusive; RateBPS applies basis points of
// the due amount.
type LateFeePolicy struct {
	Flat    int64
	RateBPS int64
}

// Fee returns the late fee for a due of the given amount.
func (p LateFeePolicy) Fee(amount int64) int64 {
	if p.Flat > 0 {
		return p.Flat
	}
	if p.RateBPS > 0 {
		return amount * p.RateBPS / 10000
	}
	return 0
}

// Service manages installment schedules.
type Service struct {
	Q       Querier
	Locker  lock.Locker
	LockTTL time.Duration
	Fees    LateFeePolicy
	Events  *events.Bus
	Log     zerolog.Logger
}

// GenerateParams describes a plan to lay out. Amounts are whole shillings.
type GenerateParams struct {
	OrderID       pgtype.UUID
	TotalAmount   int64
	DepositAmount int64
	MonthlyAmount int64
	Installments  int32
	StartDate     time.Time
}

// Generate validates the plan terms and lays out the deposit plus monthly
// dues. The terms must balance exactly: deposit + monthly * installments ==
// total, with no rounding tolerance.
func (s *Service) Generate(ctx context.Context, arg GenerateParams) (store.Schedule, []store.Due, error) {
	if s == nil || s.Q == nil {
		return store.Schedule{}, nil, errors.New("schedule service not configured")
	}
	if err := validatePlan(arg); err != nil {
		return store.Schedule{}, nil, err
	}
	sched, err := s.Q.CreateSchedule(ctx, store.CreateScheduleParams{
		OrderID:       arg.OrderID,
		TotalAmount:   arg.TotalAmount,
		DepositAmount: arg.DepositAmount,
		MonthlyAmount: arg.MonthlyAmount,
		Installments:  arg.Installments,
		StartDate:     pgtype.Date{Time: arg.StartDate, Valid: true},
		Status:        StatusActive,
	})
	if err != nil {
		return store.Schedule{}, nil, err
	}

	dues := make([]store.Due, 0, int(arg.Installments)+1)
	deposit, err := s.Q.CreateDue(ctx, store.CreateDueParams{
		ScheduleID: sched.ID,
		Seq:        0,
		Amount:     arg.DepositAmount,
		DueDate:    pgtype.Date{Time: arg.StartDate, Valid: true},
		Status:     DueStatusPending,
	})
	if err != nil {
		return store.Schedule{}, nil, err
	}
	dues = append(dues, deposit)
	for i := int32(1); i <= arg.Installments; i++ {
		due, dueErr := s.Q.CreateDue(ctx, store.CreateDueParams{
			ScheduleID: sched.ID,
			Seq:        i,
			Amount:     arg.MonthlyAmount,
			DueDate:    pgtype.Date{Time: arg.StartDate.AddDate(0, int(i), 0), Valid: true},
			Status:     DueStatusPending,
		})
		if dueErr != nil {
			return store.Schedule{}, nil, dueErr
		}
		dues = append(dues, due)
	}
	return sched, dues, nil
}

func validatePlan(arg GenerateParams) error {
	if arg.TotalAmount <= 0 || arg.DepositAmount <= 0 || arg.MonthlyAmount <= 0 {
		return fmt.Errorf("%w: amounts must be positive", ErrInvalidParameters)
	}
	if arg.Installments < 1 {
		return fmt.Errorf("%w: at least one installment required", ErrInvalidParameters)
	}
	if arg.StartDate.IsZero() {
		return fmt.Errorf("%w: start date required", ErrInvalidParameters)
	}
	expected := arg.DepositAmount + arg.MonthlyAmount*int64(arg.Installments)
	if expected != arg.TotalAmount {
		return fmt.Errorf("%w: deposit %d + %d monthly payments of %d is %d, not %d",
			ErrInvalidParameters, arg.DepositAmount, arg.Installments, arg.MonthlyAmount, expected, arg.TotalAmount)
	}
	return nil
}

// ApplyResult reports what a settlement was matched against.
type ApplyResult struct {
	Due       store.Due
	Completed bool
}

// ApplyPayment matches a settled amount to an unpaid due under the schedule
// lock. The earliest unpaid due is tried first; if its balance (amount plus
// any late fee) differs, the remaining unpaid dues are scanned for an exact
// amount. No match is an error and nothing is recorded.
func (s *Service) ApplyPayment(ctx context.Context, scheduleID pgtype.UUID, paid store.PaymentIntent) (ApplyResult, error) {
	var result ApplyResult
	key := "schedule:apply:" + store.UUIDString(scheduleID)
	err := s.Locker.WithLock(ctx, key, s.LockTTL, func(ctx context.Context) error {
		unpaid, err := s.Q.ListUnpaidDues(ctx, scheduleID)
		if err != nil {
			return err
		}
		if len(unpaid) == 0 {
			return fmt.Errorf("%w: no unpaid dues", ErrAmountMismatch)
		}
		target, ok := matchDue(unpaid, paid.Amount)
		if !ok {
			return fmt.Errorf("%w: %d does not settle any outstanding due", ErrAmountMismatch, paid.Amount)
		}
		settled, err := s.Q.MarkDuePaid(ctx, store.MarkDuePaidParams{
			ID:       target.ID,
			IntentID: paid.ID,
			PaidAt:   pgtype.Timestamptz{Time: time.Now(), Valid: true},
		})
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: due already settled", ErrAmountMismatch)
			}
			return err
		}
		result.Due = settled

		remaining, err := s.Q.CountUnpaidDues(ctx, scheduleID)
		if err != nil {
			return err
		}
		if remaining == 0 {
			if err := s.Q.SetScheduleStatus(ctx, scheduleID, StatusCompleted); err != nil {
				return err
			}
			result.Completed = true
		}
		return nil
	})
	return result, err
}

// matchDue finds the due a settled amount pays for. Earliest first, then an
// exact scan over the rest.
func matchDue(unpaid []store.Due, amount int64) (store.Due, bool) {
	if balance(unpaid[0]) == amount {
		return unpaid[0], true
	}
	for _, due := range unpaid[1:] {
		if balance(due) == amount {
			return due, true
		}
	}
	return store.Due{}, false
}

func balance(due store.Due) int64 {
	return due.Amount + due.LateFee
}

// RecomputeOverdue moves pending dues past their date into overdue, applying
// the late-fee policy once per due. Re-running it on the same day is a no-op
// for dues already marked.
func (s *Service) RecomputeOverdue(ctx context.Context, today time.Time) (int, error) {
	cutoff := pgtype.Date{Time: today, Valid: true}
	marked := 0
	for {
		batch, err := s.Q.ListPendingDuesBefore(ctx, cutoff, 100)
		if err != nil {
			return marked, err
		}
		if len(batch) == 0 {
			break
		}
		for _, due := range batch {
			overdue, markErr := s.Q.MarkDueOverdue(ctx, store.MarkDueOverdueParams{
				ID:      due.ID,
				LateFee: s.Fees.Fee(due.Amount),
			})
			if markErr != nil {
				if errors.Is(markErr, pgx.ErrNoRows) {
					continue
				}
				return marked, markErr
			}
			marked++
			s.emitOverdue(ctx, overdue)
		}
		if len(batch) < 100 {
			break
		}
	}
	if obs.OverdueDuesGauge != nil {
		if total, err := s.Q.CountOverdueDues(ctx); err == nil {
			obs.OverdueDuesGauge.Set(float64(total))
		}
	}
	return marked, nil
}

func (s *Service) emitOverdue(ctx context.Context, due store.Due) {
	if s.Events == nil {
		return
	}
	payload := map[string]any{
		"dueId":      store.UUIDString(due.ID),
		"scheduleId": store.UUIDString(due.ScheduleID),
		"seq":        due.Seq,
		"amount":     due.Amount,
		"lateFee":    due.LateFee,
	}
	if _, err := s.Events.Emit(ctx, events.TopicScheduleDueOverdue, due.ID, payload); err != nil {
		s.Log.Error().Err(err).Str("due_id", store.UUIDString(due.ID)).Msg("emit overdue event")
	}
}

// ForOrder returns the schedule and dues attached to an order.
func (s *Service) ForOrder(ctx context.Context, orderID pgtype.UUID) (store.Schedule, []store.Due, error) {
	sched, err := s.Q.GetScheduleByOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Schedule{}, nil, ErrNotFound
		}
		return store.Schedule{}, nil, err
	}
	dues, err := s.Q.ListDues(ctx, sched.ID)
	if err != nil {
		return store.Schedule{}, nil, err
	}
	return sched, dues, nil
}

// CancelRemaining cancels every due not yet paid and closes the schedule.
// Orders without a schedule (cash) are a no-op. Paid dues keep their status;
// only the unpaid remainder is cancelled, so the overdue sweep stops touching
// the plan.
func (s *Service) CancelRemaining(ctx context.Context, orderID pgtype.UUID) (int64, error) {
	sched, err := s.Q.GetScheduleByOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	if sched.Status == StatusCancelled {
		return 0, nil
	}
	cancelled, err := s.Q.CancelUnpaidDues(ctx, sched.ID)
	if err != nil {
		return 0, err
	}
	if err := s.Q.SetScheduleStatus(ctx, sched.ID, StatusCancelled); err != nil {
		return cancelled, err
	}
	s.Log.Info().
		Str("schedule_id", store.UUIDString(sched.ID)).
		Int64("dues_cancelled", cancelled).
		Msg("schedule cancelled")
	return cancelled, nil
}
