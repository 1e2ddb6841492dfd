package ledger_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wekeza-labs/backend-duka/internal/ledger"
	"github.com/wekeza-labs/backend-duka/internal/schedule"
	"github.com/wekeza-labs/backend-duka/internal/store"
)

type memOrders struct {
	orders  map[string]*store.Order
	intents []store.PaymentIntent
}

func (m *memOrders) GetOrder(_ context.Context, id pgtype.UUID) (store.Order, error) {
	o, ok := m.orders[store.UUIDString(id)]
	if !ok {
		return store.Order{}, pgx.ErrNoRows
	}
	return *o, nil
}

func (m *memOrders) AddOrderPayment(_ context.Context, arg store.AddOrderPaymentParams) (store.Order, error) {
	o, ok := m.orders[store.UUIDString(arg.ID)]
	if !ok {
		return store.Order{}, pgx.ErrNoRows
	}
	o.AmountPaid += arg.Amount
	o.Status = arg.Status
	o.PaymentStatus = arg.PaymentStatus
	return *o, nil
}

func (m *memOrders) SetOrderStatus(_ context.Context, arg store.SetOrderStatusParams) (store.Order, error) {
	o, ok := m.orders[store.UUIDString(arg.ID)]
	if !ok {
		return store.Order{}, pgx.ErrNoRows
	}
	o.Status = arg.Status
	o.PaymentStatus = arg.PaymentStatus
	return *o, nil
}

func (m *memOrders) ListIntentsByOrder(_ context.Context, orderID pgtype.UUID) ([]store.PaymentIntent, error) {
	var out []store.PaymentIntent
	for _, it := range m.intents {
		if store.UUIDEqual(it.OrderID, orderID) {
			out = append(out, it)
		}
	}
	return out, nil
}

type stubScheduler struct {
	sched  store.Schedule
	result schedule.ApplyResult
	err    error
	paid   []store.PaymentIntent
}

func (s *stubScheduler) ForOrder(context.Context, pgtype.UUID) (store.Schedule, []store.Due, error) {
	return s.sched, nil, nil
}

func (s *stubScheduler) ApplyPayment(_ context.Context, _ pgtype.UUID, paid store.PaymentIntent) (schedule.ApplyResult, error) {
	s.paid = append(s.paid, paid)
	return s.result, s.err
}

func newOrder(m *memOrders) store.Order {
	id := uuid.New()
	o := store.Order{
		ID:            pgtype.UUID{Bytes: id, Valid: true},
		TotalAmount:   24000,
		DepositAmount: 6000,
		Status:        ledger.OrderPendingDeposit,
		PaymentStatus: ledger.PaymentUnpaid,
	}
	m.orders[id.String()] = &o
	return o
}

func settledIntent(orderID pgtype.UUID, amount int64) store.PaymentIntent {
	return store.PaymentIntent{
		ID:      pgtype.UUID{Bytes: uuid.New(), Valid: true},
		OrderID: orderID,
		Amount:  amount,
		Status:  "settled",
	}
}

func TestDepositSettlementActivatesOrder(t *testing.T) {
	m := &memOrders{orders: make(map[string]*store.Order)}
	order := newOrder(m)
	scheduler := &stubScheduler{result: schedule.ApplyResult{Due: store.Due{Seq: 0}}}
	svc := &ledger.Service{Q: m, Schedules: scheduler, Log: zerolog.Nop()}

	require.NoError(t, svc.ApplySettlement(context.Background(), settledIntent(order.ID, 6000)))

	updated, err := m.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.OrderActive, updated.Status)
	require.Equal(t, ledger.PaymentDepositPaid, updated.PaymentStatus)
	require.Equal(t, int64(6000), updated.AmountPaid)
	require.Len(t, scheduler.paid, 1)
}

func TestInstallmentSettlementMarksInProgress(t *testing.T) {
	m := &memOrders{orders: make(map[string]*store.Order)}
	order := newOrder(m)
	m.orders[store.UUIDString(order.ID)].Status = ledger.OrderActive
	scheduler := &stubScheduler{result: schedule.ApplyResult{Due: store.Due{Seq: 3}}}
	svc := &ledger.Service{Q: m, Schedules: scheduler, Log: zerolog.Nop()}

	require.NoError(t, svc.ApplySettlement(context.Background(), settledIntent(order.ID, 1500)))

	updated, err := m.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.OrderActive, updated.Status)
	require.Equal(t, ledger.PaymentInProgress, updated.PaymentStatus)
}

func TestFinalSettlementCompletesOrder(t *testing.T) {
	m := &memOrders{orders: make(map[string]*store.Order)}
	order := newOrder(m)
	scheduler := &stubScheduler{result: schedule.ApplyResult{Due: store.Due{Seq: 12}, Completed: true}}
	svc := &ledger.Service{Q: m, Schedules: scheduler, Log: zerolog.Nop()}

	require.NoError(t, svc.ApplySettlement(context.Background(), settledIntent(order.ID, 1500)))

	updated, err := m.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.OrderCompleted, updated.Status)
	require.Equal(t, ledger.PaymentCompleted, updated.PaymentStatus)
}

func TestMismatchedSettlementLeavesOrderUntouched(t *testing.T) {
	m := &memOrders{orders: make(map[string]*store.Order)}
	order := newOrder(m)
	scheduler := &stubScheduler{err: schedule.ErrAmountMismatch}
	svc := &ledger.Service{Q: m, Schedules: scheduler, Log: zerolog.Nop()}

	err := svc.ApplySettlement(context.Background(), settledIntent(order.ID, 999))
	require.ErrorIs(t, err, schedule.ErrAmountMismatch)

	updated, getErr := m.GetOrder(context.Background(), order.ID)
	require.NoError(t, getErr)
	require.Zero(t, updated.AmountPaid)
	require.Equal(t, ledger.PaymentUnpaid, updated.PaymentStatus)
}

func TestDeclineMarksFailedOnlyWhenNothingElseRemains(t *testing.T) {
	m := &memOrders{orders: make(map[string]*store.Order)}
	order := newOrder(m)
	declined := settledIntent(order.ID, 6000)
	declined.Status = "declined"
	m.intents = []store.PaymentIntent{declined}

	svc := &ledger.Service{Q: m, Schedules: &stubScheduler{}, Log: zerolog.Nop()}
	require.NoError(t, svc.RecordDecline(context.Background(), declined))

	updated, err := m.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.PaymentFailed, updated.PaymentStatus)
}

func TestDeclineIgnoredWhileAnotherAttemptInFlight(t *testing.T) {
	m := &memOrders{orders: make(map[string]*store.Order)}
	order := newOrder(m)
	declined := settledIntent(order.ID, 6000)
	declined.Status = "declined"
	pending := settledIntent(order.ID, 6000)
	pending.Status = "pushed"
	m.intents = []store.PaymentIntent{declined, pending}

	svc := &ledger.Service{Q: m, Schedules: &stubScheduler{}, Log: zerolog.Nop()}
	require.NoError(t, svc.RecordDecline(context.Background(), declined))

	updated, err := m.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.PaymentUnpaid, updated.PaymentStatus)
}

func TestDeclineIgnoredAfterMoneyCollected(t *testing.T) {
	m := &memOrders{orders: make(map[string]*store.Order)}
	order := newOrder(m)
	m.orders[store.UUIDString(order.ID)].AmountPaid = 6000
	declined := settledIntent(order.ID, 1500)
	declined.Status = "declined"

	svc := &ledger.Service{Q: m, Schedules: &stubScheduler{}, Log: zerolog.Nop()}
	require.NoError(t, svc.RecordDecline(context.Background(), declined))

	updated, err := m.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.PaymentUnpaid, updated.PaymentStatus)
}

func TestCashSettlementCompletesOrderWithoutSchedule(t *testing.T) {
	m := &memOrders{orders: make(map[string]*store.Order)}
	order := newOrder(m)
	m.orders[store.UUIDString(order.ID)].PaymentMethod = ledger.PaymentMethodCash
	scheduler := &stubScheduler{}
	svc := &ledger.Service{Q: m, Schedules: scheduler, Log: zerolog.Nop()}

	paid := settledIntent(order.ID, 24000)
	paid.Purpose = "cash"
	require.NoError(t, svc.ApplySettlement(context.Background(), paid))

	updated, err := m.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.OrderCompleted, updated.Status)
	require.Equal(t, ledger.PaymentCompleted, updated.PaymentStatus)
	require.Equal(t, int64(24000), updated.AmountPaid)
	require.Empty(t, scheduler.paid)
}

func TestPartialCashSettlementKeepsOrderOpen(t *testing.T) {
	m := &memOrders{orders: make(map[string]*store.Order)}
	order := newOrder(m)
	m.orders[store.UUIDString(order.ID)].PaymentMethod = ledger.PaymentMethodCash
	svc := &ledger.Service{Q: m, Schedules: &stubScheduler{}, Log: zerolog.Nop()}

	paid := settledIntent(order.ID, 10000)
	paid.Purpose = "cash"
	require.NoError(t, svc.ApplySettlement(context.Background(), paid))

	updated, err := m.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.OrderActive, updated.Status)
	require.Equal(t, ledger.PaymentInProgress, updated.PaymentStatus)
	require.Equal(t, int64(10000), updated.AmountPaid)
}
