package intent_test

import (
	"context"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wekeza-labs/backend-duka/internal/daraja"
	"github.com/wekeza-labs/backend-duka/internal/intent"
	"github.com/wekeza-labs/backend-duka/internal/store"
)

// memQuerier applies the same status guards as the SQL layer.
type memQuerier struct {
	intents map[string]*store.PaymentIntent
}

func newMemQuerier() *memQuerier {
	return &memQuerier{intents: make(map[string]*store.PaymentIntent)}
}

func (m *memQuerier) CreateIntent(_ context.Context, arg store.CreateIntentParams) (store.PaymentIntent, error) {
	id := uuid.New()
	it := store.PaymentIntent{
		ID:        pgtype.UUID{Bytes: id, Valid: true},
		OrderID:   arg.OrderID,
		DueID:     arg.DueID,
		Purpose:   arg.Purpose,
		Phone:     arg.Phone,
		Amount:    arg.Amount,
		Status:    arg.Status,
		CreatedAt: pgtype.Timestamptz{Time: time.Now(), Valid: true},
	}
	m.intents[id.String()] = &it
	return it, nil
}

func (m *memQuerier) GetIntent(_ context.Context, id pgtype.UUID) (store.PaymentIntent, error) {
	it, ok := m.intents[store.UUIDString(id)]
	if !ok {
		return store.PaymentIntent{}, pgx.ErrNoRows
	}
	return *it, nil
}

func (m *memQuerier) GetPendingIntentForDue(_ context.Context, dueID pgtype.UUID, statuses []string) (store.PaymentIntent, error) {
	for _, it := range m.intents {
		if store.UUIDEqual(it.DueID, dueID) && it.DueID.Valid && slices.Contains(statuses, it.Status) {
			return *it, nil
		}
	}
	return store.PaymentIntent{}, pgx.ErrNoRows
}

func (m *memQuerier) GetPendingIntentForOrder(_ context.Context, orderID pgtype.UUID, purpose string, statuses []string) (store.PaymentIntent, error) {
	for _, it := range m.intents {
		if store.UUIDEqual(it.OrderID, orderID) && !it.DueID.Valid && it.Purpose == purpose && slices.Contains(statuses, it.Status) {
			return *it, nil
		}
	}
	return store.PaymentIntent{}, pgx.ErrNoRows
}

func (m *memQuerier) GetIntentByCorrelation(_ context.Context, checkoutRequestID, merchantRequestID string) (store.PaymentIntent, error) {
	for _, it := range m.intents {
		if it.CheckoutRequestID.String == checkoutRequestID || it.MerchantRequestID.String == merchantRequestID {
			return *it, nil
		}
	}
	return store.PaymentIntent{}, pgx.ErrNoRows
}

func (m *memQuerier) MarkIntentPushed(_ context.Context, arg store.MarkIntentPushedParams) (store.PaymentIntent, error) {
	it, ok := m.intents[store.UUIDString(arg.ID)]
	if !ok || it.Status != arg.FromStatus {
		return store.PaymentIntent{}, pgx.ErrNoRows
	}
	it.Status = arg.ToStatus
	it.MerchantRequestID = arg.MerchantRequestID
	it.CheckoutRequestID = arg.CheckoutRequestID
	it.RawRequest = arg.RawRequest
	it.RawResponse = arg.RawResponse
	it.PushedAt = arg.PushedAt
	return *it, nil
}

func (m *memQuerier) ResolveIntent(_ context.Context, arg store.ResolveIntentParams) (store.PaymentIntent, error) {
	it, ok := m.intents[store.UUIDString(arg.ID)]
	if !ok || !slices.Contains(arg.FromStatuses, it.Status) {
		return store.PaymentIntent{}, pgx.ErrNoRows
	}
	it.Status = arg.ToStatus
	it.ResultCode = arg.ResultCode
	it.ResultDesc = arg.ResultDesc
	it.ReceiptNumber = arg.ReceiptNumber
	it.SettledAmount = arg.SettledAmount
	it.SettledAt = arg.SettledAt
	it.ResolvedAt = arg.ResolvedAt
	return *it, nil
}

func (m *memQuerier) ListExpiredPushedIntents(_ context.Context, status string, before pgtype.Timestamptz, _ int32) ([]store.PaymentIntent, error) {
	var out []store.PaymentIntent
	for _, it := range m.intents {
		if it.Status == status && it.PushedAt.Valid && it.PushedAt.Time.Before(before.Time) {
			out = append(out, *it)
		}
	}
	return out, nil
}

func (m *memQuerier) ListStaleCreatedIntents(_ context.Context, status string, before pgtype.Timestamptz, _ int32) ([]store.PaymentIntent, error) {
	var out []store.PaymentIntent
	for _, it := range m.intents {
		if it.Status == status && it.CreatedAt.Time.Before(before.Time) {
			out = append(out, *it)
		}
	}
	return out, nil
}

type stubGateway struct {
	pushResp  daraja.PushResponse
	pushErr   error
	queryResp daraja.StatusResponse
	queryErr  error
	pushes    int
	queries   int
}

func (g *stubGateway) InitiatePush(context.Context, daraja.PushRequest) (daraja.PushResponse, error) {
	g.pushes++
	return g.pushResp, g.pushErr
}

func (g *stubGateway) QueryStatus(context.Context, string) (daraja.StatusResponse, error) {
	g.queries++
	return g.queryResp, g.queryErr
}

func newService(q intent.Querier, g intent.Gateway) *intent.Service {
	return &intent.Service{
		Q:       q,
		Gateway: g,
		Log:     zerolog.Nop(),
		Timeout: 5 * time.Minute,
	}
}

func orderID() pgtype.UUID {
	return pgtype.UUID{Bytes: uuid.New(), Valid: true}
}

func TestCreateAndPushHappyPath(t *testing.T) {
	q := newMemQuerier()
	gw := &stubGateway{pushResp: daraja.PushResponse{
		MerchantRequestID: "merch-1",
		CheckoutRequestID: "ws_CO_1",
		ResponseCode:      "0",
	}}
	svc := newService(q, gw)

	pushed, err := svc.CreateAndPush(context.Background(), intent.CreateParams{
		OrderID: orderID(),
		Purpose: intent.PurposeDeposit,
		Phone:   "0712 345 678",
		Amount:  6000,
	})
	require.NoError(t, err)
	require.Equal(t, string(intent.StatusPushed), pushed.Status)
	require.Equal(t, "254712345678", pushed.Phone)
	require.Equal(t, "ws_CO_1", pushed.CheckoutRequestID.String)
	require.Equal(t, 1, gw.pushes)
}

func TestCreateAndPushReusesPendingIntentForDue(t *testing.T) {
	q := newMemQuerier()
	gw := &stubGateway{pushResp: daraja.PushResponse{
		MerchantRequestID: "merch-1",
		CheckoutRequestID: "ws_CO_1",
		ResponseCode:      "0",
	}}
	svc := newService(q, gw)
	params := intent.CreateParams{
		OrderID: orderID(),
		DueID:   pgtype.UUID{Bytes: uuid.New(), Valid: true},
		Purpose: intent.PurposeInstallment,
		Phone:   "254712345678",
		Amount:  1700,
	}

	first, err := svc.CreateAndPush(context.Background(), params)
	require.NoError(t, err)

	second, err := svc.CreateAndPush(context.Background(), params)
	require.NoError(t, err)
	require.True(t, store.UUIDEqual(first.ID, second.ID))
	require.Equal(t, 1, gw.pushes)
	require.Len(t, q.intents, 1)
}

func TestCreateAndPushRetriesUnpushedIntent(t *testing.T) {
	q := newMemQuerier()
	gw := &stubGateway{pushErr: fmt.Errorf("%w: connection refused", daraja.ErrUnavailable)}
	svc := newService(q, gw)
	params := intent.CreateParams{
		OrderID: orderID(),
		DueID:   pgtype.UUID{Bytes: uuid.New(), Valid: true},
		Purpose: intent.PurposeDeposit,
		Phone:   "254712345678",
		Amount:  6000,
	}

	stuck, err := svc.CreateAndPush(context.Background(), params)
	require.ErrorIs(t, err, daraja.ErrUnavailable)
	require.Equal(t, string(intent.StatusCreated), stuck.Status)

	gw.pushErr = nil
	gw.pushResp = daraja.PushResponse{CheckoutRequestID: "ws_CO_2", ResponseCode: "0"}
	pushed, err := svc.CreateAndPush(context.Background(), params)
	require.NoError(t, err)
	require.True(t, store.UUIDEqual(stuck.ID, pushed.ID))
	require.Equal(t, string(intent.StatusPushed), pushed.Status)
	require.Len(t, q.intents, 1)
}

func TestPushRetainsRawExchange(t *testing.T) {
	q := newMemQuerier()
	gw := &stubGateway{pushResp: daraja.PushResponse{
		CheckoutRequestID: "ws_CO_1",
		ResponseCode:      "0",
		RawRequest:        []byte(`{"Amount":6000}`),
		Raw:               []byte(`{"ResponseCode":"0"}`),
	}}
	svc := newService(q, gw)

	pushed, err := svc.CreateAndPush(context.Background(), intent.CreateParams{
		OrderID: orderID(),
		Purpose: intent.PurposeDeposit,
		Phone:   "254712345678",
		Amount:  6000,
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"Amount":6000}`, string(pushed.RawRequest))
	require.JSONEq(t, `{"ResponseCode":"0"}`, string(pushed.RawResponse))
}

func TestResolveRecordsSettlementMetadata(t *testing.T) {
	q := newMemQuerier()
	gw := &stubGateway{pushResp: daraja.PushResponse{CheckoutRequestID: "ws_CO_1", ResponseCode: "0"}}
	svc := newService(q, gw)

	pushed, err := svc.CreateAndPush(context.Background(), intent.CreateParams{
		OrderID: orderID(), Purpose: intent.PurposeDeposit, Phone: "254712345678", Amount: 6000,
	})
	require.NoError(t, err)

	code := int32(0)
	settledAt := time.Date(2026, 8, 27, 14, 5, 0, 0, time.FixedZone("EAT", 3*60*60))
	resolved, applied, err := svc.Resolve(context.Background(), intent.ResolveParams{
		Intent:        pushed,
		ToStatus:      intent.StatusSettled,
		ResultCode:    &code,
		ReceiptNumber: "SAH12XYZ",
		SettledAmount: 6000,
		SettledAt:     settledAt,
		Source:        "callback",
	})
	require.NoError(t, err)
	require.True(t, applied)
	require.True(t, resolved.SettledAmount.Valid)
	require.Equal(t, int64(6000), resolved.SettledAmount.Int64)
	require.True(t, resolved.SettledAt.Valid)
	require.True(t, resolved.SettledAt.Time.Equal(settledAt))
}

func TestCreateAndPushRejectsBadPhone(t *testing.T) {
	svc := newService(newMemQuerier(), &stubGateway{})
	_, err := svc.CreateAndPush(context.Background(), intent.CreateParams{
		OrderID: orderID(),
		Purpose: intent.PurposeDeposit,
		Phone:   "12345",
		Amount:  6000,
	})
	require.Error(t, err)
}

func TestGatewayRejectionResolvesDeclined(t *testing.T) {
	q := newMemQuerier()
	gw := &stubGateway{pushErr: &daraja.RejectedError{Code: "400.002.02", Message: "invalid number"}}
	svc := newService(q, gw)

	created, err := svc.CreateAndPush(context.Background(), intent.CreateParams{
		OrderID: orderID(),
		Purpose: intent.PurposeInstallment,
		Phone:   "254712345678",
		Amount:  6000,
	})
	require.Error(t, err)

	stored, getErr := q.GetIntent(context.Background(), created.ID)
	require.NoError(t, getErr)
	require.Equal(t, string(intent.StatusDeclined), stored.Status)
}

func TestResolveFirstWriterWins(t *testing.T) {
	q := newMemQuerier()
	gw := &stubGateway{pushResp: daraja.PushResponse{CheckoutRequestID: "ws_CO_1", ResponseCode: "0"}}
	svc := newService(q, gw)

	pushed, err := svc.CreateAndPush(context.Background(), intent.CreateParams{
		OrderID: orderID(), Purpose: intent.PurposeDeposit, Phone: "254712345678", Amount: 100,
	})
	require.NoError(t, err)

	code := int32(0)
	_, applied, err := svc.Resolve(context.Background(), intent.ResolveParams{
		Intent: pushed, ToStatus: intent.StatusSettled, ResultCode: &code, Source: "callback",
	})
	require.NoError(t, err)
	require.True(t, applied)

	late := int32(1037)
	current, applied, err := svc.Resolve(context.Background(), intent.ResolveParams{
		Intent: pushed, ToStatus: intent.StatusTimedOut, ResultCode: &late, Source: "sweep",
	})
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, string(intent.StatusSettled), current.Status)
}

func TestSettlementRequiresPush(t *testing.T) {
	q := newMemQuerier()
	created, err := q.CreateIntent(context.Background(), store.CreateIntentParams{
		OrderID: orderID(), Purpose: intent.PurposeDeposit, Phone: "254712345678",
		Amount: 100, Status: string(intent.StatusCreated),
	})
	require.NoError(t, err)
	svc := newService(q, &stubGateway{})

	_, applied, err := svc.Resolve(context.Background(), intent.ResolveParams{
		Intent: created, ToStatus: intent.StatusSettled, Source: "callback",
	})
	require.NoError(t, err)
	require.False(t, applied)
}

func TestCancelAlreadyResolved(t *testing.T) {
	q := newMemQuerier()
	gw := &stubGateway{pushResp: daraja.PushResponse{CheckoutRequestID: "ws_CO_1", ResponseCode: "0"}}
	svc := newService(q, gw)

	pushed, err := svc.CreateAndPush(context.Background(), intent.CreateParams{
		OrderID: orderID(), Purpose: intent.PurposeDeposit, Phone: "254712345678", Amount: 100,
	})
	require.NoError(t, err)

	code := int32(0)
	_, _, err = svc.Resolve(context.Background(), intent.ResolveParams{
		Intent: pushed, ToStatus: intent.StatusSettled, ResultCode: &code, Source: "callback",
	})
	require.NoError(t, err)

	_, err = svc.Cancel(context.Background(), pushed.ID, "customer changed mind")
	require.ErrorIs(t, err, intent.ErrAlreadyResolved)
}

func TestTransitionTable(t *testing.T) {
	require.True(t, intent.CanTransition(intent.StatusCreated, intent.StatusPushed))
	require.True(t, intent.CanTransition(intent.StatusPushed, intent.StatusSettled))
	require.True(t, intent.CanTransition(intent.StatusPushed, intent.StatusTimedOut))
	require.True(t, intent.CanTransition(intent.StatusCreated, intent.StatusDeclined))
	require.True(t, intent.CanTransition(intent.StatusCreated, intent.StatusTimedOut))
	require.False(t, intent.CanTransition(intent.StatusCreated, intent.StatusSettled))
	require.False(t, intent.CanTransition(intent.StatusSettled, intent.StatusDeclined))
	require.False(t, intent.CanTransition(intent.StatusTimedOut, intent.StatusPushed))
}
