package intent_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wekeza-labs/backend-duka/internal/daraja"
	"github.com/wekeza-labs/backend-duka/internal/intent"
	"github.com/wekeza-labs/backend-duka/internal/store"
)

type captureSettlements struct {
	applied []store.PaymentIntent
}

func (c *captureSettlements) ApplySettlement(_ context.Context, paid store.PaymentIntent) error {
	c.applied = append(c.applied, paid)
	return nil
}

func pushExpiredIntent(t *testing.T, q *memQuerier, svc *intent.Service) store.PaymentIntent {
	t.Helper()
	pushed, err := svc.CreateAndPush(context.Background(), intent.CreateParams{
		OrderID: orderID(), Purpose: intent.PurposeInstallment, Phone: "254712345678", Amount: 6000,
	})
	require.NoError(t, err)
	// age the push past the resolution window
	stored := q.intents[store.UUIDString(pushed.ID)]
	stored.PushedAt.Time = time.Now().Add(-time.Hour)
	return *stored
}

func TestSweepTimesOutUnresolvedPush(t *testing.T) {
	q := newMemQuerier()
	gw := &stubGateway{
		pushResp: daraja.PushResponse{CheckoutRequestID: "ws_CO_1", ResponseCode: "0"},
		queryErr: &daraja.RejectedError{Code: "500.001.1001", Message: "The transaction is being processed"},
	}
	svc := newService(q, gw)
	pushed := pushExpiredIntent(t, q, svc)

	sw := &intent.Sweeper{Service: svc, Q: q}
	n, err := sw.Sweep(context.Background(), time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stored, err := q.GetIntent(context.Background(), pushed.ID)
	require.NoError(t, err)
	require.Equal(t, string(intent.StatusTimedOut), stored.Status)
}

func TestSweepHonorsLateSettlement(t *testing.T) {
	q := newMemQuerier()
	gw := &stubGateway{
		pushResp:  daraja.PushResponse{CheckoutRequestID: "ws_CO_1", ResponseCode: "0"},
		queryResp: daraja.StatusResponse{ResultCode: "0", ResultDesc: "Processed successfully"},
	}
	svc := newService(q, gw)
	pushed := pushExpiredIntent(t, q, svc)

	settlements := &captureSettlements{}
	sw := &intent.Sweeper{Service: svc, Q: q, Settlements: settlements}
	n, err := sw.Sweep(context.Background(), time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stored, err := q.GetIntent(context.Background(), pushed.ID)
	require.NoError(t, err)
	require.Equal(t, string(intent.StatusSettled), stored.Status)
	require.Len(t, settlements.applied, 1)
}

func TestSweepClassifiesUserCancel(t *testing.T) {
	q := newMemQuerier()
	gw := &stubGateway{
		pushResp:  daraja.PushResponse{CheckoutRequestID: "ws_CO_1", ResponseCode: "0"},
		queryResp: daraja.StatusResponse{ResultCode: "1032", ResultDesc: "Request cancelled by user"},
	}
	svc := newService(q, gw)
	pushed := pushExpiredIntent(t, q, svc)

	sw := &intent.Sweeper{Service: svc, Q: q}
	_, err := sw.Sweep(context.Background(), time.Now())
	require.NoError(t, err)

	stored, err := q.GetIntent(context.Background(), pushed.ID)
	require.NoError(t, err)
	require.Equal(t, string(intent.StatusCancelled), stored.Status)
}

func TestSweepSkipsWhenGatewayUnavailable(t *testing.T) {
	q := newMemQuerier()
	gw := &stubGateway{pushResp: daraja.PushResponse{CheckoutRequestID: "ws_CO_1", ResponseCode: "0"}}
	svc := newService(q, gw)
	pushed := pushExpiredIntent(t, q, svc)
	gw.queryErr = daraja.ErrUnavailable

	sw := &intent.Sweeper{Service: svc, Q: q}
	n, err := sw.Sweep(context.Background(), time.Now())
	require.NoError(t, err)
	require.Zero(t, n)

	stored, err := q.GetIntent(context.Background(), pushed.ID)
	require.NoError(t, err)
	require.Equal(t, string(intent.StatusPushed), stored.Status)
}

func TestSweepExpiresStaleCreatedIntent(t *testing.T) {
	q := newMemQuerier()
	created, err := q.CreateIntent(context.Background(), store.CreateIntentParams{
		OrderID: orderID(), Purpose: intent.PurposeDeposit, Phone: "254712345678",
		Amount: 100, Status: string(intent.StatusCreated),
	})
	require.NoError(t, err)
	stored := q.intents[store.UUIDString(created.ID)]
	stored.CreatedAt.Time = time.Now().Add(-time.Hour)

	svc := newService(q, &stubGateway{})
	sw := &intent.Sweeper{Service: svc, Q: q}
	n, err := sw.Sweep(context.Background(), time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	after, err := q.GetIntent(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, string(intent.StatusCancelled), after.Status)
}
