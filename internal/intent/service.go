package intent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"

	"github.com/wekeza-labs/backend-duka/internal/daraja"
	"github.com/wekeza-labs/backend-duka/internal/events"
	"github.com/wekeza-labs/backend-duka/internal/obs"
	"github.com/wekeza-labs/backend-duka/internal/phone"
	"github.com/wekeza-labs/backend-duka/internal/store"
)

// Purposes a push payment can serve. Cash intents settle the full balance of
// an order that has no installment plan.
const (
	PurposeDeposit     = "deposit"
	PurposeInstallment = "installment"
	PurposeCash        = "cash"
)

// ErrAlreadyResolved indicates the intent reached a terminal status before
// the attempted transition.
var ErrAlreadyResolved = errors.New("intent: already resolved")

// ErrNotFound indicates no intent matches the given identifier.
var ErrNotFound = errors.New("intent: not found")

// Querier is the persistence surface the tracker needs.
type Querier interface {
	CreateIntent(ctx context.Context, arg store.CreateIntentParams) (store.PaymentIntent, error)
	GetIntent(ctx context.Context, id pgtype.UUID) (store.PaymentIntent, error)
	GetPendingIntentForDue(ctx context.Context, dueID pgtype.UUID, statuses []string) (store.PaymentIntent, error)
	GetPendingIntentForOrder(ctx context.Context, orderID pgtype.UUID, purpose string, statuses []string) (store.PaymentIntent, error)
	GetIntentByCorrelation(ctx context.Context, checkoutRequestID, merchantRequestID string) (store.PaymentIntent, error)
	MarkIntentPushed(ctx context.Context, arg store.MarkIntentPushedParams) (store.PaymentIntent, error)
	ResolveIntent(ctx context.Context, arg store.ResolveIntentParams) (store.PaymentIntent, error)
	ListExpiredPushedIntents(ctx context.Context, status string, before pgtype.Timestamptz, limit int32) ([]store.PaymentIntent, error)
}

// Gateway is the outbound provider surface the tracker needs.
type Gateway interface {
	InitiatePush(ctx context.Context, push daraja.PushRequest) (daraja.PushResponse, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (daraja.StatusResponse, error)
}

// Service creates, pushes and resolves payment intents.
type Service struct {
	Q       Querier
	Gateway Gateway
	Events  *events.Bus
	Log     zerolog.Logger

	// Timeout is how long a pushed intent may wait for resolution before the
	// sweep reconfirms it with the gateway.
	Timeout time.Duration
}

// CreateParams describes a payment to request from the customer.
type CreateParams struct {
	OrderID          pgtype.UUID
	DueID            pgtype.UUID
	Purpose          string
	Phone            string
	Amount           int64
	AccountReference string
	Description      string
}

// CreateAndPush records a new intent and asks the gateway to prompt the
// customer. At most one unresolved intent exists per due (per order and
// purpose for due-less intents): a pushed one is returned as-is so the
// customer's open prompt is not duplicated, and a created one whose push
// never completed is pushed again. On gateway rejection the intent is
// resolved declined; when the gateway is unreachable the intent stays in its
// initial state and is later expired by the sweep.
func (s *Service) CreateAndPush(ctx context.Context, arg CreateParams) (store.PaymentIntent, error) {
	if s == nil || s.Q == nil || s.Gateway == nil {
		return store.PaymentIntent{}, errors.New("intent service not configured")
	}
	msisdn, err := phone.Normalize(arg.Phone)
	if err != nil {
		return store.PaymentIntent{}, err
	}
	if arg.Amount <= 0 {
		return store.PaymentIntent{}, errors.New("intent: amount must be positive")
	}
	if existing, ok, err := s.findPending(ctx, arg); err != nil {
		return store.PaymentIntent{}, err
	} else if ok {
		if Status(existing.Status) == StatusPushed {
			s.Log.Info().Str("intent_id", store.UUIDString(existing.ID)).Msg("reusing pushed intent")
			return existing, nil
		}
		return s.push(ctx, arg, existing)
	}
	created, err := s.Q.CreateIntent(ctx, store.CreateIntentParams{
		OrderID: arg.OrderID,
		DueID:   arg.DueID,
		Purpose: arg.Purpose,
		Phone:   msisdn,
		Amount:  arg.Amount,
		Status:  string(StatusCreated),
	})
	if err != nil {
		// a concurrent caller won the insert; hand back their intent
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if existing, ok, findErr := s.findPending(ctx, arg); findErr == nil && ok {
				return existing, nil
			}
		}
		return store.PaymentIntent{}, err
	}
	return s.push(ctx, arg, created)
}

// findPending locates the unresolved intent occupying this payment's slot.
func (s *Service) findPending(ctx context.Context, arg CreateParams) (store.PaymentIntent, bool, error) {
	pending := []string{string(StatusCreated), string(StatusPushed)}
	var existing store.PaymentIntent
	var err error
	if arg.DueID.Valid {
		existing, err = s.Q.GetPendingIntentForDue(ctx, arg.DueID, pending)
	} else {
		existing, err = s.Q.GetPendingIntentForOrder(ctx, arg.OrderID, arg.Purpose, pending)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.PaymentIntent{}, false, nil
		}
		return store.PaymentIntent{}, false, err
	}
	return existing, true, nil
}

func (s *Service) push(ctx context.Context, arg CreateParams, created store.PaymentIntent) (store.PaymentIntent, error) {
	resp, pushErr := s.Gateway.InitiatePush(ctx, daraja.PushRequest{
		Phone:            created.Phone,
		Amount:           created.Amount,
		AccountReference: arg.AccountReference,
		Description:      arg.Description,
	})
	if pushErr != nil {
		if obs.PushInitiatedTotal != nil {
			obs.PushInitiatedTotal.WithLabelValues(arg.Purpose, "error").Inc()
		}
		if rejected, ok := daraja.IsRejected(pushErr); ok {
			_, _, resolveErr := s.Resolve(ctx, ResolveParams{
				Intent:     created,
				ToStatus:   StatusDeclined,
				ResultDesc: rejected.Message,
				Source:     "push",
			})
			if resolveErr != nil {
				s.Log.Error().Err(resolveErr).Str("intent_id", store.UUIDString(created.ID)).Msg("resolve rejected intent")
			}
		}
		return created, pushErr
	}

	pushed, err := s.Q.MarkIntentPushed(ctx, store.MarkIntentPushedParams{
		ID:                created.ID,
		MerchantRequestID: pgtype.Text{String: resp.MerchantRequestID, Valid: true},
		CheckoutRequestID: pgtype.Text{String: resp.CheckoutRequestID, Valid: true},
		RawRequest:        resp.RawRequest,
		RawResponse:       resp.Raw,
		PushedAt:          pgtype.Timestamptz{Time: time.Now(), Valid: true},
		FromStatus:        string(StatusCreated),
		ToStatus:          string(StatusPushed),
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return created, ErrAlreadyResolved
		}
		return created, err
	}
	if obs.PushInitiatedTotal != nil {
		obs.PushInitiatedTotal.WithLabelValues(arg.Purpose, "ok").Inc()
	}
	return pushed, nil
}

// ResolveParams carries a terminal transition request. SettledAmount and
// SettledAt are the provider's view of the settlement, taken from the
// callback metadata; they stay empty on non-settled outcomes.
type ResolveParams struct {
	Intent        store.PaymentIntent
	ToStatus      Status
	ResultCode    *int32
	ResultDesc    string
	ReceiptNumber string
	SettledAmount int64
	SettledAt     time.Time
	Source        string
}

// Resolve moves an intent to a terminal status. The first writer wins; later
// attempts get applied=false and the stored row. Domain events are emitted
// only on the winning transition.
func (s *Service) Resolve(ctx context.Context, arg ResolveParams) (store.PaymentIntent, bool, error) {
	if !arg.ToStatus.Terminal() {
		return store.PaymentIntent{}, false, fmt.Errorf("intent: %q is not a terminal status", arg.ToStatus)
	}
	var code pgtype.Int4
	if arg.ResultCode != nil {
		code = pgtype.Int4{Int32: *arg.ResultCode, Valid: true}
	}
	var desc, receipt pgtype.Text
	if arg.ResultDesc != "" {
		desc = pgtype.Text{String: arg.ResultDesc, Valid: true}
	}
	if arg.ReceiptNumber != "" {
		receipt = pgtype.Text{String: arg.ReceiptNumber, Valid: true}
	}
	var settledAmount pgtype.Int8
	if arg.SettledAmount > 0 {
		settledAmount = pgtype.Int8{Int64: arg.SettledAmount, Valid: true}
	}
	var settledAt pgtype.Timestamptz
	if !arg.SettledAt.IsZero() {
		settledAt = pgtype.Timestamptz{Time: arg.SettledAt, Valid: true}
	}
	resolved, err := s.Q.ResolveIntent(ctx, store.ResolveIntentParams{
		ID:            arg.Intent.ID,
		FromStatuses:  fromStatusesFor(arg.ToStatus),
		ToStatus:      string(arg.ToStatus),
		ResultCode:    code,
		ResultDesc:    desc,
		ReceiptNumber: receipt,
		SettledAmount: settledAmount,
		SettledAt:     settledAt,
		ResolvedAt:    pgtype.Timestamptz{Time: time.Now(), Valid: true},
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			current, getErr := s.Q.GetIntent(ctx, arg.Intent.ID)
			if getErr != nil {
				return store.PaymentIntent{}, false, getErr
			}
			return current, false, nil
		}
		return store.PaymentIntent{}, false, err
	}

	if obs.IntentResolvedTotal != nil {
		obs.IntentResolvedTotal.WithLabelValues(string(arg.ToStatus), arg.Source).Inc()
	}
	s.emitResolution(ctx, resolved, arg.ToStatus)
	return resolved, true, nil
}

// Cancel explicitly abandons a not-yet-resolved intent.
func (s *Service) Cancel(ctx context.Context, id pgtype.UUID, reason string) (store.PaymentIntent, error) {
	current, err := s.Q.GetIntent(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.PaymentIntent{}, ErrNotFound
		}
		return store.PaymentIntent{}, err
	}
	if Status(current.Status).Terminal() {
		return current, ErrAlreadyResolved
	}
	resolved, applied, err := s.Resolve(ctx, ResolveParams{
		Intent:     current,
		ToStatus:   StatusCancelled,
		ResultDesc: reason,
		Source:     "cancel",
	})
	if err != nil {
		return store.PaymentIntent{}, err
	}
	if !applied {
		return resolved, ErrAlreadyResolved
	}
	return resolved, nil
}

// Lookup finds an intent by either gateway correlation identifier.
func (s *Service) Lookup(ctx context.Context, checkoutRequestID, merchantRequestID string) (store.PaymentIntent, error) {
	found, err := s.Q.GetIntentByCorrelation(ctx, checkoutRequestID, merchantRequestID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.PaymentIntent{}, ErrNotFound
		}
		return store.PaymentIntent{}, err
	}
	return found, nil
}

// fromStatusesFor derives from the transition table the statuses a terminal
// move may start from.
func fromStatusesFor(to Status) []string {
	var from []string
	for status := range transitions {
		if CanTransition(status, to) {
			from = append(from, string(status))
		}
	}
	return from
}

func (s *Service) emitResolution(ctx context.Context, resolved store.PaymentIntent, to Status) {
	if s.Events == nil {
		return
	}
	topic := map[Status]string{
		StatusSettled:   events.TopicPaymentSettled,
		StatusDeclined:  events.TopicPaymentDeclined,
		StatusTimedOut:  events.TopicPaymentTimedOut,
		StatusCancelled: events.TopicPaymentCancelled,
	}[to]
	if topic == "" {
		return
	}
	payload := map[string]any{
		"intentId": store.UUIDString(resolved.ID),
		"orderId":  store.UUIDString(resolved.OrderID),
		"purpose":  resolved.Purpose,
		"amount":   resolved.Amount,
	}
	if resolved.ReceiptNumber.Valid {
		payload["receipt"] = resolved.ReceiptNumber.String
	}
	if _, err := s.Events.Emit(ctx, topic, resolved.ID, payload); err != nil {
		s.Log.Error().Err(err).Str("topic", topic).Str("intent_id", store.UUIDString(resolved.ID)).Msg("emit resolution event")
	}
}
