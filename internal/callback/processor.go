package callback

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"

	"github.com/wekeza-labs/backend-duka/internal/common"
	"github.com/wekeza-labs/backend-duka/internal/daraja"
	"github.com/wekeza-labs/backend-duka/internal/intent"
	"github.com/wekeza-labs/backend-duka/internal/obs"
	"github.com/wekeza-labs/backend-duka/internal/store"
)

// Callback processing statuses.
const (
	StatusReceived       = "received"
	StatusProcessed      = "processed"
	StatusDuplicate      = "duplicate"
	StatusOrphan         = "orphan"
	StatusMalformed      = "malformed"
	StatusAmountMismatch = "amount_mismatch"
)

// ErrOrphan indicates the callback matches no tracked intent. The payload is
// kept for manual review.
var ErrOrphan = errors.New("callback: no matching intent")

// ErrDuplicate indicates the callback was already applied.
var ErrDuplicate = errors.New("callback: duplicate delivery")

// ErrAmountMismatch indicates the settled amount contradicts the pushed one.
var ErrAmountMismatch = errors.New("callback: amount does not match intent")

// Querier is the persistence surface the processor needs.
type Querier interface {
	InsertCallback(ctx context.Context, arg store.InsertCallbackParams) (store.Callback, error)
	SetCallbackStatus(ctx context.Context, arg store.SetCallbackStatusParams) error
	CountProcessedCallbacks(ctx context.Context, checkoutRequestID pgtype.Text, payloadHash string) (int64, error)
}

// DeclineRecorder refreshes order state after a failed payment attempt.
type DeclineRecorder interface {
	RecordDecline(ctx context.Context, declined store.PaymentIntent) error
}

// Processor interprets persisted callbacks against tracked intents.
type Processor struct {
	Q           Querier
	Intents     *intent.Service
	Settlements intent.SettlementApplier
	Declines    DeclineRecorder
	Log         zerolog.Logger
}

// Process persists the raw body, then interprets it. Persistence happens
// before any validation so no delivery is ever lost; interpretation failures
// surface as errors but leave the stored row behind with a status explaining
// the outcome.
func (p *Processor) Process(ctx context.Context, raw []byte) error {
	if p == nil || p.Q == nil || p.Intents == nil {
		return errors.New("callback processor not configured")
	}
	hash := common.Sha256Hex(string(raw))

	parsed, parseErr := parsePayload(raw)
	row, insertErr := p.Q.InsertCallback(ctx, store.InsertCallbackParams{
		CheckoutRequestID: optionalText(parsed.CheckoutRequestID),
		MerchantRequestID: optionalText(parsed.MerchantRequestID),
		Payload:           raw,
		PayloadHash:       hash,
		Status:            StatusReceived,
	})
	if insertErr != nil {
		return insertErr
	}
	if parseErr != nil {
		p.finish(ctx, row.ID, StatusMalformed, pgtype.UUID{})
		return parseErr
	}

	seen, err := p.Q.CountProcessedCallbacks(ctx, optionalText(parsed.CheckoutRequestID), hash)
	if err != nil {
		return err
	}
	if seen > 0 {
		p.finish(ctx, row.ID, StatusDuplicate, pgtype.UUID{})
		return ErrDuplicate
	}

	tracked, err := p.Intents.Lookup(ctx, parsed.CheckoutRequestID, parsed.MerchantRequestID)
	if err != nil {
		if errors.Is(err, intent.ErrNotFound) {
			p.finish(ctx, row.ID, StatusOrphan, pgtype.UUID{})
			return ErrOrphan
		}
		return err
	}

	return p.apply(ctx, row, parsed, tracked)
}

func (p *Processor) apply(ctx context.Context, row store.Callback, parsed Result, tracked store.PaymentIntent) error {
	outcome := daraja.ClassifyResultCode(parsed.ResultCode)
	if outcome == daraja.OutcomeSettled && parsed.Amount != 0 && parsed.Amount != tracked.Amount {
		p.finish(ctx, row.ID, StatusAmountMismatch, tracked.ID)
		return ErrAmountMismatch
	}

	code := int32(parsed.ResultCode)
	params := intent.ResolveParams{
		Intent:        tracked,
		ToStatus:      statusFor(outcome),
		ResultCode:    &code,
		ResultDesc:    parsed.ResultDesc,
		ReceiptNumber: parsed.ReceiptNumber,
		Source:        "callback",
	}
	if outcome == daraja.OutcomeSettled {
		params.SettledAmount = parsed.Amount
		params.SettledAt = parsed.TransactionDate
	}
	resolved, applied, err := p.Intents.Resolve(ctx, params)
	if err != nil {
		return err
	}
	if !applied {
		p.finish(ctx, row.ID, StatusDuplicate, tracked.ID)
		return ErrDuplicate
	}

	switch {
	case outcome == daraja.OutcomeSettled && p.Settlements != nil:
		if applyErr := p.Settlements.ApplySettlement(ctx, resolved); applyErr != nil {
			p.Log.Error().Err(applyErr).
				Str("intent_id", store.UUIDString(resolved.ID)).
				Msg("apply callback settlement")
		}
	case outcome != daraja.OutcomeSettled && p.Declines != nil:
		if declineErr := p.Declines.RecordDecline(ctx, resolved); declineErr != nil {
			p.Log.Error().Err(declineErr).
				Str("intent_id", store.UUIDString(resolved.ID)).
				Msg("record decline")
		}
	}
	p.finish(ctx, row.ID, StatusProcessed, tracked.ID)
	return nil
}

// finish records the interpretation outcome on the stored callback row.
func (p *Processor) finish(ctx context.Context, id pgtype.UUID, status string, intentID pgtype.UUID) {
	if obs.CallbackTotal != nil {
		obs.CallbackTotal.WithLabelValues(status).Inc()
	}
	err := p.Q.SetCallbackStatus(ctx, store.SetCallbackStatusParams{
		ID:          id,
		Status:      status,
		IntentID:    intentID,
		ProcessedAt: pgtype.Timestamptz{Time: time.Now(), Valid: true},
	})
	if err != nil {
		p.Log.Error().Err(err).Str("callback_id", store.UUIDString(id)).Msg("set callback status")
	}
}

func statusFor(outcome daraja.Outcome) intent.Status {
	switch outcome {
	case daraja.OutcomeSettled:
		return intent.StatusSettled
	case daraja.OutcomeCancelled:
		return intent.StatusCancelled
	case daraja.OutcomeTimedOut:
		return intent.StatusTimedOut
	default:
		return intent.StatusDeclined
	}
}

func optionalText(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}
