package intent

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/wekeza-labs/backend-duka/internal/daraja"
	"github.com/wekeza-labs/backend-duka/internal/obs"
	"github.com/wekeza-labs/backend-duka/internal/store"
)

// stillProcessingCode is the gateway's reply when a queried push has not yet
// reached a final state on their side.
const stillProcessingCode = "500.001.1001"

// SettlementApplier applies a settled intent to the order and its schedule.
type SettlementApplier interface {
	ApplySettlement(ctx context.Context, paid store.PaymentIntent) error
}

// SweepQuerier extends Querier with the listings the sweep needs.
type SweepQuerier interface {
	Querier
	ListStaleCreatedIntents(ctx context.Context, status string, before pgtype.Timestamptz, limit int32) ([]store.PaymentIntent, error)
}

// Sweeper expires intents that outlived the resolution window. Pushed intents
// are reconfirmed with the gateway before being timed out, so a settlement
// whose callback was lost is still honored.
type Sweeper struct {
	Service     *Service
	Q           SweepQuerier
	Settlements SettlementApplier
	BatchSize   int32
}

// Sweep processes one batch of expired intents and returns how many were
// resolved.
func (sw *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	if sw == nil || sw.Service == nil || sw.Q == nil {
		return 0, nil
	}
	limit := sw.BatchSize
	if limit <= 0 {
		limit = 100
	}
	cutoff := pgtype.Timestamptz{Time: now.Add(-sw.Service.Timeout), Valid: true}

	resolved := 0

	stale, err := sw.Q.ListStaleCreatedIntents(ctx, string(StatusCreated), cutoff, limit)
	if err != nil {
		return resolved, err
	}
	for _, it := range stale {
		_, applied, resolveErr := sw.Service.Resolve(ctx, ResolveParams{
			Intent:     it,
			ToStatus:   StatusCancelled,
			ResultDesc: "push never completed",
			Source:     "sweep",
		})
		if resolveErr != nil {
			sweepOutcome("error")
			continue
		}
		if applied {
			resolved++
			sweepOutcome("expired_created")
		}
	}

	expired, err := sw.Q.ListExpiredPushedIntents(ctx, string(StatusPushed), cutoff, limit)
	if err != nil {
		return resolved, err
	}
	for _, it := range expired {
		if done := sw.resolveExpired(ctx, it); done {
			resolved++
		}
	}
	return resolved, nil
}

// resolveExpired asks the gateway for the push outcome and applies it. When
// the gateway cannot answer, the intent is left for the next sweep.
func (sw *Sweeper) resolveExpired(ctx context.Context, it store.PaymentIntent) bool {
	status, err := sw.Service.Gateway.QueryStatus(ctx, it.CheckoutRequestID.String)
	if err != nil {
		if rejected, ok := daraja.IsRejected(err); ok && rejected.Code == stillProcessingCode {
			// the window has elapsed; treat a still-pending push as timed out
			return sw.resolveAs(ctx, it, StatusTimedOut, nil, "no resolution within window", "timed_out")
		}
		sweepOutcome("query_error")
		return false
	}

	code, parseErr := strconv.Atoi(status.ResultCode)
	if parseErr != nil {
		return sw.resolveAs(ctx, it, StatusTimedOut, nil, "no resolution within window", "timed_out")
	}
	code32 := int32(code)
	switch daraja.ClassifyResultCode(code) {
	case daraja.OutcomeSettled:
		return sw.resolveSettled(ctx, it, code32, status.ResultDesc)
	case daraja.OutcomeCancelled:
		return sw.resolveAs(ctx, it, StatusCancelled, &code32, status.ResultDesc, "cancelled")
	case daraja.OutcomeTimedOut:
		return sw.resolveAs(ctx, it, StatusTimedOut, &code32, status.ResultDesc, "timed_out")
	default:
		return sw.resolveAs(ctx, it, StatusDeclined, &code32, status.ResultDesc, "declined")
	}
}

func (sw *Sweeper) resolveSettled(ctx context.Context, it store.PaymentIntent, code int32, desc string) bool {
	settled, applied, err := sw.Service.Resolve(ctx, ResolveParams{
		Intent:     it,
		ToStatus:   StatusSettled,
		ResultCode: &code,
		ResultDesc: desc,
		Source:     "sweep",
	})
	if err != nil {
		sweepOutcome("error")
		return false
	}
	if !applied {
		sweepOutcome("already_resolved")
		return false
	}
	sweepOutcome("settled")
	if sw.Settlements != nil {
		if applyErr := sw.Settlements.ApplySettlement(ctx, settled); applyErr != nil {
			sw.Service.Log.Error().Err(applyErr).
				Str("intent_id", store.UUIDString(settled.ID)).
				Msg("apply sweep settlement")
		}
	}
	return true
}

func (sw *Sweeper) resolveAs(ctx context.Context, it store.PaymentIntent, to Status, code *int32, desc, outcome string) bool {
	_, applied, err := sw.Service.Resolve(ctx, ResolveParams{
		Intent:     it,
		ToStatus:   to,
		ResultCode: code,
		ResultDesc: desc,
		Source:     "sweep",
	})
	if err != nil {
		sweepOutcome("error")
		return false
	}
	if !applied {
		sweepOutcome("already_resolved")
		return false
	}
	sweepOutcome(outcome)
	return true
}

func sweepOutcome(outcome string) {
	if obs.TimeoutSweepTotal != nil {
		obs.TimeoutSweepTotal.WithLabelValues(outcome).Inc()
	}
}
