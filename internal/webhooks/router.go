package webhooks

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mbd888/alancoin-webhooks/internal/idgen"
	"github.com/mbd888/alancoin-webhooks/internal/metrics"
	"github.com/mbd888/alancoin-webhooks/internal/traces"
)

// Router is the Event Router (C2): it fans a single SMS lifecycle event out
// to every matching subscription, durably recording one DeliveryAttempt per
// match before handing a fast path to the Dispatcher.
//
// The Outbox row is the source of truth. The channel handoff below is a
// latency optimization only — with no channel the row stays Pending for the
// Retry Scheduler's next sweep, and a row claimed but not handed off because
// the channel is full is returned to Pending by the stuck-claim reclaim.
type Router struct {
	store  Store
	outbox Outbox
	fresh  chan<- *DeliveryAttempt
	logger *slog.Logger
}

// NewRouter builds a Router. fresh is the Dispatcher's handoff channel; pass
// nil to disable the fast path and rely solely on the scheduler sweep.
func NewRouter(store Store, outbox Outbox, fresh chan<- *DeliveryAttempt, logger *slog.Logger) *Router {
	return &Router{store: store, outbox: outbox, fresh: fresh, logger: logger}
}

// Emit records the event against every active subscription in tenantID
// matching eventType, then attempts a non-blocking handoff to the
// Dispatcher for each. It never returns an error for an unmatched event:
// an event nobody subscribed to is simply a no-op.
func (r *Router) Emit(ctx context.Context, tenantID string, eventType EventType, event LifecycleEvent) error {
	ctx, span := traces.StartSpan(ctx, "webhooks.router.emit",
		traces.TenantID(tenantID), traces.EventType(string(eventType)))
	defer span.End()

	subs, err := r.store.ListActiveForEvent(ctx, tenantID, eventType)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		attempt := &DeliveryAttempt{
			ID:             idgen.WithPrefix("da_"),
			SubscriptionID: sub.ID,
			TenantID:       tenantID,
			SourceEventID:  event.SourceEventID,
			EventType:      eventType,
			Payload:        payload,
			MaxAttempts:    sub.MaxAttempts,
		}
		if err := r.outbox.Insert(ctx, attempt); err != nil {
			r.logger.Error("failed to insert delivery attempt", "subscription_id", sub.ID, "error", err)
			continue
		}

		if r.fresh == nil {
			continue
		}

		// Claim transitions the row to InFlight before handoff so the
		// Dispatcher's Mark* calls land on the same state a Retry
		// Scheduler-claimed row would be in. If a concurrent sweep already
		// claimed it (ok=false) or transport failed, the row is left for
		// the scheduler to find on its own.
		inFlight, ok, err := r.outbox.Claim(ctx, attempt.ID)
		if err != nil || !ok {
			continue
		}
		select {
		case r.fresh <- inFlight:
		default:
			metrics.WebhookEmitHandoffDroppedTotal.Inc()
			r.logger.Warn("dispatch handoff channel saturated, deferring to scheduler",
				"subscription_id", sub.ID, "delivery_id", attempt.ID)
			// The row stays InFlight; the Retry Scheduler's stuck-claim
			// reclaim (§4.5) will return it to Pending once it ages past
			// the threshold, same recovery path as a crashed worker.
		}
	}

	return nil
}
