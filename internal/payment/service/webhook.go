package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	bookingdomain "github.com/arenda-io/arenda/internal/booking/domain"
	"github.com/arenda-io/arenda/internal/clock"
	gatewaydomain "github.com/arenda-io/arenda/internal/gateway/domain"
	ledgerdomain "github.com/arenda-io/arenda/internal/ledger/domain"
	"github.com/arenda-io/arenda/internal/observability/metrics"
	"github.com/arenda-io/arenda/internal/payment/domain"
)

type DispatcherParams struct {
	fx.In

	Log         *zap.Logger
	DB          *gorm.DB
	Node        *snowflake.Node
	Clock       clock.Clock
	Gateway     gatewaydomain.Gateway
	Ledger      ledgerdomain.Repository
	Journal     domain.JournalRepository
	Coordinator bookingdomain.Coordinator
	Metrics     *metrics.Metrics `optional:"true"`
}

type dispatcher struct {
	log         *zap.Logger
	db          *gorm.DB
	node        *snowflake.Node
	clock       clock.Clock
	gateway     gatewaydomain.Gateway
	ledger      ledgerdomain.Repository
	journal     domain.JournalRepository
	coordinator bookingdomain.Coordinator
	metrics     *metrics.Metrics
}

func NewDispatcher(p DispatcherParams) domain.Dispatcher {
	return &dispatcher{
		log:         p.Log.Named("payment.webhook"),
		db:          p.DB,
		node:        p.Node,
		clock:       p.Clock,
		gateway:     p.Gateway,
		ledger:      p.Ledger,
		journal:     p.Journal,
		coordinator: p.Coordinator,
		metrics:     p.Metrics,
	}
}

// Dispatch verifies, journals and applies one webhook delivery. Every failure
// mode after signature verification is acknowledged: the gateway retries on
// non-2xx, and retrying cannot fix an unknown charge or a stale event.
func (d *dispatcher) Dispatch(ctx context.Context, payload []byte, headers http.Header) error {
	event, err := d.gateway.VerifyWebhook(payload, headers)
	if err != nil {
		if errors.Is(err, gatewaydomain.ErrEventIgnored) {
			return nil
		}
		d.metrics.RecordWebhookRejected(ctx, d.gateway.Provider(), "signature")
		return err
	}

	now := d.clock.Now()
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}

	record := &domain.EventRecord{
		ID:              d.node.Generate(),
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.Type,
		ChargeRef:       event.ChargeRef,
		Payload:         datatypes.JSON(event.RawPayload),
		ReceivedAt:      now,
	}
	existing, err := d.journal.Insert(ctx, d.db, record)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.ProcessedAt != nil {
			d.log.Info("duplicate webhook delivery",
				zap.String("provider_event_id", event.ProviderEventID),
				zap.String("event_type", event.Type),
			)
			return nil
		}
		// Journaled but never applied: a crash between the insert and the
		// apply transaction left the event dangling. Run the apply again.
		d.log.Warn("retrying unapplied webhook event",
			zap.String("provider_event_id", event.ProviderEventID),
			zap.String("event_type", event.Type),
		)
	}

	err = d.db.Transaction(func(tx *gorm.DB) error {
		return d.apply(ctx, tx, event, occurredAt)
	})
	if err != nil {
		return err
	}

	d.metrics.RecordGatewayEvent(ctx, event.Provider, event.Type)
	return nil
}

func (d *dispatcher) apply(ctx context.Context, tx *gorm.DB, event *gatewaydomain.Event, occurredAt time.Time) error {
	payment, err := d.ledger.FindByChargeRef(ctx, tx, event.ChargeRef)
	if err != nil {
		return err
	}
	if payment == nil {
		// Charges created outside this service, or webhooks racing sheet
		// creation before the charge ref is assigned. Nothing to apply.
		d.log.Warn("webhook for unknown charge",
			zap.String("charge_ref", event.ChargeRef),
			zap.String("event_type", event.Type),
		)
		return d.journal.MarkProcessed(ctx, tx, event.ProviderEventID, d.clock.Now())
	}

	step, ok := stepForEventType(event.Type, occurredAt)
	if !ok {
		return d.journal.MarkProcessed(ctx, tx, event.ProviderEventID, d.clock.Now())
	}

	_, err = d.ledger.Transition(ctx, tx, payment.ID, step.fromStates, step.toState, step.fields)
	if errors.Is(err, ledgerdomain.ErrInvalidTransition) {
		// Out-of-order or semantically duplicate delivery. The record is
		// already past this event; acknowledge with no side effect.
		d.metrics.RecordTransitionConflict(ctx, event.Type)
		d.log.Warn("stale webhook event",
			zap.Int64("payment_id", payment.ID.Int64()),
			zap.String("state", string(payment.State)),
			zap.String("event_type", event.Type),
		)
		return d.journal.MarkProcessed(ctx, tx, event.ProviderEventID, d.clock.Now())
	}
	if err != nil {
		return err
	}

	if step.outcome != "" {
		if err := d.coordinator.ApplyOutcome(ctx, tx, payment.BookingID, step.outcome); err != nil {
			return err
		}
	}
	return d.journal.MarkProcessed(ctx, tx, event.ProviderEventID, d.clock.Now())
}
