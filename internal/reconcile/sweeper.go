package reconcile

import (
	"context"
	"errors"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	bookingdomain "github.com/arenda-io/arenda/internal/booking/domain"
	"github.com/arenda-io/arenda/internal/clock"
	"github.com/arenda-io/arenda/internal/config"
	gatewaydomain "github.com/arenda-io/arenda/internal/gateway/domain"
	ledgerdomain "github.com/arenda-io/arenda/internal/ledger/domain"
	"github.com/arenda-io/arenda/internal/observability/metrics"
	"github.com/bwmarrin/snowflake"
)

const lockKey = "arenda:reconcile:lock"

// Sweeper repairs drift between the gateway, the payment ledger and bookings.
// It covers two failure modes: webhooks that never arrived (stale non-terminal
// records) and crashes between the ledger write and the booking write.
type Sweeper struct {
	log         *zap.Logger
	cfg         config.ReconcileConfig
	db          *gorm.DB
	clock       clock.Clock
	gateway     gatewaydomain.Gateway
	ledger      ledgerdomain.Repository
	coordinator bookingdomain.Coordinator
	locker      *Locker
	metrics     *metrics.Metrics
}

type Params struct {
	fx.In

	Log         *zap.Logger
	Config      config.Config
	DB          *gorm.DB
	Clock       clock.Clock
	Gateway     gatewaydomain.Gateway
	Ledger      ledgerdomain.Repository
	Coordinator bookingdomain.Coordinator
	Locker      *Locker          `optional:"true"`
	Metrics     *metrics.Metrics `optional:"true"`
}

func NewSweeper(p Params) *Sweeper {
	return &Sweeper{
		log:         p.Log.Named("reconcile.sweeper"),
		cfg:         p.Config.Reconcile,
		db:          p.DB,
		clock:       p.Clock,
		gateway:     p.Gateway,
		ledger:      p.Ledger,
		coordinator: p.Coordinator,
		locker:      p.Locker,
		metrics:     p.Metrics,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.log.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce runs one full pass. With redis configured only one instance
// sweeps at a time; losing the lock race is not an error.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, lockKey, s.cfg.LockTTL)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		defer func() {
			if err := s.locker.Release(ctx, lockKey, token); err != nil {
				s.log.Warn("lock release failed", zap.Error(err))
			}
		}()
	}

	if err := s.sweepStalePayments(ctx); err != nil {
		return err
	}
	return s.repairBookings(ctx)
}

func (s *Sweeper) sweepStalePayments(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.cfg.StaleAfter)
	records, err := s.ledger.FindStale(ctx, s.db, cutoff, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, record := range records {
		if err := s.reconcileRecord(ctx, record); err != nil {
			s.log.Warn("record reconcile failed",
				zap.Int64("payment_id", record.ID.Int64()),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *Sweeper) reconcileRecord(ctx context.Context, record *ledgerdomain.PaymentRecord) error {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	charge, err := s.gateway.RetrieveCharge(callCtx, record.ChargeRef)
	if errors.Is(err, gatewaydomain.ErrChargeNotFound) {
		// The intent no longer exists at the gateway; there is nothing to
		// settle against.
		return s.apply(ctx, record.ID, record.BookingID,
			ledgerdomain.ActiveStates, ledgerdomain.StateCanceled,
			ledgerdomain.TransitionFields{}, bookingdomain.OutcomeCanceled)
	}
	if err != nil {
		return err
	}

	now := s.clock.Now()
	switch charge.State {
	case gatewaydomain.ChargeStateSucceeded:
		return s.apply(ctx, record.ID, record.BookingID,
			ledgerdomain.ActiveStates, ledgerdomain.StateCompleted,
			ledgerdomain.TransitionFields{CompletedAt: &now}, bookingdomain.OutcomeCompleted)
	case gatewaydomain.ChargeStateFailed:
		return s.apply(ctx, record.ID, record.BookingID,
			ledgerdomain.ActiveStates, ledgerdomain.StateFailed,
			ledgerdomain.TransitionFields{}, bookingdomain.OutcomeFailed)
	case gatewaydomain.ChargeStateCanceled:
		return s.apply(ctx, record.ID, record.BookingID,
			ledgerdomain.ActiveStates, ledgerdomain.StateCanceled,
			ledgerdomain.TransitionFields{}, bookingdomain.OutcomeCanceled)
	}
	// Still genuinely in flight at the gateway; leave it for the next pass.
	return nil
}

func (s *Sweeper) apply(ctx context.Context, id, bookingID snowflake.ID, from []ledgerdomain.PaymentState, to ledgerdomain.PaymentState, fields ledgerdomain.TransitionFields, outcome bookingdomain.Outcome) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if _, err := s.ledger.Transition(ctx, tx, id, from, to, fields); err != nil {
			return err
		}
		return s.coordinator.ApplyOutcome(ctx, tx, bookingID, outcome)
	})
	if errors.Is(err, ledgerdomain.ErrInvalidTransition) {
		// A webhook beat us to it between the query and the transition.
		return nil
	}
	if err != nil {
		return err
	}

	s.metrics.RecordReconcileRepair(ctx, "stale_payment")
	s.log.Info("stale payment settled",
		zap.Int64("payment_id", id.Int64()),
		zap.String("state", string(to)),
	)
	return nil
}

type bookingMismatch struct {
	BookingID snowflake.ID              `gorm:"column:booking_id"`
	State     ledgerdomain.PaymentState `gorm:"column:state"`
}

// repairBookings realigns bookings whose payment_status disagrees with the
// latest terminal payment record. Only records stable for the staleness
// window are considered, so in-flight webhook transactions are not raced.
func (s *Sweeper) repairBookings(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.cfg.StaleAfter)

	var mismatches []bookingMismatch
	err := s.db.WithContext(ctx).Raw(
		`SELECT b.id AS booking_id, p.state AS state
		 FROM bookings b
		 JOIN payment_records p ON p.booking_id = b.id
		 WHERE p.id = (SELECT MAX(id) FROM payment_records WHERE booking_id = b.id)
		   AND p.state IN (?, ?, ?, ?)
		   AND p.updated_at < ?
		   AND b.payment_status <> CASE p.state
		     WHEN ? THEN ?
		     WHEN ? THEN ?
		     WHEN ? THEN ?
		     WHEN ? THEN ?
		   END
		 LIMIT ?`,
		ledgerdomain.StateCompleted, ledgerdomain.StateFailed, ledgerdomain.StateCanceled, ledgerdomain.StateRefunded,
		cutoff,
		ledgerdomain.StateCompleted, bookingdomain.PaymentPaid,
		ledgerdomain.StateFailed, bookingdomain.PaymentFailed,
		ledgerdomain.StateCanceled, bookingdomain.PaymentCanceled,
		ledgerdomain.StateRefunded, bookingdomain.PaymentRefunded,
		s.cfg.BatchSize,
	).Scan(&mismatches).Error
	if err != nil {
		return err
	}

	for _, m := range mismatches {
		outcome := outcomeForState(m.State)
		if outcome == "" {
			continue
		}
		err := s.db.Transaction(func(tx *gorm.DB) error {
			return s.coordinator.ApplyOutcome(ctx, tx, m.BookingID, outcome)
		})
		if err != nil {
			s.log.Warn("booking repair failed",
				zap.Int64("booking_id", m.BookingID.Int64()),
				zap.Error(err),
			)
			continue
		}
		s.metrics.RecordReconcileRepair(ctx, "booking_mismatch")
		s.log.Info("booking repaired",
			zap.Int64("booking_id", m.BookingID.Int64()),
			zap.String("state", string(m.State)),
		)
	}
	return nil
}

func outcomeForState(state ledgerdomain.PaymentState) bookingdomain.Outcome {
	switch state {
	case ledgerdomain.StateCompleted:
		return bookingdomain.OutcomeCompleted
	case ledgerdomain.StateFailed:
		return bookingdomain.OutcomeFailed
	case ledgerdomain.StateCanceled:
		return bookingdomain.OutcomeCanceled
	case ledgerdomain.StateRefunded:
		return bookingdomain.OutcomeRefunded
	}
	return ""
}
