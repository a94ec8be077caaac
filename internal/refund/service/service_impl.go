package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	bookingdomain "github.com/arenda-io/arenda/internal/booking/domain"
	"github.com/arenda-io/arenda/internal/clock"
	"github.com/arenda-io/arenda/internal/config"
	gatewaydomain "github.com/arenda-io/arenda/internal/gateway/domain"
	ledgerdomain "github.com/arenda-io/arenda/internal/ledger/domain"
	"github.com/arenda-io/arenda/internal/observability/metrics"
	"github.com/arenda-io/arenda/internal/policy"
	"github.com/arenda-io/arenda/internal/providers/email"
	"github.com/arenda-io/arenda/internal/refund/domain"
)

type Params struct {
	fx.In

	Log         *zap.Logger
	Config      config.Config
	DB          *gorm.DB
	Node        *snowflake.Node
	Clock       clock.Clock
	Policy      *policy.Engine
	Gateway     gatewaydomain.Gateway
	Ledger      ledgerdomain.Repository
	Bookings    bookingdomain.Repository
	Coordinator bookingdomain.Coordinator
	Requests    domain.Repository
	Email       email.Provider
	Metrics     *metrics.Metrics `optional:"true"`
}

type service struct {
	log         *zap.Logger
	notifyTo    string
	db          *gorm.DB
	node        *snowflake.Node
	clock       clock.Clock
	policy      *policy.Engine
	gateway     gatewaydomain.Gateway
	ledger      ledgerdomain.Repository
	bookings    bookingdomain.Repository
	coordinator bookingdomain.Coordinator
	requests    domain.Repository
	email       email.Provider
	metrics     *metrics.Metrics
}

func New(p Params) domain.Service {
	return &service{
		log:         p.Log.Named("refund.service"),
		notifyTo:    p.Config.Email.NotifyTo,
		db:          p.DB,
		node:        p.Node,
		clock:       p.Clock,
		policy:      p.Policy,
		gateway:     p.Gateway,
		ledger:      p.Ledger,
		bookings:    p.Bookings,
		coordinator: p.Coordinator,
		requests:    p.Requests,
		email:       p.Email,
		metrics:     p.Metrics,
	}
}

func (s *service) RequestRefund(ctx context.Context, in domain.RequestRefundInput) (*domain.Result, error) {
	booking, err := s.bookings.FindByID(ctx, s.db, in.BookingID)
	if err != nil {
		return nil, err
	}
	if booking == nil {
		return nil, bookingdomain.ErrBookingNotFound
	}
	if booking.TenantID != in.UserID {
		return nil, domain.ErrNotBookingTenant
	}

	record, err := s.refundableRecord(ctx, in.BookingID)
	if err != nil {
		return nil, err
	}

	outcome, err := s.policy.Decide(*record.CompletedAt, s.clock.Now())
	if err != nil {
		return nil, err
	}

	if outcome == policy.OutcomeAutoRefund {
		updated, err := s.executeRefund(ctx, record, in.Reason)
		if err != nil {
			return nil, err
		}
		s.metrics.RecordRefundDecision(ctx, "auto_refund")
		s.log.Info("refund auto-approved",
			zap.Int64("booking_id", in.BookingID.Int64()),
			zap.Int64("payment_id", record.ID.Int64()),
		)
		return &domain.Result{Outcome: domain.OutcomeRefunded, Payment: updated}, nil
	}

	request := &domain.RefundRequest{
		ID:          s.node.Generate(),
		BookingID:   booking.ID,
		RequestedBy: in.UserID,
		LandlordID:  booking.LandlordID,
		Amount:      record.Amount,
		Currency:    record.Currency,
		Reason:      in.Reason,
		Status:      domain.StatusPending,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.requests.InsertPending(ctx, s.db, request); err != nil {
		return nil, err
	}

	s.metrics.RecordRefundDecision(ctx, "requires_approval")
	s.notify(ctx, "refund_requested", map[string]interface{}{
		"subject":    "Refund request awaiting decision",
		"booking_id": request.BookingID.String(),
		"amount":     request.Amount,
		"currency":   request.Currency,
		"reason":     request.Reason,
	})
	return &domain.Result{Outcome: domain.OutcomeRequiresApproval, Request: request}, nil
}

func (s *service) DecideRefundRequest(ctx context.Context, in domain.DecideInput) (*domain.Result, error) {
	request, err := s.requests.FindByID(ctx, s.db, in.RequestID)
	if err != nil {
		return nil, err
	}
	if request == nil {
		return nil, domain.ErrRequestNotFound
	}
	if request.LandlordID != in.LandlordID {
		return nil, domain.ErrNotBookingLandlord
	}
	if request.Status != domain.StatusPending {
		return nil, domain.ErrRequestDecided
	}

	if !in.Approve {
		decided, err := s.requests.Decide(ctx, s.db, request.ID, domain.StatusRejected, in.Note, s.clock.Now())
		if err != nil {
			return nil, err
		}
		s.metrics.RecordRefundDecision(ctx, "rejected")
		s.notifyDecision(ctx, decided, "rejected")
		return &domain.Result{Outcome: domain.OutcomeRejected, Request: decided}, nil
	}

	record, err := s.refundableRecord(ctx, request.BookingID)
	if err != nil {
		return nil, err
	}

	updated, err := s.executeRefund(ctx, record, request.Reason)
	if err != nil {
		return nil, err
	}
	decided, err := s.requests.Decide(ctx, s.db, request.ID, domain.StatusApproved, in.Note, s.clock.Now())
	if err != nil {
		return nil, err
	}

	s.metrics.RecordRefundDecision(ctx, "approved")
	s.notifyDecision(ctx, decided, "approved")
	return &domain.Result{Outcome: domain.OutcomeRefunded, Payment: updated, Request: decided}, nil
}

// refundableRecord returns the booking's completed payment record.
func (s *service) refundableRecord(ctx context.Context, bookingID snowflake.ID) (*ledgerdomain.PaymentRecord, error) {
	record, err := s.ledger.FindLatestForBooking(ctx, s.db, bookingID)
	if err != nil {
		return nil, err
	}
	if record == nil || record.State != ledgerdomain.StateCompleted || record.CompletedAt == nil {
		return nil, domain.ErrNotRefundable
	}
	return record, nil
}

// executeRefund refunds at the gateway and settles the ledger and booking.
// The gateway call is idempotent (already-refunded reports success), and the
// ledger transition tolerates a refund webhook landing first.
func (s *service) executeRefund(ctx context.Context, record *ledgerdomain.PaymentRecord, reason string) (*ledgerdomain.PaymentRecord, error) {
	refund, err := s.gateway.CreateRefund(ctx, record.ChargeRef, reason, map[string]string{
		"booking_id": record.BookingID.String(),
		"payment_id": record.ID.String(),
	})
	if err != nil {
		return nil, err
	}
	if refund.AlreadyRefunded {
		s.log.Info("charge already refunded at gateway",
			zap.Int64("payment_id", record.ID.Int64()),
		)
	}

	now := s.clock.Now()
	var updated *ledgerdomain.PaymentRecord
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var terr error
		updated, terr = s.ledger.Transition(ctx, tx, record.ID,
			[]ledgerdomain.PaymentState{ledgerdomain.StateCompleted},
			ledgerdomain.StateRefunded,
			ledgerdomain.TransitionFields{RefundedAt: &now},
		)
		if errors.Is(terr, ledgerdomain.ErrInvalidTransition) {
			current, ferr := s.ledger.FindByID(ctx, tx, record.ID)
			if ferr != nil {
				return ferr
			}
			if current != nil && current.State == ledgerdomain.StateRefunded {
				updated = current
				terr = nil
			}
		}
		if terr != nil {
			return terr
		}
		return s.coordinator.ApplyOutcome(ctx, tx, record.BookingID, bookingdomain.OutcomeRefunded)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *service) notify(ctx context.Context, template string, data map[string]interface{}) {
	if s.notifyTo == "" {
		return
	}
	if err := s.email.SendTemplate(ctx, []string{s.notifyTo}, template, data); err != nil {
		s.log.Warn("refund notification failed", zap.String("template", template), zap.Error(err))
	}
}

func (s *service) notifyDecision(ctx context.Context, request *domain.RefundRequest, decision string) {
	s.notify(ctx, "refund_decided", map[string]interface{}{
		"subject":    "Refund request " + decision,
		"booking_id": request.BookingID.String(),
		"decision":   decision,
		"note":       request.LandlordNote,
	})
}
