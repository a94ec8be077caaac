package service

import (
	"context"

	"github.com/arenda-io/arenda/internal/booking/domain"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Repository domain.Repository
}

type coordinator struct {
	log  *zap.Logger
	repo domain.Repository
}

func New(p Params) domain.Coordinator {
	return &coordinator{
		log:  p.Log.Named("booking.coordinator"),
		repo: p.Repository,
	}
}

// ApplyOutcome moves the booking to the composite state implied by a payment
// outcome. Re-applying an outcome the booking already reflects is a no-op, so
// the webhook path may replay safely.
func (c *coordinator) ApplyOutcome(ctx context.Context, tx *gorm.DB, bookingID snowflake.ID, outcome domain.Outcome) error {
	booking, err := c.repo.FindByID(ctx, tx, bookingID)
	if err != nil {
		return err
	}
	if booking == nil {
		return domain.ErrBookingNotFound
	}

	status, paymentStatus := targetFor(booking, outcome)
	if status == nil && paymentStatus == nil {
		return nil
	}

	if err := c.repo.UpdateStatuses(ctx, tx, bookingID, status, paymentStatus); err != nil {
		return err
	}

	c.log.Info("booking updated",
		zap.Int64("booking_id", bookingID.Int64()),
		zap.String("outcome", string(outcome)),
	)
	return nil
}

// targetFor computes the fields that still need to change; nil means leave
// as-is.
func targetFor(booking *domain.Booking, outcome domain.Outcome) (*domain.Status, *domain.PaymentStatus) {
	var (
		status        *domain.Status
		paymentStatus *domain.PaymentStatus
	)

	switch outcome {
	case domain.OutcomeCompleted:
		status = statusPtr(domain.StatusApproved)
		paymentStatus = paymentPtr(domain.PaymentPaid)
	case domain.OutcomeProcessing:
		paymentStatus = paymentPtr(domain.PaymentProcessing)
	case domain.OutcomeFailed:
		paymentStatus = paymentPtr(domain.PaymentFailed)
	case domain.OutcomeCanceled:
		if booking.Status == domain.StatusPending || booking.Status == domain.StatusApproved {
			status = statusPtr(domain.StatusRefunded)
		}
		paymentStatus = paymentPtr(domain.PaymentCanceled)
	case domain.OutcomeRefunded:
		status = statusPtr(domain.StatusRefunded)
		paymentStatus = paymentPtr(domain.PaymentRefunded)
	default:
		return nil, nil
	}

	if status != nil && booking.Status == *status {
		status = nil
	}
	if paymentStatus != nil && booking.PaymentStatus == *paymentStatus {
		paymentStatus = nil
	}
	return status, paymentStatus
}

func statusPtr(s domain.Status) *domain.Status                { return &s }
func paymentPtr(s domain.PaymentStatus) *domain.PaymentStatus { return &s }
