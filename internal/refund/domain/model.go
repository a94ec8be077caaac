package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	ledgerdomain "github.com/arenda-io/arenda/internal/ledger/domain"
)

// Status is the refund approval workflow state. Terminal once decided.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// RefundRequest is a refund waiting for (or holding) a landlord decision.
// Auto-approved refunds never create one.
type RefundRequest struct {
	ID           snowflake.ID `json:"id" gorm:"primaryKey"`
	BookingID    snowflake.ID `json:"booking_id" gorm:"not null;index"`
	RequestedBy  snowflake.ID `json:"requested_by" gorm:"not null"`
	LandlordID   snowflake.ID `json:"landlord_id" gorm:"not null;index"`
	Amount       int64        `json:"amount" gorm:"not null"`
	Currency     string       `json:"currency" gorm:"type:text;not null"`
	Reason       string       `json:"reason" gorm:"type:text"`
	Status       Status       `json:"status" gorm:"type:text;not null"`
	LandlordNote string       `json:"landlord_note" gorm:"type:text"`
	DecidedAt    *time.Time   `json:"decided_at"`
	CreatedAt    time.Time    `json:"created_at" gorm:"not null"`
}

func (RefundRequest) TableName() string { return "refund_requests" }

var (
	ErrRequestNotFound    = errors.New("refund_request_not_found")
	ErrRequestPending     = errors.New("refund_request_pending")
	ErrRequestDecided     = errors.New("refund_request_decided")
	ErrNotRefundable      = errors.New("payment_not_refundable")
	ErrNotBookingTenant   = errors.New("not_booking_tenant")
	ErrNotBookingLandlord = errors.New("not_booking_landlord")
)

type Repository interface {
	// InsertPending creates a PENDING request unless the booking already has
	// one, in which case it fails with ErrRequestPending.
	InsertPending(ctx context.Context, db *gorm.DB, request *RefundRequest) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*RefundRequest, error)
	// Decide moves a PENDING request to its terminal status. It fails with
	// ErrRequestDecided when another decision landed first.
	Decide(ctx context.Context, db *gorm.DB, id snowflake.ID, status Status, note string, decidedAt time.Time) (*RefundRequest, error)
}

// Outcome reports how a refund request was resolved.
type Outcome string

const (
	OutcomeRefunded         Outcome = "refunded"
	OutcomeRequiresApproval Outcome = "requires_approval"
	OutcomeRejected         Outcome = "rejected"
)

type RequestRefundInput struct {
	BookingID snowflake.ID
	UserID    snowflake.ID
	Reason    string
}

type DecideInput struct {
	RequestID  snowflake.ID
	LandlordID snowflake.ID
	Approve    bool
	Note       string
}

type Result struct {
	Outcome Outcome                     `json:"outcome"`
	Payment *ledgerdomain.PaymentRecord `json:"payment,omitempty"`
	Request *RefundRequest              `json:"request,omitempty"`
}

// Service is the refund workflow: immediate refunds inside the auto-approve
// window, landlord-gated refunds up to the maximum window.
type Service interface {
	RequestRefund(ctx context.Context, in RequestRefundInput) (*Result, error)
	DecideRefundRequest(ctx context.Context, in DecideInput) (*Result, error)
}
