package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Status is the booking approval lifecycle. Owned jointly with the booking
// module of the wider platform; this service only moves it in response to
// payment outcomes.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusRefunded  Status = "REFUNDED"
	StatusCompleted Status = "COMPLETED"
)

// PaymentStatus mirrors the ledger's view of the booking's money. It is
// derived state: the payment record is authoritative.
type PaymentStatus string

const (
	PaymentUnpaid     PaymentStatus = "unpaid"
	PaymentProcessing PaymentStatus = "processing"
	PaymentPaid       PaymentStatus = "paid"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
	PaymentCanceled   PaymentStatus = "canceled"
)

type Booking struct {
	ID            snowflake.ID  `json:"id" gorm:"primaryKey"`
	TenantID      snowflake.ID  `json:"tenant_id" gorm:"not null;index"`
	LandlordID    snowflake.ID  `json:"landlord_id" gorm:"not null;index"`
	TotalPrice    int64         `json:"total_price" gorm:"not null"`
	Currency      string        `json:"currency" gorm:"type:text;not null"`
	Status        Status        `json:"status" gorm:"type:text;not null"`
	PaymentStatus PaymentStatus `json:"payment_status" gorm:"type:text;not null"`
	CreatedAt     time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt     time.Time     `json:"updated_at" gorm:"not null"`
}

func (Booking) TableName() string { return "bookings" }

var ErrBookingNotFound = errors.New("booking_not_found")

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Booking, error)
	// UpdateStatuses writes booking status and/or payment status. A nil field
	// leaves the current value untouched.
	UpdateStatuses(ctx context.Context, db *gorm.DB, id snowflake.ID, status *Status, paymentStatus *PaymentStatus) error
}

// Coordinator translates terminal and in-flight payment outcomes into booking
// state, inside the caller's transaction.
type Coordinator interface {
	ApplyOutcome(ctx context.Context, tx *gorm.DB, bookingID snowflake.ID, outcome Outcome) error
}

// Outcome is the payment-side result the coordinator reacts to. It is the
// ledger state vocabulary, re-declared here so the booking package has no
// dependency on the ledger.
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeProcessing Outcome = "processing"
	OutcomeFailed     Outcome = "failed"
	OutcomeCanceled   Outcome = "canceled"
	OutcomeRefunded   Outcome = "refunded"
)
