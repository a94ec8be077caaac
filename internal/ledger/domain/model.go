package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// PaymentState is the lifecycle state of a payment attempt. The ledger is the
// single source of truth; bookings mirror it, never the other way around.
type PaymentState string

const (
	StatePending        PaymentState = "pending"
	StateProcessing     PaymentState = "processing"
	StateRequiresAction PaymentState = "requires_action"
	StateCompleted      PaymentState = "completed"
	StateFailed         PaymentState = "failed"
	StateCanceled       PaymentState = "canceled"
	StateRefunded       PaymentState = "refunded"
)

// ActiveStates are the states in which a payment attempt still occupies its
// booking; at most one record per booking may be in one of them.
var ActiveStates = []PaymentState{StatePending, StateProcessing, StateRequiresAction}

func (s PaymentState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled, StateRefunded:
		return true
	}
	return false
}

// PaymentRecord is one payment attempt for one booking-charge cycle. Records
// are never deleted; state transitions are the audit trail.
type PaymentRecord struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	BookingID   snowflake.ID `json:"booking_id" gorm:"not null;index"`
	UserID      snowflake.ID `json:"user_id" gorm:"not null;index"`
	Amount      int64        `json:"amount" gorm:"not null"`
	Currency    string       `json:"currency" gorm:"type:text;not null"`
	ChargeRef   string       `json:"charge_ref" gorm:"type:text"`
	State       PaymentState `json:"state" gorm:"type:text;not null"`
	CompletedAt *time.Time   `json:"completed_at"`
	RefundedAt  *time.Time   `json:"refunded_at"`
	CreatedAt   time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time    `json:"updated_at" gorm:"not null"`
}

func (PaymentRecord) TableName() string { return "payment_records" }

var (
	ErrNotFound          = errors.New("payment_not_found")
	ErrInvalidTransition = errors.New("invalid_transition")
	ErrPaymentInProgress = errors.New("payment_in_progress")
)
