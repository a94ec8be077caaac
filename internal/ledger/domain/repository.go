package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// TransitionFields are the timestamp columns a transition may set. Nil fields
// keep their current value.
type TransitionFields struct {
	CompletedAt *time.Time
	RefundedAt  *time.Time
}

// Repository persists payment records. Transition is the only mutation path
// after insert: it is a single conditional update, so concurrent duplicate
// calls for the same record collapse to one effective write.
type Repository interface {
	// InsertPending creates a pending record unless the booking already has an
	// attempt in an active state, in which case it fails with
	// ErrPaymentInProgress.
	InsertPending(ctx context.Context, db *gorm.DB, record *PaymentRecord) error
	AssignChargeRef(ctx context.Context, db *gorm.DB, id snowflake.ID, chargeRef string) error

	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*PaymentRecord, error)
	FindByChargeRef(ctx context.Context, db *gorm.DB, chargeRef string) (*PaymentRecord, error)
	FindActiveForBooking(ctx context.Context, db *gorm.DB, bookingID snowflake.ID) (*PaymentRecord, error)
	FindLatestForBooking(ctx context.Context, db *gorm.DB, bookingID snowflake.ID) (*PaymentRecord, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, beforeID snowflake.ID, limit int) ([]*PaymentRecord, error)
	FindStale(ctx context.Context, db *gorm.DB, updatedBefore time.Time, limit int) ([]*PaymentRecord, error)

	// Transition moves the record from one of fromStates to toState. It fails
	// with ErrInvalidTransition when the current state is not in fromStates and
	// ErrNotFound when the record does not exist.
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, fromStates []PaymentState, toState PaymentState, fields TransitionFields) (*PaymentRecord, error)
}
