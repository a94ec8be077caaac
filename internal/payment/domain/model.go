package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	ledgerdomain "github.com/arenda-io/arenda/internal/ledger/domain"
	"github.com/arenda-io/arenda/pkg/db/pagination"
)

// PaymentSheet bundles everything a mobile client needs to drive the gateway
// payment sheet for one booking.
type PaymentSheet struct {
	PaymentID    snowflake.ID `json:"payment_id"`
	ClientSecret string       `json:"client_secret"`
	EphemeralKey string       `json:"ephemeral_key"`
	CustomerID   string       `json:"customer_id"`
}

type CreatePaymentSheetInput struct {
	BookingID snowflake.ID
	UserID    snowflake.ID
	Email     string
}

type ConfirmInput struct {
	BookingID snowflake.ID
	UserID    snowflake.ID
	IntentID  string
}

type CancelInput struct {
	UserID   snowflake.ID
	IntentID string
}

// Service is the tenant-facing payment surface. All operations are scoped to
// the calling user; cross-user access fails with ErrBookingNotOwned.
type Service interface {
	CreatePaymentSheet(ctx context.Context, in CreatePaymentSheetInput) (*PaymentSheet, error)
	Confirm(ctx context.Context, in ConfirmInput) (*ledgerdomain.PaymentRecord, error)
	Cancel(ctx context.Context, in CancelInput) (*ledgerdomain.PaymentRecord, error)
	Get(ctx context.Context, userID, id snowflake.ID) (*ledgerdomain.PaymentRecord, error)
	History(ctx context.Context, userID snowflake.ID, p pagination.Pagination) ([]*ledgerdomain.PaymentRecord, *pagination.PageInfo, error)
}

// Dispatcher applies inbound gateway webhooks. It returns an error only when
// the delivery could not be authenticated or a storage write failed; stale,
// duplicate and unknown-charge deliveries are acknowledged silently.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload []byte, headers http.Header) error
}

// EventRecord journals every verified webhook delivery. The unique
// provider_event_id column is the first line of duplicate-delivery defense;
// the ledger transition is the second.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	ChargeRef       string         `json:"charge_ref" gorm:"type:text"`
	Payload         datatypes.JSON `json:"payload"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "gateway_events" }

// JournalRepository records webhook deliveries for idempotency and audit.
type JournalRepository interface {
	// Insert journals a delivery. When the provider event id was already
	// journaled it returns the existing row instead of inserting, so callers
	// can tell an applied duplicate (ProcessedAt set) from a delivery that
	// was journaled but never applied.
	Insert(ctx context.Context, db *gorm.DB, record *EventRecord) (*EventRecord, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, providerEventID string, at time.Time) error
}

var ErrBookingNotOwned = errors.New("booking_not_owned")
