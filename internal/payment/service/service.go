package service

import (
	"context"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	bookingdomain "github.com/arenda-io/arenda/internal/booking/domain"
	"github.com/arenda-io/arenda/internal/clock"
	gatewaydomain "github.com/arenda-io/arenda/internal/gateway/domain"
	ledgerdomain "github.com/arenda-io/arenda/internal/ledger/domain"
	"github.com/arenda-io/arenda/internal/payment/domain"
	"github.com/arenda-io/arenda/pkg/db/pagination"
)

type Params struct {
	fx.In

	Log         *zap.Logger
	DB          *gorm.DB
	Node        *snowflake.Node
	Clock       clock.Clock
	Gateway     gatewaydomain.Gateway
	Ledger      ledgerdomain.Repository
	Bookings    bookingdomain.Repository
	Coordinator bookingdomain.Coordinator
}

type service struct {
	log         *zap.Logger
	db          *gorm.DB
	node        *snowflake.Node
	clock       clock.Clock
	gateway     gatewaydomain.Gateway
	ledger      ledgerdomain.Repository
	bookings    bookingdomain.Repository
	coordinator bookingdomain.Coordinator
}

func New(p Params) domain.Service {
	return &service{
		log:         p.Log.Named("payment.service"),
		db:          p.DB,
		node:        p.Node,
		clock:       p.Clock,
		gateway:     p.Gateway,
		ledger:      p.Ledger,
		bookings:    p.Bookings,
		coordinator: p.Coordinator,
	}
}

func (s *service) CreatePaymentSheet(ctx context.Context, in domain.CreatePaymentSheetInput) (*domain.PaymentSheet, error) {
	booking, err := s.bookings.FindByID(ctx, s.db, in.BookingID)
	if err != nil {
		return nil, err
	}
	if booking == nil {
		return nil, bookingdomain.ErrBookingNotFound
	}
	if booking.TenantID != in.UserID {
		return nil, domain.ErrBookingNotOwned
	}

	// InsertPending still enforces one active record per booking under
	// concurrency; this check fails fast without generating an id.
	active, err := s.ledger.FindActiveForBooking(ctx, s.db, booking.ID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, ledgerdomain.ErrPaymentInProgress
	}

	now := s.clock.Now()
	record := &ledgerdomain.PaymentRecord{
		ID:        s.node.Generate(),
		BookingID: booking.ID,
		UserID:    in.UserID,
		Amount:    booking.TotalPrice,
		Currency:  booking.Currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.ledger.InsertPending(ctx, s.db, record); err != nil {
		return nil, err
	}

	sheet, err := s.buildSheet(ctx, in, booking, record)
	if err != nil {
		// Release the booking's active slot so the client can retry.
		if _, terr := s.ledger.Transition(ctx, s.db, record.ID,
			[]ledgerdomain.PaymentState{ledgerdomain.StatePending},
			ledgerdomain.StateCanceled, ledgerdomain.TransitionFields{},
		); terr != nil {
			s.log.Warn("abandoning pending record after gateway failure",
				zap.Int64("payment_id", record.ID.Int64()),
				zap.Error(terr),
			)
		}
		return nil, err
	}
	return sheet, nil
}

func (s *service) buildSheet(ctx context.Context, in domain.CreatePaymentSheetInput, booking *bookingdomain.Booking, record *ledgerdomain.PaymentRecord) (*domain.PaymentSheet, error) {
	customerRef, err := s.gateway.EnsureCustomer(ctx, in.UserID.String(), in.Email)
	if err != nil {
		return nil, err
	}
	ephemeralKey, err := s.gateway.CreateEphemeralKey(ctx, customerRef)
	if err != nil {
		return nil, err
	}
	intent, err := s.gateway.CreateChargeIntent(ctx, gatewaydomain.CreateChargeIntentInput{
		Amount:      booking.TotalPrice,
		Currency:    booking.Currency,
		CustomerRef: customerRef,
		Metadata: map[string]string{
			"booking_id": booking.ID.String(),
			"payment_id": record.ID.String(),
		},
	})
	if err != nil {
		return nil, err
	}
	if err := s.ledger.AssignChargeRef(ctx, s.db, record.ID, intent.IntentID); err != nil {
		return nil, err
	}

	s.log.Info("payment sheet created",
		zap.Int64("booking_id", booking.ID.Int64()),
		zap.Int64("payment_id", record.ID.Int64()),
	)
	return &domain.PaymentSheet{
		PaymentID:    record.ID,
		ClientSecret: intent.ClientSecret,
		EphemeralKey: ephemeralKey,
		CustomerID:   customerRef,
	}, nil
}

// Confirm pulls the authoritative charge state from the gateway and applies
// it. The webhook usually lands first; re-applying an outcome the ledger
// already reflects returns the current record unchanged.
func (s *service) Confirm(ctx context.Context, in domain.ConfirmInput) (*ledgerdomain.PaymentRecord, error) {
	record, err := s.ownedRecordByChargeRef(ctx, in.UserID, in.IntentID)
	if err != nil {
		return nil, err
	}
	if in.BookingID != 0 && record.BookingID != in.BookingID {
		return nil, domain.ErrBookingNotOwned
	}

	charge, err := s.gateway.RetrieveCharge(ctx, in.IntentID)
	if err != nil {
		return nil, err
	}

	step, ok := stepForChargeState(charge.State, s.clock.Now())
	if !ok || record.State == step.toState {
		return record, nil
	}

	var updated *ledgerdomain.PaymentRecord
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var terr error
		updated, terr = s.applyStep(ctx, tx, record, step)
		return terr
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *service) Cancel(ctx context.Context, in domain.CancelInput) (*ledgerdomain.PaymentRecord, error) {
	record, err := s.ownedRecordByChargeRef(ctx, in.UserID, in.IntentID)
	if err != nil {
		return nil, err
	}
	if record.State == ledgerdomain.StateCanceled {
		return record, nil
	}
	if record.State.Terminal() {
		return nil, ledgerdomain.ErrInvalidTransition
	}

	if err := s.gateway.CancelChargeIntent(ctx, in.IntentID); err != nil {
		return nil, err
	}

	step := transitionStep{
		fromStates: ledgerdomain.ActiveStates,
		toState:    ledgerdomain.StateCanceled,
		outcome:    bookingdomain.OutcomeCanceled,
	}
	var updated *ledgerdomain.PaymentRecord
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var terr error
		updated, terr = s.applyStep(ctx, tx, record, step)
		return terr
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *service) Get(ctx context.Context, userID, id snowflake.ID) (*ledgerdomain.PaymentRecord, error) {
	record, err := s.ledger.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ledgerdomain.ErrNotFound
	}
	if record.UserID != userID {
		return nil, domain.ErrBookingNotOwned
	}
	return record, nil
}

func (s *service) History(ctx context.Context, userID snowflake.ID, p pagination.Pagination) ([]*ledgerdomain.PaymentRecord, *pagination.PageInfo, error) {
	var beforeID snowflake.ID
	if p.PageToken != "" {
		cursor, err := pagination.DecodeCursor(p.PageToken)
		if err != nil {
			return nil, nil, err
		}
		id, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return nil, nil, err
		}
		beforeID = snowflake.ID(id)
	}
	limit := p.PageSize
	if limit <= 0 {
		limit = 10
	}

	records, err := s.ledger.ListByUser(ctx, s.db, userID, beforeID, limit+1)
	if err != nil {
		return nil, nil, err
	}

	records, pageInfo := pagination.BuildCursorPageInfo(records, limit, func(r *ledgerdomain.PaymentRecord) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: r.ID.String()})
		return token
	})
	if !pageInfo.HasMore {
		// An empty token on the last page saves clients a request that would
		// only return an empty list.
		pageInfo.NextPageToken = ""
	}
	return records, pageInfo, nil
}

func (s *service) ownedRecordByChargeRef(ctx context.Context, userID snowflake.ID, intentID string) (*ledgerdomain.PaymentRecord, error) {
	record, err := s.ledger.FindByChargeRef(ctx, s.db, intentID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ledgerdomain.ErrNotFound
	}
	if record.UserID != userID {
		return nil, domain.ErrBookingNotOwned
	}
	return record, nil
}

// applyStep runs the ledger transition and the booking update inside tx. A
// transition already applied by a concurrent path returns the current record
// when it matches the target.
func (s *service) applyStep(ctx context.Context, tx *gorm.DB, record *ledgerdomain.PaymentRecord, step transitionStep) (*ledgerdomain.PaymentRecord, error) {
	updated, err := s.ledger.Transition(ctx, tx, record.ID, step.fromStates, step.toState, step.fields)
	if err == ledgerdomain.ErrInvalidTransition {
		current, ferr := s.ledger.FindByID(ctx, tx, record.ID)
		if ferr != nil {
			return nil, ferr
		}
		if current != nil && current.State == step.toState {
			return current, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if step.outcome != "" {
		if err := s.coordinator.ApplyOutcome(ctx, tx, updated.BookingID, step.outcome); err != nil {
			return nil, err
		}
	}
	return updated, nil
}
