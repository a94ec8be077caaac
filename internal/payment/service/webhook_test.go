package service_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	bookingdomain "github.com/arenda-io/arenda/internal/booking/domain"
	bookingrepo "github.com/arenda-io/arenda/internal/booking/repository"
	bookingservice "github.com/arenda-io/arenda/internal/booking/service"
	"github.com/arenda-io/arenda/internal/clock"
	"github.com/arenda-io/arenda/internal/config"
	gatewaydomain "github.com/arenda-io/arenda/internal/gateway/domain"
	"github.com/arenda-io/arenda/internal/gateway/adapters/stripe"
	ledgerdomain "github.com/arenda-io/arenda/internal/ledger/domain"
	ledgerrepo "github.com/arenda-io/arenda/internal/ledger/repository"
	paymentdomain "github.com/arenda-io/arenda/internal/payment/domain"
	paymentrepo "github.com/arenda-io/arenda/internal/payment/repository"
	paymentservice "github.com/arenda-io/arenda/internal/payment/service"
)

const webhookSecret = "whsec_test"

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	schema := []string{
		`CREATE TABLE bookings (
			id BIGINT PRIMARY KEY,
			tenant_id BIGINT NOT NULL,
			landlord_id BIGINT NOT NULL,
			total_price BIGINT NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			payment_status TEXT NOT NULL DEFAULT 'unpaid',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE payment_records (
			id BIGINT PRIMARY KEY,
			booking_id BIGINT NOT NULL,
			user_id BIGINT NOT NULL,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			charge_ref TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			completed_at TIMESTAMP,
			refunded_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE gateway_events (
			id BIGINT PRIMARY KEY,
			provider TEXT NOT NULL,
			provider_event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			charge_ref TEXT NOT NULL DEFAULT '',
			payload TEXT,
			received_at TIMESTAMP NOT NULL,
			processed_at TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX ux_gateway_events_provider_event_id ON gateway_events(provider_event_id)`,
	}
	for _, stmt := range schema {
		require.NoError(t, db.Exec(stmt).Error)
	}
	return db
}

type fixture struct {
	db         *gorm.DB
	node       *snowflake.Node
	clock      *clock.FakeClock
	ledger     ledgerdomain.Repository
	bookings   bookingdomain.Repository
	dispatcher paymentdomain.Dispatcher
}

func newFixture(t *testing.T, nodeID int64) *fixture {
	t.Helper()

	db := setupTestDB(t)
	node, err := snowflake.NewNode(nodeID)
	require.NoError(t, err)

	gw, err := stripe.NewFactory().New(config.GatewayConfig{
		SecretKey:     "sk_test",
		WebhookSecret: webhookSecret,
	})
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC))
	ledger := ledgerrepo.Provide()
	bookings := bookingrepo.Provide()
	coordinator := bookingservice.New(bookingservice.Params{Log: zap.NewNop(), Repository: bookings})

	dispatcher := paymentservice.NewDispatcher(paymentservice.DispatcherParams{
		Log:         zap.NewNop(),
		DB:          db,
		Node:        node,
		Clock:       clk,
		Gateway:     gw,
		Ledger:      ledger,
		Journal:     paymentrepo.ProvideJournal(),
		Coordinator: coordinator,
	})

	return &fixture{
		db:         db,
		node:       node,
		clock:      clk,
		ledger:     ledger,
		bookings:   bookings,
		dispatcher: dispatcher,
	}
}

func (f *fixture) seedBookingWithPayment(t *testing.T, chargeRef string, state ledgerdomain.PaymentState) (snowflake.ID, snowflake.ID) {
	t.Helper()

	ctx := context.Background()
	now := f.clock.Now()

	bookingID := f.node.Generate()
	require.NoError(t, f.db.Exec(
		`INSERT INTO bookings (id, tenant_id, landlord_id, total_price, currency, status, payment_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		bookingID, f.node.Generate(), f.node.Generate(), 150000, "EUR",
		bookingdomain.StatusPending, bookingdomain.PaymentUnpaid, now, now,
	).Error)

	record := &ledgerdomain.PaymentRecord{
		ID:        f.node.Generate(),
		BookingID: bookingID,
		UserID:    f.node.Generate(),
		Amount:    150000,
		Currency:  "EUR",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.ledger.InsertPending(ctx, f.db, record))
	require.NoError(t, f.ledger.AssignChargeRef(ctx, f.db, record.ID, chargeRef))

	if state != ledgerdomain.StatePending {
		var fields ledgerdomain.TransitionFields
		if state == ledgerdomain.StateCompleted {
			completedAt := now
			fields.CompletedAt = &completedAt
		}
		_, err := f.ledger.Transition(ctx, f.db, record.ID, ledgerdomain.ActiveStates, state, fields)
		require.NoError(t, err)
	}
	return bookingID, record.ID
}

func signedHeader(payload []byte, ts int64) http.Header {
	signed := fmt.Sprintf("%d.%s", ts, payload)
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write([]byte(signed))
	signature := hex.EncodeToString(mac.Sum(nil))

	header := http.Header{}
	header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, signature))
	return header
}

func succeededPayload(eventID, intentID string, ts int64) []byte {
	return []byte(fmt.Sprintf(
		`{"id":"%s","type":"payment_intent.succeeded","created":%d,"data":{"object":{"id":"%s","amount":150000,"amount_received":150000,"currency":"eur","created":%d}}}`,
		eventID, ts, intentID, ts,
	))
}

func assertCount(t *testing.T, db *gorm.DB, query string, want int64) {
	t.Helper()

	var got int64
	require.NoError(t, db.Raw(query).Scan(&got).Error)
	assert.Equal(t, want, got)
}

func TestDispatchAppliesPaymentSucceeded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	bookingID, paymentID := f.seedBookingWithPayment(t, "pi_1", ledgerdomain.StatePending)

	ts := f.clock.Now().Unix()
	payload := succeededPayload("evt_1", "pi_1", ts)
	require.NoError(t, f.dispatcher.Dispatch(ctx, payload, signedHeader(payload, ts)))

	record, err := f.ledger.FindByID(ctx, f.db, paymentID)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.StateCompleted, record.State)
	require.NotNil(t, record.CompletedAt)

	booking, err := f.bookings.FindByID(ctx, f.db, bookingID)
	require.NoError(t, err)
	assert.Equal(t, bookingdomain.StatusApproved, booking.Status)
	assert.Equal(t, bookingdomain.PaymentPaid, booking.PaymentStatus)

	assertCount(t, f.db, "SELECT COUNT(1) FROM gateway_events WHERE processed_at IS NOT NULL", 1)
}

func TestDispatchDuplicateDeliveryHasNoEffect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 11)
	_, paymentID := f.seedBookingWithPayment(t, "pi_1", ledgerdomain.StatePending)

	ts := f.clock.Now().Unix()
	payload := succeededPayload("evt_1", "pi_1", ts)
	header := signedHeader(payload, ts)

	require.NoError(t, f.dispatcher.Dispatch(ctx, payload, header))
	first, err := f.ledger.FindByID(ctx, f.db, paymentID)
	require.NoError(t, err)

	// Same provider event redelivered: acked, nothing changes.
	f.clock.Advance(time.Minute)
	require.NoError(t, f.dispatcher.Dispatch(ctx, payload, header))

	second, err := f.ledger.FindByID(ctx, f.db, paymentID)
	require.NoError(t, err)
	assert.Equal(t, first.State, second.State)
	assert.Equal(t, first.CompletedAt, second.CompletedAt)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)

	assertCount(t, f.db, "SELECT COUNT(1) FROM gateway_events", 1)
}

func TestDispatchReappliesJournaledButUnappliedEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 16)
	_, paymentID := f.seedBookingWithPayment(t, "pi_1", ledgerdomain.StatePending)

	ts := f.clock.Now().Unix()
	payload := succeededPayload("evt_1", "pi_1", ts)

	// The event was journaled but the apply never ran, as after a crash
	// between the journal insert and the apply transaction.
	require.NoError(t, f.db.Exec(
		`INSERT INTO gateway_events (id, provider, provider_event_id, event_type, charge_ref, payload, received_at, processed_at)
		 VALUES (?, 'stripe', 'evt_1', 'payment_intent.succeeded', 'pi_1', ?, ?, NULL)`,
		f.node.Generate(), payload, f.clock.Now(),
	).Error)

	require.NoError(t, f.dispatcher.Dispatch(ctx, payload, signedHeader(payload, ts)))

	record, err := f.ledger.FindByID(ctx, f.db, paymentID)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.StateCompleted, record.State)

	assertCount(t, f.db, "SELECT COUNT(1) FROM gateway_events", 1)
	assertCount(t, f.db, "SELECT COUNT(1) FROM gateway_events WHERE processed_at IS NOT NULL", 1)
}

func TestDispatchStaleDistinctEventIsAcked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 12)
	bookingID, paymentID := f.seedBookingWithPayment(t, "pi_1", ledgerdomain.StatePending)

	ts := f.clock.Now().Unix()
	payload := succeededPayload("evt_1", "pi_1", ts)
	require.NoError(t, f.dispatcher.Dispatch(ctx, payload, signedHeader(payload, ts)))

	// A different provider event carrying an outcome the ledger is already
	// past: journaled, acked, no state change.
	stale := []byte(fmt.Sprintf(
		`{"id":"evt_2","type":"payment_intent.processing","created":%d,"data":{"object":{"id":"pi_1","amount":150000,"currency":"eur","created":%d}}}`,
		ts, ts,
	))
	require.NoError(t, f.dispatcher.Dispatch(ctx, stale, signedHeader(stale, ts)))

	record, err := f.ledger.FindByID(ctx, f.db, paymentID)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.StateCompleted, record.State)

	booking, err := f.bookings.FindByID(ctx, f.db, bookingID)
	require.NoError(t, err)
	assert.Equal(t, bookingdomain.PaymentPaid, booking.PaymentStatus)

	assertCount(t, f.db, "SELECT COUNT(1) FROM gateway_events", 2)
	assertCount(t, f.db, "SELECT COUNT(1) FROM gateway_events WHERE processed_at IS NOT NULL", 2)
}

func TestDispatchRefundEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 13)
	bookingID, paymentID := f.seedBookingWithPayment(t, "pi_1", ledgerdomain.StateCompleted)

	ts := f.clock.Now().Unix()
	payload := []byte(fmt.Sprintf(
		`{"id":"evt_3","type":"charge.refunded","created":%d,"data":{"object":{"id":"ch_1","payment_intent":"pi_1","amount":150000,"amount_refunded":150000,"currency":"eur","created":%d}}}`,
		ts, ts,
	))
	require.NoError(t, f.dispatcher.Dispatch(ctx, payload, signedHeader(payload, ts)))

	record, err := f.ledger.FindByID(ctx, f.db, paymentID)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.StateRefunded, record.State)
	require.NotNil(t, record.RefundedAt)

	booking, err := f.bookings.FindByID(ctx, f.db, bookingID)
	require.NoError(t, err)
	assert.Equal(t, bookingdomain.StatusRefunded, booking.Status)
	assert.Equal(t, bookingdomain.PaymentRefunded, booking.PaymentStatus)
}

func TestDispatchRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 14)
	f.seedBookingWithPayment(t, "pi_1", ledgerdomain.StatePending)

	ts := f.clock.Now().Unix()
	payload := succeededPayload("evt_1", "pi_1", ts)

	header := http.Header{}
	header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=deadbeef", ts))

	err := f.dispatcher.Dispatch(ctx, payload, header)
	require.ErrorIs(t, err, gatewaydomain.ErrInvalidSignature)

	assertCount(t, f.db, "SELECT COUNT(1) FROM gateway_events", 0)
}

func TestDispatchUnknownChargeIsAcked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 15)

	ts := f.clock.Now().Unix()
	payload := succeededPayload("evt_9", "pi_unknown", ts)
	require.NoError(t, f.dispatcher.Dispatch(ctx, payload, signedHeader(payload, ts)))

	assertCount(t, f.db, "SELECT COUNT(1) FROM gateway_events WHERE processed_at IS NOT NULL", 1)
}
