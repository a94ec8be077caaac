package reconcile_test

import (
	"context"
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
	ledgerdomain "github.com/arenda-io/arenda/internal/ledger/domain"
	ledgerrepo "github.com/arenda-io/arenda/internal/ledger/repository"
	"github.com/arenda-io/arenda/internal/reconcile"
)

// stubGateway serves RetrieveCharge from a fixed map; unknown intents report
// ErrChargeNotFound like the real adapter does on a 404.
type stubGateway struct {
	charges map[string]gatewaydomain.ChargeState
}

func (g *stubGateway) Provider() string { return "stub" }

func (g *stubGateway) EnsureCustomer(ctx context.Context, userRef, email string) (string, error) {
	return "cus_stub", nil
}

func (g *stubGateway) CreateEphemeralKey(ctx context.Context, customerRef string) (string, error) {
	return "ek_stub", nil
}

func (g *stubGateway) CreateChargeIntent(ctx context.Context, in gatewaydomain.CreateChargeIntentInput) (*gatewaydomain.ChargeIntent, error) {
	return &gatewaydomain.ChargeIntent{IntentID: "pi_stub", ClientSecret: "cs_stub"}, nil
}

func (g *stubGateway) RetrieveCharge(ctx context.Context, intentID string) (*gatewaydomain.Charge, error) {
	state, ok := g.charges[intentID]
	if !ok {
		return nil, gatewaydomain.ErrChargeNotFound
	}
	return &gatewaydomain.Charge{IntentID: intentID, State: state}, nil
}

func (g *stubGateway) CreateRefund(ctx context.Context, intentID, reason string, metadata map[string]string) (*gatewaydomain.Refund, error) {
	return &gatewaydomain.Refund{RefundID: "re_stub"}, nil
}

func (g *stubGateway) CancelChargeIntent(ctx context.Context, intentID string) error { return nil }

func (g *stubGateway) VerifyWebhook(payload []byte, headers http.Header) (*gatewaydomain.Event, error) {
	return nil, gatewaydomain.ErrInvalidSignature
}

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
	}
	for _, stmt := range schema {
		require.NoError(t, db.Exec(stmt).Error)
	}
	return db
}

type fixture struct {
	db       *gorm.DB
	node     *snowflake.Node
	clock    *clock.FakeClock
	gateway  *stubGateway
	ledger   ledgerdomain.Repository
	bookings bookingdomain.Repository
	sweeper  *reconcile.Sweeper
}

func newFixture(t *testing.T, nodeID int64) *fixture {
	t.Helper()

	db := setupTestDB(t)
	node, err := snowflake.NewNode(nodeID)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC))
	gw := &stubGateway{charges: map[string]gatewaydomain.ChargeState{}}
	ledger := ledgerrepo.Provide()
	bookings := bookingrepo.Provide()
	coordinator := bookingservice.New(bookingservice.Params{Log: zap.NewNop(), Repository: bookings})

	sweeper := reconcile.NewSweeper(reconcile.Params{
		Log: zap.NewNop(),
		Config: config.Config{
			Reconcile: config.ReconcileConfig{
				Enabled:        true,
				Interval:       time.Minute,
				StaleAfter:     30 * time.Minute,
				BatchSize:      10,
				GatewayTimeout: 5 * time.Second,
			},
		},
		DB:          db,
		Clock:       clk,
		Gateway:     gw,
		Ledger:      ledger,
		Coordinator: coordinator,
	})

	return &fixture{
		db:       db,
		node:     node,
		clock:    clk,
		gateway:  gw,
		ledger:   ledger,
		bookings: bookings,
		sweeper:  sweeper,
	}
}

// seed inserts a booking and a payment record with an explicit updated_at so
// staleness is controlled by the test.
func (f *fixture) seed(t *testing.T, chargeRef string, state ledgerdomain.PaymentState, paymentStatus bookingdomain.PaymentStatus, updatedAt time.Time) (snowflake.ID, snowflake.ID) {
	t.Helper()

	bookingID := f.node.Generate()
	require.NoError(t, f.db.Exec(
		`INSERT INTO bookings (id, tenant_id, landlord_id, total_price, currency, status, payment_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		bookingID, f.node.Generate(), f.node.Generate(), 150000, "EUR",
		bookingdomain.StatusPending, paymentStatus, updatedAt, updatedAt,
	).Error)

	paymentID := f.node.Generate()
	require.NoError(t, f.db.Exec(
		`INSERT INTO payment_records (id, booking_id, user_id, amount, currency, charge_ref, state, completed_at, refunded_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?)`,
		paymentID, bookingID, f.node.Generate(), 150000, "EUR", chargeRef, state,
		updatedAt, updatedAt,
	).Error)

	return bookingID, paymentID
}

func TestSweepSettlesStaleSucceededPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 40)

	stale := f.clock.Now().Add(-time.Hour)
	bookingID, paymentID := f.seed(t, "pi_1", ledgerdomain.StatePending, bookingdomain.PaymentUnpaid, stale)
	f.gateway.charges["pi_1"] = gatewaydomain.ChargeStateSucceeded

	require.NoError(t, f.sweeper.SweepOnce(ctx))

	record, err := f.ledger.FindByID(ctx, f.db, paymentID)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.StateCompleted, record.State)
	require.NotNil(t, record.CompletedAt)

	booking, err := f.bookings.FindByID(ctx, f.db, bookingID)
	require.NoError(t, err)
	assert.Equal(t, bookingdomain.StatusApproved, booking.Status)
	assert.Equal(t, bookingdomain.PaymentPaid, booking.PaymentStatus)
}

func TestSweepCancelsRecordForMissingCharge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 41)

	stale := f.clock.Now().Add(-time.Hour)
	bookingID, paymentID := f.seed(t, "pi_gone", ledgerdomain.StatePending, bookingdomain.PaymentUnpaid, stale)

	require.NoError(t, f.sweeper.SweepOnce(ctx))

	record, err := f.ledger.FindByID(ctx, f.db, paymentID)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.StateCanceled, record.State)

	booking, err := f.bookings.FindByID(ctx, f.db, bookingID)
	require.NoError(t, err)
	assert.Equal(t, bookingdomain.StatusRefunded, booking.Status)
	assert.Equal(t, bookingdomain.PaymentCanceled, booking.PaymentStatus)
}

func TestSweepLeavesInFlightCharges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 42)

	stale := f.clock.Now().Add(-time.Hour)
	_, paymentID := f.seed(t, "pi_slow", ledgerdomain.StateProcessing, bookingdomain.PaymentProcessing, stale)
	f.gateway.charges["pi_slow"] = gatewaydomain.ChargeStateProcessing

	require.NoError(t, f.sweeper.SweepOnce(ctx))

	record, err := f.ledger.FindByID(ctx, f.db, paymentID)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.StateProcessing, record.State)
}

func TestSweepSkipsFreshRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 43)

	fresh := f.clock.Now().Add(-time.Minute)
	_, paymentID := f.seed(t, "pi_new", ledgerdomain.StatePending, bookingdomain.PaymentUnpaid, fresh)
	f.gateway.charges["pi_new"] = gatewaydomain.ChargeStateSucceeded

	require.NoError(t, f.sweeper.SweepOnce(ctx))

	record, err := f.ledger.FindByID(ctx, f.db, paymentID)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.StatePending, record.State)
}

func TestSweepRepairsBookingMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 44)

	// Terminal ledger state with a booking that never got its half of the
	// write, as after a crash between the two updates.
	stale := f.clock.Now().Add(-time.Hour)
	bookingID, _ := f.seed(t, "pi_crash", ledgerdomain.StateCompleted, bookingdomain.PaymentUnpaid, stale)

	require.NoError(t, f.sweeper.SweepOnce(ctx))

	booking, err := f.bookings.FindByID(ctx, f.db, bookingID)
	require.NoError(t, err)
	assert.Equal(t, bookingdomain.StatusApproved, booking.Status)
	assert.Equal(t, bookingdomain.PaymentPaid, booking.PaymentStatus)
}
