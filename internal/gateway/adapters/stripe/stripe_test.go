package stripe_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenda-io/arenda/internal/config"
	"github.com/arenda-io/arenda/internal/gateway/adapters/stripe"
	"github.com/arenda-io/arenda/internal/gateway/domain"
)

const webhookSecret = "whsec_test"

func newAdapter(t *testing.T, baseURL string) domain.Gateway {
	t.Helper()

	gw, err := stripe.NewFactory().New(config.GatewayConfig{
		SecretKey:     "sk_test",
		WebhookSecret: webhookSecret,
		BaseURL:       baseURL,
		Timeout:       5 * time.Second,
	})
	require.NoError(t, err)
	return gw
}

func signedHeader(payload string, ts int64) http.Header {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)

	headers := http.Header{}
	headers.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return headers
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := stripe.NewFactory().New(config.GatewayConfig{WebhookSecret: "whsec"})
	require.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = stripe.NewFactory().New(config.GatewayConfig{SecretKey: "sk_test"})
	require.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestVerifyWebhookParsesPaymentIntentEvent(t *testing.T) {
	gw := newAdapter(t, "")

	ts := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC).Unix()
	payload := fmt.Sprintf(`{
		"id": "evt_1",
		"type": "payment_intent.succeeded",
		"created": %d,
		"data": {"object": {"id": "pi_1", "amount": 200000, "amount_received": 200000, "currency": "eur", "created": %d}}
	}`, ts, ts)

	event, err := gw.VerifyWebhook([]byte(payload), signedHeader(payload, ts))
	require.NoError(t, err)
	assert.Equal(t, "stripe", event.Provider)
	assert.Equal(t, "evt_1", event.ProviderEventID)
	assert.Equal(t, domain.EventTypePaymentSucceeded, event.Type)
	assert.Equal(t, "pi_1", event.ChargeRef)
	assert.Equal(t, int64(200000), event.Amount)
	assert.Equal(t, "EUR", event.Currency)
	assert.Equal(t, time.Unix(ts, 0).UTC(), event.OccurredAt)
}

func TestVerifyWebhookParsesChargeRefunded(t *testing.T) {
	gw := newAdapter(t, "")

	ts := time.Now().Unix()
	payload := fmt.Sprintf(`{
		"id": "evt_2",
		"type": "charge.refunded",
		"created": %d,
		"data": {"object": {"id": "ch_1", "payment_intent": "pi_1", "amount": 200000, "amount_refunded": 200000, "currency": "eur"}}
	}`, ts)

	event, err := gw.VerifyWebhook([]byte(payload), signedHeader(payload, ts))
	require.NoError(t, err)
	assert.Equal(t, domain.EventTypeRefunded, event.Type)
	// Refund events key on the payment intent, not the charge object.
	assert.Equal(t, "pi_1", event.ChargeRef)
}

func TestVerifyWebhookRejectsBadSignature(t *testing.T) {
	gw := newAdapter(t, "")
	payload := `{"id": "evt_1", "type": "payment_intent.succeeded"}`

	_, err := gw.VerifyWebhook([]byte(payload), http.Header{})
	require.ErrorIs(t, err, domain.ErrInvalidSignature)

	headers := http.Header{}
	headers.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=deadbeef", time.Now().Unix()))
	_, err = gw.VerifyWebhook([]byte(payload), headers)
	require.ErrorIs(t, err, domain.ErrInvalidSignature)

	// Tampering with the payload after signing invalidates it.
	ts := time.Now().Unix()
	_, err = gw.VerifyWebhook([]byte(payload+" "), signedHeader(payload, ts))
	require.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestVerifyWebhookIgnoresUnrelatedEventTypes(t *testing.T) {
	gw := newAdapter(t, "")

	ts := time.Now().Unix()
	payload := `{"id": "evt_3", "type": "customer.created", "data": {"object": {}}}`

	_, err := gw.VerifyWebhook([]byte(payload), signedHeader(payload, ts))
	require.ErrorIs(t, err, domain.ErrEventIgnored)
}

func TestVerifyWebhookRejectsMalformedPayload(t *testing.T) {
	gw := newAdapter(t, "")

	ts := time.Now().Unix()
	payload := `{"type": "payment_intent.succeeded"}`

	_, err := gw.VerifyWebhook([]byte(payload), signedHeader(payload, ts))
	require.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestRetrieveChargeMapsIntentStatus(t *testing.T) {
	cases := []struct {
		remote string
		want   domain.ChargeState
	}{
		{"succeeded", domain.ChargeStateSucceeded},
		{"processing", domain.ChargeStateProcessing},
		{"requires_action", domain.ChargeStateRequiresAction},
		{"requires_confirmation", domain.ChargeStateRequiresAction},
		{"canceled", domain.ChargeStateCanceled},
		{"requires_payment_method", domain.ChargeStatePending},
		{"requires_capture", domain.ChargeStatePending},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.remote, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/payment_intents/pi_1", r.URL.Path)
				assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
				fmt.Fprintf(w, `{"id": "pi_1", "status": %q, "amount": 200000, "currency": "eur"}`, tc.remote)
			}))
			defer srv.Close()

			charge, err := newAdapter(t, srv.URL).RetrieveCharge(context.Background(), "pi_1")
			require.NoError(t, err)
			assert.Equal(t, tc.want, charge.State)
			assert.Equal(t, "EUR", charge.Currency)
		})
	}
}

func TestRetrieveChargeNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newAdapter(t, srv.URL).RetrieveCharge(context.Background(), "pi_gone")
	require.ErrorIs(t, err, domain.ErrChargeNotFound)
}

func TestCreateRefundToleratesAlreadyRefundedCharge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/refunds", r.URL.Path)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": {"type": "invalid_request_error", "code": "charge_already_refunded", "message": "Charge has already been refunded."}}`)
	}))
	defer srv.Close()

	refund, err := newAdapter(t, srv.URL).CreateRefund(context.Background(), "pi_1", "", nil)
	require.NoError(t, err)
	assert.True(t, refund.AlreadyRefunded)
}

func TestCreateRefundSurfacesDecline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": {"type": "invalid_request_error", "code": "balance_insufficient", "message": "Insufficient funds."}}`)
	}))
	defer srv.Close()

	_, err := newAdapter(t, srv.URL).CreateRefund(context.Background(), "pi_1", "", nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrGatewayUnavailable)
}

func TestServerErrorsAreRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newAdapter(t, srv.URL).RetrieveCharge(context.Background(), "pi_1")
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)
}

func TestCancelChargeIntentToleratesTerminalIntent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": {"type": "invalid_request_error", "code": "payment_intent_unexpected_state", "message": "Intent already canceled."}}`)
	}))
	defer srv.Close()

	err := newAdapter(t, srv.URL).CancelChargeIntent(context.Background(), "pi_1")
	require.NoError(t, err)
}
