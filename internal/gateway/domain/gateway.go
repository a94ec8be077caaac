package domain

import (
	"context"
	"net/http"

	"github.com/arenda-io/arenda/internal/config"
)

type CreateChargeIntentInput struct {
	Amount      int64
	Currency    string
	CustomerRef string
	Metadata    map[string]string
}

// Gateway wraps the external payment gateway. Implementations hold no mutable
// state beyond injected credentials and must bound every call with the
// configured timeout. Network and 5xx failures surface as
// ErrGatewayUnavailable so callers can distinguish retryable outages from
// declines.
type Gateway interface {
	Provider() string

	EnsureCustomer(ctx context.Context, userRef, email string) (string, error)
	CreateEphemeralKey(ctx context.Context, customerRef string) (string, error)

	CreateChargeIntent(ctx context.Context, in CreateChargeIntentInput) (*ChargeIntent, error)
	RetrieveCharge(ctx context.Context, intentID string) (*Charge, error)
	// CreateRefund refunds the charge behind intentID. A remote charge already
	// in a refunded state is reported as success with AlreadyRefunded set.
	CreateRefund(ctx context.Context, intentID, reason string, metadata map[string]string) (*Refund, error)
	// CancelChargeIntent cancels an unsettled intent. Canceling an intent the
	// gateway already considers terminal is a no-op.
	CancelChargeIntent(ctx context.Context, intentID string) error

	// VerifyWebhook authenticates and parses an inbound webhook delivery.
	// Unverifiable payloads fail with ErrInvalidSignature before any state is
	// inspected; event types outside the payment lifecycle fail with
	// ErrEventIgnored.
	VerifyWebhook(payload []byte, headers http.Header) (*Event, error)
}

type Factory interface {
	Provider() string
	New(cfg config.GatewayConfig) (Gateway, error)
}
