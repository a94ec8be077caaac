package domain

import (
	"errors"
	"time"
)

// ChargeIntent is the gateway-side object representing an authorized but not
// yet settled payment attempt.
type ChargeIntent struct {
	IntentID     string
	ClientSecret string
}

// ChargeState is the remote lifecycle state reported by the gateway.
type ChargeState string

const (
	// ChargeStatePending covers intents still waiting on the payer, and any
	// provider status we do not recognize. Neither settles a payment.
	ChargeStatePending        ChargeState = "pending"
	ChargeStateProcessing     ChargeState = "processing"
	ChargeStateRequiresAction ChargeState = "requires_action"
	ChargeStateSucceeded      ChargeState = "succeeded"
	ChargeStateFailed         ChargeState = "failed"
	ChargeStateCanceled       ChargeState = "canceled"
)

type Charge struct {
	IntentID string
	State    ChargeState
	Amount   int64
	Currency string
}

type Refund struct {
	RefundID string
	Amount   int64
	// AlreadyRefunded marks a refund call that found the remote charge in a
	// terminal refunded state. Treated as success by callers.
	AlreadyRefunded bool
}

const (
	EventTypePaymentSucceeded  = "payment_succeeded"
	EventTypePaymentProcessing = "payment_processing"
	EventTypePaymentFailed     = "payment_failed"
	EventTypePaymentCanceled   = "payment_canceled"
	EventTypeRefunded          = "refunded"
)

// Event is the canonical webhook event parsed and verified by adapters.
type Event struct {
	Provider        string
	ProviderEventID string
	Type            string
	ChargeRef       string
	Amount          int64
	Currency        string
	OccurredAt      time.Time
	RawPayload      []byte
}

var (
	ErrGatewayUnavailable = errors.New("gateway_unavailable")
	ErrGatewayDeclined    = errors.New("gateway_declined")
	ErrInvalidSignature   = errors.New("invalid_signature")
	ErrInvalidPayload     = errors.New("invalid_payload")
	ErrInvalidConfig      = errors.New("invalid_gateway_config")
	ErrEventIgnored       = errors.New("event_ignored")
	ErrProviderNotFound   = errors.New("provider_not_found")
	ErrChargeNotFound     = errors.New("charge_not_found")
)
