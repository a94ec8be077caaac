package service

import (
	"time"

	bookingdomain "github.com/arenda-io/arenda/internal/booking/domain"
	gatewaydomain "github.com/arenda-io/arenda/internal/gateway/domain"
	ledgerdomain "github.com/arenda-io/arenda/internal/ledger/domain"
)

// transitionStep is one ledger transition plus the booking outcome it
// implies. An empty outcome means the booking is untouched.
type transitionStep struct {
	fromStates []ledgerdomain.PaymentState
	toState    ledgerdomain.PaymentState
	fields     ledgerdomain.TransitionFields
	outcome    bookingdomain.Outcome
}

func stepForChargeState(state gatewaydomain.ChargeState, now time.Time) (transitionStep, bool) {
	switch state {
	case gatewaydomain.ChargeStateSucceeded:
		return transitionStep{
			fromStates: ledgerdomain.ActiveStates,
			toState:    ledgerdomain.StateCompleted,
			fields:     ledgerdomain.TransitionFields{CompletedAt: &now},
			outcome:    bookingdomain.OutcomeCompleted,
		}, true
	case gatewaydomain.ChargeStateProcessing:
		return transitionStep{
			fromStates: []ledgerdomain.PaymentState{ledgerdomain.StatePending, ledgerdomain.StateRequiresAction},
			toState:    ledgerdomain.StateProcessing,
			outcome:    bookingdomain.OutcomeProcessing,
		}, true
	case gatewaydomain.ChargeStateRequiresAction:
		return transitionStep{
			fromStates: []ledgerdomain.PaymentState{ledgerdomain.StatePending, ledgerdomain.StateProcessing},
			toState:    ledgerdomain.StateRequiresAction,
		}, true
	case gatewaydomain.ChargeStateFailed:
		return transitionStep{
			fromStates: ledgerdomain.ActiveStates,
			toState:    ledgerdomain.StateFailed,
			outcome:    bookingdomain.OutcomeFailed,
		}, true
	case gatewaydomain.ChargeStateCanceled:
		return transitionStep{
			fromStates: ledgerdomain.ActiveStates,
			toState:    ledgerdomain.StateCanceled,
			outcome:    bookingdomain.OutcomeCanceled,
		}, true
	}
	return transitionStep{}, false
}

func stepForEventType(eventType string, occurredAt time.Time) (transitionStep, bool) {
	switch eventType {
	case gatewaydomain.EventTypePaymentSucceeded:
		at := occurredAt
		return transitionStep{
			fromStates: ledgerdomain.ActiveStates,
			toState:    ledgerdomain.StateCompleted,
			fields:     ledgerdomain.TransitionFields{CompletedAt: &at},
			outcome:    bookingdomain.OutcomeCompleted,
		}, true
	case gatewaydomain.EventTypePaymentProcessing:
		return transitionStep{
			fromStates: []ledgerdomain.PaymentState{ledgerdomain.StatePending, ledgerdomain.StateRequiresAction},
			toState:    ledgerdomain.StateProcessing,
			outcome:    bookingdomain.OutcomeProcessing,
		}, true
	case gatewaydomain.EventTypePaymentFailed:
		return transitionStep{
			fromStates: ledgerdomain.ActiveStates,
			toState:    ledgerdomain.StateFailed,
			outcome:    bookingdomain.OutcomeFailed,
		}, true
	case gatewaydomain.EventTypePaymentCanceled:
		return transitionStep{
			fromStates: ledgerdomain.ActiveStates,
			toState:    ledgerdomain.StateCanceled,
			outcome:    bookingdomain.OutcomeCanceled,
		}, true
	case gatewaydomain.EventTypeRefunded:
		at := occurredAt
		return transitionStep{
			fromStates: []ledgerdomain.PaymentState{ledgerdomain.StateCompleted},
			toState:    ledgerdomain.StateRefunded,
			fields:     ledgerdomain.TransitionFields{RefundedAt: &at},
			outcome:    bookingdomain.OutcomeRefunded,
		}, true
	}
	return transitionStep{}, false
}
