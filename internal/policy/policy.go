package policy

import (
	"errors"
	"time"

	"github.com/arenda-io/arenda/internal/config"
)

// Outcome is the refund policy decision for a completed payment.
type Outcome string

const (
	// OutcomeAutoRefund grants the refund without landlord involvement. The
	// payment is young enough that no service consumption is assumed.
	OutcomeAutoRefund Outcome = "auto_refund"
	// OutcomeRequiresApproval routes the refund through the landlord, who may
	// have already committed resources to the booking.
	OutcomeRequiresApproval Outcome = "requires_approval"
)

var ErrRefundWindowExpired = errors.New("refund_window_expired")

// Engine decides refund eligibility from a payment's age. It is pure: no
// clock, no I/O. Callers pass now explicitly.
type Engine struct {
	autoApproveWindow time.Duration
	maxWindow         time.Duration
}

func NewEngine(cfg config.RefundConfig) *Engine {
	auto := cfg.AutoApproveWindow
	if auto <= 0 {
		auto = 4 * time.Hour
	}
	max := cfg.MaxWindow
	if max <= 0 {
		max = 7 * 24 * time.Hour
	}
	return &Engine{
		autoApproveWindow: auto,
		maxWindow:         max,
	}
}

// Decide returns the refund outcome for a payment completed at completedAt.
// Boundaries: age == autoApproveWindow already requires approval; age beyond
// maxWindow fails with ErrRefundWindowExpired.
func (e *Engine) Decide(completedAt, now time.Time) (Outcome, error) {
	age := now.Sub(completedAt)
	if age > e.maxWindow {
		return "", ErrRefundWindowExpired
	}
	if age < e.autoApproveWindow {
		return OutcomeAutoRefund, nil
	}
	return OutcomeRequiresApproval, nil
}
