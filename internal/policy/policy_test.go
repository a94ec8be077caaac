package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenda-io/arenda/internal/config"
)

func newTestEngine() *Engine {
	return NewEngine(config.RefundConfig{
		AutoApproveWindow: 4 * time.Hour,
		MaxWindow:         7 * 24 * time.Hour,
	})
}

func TestDecide_Boundaries(t *testing.T) {
	engine := newTestEngine()
	completedAt := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		age     time.Duration
		want    Outcome
		wantErr error
	}{
		{name: "just completed", age: 0, want: OutcomeAutoRefund},
		{name: "one second before auto window", age: 4*time.Hour - time.Second, want: OutcomeAutoRefund},
		{name: "exactly at auto window", age: 4 * time.Hour, want: OutcomeRequiresApproval},
		{name: "one second past auto window", age: 4*time.Hour + time.Second, want: OutcomeRequiresApproval},
		{name: "exactly at max window", age: 7 * 24 * time.Hour, want: OutcomeRequiresApproval},
		{name: "one second past max window", age: 7*24*time.Hour + time.Second, wantErr: ErrRefundWindowExpired},
		{name: "far past max window", age: 30 * 24 * time.Hour, wantErr: ErrRefundWindowExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.Decide(completedAt, completedAt.Add(tt.age))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewEngine_Defaults(t *testing.T) {
	engine := NewEngine(config.RefundConfig{})

	completedAt := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

	got, err := engine.Decide(completedAt, completedAt.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAutoRefund, got)

	got, err = engine.Decide(completedAt, completedAt.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRequiresApproval, got)

	_, err = engine.Decide(completedAt, completedAt.Add(8*24*time.Hour))
	require.ErrorIs(t, err, ErrRefundWindowExpired)
}
