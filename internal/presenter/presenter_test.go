package presenter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pizzeria-checkout/internal/domain"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name      string
		in        domain.Transition
		action    Action
		indicator Indicator
		message   string
	}{
		{
			name:      "loading shows progress only",
			in:        domain.Transition{State: domain.StateLoading},
			action:    ActionNone,
			indicator: IndicatorSpinner,
			message:   "Aguarde enquanto processamos seu pagamento.",
		},
		{
			name:      "pending offers check again",
			in:        domain.Transition{State: domain.StatePending},
			action:    ActionCheckAgain,
			indicator: IndicatorIcon,
			message:   "Aguardando confirmação do pagamento.",
		},
		{
			name:      "success offers tracking",
			in:        domain.Transition{State: domain.StateSuccess, Detail: domain.TransitionDetail{PaymentID: "123"}},
			action:    ActionTrackOrder,
			indicator: IndicatorIcon,
			message:   "Seu pedido foi confirmado e está sendo preparado.",
		},
		{
			name:      "failure uses provider detail",
			in:        domain.Transition{State: domain.StateFailure, Detail: domain.TransitionDetail{Error: "cc_rejected_call_for_authorize"}},
			action:    ActionRetry,
			indicator: IndicatorIcon,
			message:   "cc_rejected_call_for_authorize",
		},
		{
			name:      "failure without detail uses generic text",
			in:        domain.Transition{State: domain.StateFailure},
			action:    ActionRetry,
			indicator: IndicatorIcon,
			message:   failureMessage,
		},
		{
			name: "timeout has its own text",
			in: domain.Transition{State: domain.StateFailure, Detail: domain.TransitionDetail{
				Error:  "payment was not confirmed in time",
				Reason: domain.ReasonTimeout,
			}},
			action:    ActionRetry,
			indicator: IndicatorIcon,
			message:   timeoutMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.PreferenceID = "pref-1"
			s := Render(tt.in)
			assert.Equal(t, "pref-1", s.PreferenceID)
			assert.Equal(t, tt.in.State, s.State)
			assert.Equal(t, tt.action, s.Action)
			assert.Equal(t, tt.indicator, s.Indicator)
			assert.Equal(t, tt.message, s.Message)
			assert.Equal(t, tt.in.Detail.PaymentID, s.PaymentID)
			if tt.action == ActionNone {
				assert.Empty(t, s.ActionLabel)
			} else {
				assert.NotEmpty(t, s.ActionLabel)
			}
		})
	}
}

func TestRenderPanicsOnUnknownState(t *testing.T) {
	assert.Panics(t, func() {
		Render(domain.Transition{State: "refunding"})
	})
}

func TestBoard(t *testing.T) {
	b := NewBoard()

	_, ok := b.Screen("pref-1")
	assert.False(t, ok)

	b.Observe(domain.Transition{PreferenceID: "pref-1", State: domain.StatePending})
	b.Observe(domain.Transition{PreferenceID: "pref-1", State: domain.StateSuccess})
	b.Observe(domain.Transition{PreferenceID: "pref-2", State: domain.StateLoading})

	s, ok := b.Screen("pref-1")
	require.True(t, ok)
	assert.Equal(t, domain.StateSuccess, s.State)

	b.Observe(domain.Transition{PreferenceID: "pref-1", State: domain.StateLoading})
	b.Observe(domain.Transition{PreferenceID: "pref-1", State: domain.StatePending})
	s, _ = b.Screen("pref-1")
	assert.Equal(t, domain.StateSuccess, s.State)

	b.Forget("pref-1")
	_, ok = b.Screen("pref-1")
	assert.False(t, ok)

	s, ok = b.Screen("pref-2")
	require.True(t, ok)
	assert.Equal(t, IndicatorSpinner, s.Indicator)
}

func TestBoardSweep(t *testing.T) {
	now := time.Now()
	b := NewBoard(WithTTL(time.Minute, time.Hour))
	b.now = func() time.Time { return now }

	b.Observe(domain.Transition{PreferenceID: "paid", State: domain.StateSuccess})
	b.Observe(domain.Transition{PreferenceID: "failed", State: domain.StateFailure})
	b.Observe(domain.Transition{PreferenceID: "waiting", State: domain.StatePending})

	assert.Zero(t, b.Sweep())

	now = now.Add(2 * time.Minute)
	b.Observe(domain.Transition{PreferenceID: "fresh", State: domain.StateSuccess})
	assert.Equal(t, 2, b.Sweep())

	_, ok := b.Screen("paid")
	assert.False(t, ok)
	_, ok = b.Screen("waiting")
	assert.True(t, ok)
	_, ok = b.Screen("fresh")
	assert.True(t, ok)

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 2, b.Sweep())
	assert.Zero(t, b.Len())
}
