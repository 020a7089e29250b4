package payment

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pizzeria-checkout/internal/domain"
)

func TestSandboxScriptRepeatsLastStep(t *testing.T) {
	ctx := context.Background()
	gw := NewSandboxGateway("https://sandbox.local/checkout").Deterministic()

	pref, err := gw.CreatePreference(ctx, testRequest())
	require.NoError(t, err)
	assert.Contains(t, pref.RedirectURL, pref.PreferenceID)

	gw.Script(pref.PreferenceID,
		Step(domain.StatusInProcess),
		StepError(ErrConnectionTimeout),
		Step(domain.StatusApproved),
	)

	st, err := gw.PaymentStatus(ctx, pref.PreferenceID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProcess, st.Status)
	assert.Equal(t, pref.ExternalReference, st.ExternalReference)

	_, err = gw.PaymentStatus(ctx, pref.PreferenceID)
	assert.ErrorIs(t, err, ErrConnectionTimeout)

	for range 2 {
		st, err = gw.PaymentStatus(ctx, pref.PreferenceID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusApproved, st.Status)
	}
	assert.Equal(t, 4, gw.Polls(pref.PreferenceID))
}

func TestSandboxUnknownPreference(t *testing.T) {
	_, err := NewSandboxGateway("https://sandbox.local").PaymentStatus(context.Background(), "missing")

	var gerr *GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, http.StatusNotFound, gerr.StatusCode)
}

func TestSandboxValidatesBeforeCreating(t *testing.T) {
	req := testRequest()
	req.Items = nil
	_, err := NewSandboxGateway("https://sandbox.local").CreatePreference(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrEmptyItems)
}

func TestRandomScriptEndsInKnownStatus(t *testing.T) {
	for range 50 {
		steps := randomScript()
		require.GreaterOrEqual(t, len(steps), 2)
		last := steps[len(steps)-1]
		assert.NoError(t, last.Err)
		assert.Contains(t, []domain.ProviderStatus{domain.StatusApproved, domain.StatusRejected, domain.StatusInProcess}, last.Status)
	}
}

func TestSandboxResolvesPaymentID(t *testing.T) {
	gw := NewSandboxGateway("https://sandbox.local").Deterministic()
	pref, err := gw.CreatePreference(context.Background(), testRequest())
	require.NoError(t, err)
	gw.Script(pref.PreferenceID, Step(domain.StatusApproved))

	first, err := gw.PaymentStatus(context.Background(), pref.PreferenceID)
	require.NoError(t, err)

	byPayment, err := gw.PaymentStatus(context.Background(), first.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, byPayment.Status)
	assert.Equal(t, pref.ExternalReference, byPayment.ExternalReference)
}
