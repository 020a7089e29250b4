package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pizzeria-checkout/internal/domain"
	"pizzeria-checkout/internal/infrastructure/payment"
	"pizzeria-checkout/internal/repo"
)

type stuckRepo struct {
	repo.OrderRepo
	orders []domain.Order
	err    error
}

func (r *stuckRepo) FindStuckOrders(ctx context.Context, olderThan, maxAge time.Duration, limit int) ([]domain.Order, error) {
	return r.orders, r.err
}

type recordingSettler struct {
	mu      sync.Mutex
	applied map[uuid.UUID]domain.Transition
	err     error
}

func (s *recordingSettler) ApplyTransition(ctx context.Context, orderID uuid.UUID, t domain.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.applied == nil {
		s.applied = make(map[uuid.UUID]domain.Transition)
	}
	s.applied[orderID] = t
	return nil
}

func stuckOrder(gw *payment.SandboxGateway, t *testing.T, status domain.OrderStatus, reason string, steps ...payment.ScriptStep) domain.Order {
	t.Helper()
	pref, err := gw.CreatePreference(context.Background(), paymentRequest())
	require.NoError(t, err)
	gw.Script(pref.PreferenceID, steps...)
	return domain.Order{
		ID:            uuid.New(),
		Status:        status,
		FailureReason: reason,
		PreferenceID:  pref.PreferenceID,
	}
}

func newWorker(orders repo.OrderRepo, gw payment.PaymentGateway, poller *StatusPoller, settler Settler) *ReconciliationWorker {
	return NewReconciliationWorker(orders, gw, poller, settler, ReconciliationOptions{
		Interval:   time.Millisecond,
		StuckAfter: time.Minute,
		MaxAge:     time.Hour,
	}, discardLogger())
}

func TestReconciliationSettlesTerminalOrders(t *testing.T) {
	gw := payment.NewSandboxGateway("https://sandbox.local").Deterministic()
	approved := stuckOrder(gw, t, domain.OrderPending, "", payment.Step(domain.StatusApproved))
	ghost := stuckOrder(gw, t, domain.OrderFailed, domain.ReasonTimeout, payment.Step(domain.StatusApproved))
	rejected := stuckOrder(gw, t, domain.OrderPending, "", payment.StepWithDetail(domain.StatusRejected, "cc_rejected_other_reason"))
	stillPending := stuckOrder(gw, t, domain.OrderPending, "", payment.Step(domain.StatusInProcess))
	unreachable := stuckOrder(gw, t, domain.OrderPending, "", payment.StepError(payment.ErrConnectionTimeout))

	orders := &stuckRepo{orders: []domain.Order{approved, ghost, rejected, stillPending, unreachable}}
	settler := &recordingSettler{}
	w := newWorker(orders, gw, nil, settler)

	n, err := w.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.Len(t, settler.applied, 3)
	assert.Equal(t, domain.StateSuccess, settler.applied[approved.ID].State)
	assert.Equal(t, domain.StateSuccess, settler.applied[ghost.ID].State)
	assert.Equal(t, ghost.PreferenceID, settler.applied[ghost.ID].PreferenceID)
	assert.Equal(t, domain.StateFailure, settler.applied[rejected.ID].State)
	assert.Equal(t, "cc_rejected_other_reason", settler.applied[rejected.ID].Detail.Error)
}

func TestReconciliationSkipsLiveSessions(t *testing.T) {
	gw := payment.NewSandboxGateway("https://sandbox.local").Deterministic()
	order := stuckOrder(gw, t, domain.OrderPending, "", payment.Step(domain.StatusInProcess))

	poller := NewStatusPoller(gw, time.Hour, 10, discardLogger())
	defer poller.Stop()
	_, err := poller.Start(context.Background(), order.PreferenceID, func(domain.Transition) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return gw.Polls(order.PreferenceID) == 1 }, time.Second, time.Millisecond)

	gw.Script(order.PreferenceID, payment.Step(domain.StatusApproved))
	settler := &recordingSettler{}
	w := newWorker(&stuckRepo{orders: []domain.Order{order}}, gw, poller, settler)

	n, err := w.Process(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, settler.applied)
}

func TestReconciliationRepoError(t *testing.T) {
	gw := payment.NewSandboxGateway("https://sandbox.local").Deterministic()
	boom := errors.New("connection refused")
	w := newWorker(&stuckRepo{err: boom}, gw, nil, &recordingSettler{})

	_, err := w.Process(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestReconciliationSettlerErrorSkipsOrder(t *testing.T) {
	gw := payment.NewSandboxGateway("https://sandbox.local").Deterministic()
	order := stuckOrder(gw, t, domain.OrderPending, "", payment.Step(domain.StatusApproved))
	w := newWorker(&stuckRepo{orders: []domain.Order{order}}, gw, nil, &recordingSettler{err: errors.New("tx aborted")})

	n, err := w.Process(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconciliationRunStopsWithContext(t *testing.T) {
	gw := payment.NewSandboxGateway("https://sandbox.local").Deterministic()
	w := newWorker(&stuckRepo{}, gw, nil, &recordingSettler{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
