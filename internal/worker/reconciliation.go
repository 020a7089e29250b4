package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"pizzeria-checkout/internal/domain"
	"pizzeria-checkout/internal/infrastructure/payment"
	"pizzeria-checkout/internal/repo"
)

// Settler applies a transition that was observed outside a polling session.
type Settler interface {
	ApplyTransition(ctx context.Context, orderID uuid.UUID, t domain.Transition) error
}

// ReconciliationWorker settles orders whose polling session ended without a
// final answer from the provider, either because the process restarted or
// because the session ran out of attempts.
type ReconciliationWorker struct {
	orderRepo  repo.OrderRepo
	gateway    payment.PaymentGateway
	poller     *StatusPoller
	settler    Settler
	interval   time.Duration
	stuckAfter time.Duration
	maxAge     time.Duration
	batchSize  int
	logger     *slog.Logger
}

type ReconciliationOptions struct {
	Interval   time.Duration
	StuckAfter time.Duration
	MaxAge     time.Duration
	BatchSize  int
}

func NewReconciliationWorker(
	orderRepo repo.OrderRepo,
	gateway payment.PaymentGateway,
	poller *StatusPoller,
	settler Settler,
	opts ReconciliationOptions,
	logger *slog.Logger,
) *ReconciliationWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	return &ReconciliationWorker{
		orderRepo:  orderRepo,
		gateway:    gateway,
		poller:     poller,
		settler:    settler,
		interval:   opts.Interval,
		stuckAfter: opts.StuckAfter,
		maxAge:     opts.MaxAge,
		batchSize:  opts.BatchSize,
		logger:     logger.With("component", "reconciliation"),
	}
}

func (rw *ReconciliationWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()

	rw.logger.Info("reconciliation worker started", "interval", rw.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := rw.Process(ctx); err != nil {
				rw.logger.Error("reconciliation failed", "error", err)
			}
		}
	}
}

// Process runs one reconciliation pass and returns how many orders were
// settled.
func (rw *ReconciliationWorker) Process(ctx context.Context) (int, error) {
	stuck, err := rw.orderRepo.FindStuckOrders(ctx, rw.stuckAfter, rw.maxAge, rw.batchSize)
	if err != nil {
		return 0, err
	}
	if len(stuck) == 0 {
		return 0, nil
	}

	rw.logger.Info("found stuck orders", "count", len(stuck))

	settled := 0
	for _, order := range stuck {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		// a live session will settle it
		if rw.poller != nil && rw.poller.Active(order.PreferenceID) {
			continue
		}

		st, err := rw.gateway.PaymentStatus(ctx, order.PreferenceID)
		if err != nil {
			rw.logger.Warn("status check failed",
				"order_id", order.ID,
				"preference_id", order.PreferenceID,
				"error", err,
			)
			continue
		}

		t, ok := domain.MapStatus(*st)
		if !ok || !t.State.Terminal() {
			continue
		}
		if domain.OrderStatusFor(t.State) == order.Status && order.FailureReason != domain.ReasonTimeout {
			continue
		}
		t.PreferenceID = order.PreferenceID

		if err := rw.settler.ApplyTransition(ctx, order.ID, t); err != nil {
			rw.logger.Error("settle order failed", "order_id", order.ID, "error", err)
			continue
		}

		if t.State == domain.StateSuccess && order.Status == domain.OrderFailed {
			rw.logger.Warn("ghost order fixed to PAID", "order_id", order.ID, "payment_id", t.Detail.PaymentID)
		} else {
			rw.logger.Info("order settled", "order_id", order.ID, "state", t.State)
		}
		settled++
	}
	return settled, nil
}
