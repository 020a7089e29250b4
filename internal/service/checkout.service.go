package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"pizzeria-checkout/internal/domain"
	"pizzeria-checkout/internal/infrastructure/payment"
	"pizzeria-checkout/internal/repo"
	"pizzeria-checkout/internal/worker"
)

var (
	ErrOrderNotFound           = errors.New("order not found")
	ErrOrderPaid               = errors.New("order already paid")
	ErrUnsupportedNotification = errors.New("unsupported notification type")
	ErrInvalidNotification     = errors.New("notification without payment id")
	ErrInvalidRedirect         = errors.New("redirect url is not absolute")
)

const (
	settleTimeout     = 10 * time.Second
	defaultOrderLimit = 20
	maxOrderLimit     = 100
)

// LifecycleObserver is told about every transition that changed what the
// customer should see, after it is persisted.
type LifecycleObserver interface {
	Observe(t domain.Transition)
	// Forget is called for a preference that a retry replaced.
	Forget(preferenceID string)
}

// RedirectOpener hands the hosted payment page to the client.
type RedirectOpener interface {
	Open(ctx context.Context, redirectURL string) error
}

// URLRedirect accepts any absolute http(s) URL.
type URLRedirect struct{}

func (URLRedirect) Open(ctx context.Context, redirectURL string) error {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRedirect, err)
	}
	if !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrInvalidRedirect
	}
	return nil
}

type CheckoutInput struct {
	UserID          string
	Payer           domain.Payer
	Cart            []domain.CartLine
	DeliveryAddress domain.DeliveryAddress
	Notes           string
}

type CheckoutResult struct {
	Order      *domain.Order
	Preference *domain.PaymentPreference
}

// Notification is the body the provider posts to the webhook.
type Notification struct {
	ID     json.Number `json:"id"`
	Type   string      `json:"type"`
	Action string      `json:"action"`
	Data   struct {
		ID string `json:"id"`
	} `json:"data"`
}

type CheckoutService interface {
	// Checkout validates the cart, stores the order, creates a payment
	// preference and starts polling it.
	Checkout(ctx context.Context, in CheckoutInput) (*CheckoutResult, error)
	// Retry starts a fresh payment attempt for an unpaid order.
	Retry(ctx context.Context, orderID uuid.UUID) (*CheckoutResult, error)
	// CheckAgain asks for an immediate status query.
	CheckAgain(ctx context.Context, preferenceID string) error
	Cancel(preferenceID string) error
	Status(ctx context.Context, preferenceID string) (*domain.Transition, error)
	FindOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	// ListOrders returns a customer's orders, newest first. limit <= 0 picks
	// the default page size.
	ListOrders(ctx context.Context, userID string, limit int) ([]domain.Order, error)
	Events(ctx context.Context, orderID uuid.UUID) ([]domain.PaymentEvent, error)
	HandleNotification(ctx context.Context, n Notification) (*domain.Order, error)
	ApplyTransition(ctx context.Context, orderID uuid.UUID, t domain.Transition) error
}

type checkoutService struct {
	db          *sql.DB
	orderRepo   repo.OrderRepo
	paymentRepo repo.PaymentRepo
	gateway     payment.PaymentGateway
	poller      *worker.StatusPoller
	observer    LifecycleObserver
	opener      RedirectOpener
	logger      *slog.Logger
	now         func() time.Time
}

// NewCheckoutService wires the checkout flow. db may be nil when the
// repositories are not SQL-backed; writes then run without a transaction.
func NewCheckoutService(
	db *sql.DB,
	orderRepo repo.OrderRepo,
	paymentRepo repo.PaymentRepo,
	gateway payment.PaymentGateway,
	poller *worker.StatusPoller,
	observer LifecycleObserver,
	opener RedirectOpener,
	logger *slog.Logger,
) CheckoutService {
	if opener == nil {
		opener = URLRedirect{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &checkoutService{
		db:          db,
		orderRepo:   orderRepo,
		paymentRepo: paymentRepo,
		gateway:     gateway,
		poller:      poller,
		observer:    observer,
		opener:      opener,
		logger:      logger.With("component", "checkout"),
		now:         time.Now,
	}
}

func (s *checkoutService) Checkout(ctx context.Context, in CheckoutInput) (*CheckoutResult, error) {
	req := domain.PaymentRequest{
		Items:           domain.ItemsFromCart(in.Cart),
		Payer:           in.Payer,
		DeliveryAddress: in.DeliveryAddress,
		Notes:           in.Notes,
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	order := &domain.Order{
		ID:              uuid.New(),
		UserID:          in.UserID,
		Payer:           req.Payer,
		Items:           req.Items,
		Total:           req.Total(),
		DeliveryAddress: req.DeliveryAddress,
		Notes:           req.Notes,
		Status:          domain.OrderPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return s.orderRepo.CreateOrder(ctx, tx, order)
	})
	if err != nil {
		return nil, fmt.Errorf("save order: %w", err)
	}

	return s.startPayment(ctx, order)
}

func (s *checkoutService) Retry(ctx context.Context, orderID uuid.UUID) (*CheckoutResult, error) {
	order, err := s.orderRepo.FindById(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	if order.Status == domain.OrderPaid {
		return nil, ErrOrderPaid
	}

	if order.PreferenceID != "" {
		if sess, ok := s.poller.Session(order.PreferenceID); ok {
			sess.Cancel()
			select {
			case <-sess.Done():
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if s.observer != nil {
			s.observer.Forget(order.PreferenceID)
		}
	}
	return s.startPayment(ctx, order)
}

// startPayment runs one payment attempt for a stored order: one preference,
// one redirect, one polling session.
func (s *checkoutService) startPayment(ctx context.Context, order *domain.Order) (*CheckoutResult, error) {
	pref, err := s.gateway.CreatePreference(ctx, order.PaymentRequest())
	if err != nil {
		s.logger.Error("create preference failed", "order_id", order.ID, "error", err)
		s.markFailed(ctx, order, "")
		return nil, fmt.Errorf("create preference: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		return s.orderRepo.AttachPreference(ctx, tx, order.ID, pref)
	})
	if err != nil {
		s.logger.Error("attach preference failed",
			"order_id", order.ID,
			"preference_id", pref.PreferenceID,
			"error", err,
		)
		s.markFailed(ctx, order, domain.ReasonUnpolled)
		return nil, fmt.Errorf("attach preference: %w", err)
	}
	order.PreferenceID = pref.PreferenceID
	order.ExternalReference = pref.ExternalReference
	order.Status = domain.OrderPending
	order.PaymentID = ""
	order.FailureReason = ""

	result := &CheckoutResult{Order: order, Preference: pref}

	if err := s.ApplyTransition(ctx, order.ID, domain.Transition{
		PreferenceID: pref.PreferenceID,
		State:        domain.StateLoading,
	}); err != nil {
		return nil, err
	}

	if err := s.opener.Open(ctx, pref.RedirectURL); err != nil {
		s.logger.Warn("redirect failed", "order_id", order.ID, "preference_id", pref.PreferenceID, "error", err)
		t := domain.Transition{
			PreferenceID: pref.PreferenceID,
			State:        domain.StateFailure,
			Detail:       domain.TransitionDetail{Error: err.Error(), Reason: domain.ReasonRedirect},
		}
		if err := s.ApplyTransition(ctx, order.ID, t); err != nil {
			return nil, err
		}
		order.Status = domain.OrderFailed
		order.FailureReason = domain.ReasonRedirect
		return result, nil
	}

	orderID := order.ID
	_, err = s.poller.Start(context.WithoutCancel(ctx), pref.PreferenceID, func(t domain.Transition) {
		if t.State == domain.StateLoading {
			s.observe(t)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
		defer cancel()
		if err := s.ApplyTransition(ctx, orderID, t); err != nil {
			s.logger.Error("apply transition failed",
				"order_id", orderID,
				"preference_id", t.PreferenceID,
				"state", t.State,
				"error", err,
			)
		}
	})
	if err != nil {
		s.logger.Error("start polling failed",
			"order_id", order.ID,
			"preference_id", pref.PreferenceID,
			"error", err,
		)
		t := domain.Transition{
			PreferenceID: pref.PreferenceID,
			State:        domain.StateFailure,
			Detail:       domain.TransitionDetail{Error: err.Error(), Reason: domain.ReasonUnpolled},
		}
		if aerr := s.ApplyTransition(ctx, order.ID, t); aerr != nil {
			s.logger.Error("mark order unpolled", "order_id", order.ID, "error", aerr)
		}
		return nil, fmt.Errorf("start polling: %w", err)
	}

	s.logger.Info("checkout started",
		"order_id", order.ID,
		"preference_id", pref.PreferenceID,
		"total", order.Total.StringFixed(2),
	)
	return result, nil
}

func (s *checkoutService) CheckAgain(ctx context.Context, preferenceID string) error {
	order, err := s.orderRepo.FindByPreferenceID(ctx, preferenceID)
	if err != nil {
		return err
	}
	if order == nil {
		return ErrOrderNotFound
	}

	// a live session shows loading itself once it runs the query
	err = s.poller.CheckNow(preferenceID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, worker.ErrNoSession) {
		return err
	}

	// no live session: query once and settle with the answer
	s.observe(domain.Transition{PreferenceID: preferenceID, State: domain.StateLoading})
	st, err := s.gateway.PaymentStatus(ctx, preferenceID)
	if err != nil {
		s.restore(ctx, preferenceID)
		return err
	}
	t, ok := domain.MapStatus(*st)
	if !ok {
		s.logger.Warn("unmapped payment status", "preference_id", preferenceID, "status", st.Status)
		s.restore(ctx, preferenceID)
		return nil
	}
	t.PreferenceID = preferenceID
	return s.ApplyTransition(ctx, order.ID, t)
}

// restore puts back the last persisted screen after a check that produced
// no transition.
func (s *checkoutService) restore(ctx context.Context, preferenceID string) {
	last, err := s.Status(ctx, preferenceID)
	if err != nil {
		s.logger.Warn("restore status failed", "preference_id", preferenceID, "error", err)
		return
	}
	s.observe(*last)
}

func (s *checkoutService) Cancel(preferenceID string) error {
	return s.poller.Cancel(preferenceID)
}

func (s *checkoutService) Status(ctx context.Context, preferenceID string) (*domain.Transition, error) {
	e, err := s.paymentRepo.LatestByPreference(ctx, preferenceID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrOrderNotFound
	}
	return &domain.Transition{
		PreferenceID: e.PreferenceID,
		State:        e.State,
		Detail: domain.TransitionDetail{
			PaymentID: e.PaymentID,
			Error:     e.Error,
			Reason:    e.Reason,
		},
	}, nil
}

func (s *checkoutService) FindOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	order, err := s.orderRepo.FindById(ctx, id)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

func (s *checkoutService) ListOrders(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = defaultOrderLimit
	}
	limit = min(limit, maxOrderLimit)
	return s.orderRepo.FindByUser(ctx, userID, limit)
}

func (s *checkoutService) Events(ctx context.Context, orderID uuid.UUID) ([]domain.PaymentEvent, error) {
	return s.paymentRepo.ListByOrder(ctx, orderID)
}

func (s *checkoutService) HandleNotification(ctx context.Context, n Notification) (*domain.Order, error) {
	if n.Type != "payment" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedNotification, n.Type)
	}
	if n.Data.ID == "" {
		return nil, ErrInvalidNotification
	}

	st, err := s.gateway.PaymentStatus(ctx, n.Data.ID)
	if err != nil {
		return nil, err
	}
	order, preferenceID, err := s.resolvePayment(ctx, st.ExternalReference)
	if err != nil {
		return nil, err
	}

	t, ok := domain.MapStatus(*st)
	if !ok {
		s.logger.Warn("unmapped payment status in notification", "payment_id", n.Data.ID, "status", st.Status)
		return order, nil
	}
	t.PreferenceID = preferenceID

	if t.State.Terminal() && preferenceID == order.PreferenceID {
		if err := s.poller.Cancel(order.PreferenceID); err != nil && !errors.Is(err, worker.ErrNoSession) {
			return nil, err
		}
	}
	if err := s.ApplyTransition(ctx, order.ID, t); err != nil {
		return nil, err
	}
	return s.FindOrder(ctx, order.ID)
}

// resolvePayment finds the order a provider payment belongs to and the
// preference it was made on, which may be one a retry replaced.
func (s *checkoutService) resolvePayment(ctx context.Context, externalRef string) (*domain.Order, string, error) {
	attempt, err := s.orderRepo.FindAttemptByExternalReference(ctx, externalRef)
	if err != nil {
		return nil, "", err
	}
	if attempt != nil {
		order, err := s.FindOrder(ctx, attempt.OrderID)
		if err != nil {
			return nil, "", err
		}
		return order, attempt.PreferenceID, nil
	}

	order, err := s.orderRepo.FindByExternalReference(ctx, externalRef)
	if err != nil {
		return nil, "", err
	}
	if order == nil {
		return nil, "", ErrOrderNotFound
	}
	return order, order.PreferenceID, nil
}

// ApplyTransition records t for the order and moves the order status along.
// The order row stays locked from the read to the write. A paid order never
// goes back and a settled order ignores non-terminal updates. Transitions of
// a superseded preference reach the log, except an approval, which still
// pays an unpaid order.
func (s *checkoutService) ApplyTransition(ctx context.Context, orderID uuid.UUID, t domain.Transition) error {
	now := s.now()
	var (
		order     *domain.Order
		changed   bool
		paidTwice bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		order, err = s.orderRepo.FindByIdForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return ErrOrderNotFound
		}

		event := &domain.PaymentEvent{
			ID:           uuid.New(),
			OrderID:      order.ID,
			PreferenceID: t.PreferenceID,
			State:        t.State,
			PaymentID:    t.Detail.PaymentID,
			Error:        t.Detail.Error,
			Reason:       t.Detail.Reason,
			CreatedAt:    now,
		}
		superseded := t.PreferenceID != order.PreferenceID
		if superseded && event.Reason == "" {
			event.Reason = domain.ReasonSuperseded
		}
		paidTwice = t.State == domain.StateSuccess && order.Status == domain.OrderPaid &&
			t.Detail.PaymentID != "" && t.Detail.PaymentID != order.PaymentID
		if err := s.paymentRepo.RecordEvent(ctx, tx, event); err != nil {
			return err
		}
		if !advances(order, t) {
			return nil
		}

		next := *order
		next.Status = domain.OrderStatusFor(t.State)
		next.PaymentID = t.Detail.PaymentID
		next.FailureReason = ""
		if t.State == domain.StateFailure {
			next.FailureReason = t.Detail.Reason
		}
		next.UpdatedAt = now
		changed, err = s.orderRepo.UpdateOrderStatus(ctx, tx, &next)
		return err
	})
	if err != nil {
		return fmt.Errorf("apply %s transition: %w", t.State, err)
	}

	superseded := t.PreferenceID != order.PreferenceID
	switch {
	case paidTwice:
		s.logger.Error("ghost payment on paid order",
			"order_id", order.ID,
			"preference_id", t.PreferenceID,
			"payment_id", t.Detail.PaymentID,
			"order_payment_id", order.PaymentID,
		)
	case superseded && changed:
		s.logger.Warn("order paid through superseded preference",
			"order_id", order.ID,
			"preference_id", t.PreferenceID,
			"current_preference_id", order.PreferenceID,
			"payment_id", t.Detail.PaymentID,
		)
		if err := s.poller.Cancel(order.PreferenceID); err != nil && !errors.Is(err, worker.ErrNoSession) {
			s.logger.Warn("cancel current session", "preference_id", order.PreferenceID, "error", err)
		}
		current := t
		current.PreferenceID = order.PreferenceID
		s.observe(current)
	}

	if changed || superseded || t.State == domain.StateLoading {
		s.observe(t)
	}
	return nil
}

// advances reports whether t should be written to the order.
func advances(order *domain.Order, t domain.Transition) bool {
	switch {
	case t.State == domain.StateLoading:
		return false
	case order.Status == domain.OrderPaid:
		return false
	case t.PreferenceID != order.PreferenceID:
		return t.State == domain.StateSuccess
	default:
		return order.Status.CanMoveTo(domain.OrderStatusFor(t.State))
	}
}

func (s *checkoutService) markFailed(ctx context.Context, order *domain.Order, reason string) {
	order.Status = domain.OrderFailed
	order.FailureReason = reason
	order.UpdatedAt = s.now()
	if _, err := s.orderRepo.UpdateOrderStatus(ctx, nil, order); err != nil {
		s.logger.Error("mark order failed", "order_id", order.ID, "error", err)
	}
}

func (s *checkoutService) observe(t domain.Transition) {
	if s.observer != nil {
		s.observer.Observe(t)
	}
}

func (s *checkoutService) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.db == nil {
		return fn(nil)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
