package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pizzeria-checkout/internal/database"
	"pizzeria-checkout/internal/domain"
	"pizzeria-checkout/internal/infrastructure/payment"
	"pizzeria-checkout/internal/presenter"
	"pizzeria-checkout/internal/service"
	"pizzeria-checkout/internal/worker"
)

type Handler struct {
	checkout service.CheckoutService
	board    *presenter.Board
	db       database.Service
	logger   *slog.Logger
}

// NewHandler builds the HTTP handlers. db may be nil, in which case the
// health check only reports the process.
func NewHandler(checkout service.CheckoutService, board *presenter.Board, db database.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		checkout: checkout,
		board:    board,
		db:       db,
		logger:   logger.With("component", "http"),
	}
}

type checkoutRequest struct {
	UserID          string                 `json:"user_id"`
	Payer           domain.Payer           `json:"payer"`
	Cart            []domain.CartLine      `json:"cart"`
	DeliveryAddress domain.DeliveryAddress `json:"delivery_address"`
	Notes           string                 `json:"notes"`
}

type checkoutResponse struct {
	OrderID           uuid.UUID          `json:"order_id"`
	PreferenceID      string             `json:"preference_id"`
	ExternalReference string             `json:"external_reference"`
	RedirectURL       string             `json:"redirect_url"`
	Total             decimal.Decimal    `json:"total"`
	Status            domain.OrderStatus `json:"status"`
	Screen            *presenter.Screen  `json:"screen,omitempty"`
}

type eventResponse struct {
	PreferenceID string                `json:"preference_id"`
	State        domain.LifecycleState `json:"state"`
	PaymentID    string                `json:"payment_id,omitempty"`
	Error        string                `json:"error,omitempty"`
	Reason       string                `json:"reason,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
}

type orderResponse struct {
	ID                uuid.UUID              `json:"id"`
	UserID            string                 `json:"user_id"`
	Payer             domain.Payer           `json:"payer"`
	Items             []domain.Item          `json:"items"`
	Total             decimal.Decimal        `json:"total"`
	DeliveryAddress   domain.DeliveryAddress `json:"delivery_address"`
	Notes             string                 `json:"notes,omitempty"`
	Status            domain.OrderStatus     `json:"status"`
	PreferenceID      string                 `json:"preference_id,omitempty"`
	ExternalReference string                 `json:"external_reference,omitempty"`
	PaymentID         string                 `json:"payment_id,omitempty"`
	FailureReason     string                 `json:"failure_reason,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
	Events            []eventResponse        `json:"events,omitempty"`
}

func newOrderResponse(order *domain.Order) orderResponse {
	return orderResponse{
		ID:                order.ID,
		UserID:            order.UserID,
		Payer:             order.Payer,
		Items:             order.Items,
		Total:             order.Total,
		DeliveryAddress:   order.DeliveryAddress,
		Notes:             order.Notes,
		Status:            order.Status,
		PreferenceID:      order.PreferenceID,
		ExternalReference: order.ExternalReference,
		PaymentID:         order.PaymentID,
		FailureReason:     order.FailureReason,
		CreatedAt:         order.CreatedAt,
		UpdatedAt:         order.UpdatedAt,
	}
}

func (h *Handler) Health(c *gin.Context) {
	if h.db == nil {
		c.JSON(http.StatusOK, gin.H{"status": "up"})
		return
	}
	stats := h.db.Health(c.Request.Context())
	if stats["status"] != "up" {
		c.JSON(http.StatusServiceUnavailable, stats)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) Checkout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	res, err := h.checkout.Checkout(c.Request.Context(), service.CheckoutInput{
		UserID:          req.UserID,
		Payer:           req.Payer,
		Cart:            req.Cart,
		DeliveryAddress: req.DeliveryAddress,
		Notes:           req.Notes,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.checkoutResponse(res))
}

func (h *Handler) Retry(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	res, err := h.checkout.Retry(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.checkoutResponse(res))
}

func (h *Handler) checkoutResponse(res *service.CheckoutResult) checkoutResponse {
	out := checkoutResponse{
		OrderID:           res.Order.ID,
		PreferenceID:      res.Preference.PreferenceID,
		ExternalReference: res.Preference.ExternalReference,
		RedirectURL:       res.Preference.RedirectURL,
		Total:             res.Order.Total,
		Status:            res.Order.Status,
	}
	if s, ok := h.board.Screen(res.Preference.PreferenceID); ok {
		out.Screen = &s
	}
	return out
}

// Screen returns what the client should show for a preference right now.
func (h *Handler) Screen(c *gin.Context) {
	prefID := c.Param("preferenceId")
	if s, ok := h.board.Screen(prefID); ok {
		c.JSON(http.StatusOK, s)
		return
	}

	t, err := h.checkout.Status(c.Request.Context(), prefID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, presenter.Render(*t))
}

func (h *Handler) CheckAgain(c *gin.Context) {
	prefID := c.Param("preferenceId")
	if err := h.checkout.CheckAgain(c.Request.Context(), prefID); err != nil {
		h.writeError(c, err)
		return
	}
	s, ok := h.board.Screen(prefID)
	if !ok {
		c.Status(http.StatusAccepted)
		return
	}
	c.JSON(http.StatusAccepted, s)
}

func (h *Handler) Cancel(c *gin.Context) {
	if err := h.checkout.Cancel(c.Param("preferenceId")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Order(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	order, err := h.checkout.FindOrder(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	events, err := h.checkout.Events(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	out := newOrderResponse(order)
	out.Events = make([]eventResponse, 0, len(events))
	for _, e := range events {
		out.Events = append(out.Events, eventResponse{
			PreferenceID: e.PreferenceID,
			State:        e.State,
			PaymentID:    e.PaymentID,
			Error:        e.Error,
			Reason:       e.Reason,
			CreatedAt:    e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

// UserOrders lists a customer's orders, newest first. The optional limit
// query parameter caps the page size.
func (h *Handler) UserOrders(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	orders, err := h.checkout.ListOrders(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for i := range orders {
		out = append(out, newOrderResponse(&orders[i]))
	}
	c.JSON(http.StatusOK, gin.H{"orders": out})
}

// PaymentReturn answers the provider's back URLs. The outcome is only a hint
// for the client; the order is settled by polling and notifications.
func (h *Handler) PaymentReturn(c *gin.Context) {
	outcome := classifyOutcome(c.Param("outcome"))
	if outcome == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown payment outcome"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"outcome":            outcome,
		"preference_id":      c.Query("preference_id"),
		"payment_id":         c.Query("payment_id"),
		"external_reference": c.Query("external_reference"),
	})
}

func classifyOutcome(path string) domain.LifecycleState {
	switch {
	case strings.Contains(path, "success"):
		return domain.StateSuccess
	case strings.Contains(path, "failure"):
		return domain.StateFailure
	case strings.Contains(path, "pending"):
		return domain.StatePending
	default:
		return ""
	}
}

func (h *Handler) Webhook(c *gin.Context) {
	var n service.Notification
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&n); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification"})
			return
		}
	}
	// IPN style notifications carry everything in the query string
	if n.Type == "" {
		n.Type = c.DefaultQuery("type", c.Query("topic"))
	}
	if n.Data.ID == "" {
		n.Data.ID = c.DefaultQuery("data.id", c.Query("id"))
	}

	order, err := h.checkout.HandleNotification(c.Request.Context(), n)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": order.ID, "status": order.Status})
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var gerr *payment.GatewayError
	switch {
	case errors.Is(err, domain.ErrEmptyItems),
		errors.Is(err, domain.ErrInvalidItem),
		errors.Is(err, domain.ErrMissingPayerEmail),
		errors.Is(err, domain.ErrInvalidAddress),
		errors.Is(err, service.ErrUnsupportedNotification),
		errors.Is(err, service.ErrInvalidNotification):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrOrderNotFound), errors.Is(err, worker.ErrNoSession):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrOrderPaid):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &gerr):
		h.logger.Warn("payment provider error", "path", c.FullPath(), "error", err)
		msg := gerr.Message
		if msg == "" {
			msg = "payment provider unavailable"
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": msg})
	default:
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
