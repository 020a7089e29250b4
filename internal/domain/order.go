package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending OrderStatus = "PENDING"
	OrderPaid    OrderStatus = "PAID"
	OrderFailed  OrderStatus = "FAILED"
)

// OrderStatusFor returns the order status that a lifecycle state settles to.
func OrderStatusFor(s LifecycleState) OrderStatus {
	switch s {
	case StateSuccess:
		return OrderPaid
	case StateFailure:
		return OrderFailed
	default:
		return OrderPending
	}
}

// CanMoveTo reports whether an order in status s may be written with next.
// PAID is final and FAILED only leaves through another settled status.
func (s OrderStatus) CanMoveTo(next OrderStatus) bool {
	switch s {
	case OrderPaid:
		return next == OrderPaid
	case OrderFailed:
		return next != OrderPending
	default:
		return true
	}
}

// PaymentRequest rebuilds the request used to pay for the order.
func (o *Order) PaymentRequest() PaymentRequest {
	return PaymentRequest{
		Items:           o.Items,
		Payer:           o.Payer,
		DeliveryAddress: o.DeliveryAddress,
		Notes:           o.Notes,
	}
}

type Order struct {
	ID                uuid.UUID
	UserID            string
	Payer             Payer
	Items             []Item
	Total             decimal.Decimal
	DeliveryAddress   DeliveryAddress
	Notes             string
	Status            OrderStatus
	PreferenceID      string
	ExternalReference string
	PaymentID         string
	FailureReason     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PaymentEvent is one persisted lifecycle transition of an order's payment.
type PaymentEvent struct {
	ID           uuid.UUID
	OrderID      uuid.UUID
	PreferenceID string
	State        LifecycleState
	PaymentID    string
	Error        string
	Reason       string
	CreatedAt    time.Time
}

// PaymentAttempt is one preference issued for an order. A retry adds a new
// attempt and the earlier ones stay resolvable by external reference.
type PaymentAttempt struct {
	PreferenceID      string
	OrderID           uuid.UUID
	ExternalReference string
	CreatedAt         time.Time
}
