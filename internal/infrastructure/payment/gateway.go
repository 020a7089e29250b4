package payment

import (
	"context"
	"fmt"

	"pizzeria-checkout/internal/domain"
)

type PaymentGateway interface {
	// CreatePreference submits one payment request. It never retries.
	CreatePreference(ctx context.Context, req domain.PaymentRequest) (*domain.PaymentPreference, error)
	// PaymentStatus queries the provider for the current status of id.
	PaymentStatus(ctx context.Context, id string) (*domain.PaymentStatus, error)
}

const genericGatewayMessage = "payment provider unavailable"

// GatewayError is returned for every provider-side failure.
type GatewayError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *GatewayError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = genericGatewayMessage
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}
