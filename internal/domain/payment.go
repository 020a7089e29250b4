package domain

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrEmptyItems        = errors.New("payment request has no items")
	ErrInvalidItem       = errors.New("item quantity and unit price must be positive")
	ErrMissingPayerEmail = errors.New("payer email is required")
	ErrInvalidAddress    = errors.New("delivery address is incomplete")
)

type Item struct {
	Title     string          `json:"title"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (i Item) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type Payer struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type DeliveryAddress struct {
	Street       string `json:"street"`
	Number       string `json:"number"`
	PostalCode   string `json:"postal_code"`
	City         string `json:"city"`
	State        string `json:"state"`
	Neighborhood string `json:"neighborhood"`
	Complement   string `json:"complement,omitempty"`
}

func (a DeliveryAddress) Validate() error {
	for _, f := range []string{a.Street, a.Number, a.PostalCode, a.City, a.State, a.Neighborhood} {
		if strings.TrimSpace(f) == "" {
			return ErrInvalidAddress
		}
	}
	return nil
}

// PaymentRequest is built once per checkout attempt and never mutated.
type PaymentRequest struct {
	Items           []Item
	Payer           Payer
	DeliveryAddress DeliveryAddress
	Notes           string
}

func (r PaymentRequest) Validate() error {
	if len(r.Items) == 0 {
		return ErrEmptyItems
	}
	for _, it := range r.Items {
		if it.Quantity <= 0 || !it.UnitPrice.IsPositive() {
			return ErrInvalidItem
		}
	}
	if strings.TrimSpace(r.Payer.Email) == "" {
		return ErrMissingPayerEmail
	}
	return r.DeliveryAddress.Validate()
}

func (r PaymentRequest) Total() decimal.Decimal {
	total := decimal.Zero
	for _, it := range r.Items {
		total = total.Add(it.Subtotal())
	}
	return total
}

type PaymentPreference struct {
	PreferenceID      string
	RedirectURL       string
	ExternalReference string
	IdempotencyKey    string
}

// ProviderStatus is the payment status vocabulary of the provider.
type ProviderStatus string

const (
	StatusApproved    ProviderStatus = "approved"
	StatusPending     ProviderStatus = "pending"
	StatusInProcess   ProviderStatus = "in_process"
	StatusRejected    ProviderStatus = "rejected"
	StatusCancelled   ProviderStatus = "cancelled"
	StatusRefunded    ProviderStatus = "refunded"
	StatusInMediation ProviderStatus = "in_mediation"
)

// PaymentStatus is the provider's answer to a status query.
type PaymentStatus struct {
	Status            ProviderStatus
	StatusDetail      string
	PaymentID         string
	PaymentTypeID     string
	PaymentMethodID   string
	ExternalReference string
	MerchantOrderID   string
}
