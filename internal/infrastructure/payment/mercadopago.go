package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pizzeria-checkout/internal/config"
	"pizzeria-checkout/internal/domain"
)

const (
	opCreatePreference = "create preference"
	opPaymentStatus    = "payment status"

	excludedPaymentType = "ticket"
	maxResponseBytes    = 1 << 20
)

type MercadoPago struct {
	cfg    config.MercadoPagoConfig
	client *http.Client
	now    func() time.Time
}

type MercadoPagoOption func(*MercadoPago)

func WithHTTPClient(c *http.Client) MercadoPagoOption {
	return func(m *MercadoPago) { m.client = c }
}

func WithClock(now func() time.Time) MercadoPagoOption {
	return func(m *MercadoPago) { m.now = now }
}

func NewMercadoPago(cfg config.MercadoPagoConfig, opts ...MercadoPagoOption) *MercadoPago {
	m := &MercadoPago{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type preferenceItem struct {
	Title      string  `json:"title"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	CurrencyID string  `json:"currency_id"`
}

type payerAddress struct {
	StreetName   string `json:"street_name"`
	StreetNumber string `json:"street_number"`
	ZipCode      string `json:"zip_code"`
}

type preferencePayer struct {
	Name    string       `json:"name,omitempty"`
	Email   string       `json:"email"`
	Address payerAddress `json:"address"`
}

type receiverAddress struct {
	StreetName   string `json:"street_name"`
	StreetNumber string `json:"street_number"`
	ZipCode      string `json:"zip_code"`
	City         string `json:"city"`
	State        string `json:"state"`
	Neighborhood string `json:"neighborhood"`
	Complement   string `json:"complement,omitempty"`
	Country      string `json:"country"`
}

type idRef struct {
	ID string `json:"id"`
}

type preferenceBody struct {
	Items     []preferenceItem `json:"items"`
	Payer     preferencePayer  `json:"payer"`
	Shipments struct {
		ReceiverAddress receiverAddress `json:"receiver_address"`
	} `json:"shipments"`
	BackURLs struct {
		Success string `json:"success"`
		Failure string `json:"failure"`
		Pending string `json:"pending"`
	} `json:"back_urls"`
	AutoReturn     string `json:"auto_return"`
	PaymentMethods struct {
		ExcludedPaymentTypes []idRef `json:"excluded_payment_types"`
		Installments         int     `json:"installments"`
	} `json:"payment_methods"`
	StatementDescriptor string `json:"statement_descriptor,omitempty"`
	ExternalReference   string `json:"external_reference"`
	NotificationURL     string `json:"notification_url,omitempty"`
	AdditionalInfo      string `json:"additional_info,omitempty"`
}

type preferenceResponse struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

type providerError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

type paymentResponse struct {
	ID                json.Number `json:"id"`
	Status            string      `json:"status"`
	StatusDetail      string      `json:"status_detail"`
	PaymentTypeID     string      `json:"payment_type_id"`
	PaymentMethodID   string      `json:"payment_method_id"`
	ExternalReference string      `json:"external_reference"`
	Order             *struct {
		ID json.Number `json:"id"`
	} `json:"order"`
}

func (m *MercadoPago) buildPreference(req domain.PaymentRequest, externalRef string) preferenceBody {
	var body preferenceBody
	for _, it := range req.Items {
		body.Items = append(body.Items, preferenceItem{
			Title:      it.Title,
			Quantity:   it.Quantity,
			UnitPrice:  it.UnitPrice.InexactFloat64(),
			CurrencyID: m.cfg.Currency,
		})
	}

	addr := req.DeliveryAddress
	body.Payer = preferencePayer{
		Name:  req.Payer.Name,
		Email: req.Payer.Email,
		Address: payerAddress{
			StreetName:   addr.Street,
			StreetNumber: addr.Number,
			ZipCode:      addr.PostalCode,
		},
	}
	body.Shipments.ReceiverAddress = receiverAddress{
		StreetName:   addr.Street,
		StreetNumber: addr.Number,
		ZipCode:      addr.PostalCode,
		City:         addr.City,
		State:        addr.State,
		Neighborhood: addr.Neighborhood,
		Complement:   addr.Complement,
		Country:      m.cfg.Country,
	}

	back := m.cfg.BackURLs()
	body.BackURLs.Success = back.Success
	body.BackURLs.Failure = back.Failure
	body.BackURLs.Pending = back.Pending
	body.AutoReturn = string(domain.StatusApproved)

	body.PaymentMethods.ExcludedPaymentTypes = []idRef{{ID: excludedPaymentType}}
	body.PaymentMethods.Installments = m.cfg.MaxInstallments

	body.StatementDescriptor = m.cfg.StatementDescriptor
	body.ExternalReference = externalRef
	body.NotificationURL = m.cfg.NotificationURL
	body.AdditionalInfo = req.Notes
	return body
}

func (m *MercadoPago) CreatePreference(ctx context.Context, req domain.PaymentRequest) (*domain.PaymentPreference, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	submittedAt := m.now()
	externalRef := fmt.Sprintf("ORDER_%d", submittedAt.UnixMilli())
	idempotencyKey := strconv.FormatInt(submittedAt.UnixNano(), 10)

	payload, err := json.Marshal(m.buildPreference(req, externalRef))
	if err != nil {
		return nil, &GatewayError{Op: opCreatePreference, Message: "encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint("/checkout/preferences"), bytes.NewReader(payload))
	if err != nil {
		return nil, &GatewayError{Op: opCreatePreference, Err: err}
	}
	m.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Idempotency-Key", idempotencyKey)

	var out preferenceResponse
	if err := m.do(httpReq, opCreatePreference, &out); err != nil {
		return nil, err
	}

	redirect := out.InitPoint
	if m.cfg.Sandbox && out.SandboxInitPoint != "" {
		redirect = out.SandboxInitPoint
	}
	if redirect == "" {
		return nil, &GatewayError{Op: opCreatePreference, Message: "response has no redirect url"}
	}
	if u, err := url.Parse(redirect); err != nil || !u.IsAbs() {
		return nil, &GatewayError{Op: opCreatePreference, Message: fmt.Sprintf("redirect url %q is not absolute", redirect)}
	}
	if out.ID == "" {
		return nil, &GatewayError{Op: opCreatePreference, Message: "response has no preference id"}
	}

	return &domain.PaymentPreference{
		PreferenceID:      out.ID,
		RedirectURL:       redirect,
		ExternalReference: externalRef,
		IdempotencyKey:    idempotencyKey,
	}, nil
}

func (m *MercadoPago) PaymentStatus(ctx context.Context, id string) (*domain.PaymentStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, m.endpoint("/v1/payments/"+url.PathEscape(id)), nil)
	if err != nil {
		return nil, &GatewayError{Op: opPaymentStatus, Err: err}
	}
	m.setHeaders(httpReq)

	var out paymentResponse
	if err := m.do(httpReq, opPaymentStatus, &out); err != nil {
		return nil, err
	}

	status := &domain.PaymentStatus{
		Status:            domain.ProviderStatus(out.Status),
		StatusDetail:      out.StatusDetail,
		PaymentID:         out.ID.String(),
		PaymentTypeID:     out.PaymentTypeID,
		PaymentMethodID:   out.PaymentMethodID,
		ExternalReference: out.ExternalReference,
	}
	if out.Order != nil {
		status.MerchantOrderID = out.Order.ID.String()
	}
	return status, nil
}

func (m *MercadoPago) endpoint(path string) string {
	return strings.TrimRight(m.cfg.BaseURL, "/") + path
}

func (m *MercadoPago) setHeaders(r *http.Request) {
	r.Header.Set("Authorization", "Bearer "+m.cfg.AccessToken)
	r.Header.Set("Accept", "application/json")
}

func (m *MercadoPago) do(r *http.Request, op string, out any) error {
	resp, err := m.client.Do(r)
	if err != nil {
		return &GatewayError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		gerr := &GatewayError{Op: op, StatusCode: resp.StatusCode}
		var perr providerError
		if json.Unmarshal(raw, &perr) == nil {
			gerr.Message = perr.Message
			if gerr.Message == "" {
				gerr.Message = perr.Error
			}
		}
		return gerr
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Message: "decode response", Err: err}
	}
	return nil
}
