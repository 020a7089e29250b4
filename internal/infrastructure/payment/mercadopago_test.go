package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pizzeria-checkout/internal/config"
	"pizzeria-checkout/internal/domain"
)

func testRequest() domain.PaymentRequest {
	return domain.PaymentRequest{
		Items: []domain.Item{
			{Title: "Margherita (Large)", Quantity: 2, UnitPrice: decimal.RequireFromString("49.90")},
		},
		Payer: domain.Payer{Email: "ana@example.com", Name: "Ana"},
		DeliveryAddress: domain.DeliveryAddress{
			Street: "Rua das Flores", Number: "42", PostalCode: "01001-000",
			City: "Sao Paulo", State: "SP", Neighborhood: "Centro", Complement: "apto 3",
		},
		Notes: "no onions",
	}
}

func testConfig(baseURL string) config.MercadoPagoConfig {
	return config.MercadoPagoConfig{
		BaseURL:             baseURL,
		AccessToken:         "TEST-token",
		AppURL:              "https://pizza.example",
		NotificationURL:     "https://pizza.example/webhooks/mercadopago",
		StatementDescriptor: "PIZZARIA APP",
		Currency:            "BRL",
		Country:             "BR",
		MaxInstallments:     12,
		RequestTimeout:      2 * time.Second,
	}
}

func TestCreatePreferenceBuildsProviderRequest(t *testing.T) {
	var body map[string]any
	var headers http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/checkout/preferences", r.URL.Path)
		headers = r.Header.Clone()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"123-abc","init_point":"https://www.mercadopago.com.br/checkout/v1/redirect?pref_id=123-abc"}`)
	}))
	defer srv.Close()

	submitted := time.UnixMilli(1700000000123)
	gw := NewMercadoPago(testConfig(srv.URL), WithClock(func() time.Time { return submitted }))

	pref, err := gw.CreatePreference(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, "123-abc", pref.PreferenceID)
	assert.Equal(t, "https://www.mercadopago.com.br/checkout/v1/redirect?pref_id=123-abc", pref.RedirectURL)
	assert.Equal(t, "ORDER_1700000000123", pref.ExternalReference)

	assert.Equal(t, "Bearer TEST-token", headers.Get("Authorization"))
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, pref.IdempotencyKey, headers.Get("X-Idempotency-Key"))
	assert.NotEmpty(t, pref.IdempotencyKey)

	items := body["items"].([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, "BRL", item["currency_id"])
	assert.Equal(t, 49.9, item["unit_price"])
	assert.Equal(t, float64(2), item["quantity"])

	methods := body["payment_methods"].(map[string]any)
	assert.Equal(t, float64(12), methods["installments"])
	assert.Equal(t, []any{map[string]any{"id": "ticket"}}, methods["excluded_payment_types"])

	receiver := body["shipments"].(map[string]any)["receiver_address"].(map[string]any)
	assert.Equal(t, "Rua das Flores", receiver["street_name"])
	assert.Equal(t, "42", receiver["street_number"])
	assert.Equal(t, "01001-000", receiver["zip_code"])
	assert.Equal(t, "Sao Paulo", receiver["city"])
	assert.Equal(t, "SP", receiver["state"])
	assert.Equal(t, "Centro", receiver["neighborhood"])
	assert.Equal(t, "apto 3", receiver["complement"])
	assert.Equal(t, "BR", receiver["country"])

	assert.Equal(t, "ORDER_1700000000123", body["external_reference"])
	assert.Equal(t, "approved", body["auto_return"])
	assert.Equal(t, "no onions", body["additional_info"])
	backURLs := body["back_urls"].(map[string]any)
	assert.Equal(t, "https://pizza.example/payment/success", backURLs["success"])
}

func TestCreatePreferenceRejectsEmptyItemsWithoutCallingProvider(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	req := testRequest()
	req.Items = nil

	_, err := NewMercadoPago(testConfig(srv.URL)).CreatePreference(context.Background(), req)

	assert.ErrorIs(t, err, domain.ErrEmptyItems)
	assert.Zero(t, calls.Load())
}

func TestCreatePreferenceErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantMessage string
		wantStatus  int
	}{
		{
			name:        "provider rejects request",
			status:      http.StatusBadRequest,
			body:        `{"message":"invalid items.unit_price","error":"bad_request","status":400}`,
			wantMessage: "invalid items.unit_price",
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "provider error without message",
			status:      http.StatusUnauthorized,
			body:        `{"error":"unauthorized"}`,
			wantMessage: "unauthorized",
			wantStatus:  http.StatusUnauthorized,
		},
		{
			name:       "provider error with no body",
			status:     http.StatusBadGateway,
			body:       ``,
			wantStatus: http.StatusBadGateway,
		},
		{
			name:        "missing redirect url",
			status:      http.StatusCreated,
			body:        `{"id":"123-abc"}`,
			wantMessage: "response has no redirect url",
		},
		{
			name:        "relative redirect url",
			status:      http.StatusCreated,
			body:        `{"id":"123-abc","init_point":"/checkout"}`,
			wantMessage: `redirect url "/checkout" is not absolute`,
		},
		{
			name:        "missing preference id",
			status:      http.StatusCreated,
			body:        `{"init_point":"https://mp.example/checkout"}`,
			wantMessage: "response has no preference id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewMercadoPago(testConfig(srv.URL)).CreatePreference(context.Background(), testRequest())

			var gerr *GatewayError
			require.ErrorAs(t, err, &gerr)
			assert.Equal(t, tt.wantMessage, gerr.Message)
			assert.Equal(t, tt.wantStatus, gerr.StatusCode)
		})
	}
}

func TestCreatePreferenceTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := NewMercadoPago(testConfig(srv.URL)).CreatePreference(context.Background(), testRequest())

	var gerr *GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Error(t, errors.Unwrap(err))
	assert.Contains(t, err.Error(), genericGatewayMessage)
}

func TestCreatePreferenceSandboxRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"p1","init_point":"https://mp.example/live","sandbox_init_point":"https://sandbox.mp.example/test"}`)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Sandbox = true

	pref, err := NewMercadoPago(cfg).CreatePreference(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "https://sandbox.mp.example/test", pref.RedirectURL)
}

func TestCreatePreferenceIsNotIdempotent(t *testing.T) {
	var n atomic.Int32
	keys := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys <- r.Header.Get("X-Idempotency-Key")
		fmt.Fprintf(w, `{"id":"pref-%d","init_point":"https://mp.example/checkout"}`, n.Add(1))
	}))
	defer srv.Close()

	var tick atomic.Int64
	clock := func() time.Time { return time.Unix(1700000000, tick.Add(1)) }
	gw := NewMercadoPago(testConfig(srv.URL), WithClock(clock))

	first, err := gw.CreatePreference(context.Background(), testRequest())
	require.NoError(t, err)
	second, err := gw.CreatePreference(context.Background(), testRequest())
	require.NoError(t, err)

	assert.NotEqual(t, first.PreferenceID, second.PreferenceID)
	assert.NotEqual(t, <-keys, <-keys)
}

func TestPaymentStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/payments/pref-1", r.URL.Path)
		assert.Equal(t, "Bearer TEST-token", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{
			"id": 987654321,
			"status": "rejected",
			"status_detail": "cc_rejected_bad_filled_security_code",
			"payment_type_id": "credit_card",
			"payment_method_id": "visa",
			"external_reference": "ORDER_1",
			"order": {"id": 555}
		}`)
	}))
	defer srv.Close()

	st, err := NewMercadoPago(testConfig(srv.URL)).PaymentStatus(context.Background(), "pref-1")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusRejected, st.Status)
	assert.Equal(t, "cc_rejected_bad_filled_security_code", st.StatusDetail)
	assert.Equal(t, "987654321", st.PaymentID)
	assert.Equal(t, "credit_card", st.PaymentTypeID)
	assert.Equal(t, "visa", st.PaymentMethodID)
	assert.Equal(t, "ORDER_1", st.ExternalReference)
	assert.Equal(t, "555", st.MerchantOrderID)
}

func TestPaymentStatusProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Payment not found","error":"not_found","status":404}`)
	}))
	defer srv.Close()

	_, err := NewMercadoPago(testConfig(srv.URL)).PaymentStatus(context.Background(), "nope")

	var gerr *GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, http.StatusNotFound, gerr.StatusCode)
	assert.Equal(t, "Payment not found", gerr.Message)
}
