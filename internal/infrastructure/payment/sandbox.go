package payment

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"pizzeria-checkout/internal/domain"
)

// ScriptStep is one answer the sandbox gives to a status query: a provider
// status with its detail, or an error.
type ScriptStep struct {
	Status domain.ProviderStatus
	Detail string
	Err    error
}

func Step(status domain.ProviderStatus) ScriptStep {
	return ScriptStep{Status: status}
}

func StepWithDetail(status domain.ProviderStatus, detail string) ScriptStep {
	return ScriptStep{Status: status, Detail: detail}
}

func StepError(err error) ScriptStep {
	return ScriptStep{Err: err}
}

var ErrConnectionTimeout = errors.New("connection timeout")

// SandboxGateway is an in-memory stand-in for the provider. Each preference
// gets a script of answers; the last step repeats once the script runs out.
type SandboxGateway struct {
	mu          sync.RWMutex
	scripts     map[string][]ScriptStep
	polls       map[string]int
	externalRef map[string]string
	payments    map[string]string
	checkoutURL string
	randomize   bool
}

func NewSandboxGateway(checkoutURL string) *SandboxGateway {
	return &SandboxGateway{
		scripts:     make(map[string][]ScriptStep),
		polls:       make(map[string]int),
		externalRef: make(map[string]string),
		payments:    make(map[string]string),
		checkoutURL: checkoutURL,
		randomize:   true,
	}
}

// Deterministic disables random scripts; unscripted preferences stay pending.
func (g *SandboxGateway) Deterministic() *SandboxGateway {
	g.randomize = false
	return g
}

// Script replaces the answers for preferenceID.
func (g *SandboxGateway) Script(preferenceID string, steps ...ScriptStep) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scripts[preferenceID] = steps
	g.polls[preferenceID] = 0
}

// Polls reports how many status queries preferenceID has received.
func (g *SandboxGateway) Polls(preferenceID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.polls[preferenceID]
}

func (g *SandboxGateway) CreatePreference(ctx context.Context, req domain.PaymentRequest) (*domain.PaymentPreference, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &GatewayError{Op: opCreatePreference, Err: err}
	}

	id := uuid.NewString()
	ref := "ORDER_" + id[:8]

	g.mu.Lock()
	g.externalRef[id] = ref
	g.payments[sandboxPaymentID(id)] = id
	if g.randomize {
		g.scripts[id] = randomScript()
	} else {
		g.scripts[id] = []ScriptStep{Step(domain.StatusPending)}
	}
	g.mu.Unlock()

	return &domain.PaymentPreference{
		PreferenceID:      id,
		RedirectURL:       fmt.Sprintf("%s?pref_id=%s", g.checkoutURL, id),
		ExternalReference: ref,
		IdempotencyKey:    uuid.NewString(),
	}, nil
}

func (g *SandboxGateway) PaymentStatus(ctx context.Context, id string) (*domain.PaymentStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, &GatewayError{Op: opPaymentStatus, Err: err}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// notifications carry the payment id rather than the preference id
	if prefID, ok := g.payments[id]; ok {
		id = prefID
	}
	steps, ok := g.scripts[id]
	if !ok || len(steps) == 0 {
		return nil, &GatewayError{Op: opPaymentStatus, StatusCode: http.StatusNotFound, Message: "payment not found"}
	}
	n := g.polls[id]
	g.polls[id] = n + 1
	if n >= len(steps) {
		n = len(steps) - 1
	}

	step := steps[n]
	if step.Err != nil {
		return nil, &GatewayError{Op: opPaymentStatus, Err: step.Err}
	}
	return &domain.PaymentStatus{
		Status:            step.Status,
		StatusDetail:      step.Detail,
		PaymentID:         sandboxPaymentID(id),
		PaymentTypeID:     "credit_card",
		PaymentMethodID:   "master",
		ExternalReference: g.externalRef[id],
	}, nil
}

func sandboxPaymentID(preferenceID string) string {
	return "sb-" + preferenceID[:min(8, len(preferenceID))]
}

func randomScript() []ScriptStep {
	chance := rand.IntN(100)
	waits := 1 + rand.IntN(3)
	steps := make([]ScriptStep, 0, waits+1)
	for range waits {
		if rand.IntN(10) == 0 {
			steps = append(steps, StepError(ErrConnectionTimeout))
			continue
		}
		steps = append(steps, Step(domain.StatusInProcess))
	}

	switch {
	case chance < 70:
		steps = append(steps, Step(domain.StatusApproved))
	case chance < 90:
		steps = append(steps, StepWithDetail(domain.StatusRejected, "cc_rejected_insufficient_amount"))
	default:
		// never settles; the poller's budget runs out
		steps = append(steps, Step(domain.StatusInProcess))
	}
	return steps
}
