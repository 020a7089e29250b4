package presenter

import (
	"fmt"
	"sync"
	"time"

	"pizzeria-checkout/internal/domain"
)

type Action string

const (
	ActionNone       Action = ""
	ActionCheckAgain Action = "check_again"
	ActionTrackOrder Action = "track_order"
	ActionRetry      Action = "retry"
)

type Indicator string

const (
	IndicatorSpinner Indicator = "spinner"
	IndicatorIcon    Indicator = "icon"
)

// Screen is what the client draws for one lifecycle state.
type Screen struct {
	PreferenceID string                `json:"preference_id"`
	State        domain.LifecycleState `json:"state"`
	Title        string                `json:"title"`
	Message      string                `json:"message"`
	Icon         string                `json:"icon"`
	Color        string                `json:"color"`
	Indicator    Indicator             `json:"indicator"`
	Action       Action                `json:"action,omitempty"`
	ActionLabel  string                `json:"action_label,omitempty"`
	PaymentID    string                `json:"payment_id,omitempty"`
	Reason       string                `json:"reason,omitempty"`
}

const (
	failureMessage = "Houve um problema com seu pagamento. Por favor, tente novamente."
	timeoutMessage = "Não recebemos a confirmação do pagamento a tempo. Por favor, tente novamente."
)

// Render builds the screen for a transition. Every state has exactly one
// screen; an unknown state is a programming error.
func Render(t domain.Transition) Screen {
	s := Screen{
		PreferenceID: t.PreferenceID,
		State:        t.State,
		PaymentID:    t.Detail.PaymentID,
		Reason:       t.Detail.Reason,
		Indicator:    IndicatorIcon,
	}

	switch t.State {
	case domain.StateLoading:
		s.Title = "Processando..."
		s.Message = "Aguarde enquanto processamos seu pagamento."
		s.Icon = "reload"
		s.Color = "#2196F3"
		s.Indicator = IndicatorSpinner
	case domain.StatePending:
		s.Title = "Pagamento Pendente"
		s.Message = "Aguardando confirmação do pagamento."
		s.Icon = "time"
		s.Color = "#FF9800"
		s.Action = ActionCheckAgain
		s.ActionLabel = "Verificar Status"
	case domain.StateSuccess:
		s.Title = "Pagamento Aprovado!"
		s.Message = "Seu pedido foi confirmado e está sendo preparado."
		s.Icon = "checkmark-circle"
		s.Color = "#4CAF50"
		s.Action = ActionTrackOrder
		s.ActionLabel = "Ver Status do Pedido"
	case domain.StateFailure:
		s.Title = "Pagamento Recusado"
		s.Message = failureText(t.Detail)
		s.Icon = "close-circle"
		s.Color = "#F44336"
		s.Action = ActionRetry
		s.ActionLabel = "Tentar Novamente"
	default:
		panic(fmt.Sprintf("presenter: unknown lifecycle state %q", t.State))
	}
	return s
}

func failureText(d domain.TransitionDetail) string {
	switch {
	case d.Reason == domain.ReasonTimeout:
		return timeoutMessage
	case d.Error != "":
		return d.Error
	default:
		return failureMessage
	}
}

const (
	defaultTerminalTTL = 10 * time.Minute
	defaultIdleTTL     = 24 * time.Hour
)

// Board keeps the latest screen of every preference. Sweep drops settled
// screens after terminalTTL and any screen left untouched for idleTTL.
type Board struct {
	mu          sync.RWMutex
	screens     map[string]boardEntry
	terminalTTL time.Duration
	idleTTL     time.Duration
	now         func() time.Time
}

type boardEntry struct {
	screen    Screen
	updatedAt time.Time
}

type BoardOption func(*Board)

func WithTTL(terminal, idle time.Duration) BoardOption {
	return func(b *Board) {
		b.terminalTTL = terminal
		b.idleTTL = idle
	}
}

func NewBoard(opts ...BoardOption) *Board {
	b := &Board{
		screens:     make(map[string]boardEntry),
		terminalTTL: defaultTerminalTTL,
		idleTTL:     defaultIdleTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Observe renders t and stores it as the current screen of its preference.
// A settled screen is only replaced by another settled one.
func (b *Board) Observe(t domain.Transition) {
	s := Render(t)
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.screens[t.PreferenceID]; ok && cur.screen.State.Terminal() && !t.State.Terminal() {
		return
	}
	b.screens[t.PreferenceID] = boardEntry{screen: s, updatedAt: b.now()}
}

func (b *Board) Screen(preferenceID string) (Screen, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.screens[preferenceID]
	return e.screen, ok
}

// Forget drops the screen of a preference that will not be shown again.
func (b *Board) Forget(preferenceID string) {
	b.mu.Lock()
	delete(b.screens, preferenceID)
	b.mu.Unlock()
}

// Sweep evicts expired screens and returns how many were dropped.
func (b *Board) Sweep() int {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, e := range b.screens {
		age := now.Sub(e.updatedAt)
		if age > b.idleTTL || (e.screen.State.Terminal() && age > b.terminalTTL) {
			delete(b.screens, id)
			n++
		}
	}
	return n
}

func (b *Board) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.screens)
}
