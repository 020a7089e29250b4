package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"pizzeria-checkout/internal/domain"
	"pizzeria-checkout/internal/infrastructure/payment"
)

var (
	ErrSessionExists = errors.New("polling session already active for preference")
	ErrNoSession     = errors.New("no active polling session for preference")
	ErrPollerStopped = errors.New("status poller stopped")
)

const timeoutMessage = "payment was not confirmed in time"

// TransitionFunc receives every lifecycle transition of a session, including
// the loading state shown while a requested check is in flight. It is
// never called concurrently for the same session.
type TransitionFunc func(domain.Transition)

// StatusPoller runs one polling session per preference id.
type StatusPoller struct {
	gateway     payment.PaymentGateway
	interval    time.Duration
	maxAttempts int
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	stopped  bool
	wg       sync.WaitGroup
}

func NewStatusPoller(gateway payment.PaymentGateway, interval time.Duration, maxAttempts int, logger *slog.Logger) *StatusPoller {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusPoller{
		gateway:     gateway,
		interval:    interval,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "status_poller"),
		sessions:    make(map[string]*Session),
	}
}

type Session struct {
	preferenceID string
	cancel       context.CancelFunc
	checkNow     chan struct{}
	done         chan struct{}

	mu       sync.RWMutex
	state    domain.LifecycleState
	last     domain.Transition
	attempts int
	finished bool
}

func (s *Session) PreferenceID() string { return s.preferenceID }

// Cancel stops the session. No transition is emitted for a cancelled session
// once its in-flight query, if any, returns.
func (s *Session) Cancel() { s.cancel() }

// Done is closed when the session has stopped for any reason.
func (s *Session) Done() <-chan struct{} { return s.done }

// CheckNow asks for one extra query outside the schedule. The extra query
// does not consume the attempt budget. Requests made while one is already
// queued are merged. Once the session has emitted its terminal transition it
// answers ErrNoSession, even before Done is closed.
func (s *Session) CheckNow() error {
	s.mu.RLock()
	finished := s.finished
	s.mu.RUnlock()
	if finished {
		return ErrNoSession
	}
	select {
	case <-s.done:
		return ErrNoSession
	default:
	}
	select {
	case s.checkNow <- struct{}{}:
	default:
	}
	return nil
}

func (s *Session) State() domain.LifecycleState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Attempts is the number of scheduled queries made so far.
func (s *Session) Attempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempts
}

func (s *Session) setState(state domain.LifecycleState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// settle records t as the latest result. A terminal t closes the session to
// further check requests.
func (s *Session) settle(t domain.Transition) {
	s.mu.Lock()
	s.state = t.State
	s.last = t
	if t.State.Terminal() {
		s.finished = true
	}
	s.mu.Unlock()
}

func (s *Session) lastTransition() domain.Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func (s *Session) incAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return s.attempts
}

// Start begins polling preferenceID. The first query runs immediately. ctx
// bounds the lifetime of the whole session, so it must outlive the request
// that started it.
func (p *StatusPoller) Start(ctx context.Context, preferenceID string, onTransition TransitionFunc) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil, ErrPollerStopped
	}
	if _, ok := p.sessions[preferenceID]; ok {
		return nil, ErrSessionExists
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		preferenceID: preferenceID,
		cancel:       cancel,
		checkNow:     make(chan struct{}, 1),
		done:         make(chan struct{}),
		state:        domain.StateLoading,
	}
	p.sessions[preferenceID] = s

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(s.done)
		defer p.remove(s)
		defer cancel()
		p.run(ctx, s, onTransition)
	}()

	return s, nil
}

func (p *StatusPoller) Session(preferenceID string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[preferenceID]
	return s, ok
}

func (p *StatusPoller) Active(preferenceID string) bool {
	_, ok := p.Session(preferenceID)
	return ok
}

func (p *StatusPoller) CheckNow(preferenceID string) error {
	s, ok := p.Session(preferenceID)
	if !ok {
		return ErrNoSession
	}
	return s.CheckNow()
}

func (p *StatusPoller) Cancel(preferenceID string) error {
	s, ok := p.Session(preferenceID)
	if !ok {
		return ErrNoSession
	}
	s.Cancel()
	return nil
}

// Stop cancels every session and waits for them to exit.
func (p *StatusPoller) Stop() {
	p.mu.Lock()
	p.stopped = true
	for _, s := range p.sessions {
		s.Cancel()
	}
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *StatusPoller) remove(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.sessions[s.preferenceID]; ok && cur == s {
		delete(p.sessions, s.preferenceID)
	}
}

func (p *StatusPoller) run(ctx context.Context, s *Session, emit TransitionFunc) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.checkNow:
			if p.checkNow(ctx, s, emit) {
				return
			}
		case <-timer.C:
			attempt := s.incAttempts()
			if _, stop := p.poll(ctx, s, emit, attempt); stop {
				return
			}
			if attempt >= p.maxAttempts {
				p.logger.Info("polling budget exhausted",
					"preference_id", s.preferenceID,
					"attempts", attempt,
				)
				t := domain.Transition{
					PreferenceID: s.preferenceID,
					State:        domain.StateFailure,
					Detail: domain.TransitionDetail{
						Error:  timeoutMessage,
						Reason: domain.ReasonTimeout,
					},
				}
				s.settle(t)
				emit(t)
				return
			}
			timer.Reset(p.interval)
		}
	}
}

// checkNow runs a requested query. The session shows loading while it is in
// flight and falls back to its previous transition when the query yields
// none.
func (p *StatusPoller) checkNow(ctx context.Context, s *Session, emit TransitionFunc) bool {
	prev := s.lastTransition()
	s.setState(domain.StateLoading)
	emit(domain.Transition{PreferenceID: s.preferenceID, State: domain.StateLoading})

	emitted, stop := p.poll(ctx, s, emit, 0)
	if stop || emitted {
		return stop
	}
	if prev.State == "" {
		return false
	}
	s.settle(prev)
	emit(prev)
	return false
}

// poll runs one status query. It reports whether a transition was emitted
// and whether the session must stop. attempt is zero for manual checks.
func (p *StatusPoller) poll(ctx context.Context, s *Session, emit TransitionFunc, attempt int) (emitted, stop bool) {
	st, err := p.gateway.PaymentStatus(ctx, s.preferenceID)
	if ctx.Err() != nil {
		return false, true
	}
	if err != nil {
		p.logger.Warn("payment status query failed",
			"preference_id", s.preferenceID,
			"attempt", attempt,
			"error", err,
		)
		return false, false
	}

	t, ok := domain.MapStatus(*st)
	if !ok {
		p.logger.Warn("unmapped payment status",
			"preference_id", s.preferenceID,
			"attempt", attempt,
			"status", st.Status,
		)
		return false, false
	}

	t.PreferenceID = s.preferenceID
	s.settle(t)
	emit(t)
	return true, t.State.Terminal()
}
