package domain

type LifecycleState string

const (
	StateLoading LifecycleState = "loading"
	StatePending LifecycleState = "pending"
	StateSuccess LifecycleState = "success"
	StateFailure LifecycleState = "failure"
)

func (s LifecycleState) Terminal() bool {
	switch s {
	case StateSuccess, StateFailure:
		return true
	default:
		return false
	}
}

// Reason codes attached to failure transitions that did not come straight
// from a rejected or cancelled payment.
const (
	ReasonTimeout     = "timeout"
	ReasonRedirect    = "redirect"
	ReasonRefunded    = "refunded"
	ReasonInMediation = "in_mediation"
	ReasonCancelled   = "cancelled"
	// ReasonUnpolled marks an order whose preference exists but whose
	// polling session could not be started.
	ReasonUnpolled = "unpolled"
	// ReasonSuperseded tags events of a preference replaced by a retry.
	ReasonSuperseded = "superseded"
)

type TransitionDetail struct {
	PaymentID string `json:"payment_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type Transition struct {
	PreferenceID string           `json:"preference_id"`
	State        LifecycleState   `json:"state"`
	Detail       TransitionDetail `json:"detail"`
}

// MapStatus maps a provider status onto the lifecycle. ok is false for
// statuses outside the provider vocabulary.
func MapStatus(ps PaymentStatus) (t Transition, ok bool) {
	detail := TransitionDetail{PaymentID: ps.PaymentID}
	switch ps.Status {
	case StatusApproved:
		return Transition{State: StateSuccess, Detail: detail}, true
	case StatusRejected, StatusCancelled:
		detail.Error = ps.StatusDetail
		return Transition{State: StateFailure, Detail: detail}, true
	case StatusPending, StatusInProcess:
		return Transition{State: StatePending, Detail: detail}, true
	case StatusRefunded:
		detail.Error = ps.StatusDetail
		detail.Reason = ReasonRefunded
		return Transition{State: StateFailure, Detail: detail}, true
	case StatusInMediation:
		detail.Error = ps.StatusDetail
		detail.Reason = ReasonInMediation
		return Transition{State: StateFailure, Detail: detail}, true
	default:
		return Transition{}, false
	}
}
