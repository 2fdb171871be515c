package ratelimit

// State is the backend selection state of a HybridLimiter.
type State string

const (
	// StatePrimary serves decisions from the shared store.
	StatePrimary State = "primary"
	// StateDegraded serves decisions from the local store.
	StateDegraded State = "degraded"
)

// Observer receives limiter events for monitoring. Implementations must be
// safe for concurrent use and must not block.
type Observer interface {
	// OnDecision is called once per CheckAndConsume with the decision returned.
	OnDecision(key string, d Decision)

	// OnTransition is called when the limiter switches backends. cause is the
	// shared store error that triggered a degrade, nil on recovery.
	OnTransition(from, to State, cause error)
}

// Observers fans events out to several observers.
type Observers []Observer

func (o Observers) OnDecision(key string, d Decision) {
	for _, obs := range o {
		obs.OnDecision(key, d)
	}
}

func (o Observers) OnTransition(from, to State, cause error) {
	for _, obs := range o {
		obs.OnTransition(from, to, cause)
	}
}

type nopObserver struct{}

func (nopObserver) OnDecision(string, Decision)       {}
func (nopObserver) OnTransition(State, State, error) {}
