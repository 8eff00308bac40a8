package infra

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Circuit breaker states
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// ErrCircuitOpen is returned when a call is rejected without reaching the backend.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies this circuit breaker, usually the backend name.
	Name string

	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int

	// Cooldown is how long the circuit stays open before allowing a probe.
	Cooldown time.Duration

	// OnStateChange is called when the circuit state changes.
	OnStateChange func(from, to string)
}

// CircuitBreaker fault-isolates a single upstream backend. While closed,
// calls pass through and failures are counted; after FailureThreshold
// consecutive failures the circuit opens and calls fail fast with
// ErrCircuitOpen. Once the cooldown elapses a single probe call is
// admitted; its outcome decides whether the circuit closes or re-opens.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu                  sync.Mutex
	state               string
	consecutiveFailures int
	totalFailures       int
	probing             bool
	openedAt            time.Time
	nextProbeAt         time.Time
}

// NewCircuitBreaker creates a new circuit breaker with the given config.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}

	return &CircuitBreaker{
		config: config,
		state:  CircuitClosed,
	}
}

// Execute runs the given function with circuit breaker protection.
// If the circuit is open, or a half-open probe is already in flight,
// ErrCircuitOpen is returned without invoking fn. fn itself runs
// outside the breaker lock.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := cb.beginCall()
	if err != nil {
		return err
	}

	err = fn(ctx)
	cb.endCall(probe, err)
	return err
}

// ExecuteWithResult runs a function that returns a value with circuit breaker protection.
func ExecuteWithResult[T any](cb *CircuitBreaker, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	probe, err := cb.beginCall()
	if err != nil {
		return zero, err
	}

	result, err := fn(ctx)
	cb.endCall(probe, err)
	return result, err
}

// beginCall checks admission and transitions open -> half-open when the
// cooldown has elapsed. Returns whether this call is the half-open probe.
func (cb *CircuitBreaker) beginCall() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return false, nil

	case CircuitOpen:
		if time.Now().Before(cb.nextProbeAt) {
			return false, ErrCircuitOpen
		}
		cb.transitionTo(CircuitHalfOpen)
		cb.probing = true
		return true, nil

	case CircuitHalfOpen:
		if cb.probing {
			// Exactly one probe at a time; concurrent callers fail fast.
			return false, ErrCircuitOpen
		}
		cb.probing = true
		return true, nil

	default:
		return false, nil
	}
}

// endCall records the outcome of a call admitted by beginCall.
func (cb *CircuitBreaker) endCall(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probing = false
	}

	if err != nil {
		cb.consecutiveFailures++
		cb.totalFailures++
		switch cb.state {
		case CircuitClosed:
			if cb.consecutiveFailures >= cb.config.FailureThreshold {
				cb.open()
			}
		case CircuitHalfOpen:
			cb.open()
		}
		return
	}

	switch cb.state {
	case CircuitClosed:
		cb.consecutiveFailures = 0
	case CircuitHalfOpen:
		cb.consecutiveFailures = 0
		cb.openedAt = time.Time{}
		cb.nextProbeAt = time.Time{}
		cb.transitionTo(CircuitClosed)
	}
}

// open transitions to the open state and arms the probe timer.
// Must be called with the lock held.
func (cb *CircuitBreaker) open() {
	now := time.Now()
	cb.openedAt = now
	cb.nextProbeAt = now.Add(cb.config.Cooldown)
	cb.transitionTo(CircuitOpen)
}

// transitionTo changes the circuit breaker state. Must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(newState string) {
	oldState := cb.state
	if oldState == newState {
		return
	}
	cb.state = newState

	if cb.config.OnStateChange != nil {
		// Call asynchronously to avoid blocking
		go cb.config.OnStateChange(oldState, newState)
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		Name:                cb.config.Name,
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		TotalFailures:       cb.totalFailures,
		OpenedAt:            cb.openedAt,
		NextProbeAt:         cb.nextProbeAt,
	}
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.consecutiveFailures = 0
	cb.probing = false
	cb.openedAt = time.Time{}
	cb.nextProbeAt = time.Time{}
}

// CircuitBreakerStats contains statistics about a circuit breaker.
type CircuitBreakerStats struct {
	Name                string
	State               string
	ConsecutiveFailures int
	TotalFailures       int
	OpenedAt            time.Time
	NextProbeAt         time.Time
}

// CircuitBreakerRegistry manages one circuit breaker per backend.
type CircuitBreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	defaults CircuitBreakerConfig
}

// NewCircuitBreakerRegistry creates a new registry with default config.
func NewCircuitBreakerRegistry(defaults CircuitBreakerConfig) *CircuitBreakerRegistry {
	if defaults.FailureThreshold <= 0 {
		defaults.FailureThreshold = 5
	}
	if defaults.Cooldown <= 0 {
		defaults.Cooldown = 30 * time.Second
	}

	return &CircuitBreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
	}
}

// Get returns or creates a circuit breaker with the given name.
func (r *CircuitBreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()

	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	config := r.defaults
	config.Name = name
	cb = NewCircuitBreaker(config)
	r.breakers[name] = cb
	return cb
}

// Stats returns statistics for all circuit breakers.
func (r *CircuitBreakerRegistry) Stats() []CircuitBreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]CircuitBreakerStats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		stats = append(stats, cb.Stats())
	}
	return stats
}

// OpenCircuits returns names of all open circuit breakers.
func (r *CircuitBreakerRegistry) OpenCircuits() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var open []string
	for name, cb := range r.breakers {
		if cb.State() == CircuitOpen {
			open = append(open, name)
		}
	}
	return open
}

// ResetAll resets all circuit breakers to closed state.
func (r *CircuitBreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}
