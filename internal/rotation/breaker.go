package rotation

import (
	"sync"
	"time"
)

// BreakerState is one of the three circuit states.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes a circuit breaker. Zero values fall back to the
// defaults (threshold 5, recovery 60s, 3 half-open probes).
type BreakerConfig struct {
	FailureThreshold  int
	RecoveryTimeout   time.Duration
	MaxHalfOpenProbes int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.MaxHalfOpenProbes <= 0 {
		c.MaxHalfOpenProbes = 3
	}
	return c
}

// CircuitBreaker guards one upstream fingerprint. State is volatile and
// rebuilt from scratch after a restart; the durable failure counter in the
// registry covers long-running damage.
type CircuitBreaker struct {
	mu sync.Mutex

	cfg            BreakerConfig
	state          BreakerState
	failureCount   int
	lastFailure    time.Time
	halfOpenProbes int
	now            func() time.Time
	onTransition   func(from, to BreakerState)
}

// NewCircuitBreaker builds a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:   cfg.withDefaults(),
		state: StateClosed,
		now:   time.Now,
	}
}

// CanExecute reports whether a call may be attempted. In the open state it
// transitions to half-open once the recovery timeout has elapsed; in
// half-open it admits calls while probe capacity remains.
func (b *CircuitBreaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.cfg.RecoveryTimeout {
			b.transition(StateHalfOpen)
			b.halfOpenProbes = 0
			return true
		}
		return false
	case StateHalfOpen:
		return b.halfOpenProbes < b.cfg.MaxHalfOpenProbes
	}
	return false
}

// OnProbe marks one half-open probe as in flight. No-op in other states.
func (b *CircuitBreaker) OnProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.halfOpenProbes++
	}
}

// OnSuccess resets the breaker; a half-open success closes the circuit.
func (b *CircuitBreaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
	b.failureCount = 0
	b.lastFailure = time.Time{}
	b.halfOpenProbes = 0
}

// OnFailure counts a failure. A half-open failure reopens immediately; a
// closed breaker opens once the threshold is reached.
func (b *CircuitBreaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailure = b.now()

	switch b.state {
	case StateHalfOpen:
		b.transition(StateOpen)
		b.halfOpenProbes = 0
	case StateClosed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	}
}

// State returns the current state without side effects.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot reports state and counters for management introspection.
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		State:        b.state,
		FailureCount: b.failureCount,
		LastFailure:  b.lastFailure,
	}
}

// Reset forces the breaker back to closed.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
	b.failureCount = 0
	b.lastFailure = time.Time{}
	b.halfOpenProbes = 0
}

// transition must be called with the lock held.
func (b *CircuitBreaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	if b.onTransition != nil && from != to {
		b.onTransition(from, to)
	}
}

// BreakerSnapshot is a point-in-time view of one breaker.
type BreakerSnapshot struct {
	State        BreakerState `json:"state"`
	FailureCount int          `json:"failure_count"`
	LastFailure  time.Time    `json:"last_failure,omitempty"`
}

// BreakerSet holds one breaker per fingerprint, created lazily. All
// rotators share a single set so that switching strategies never loses
// breaker state.
type BreakerSet struct {
	mu           sync.Mutex
	cfg          BreakerConfig
	breakers     map[string]*CircuitBreaker
	onTransition func(fingerprint string, from, to BreakerState)
}

// NewBreakerSet creates an empty set with shared config.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*CircuitBreaker),
	}
}

// SetOnTransition installs a hook invoked on every state change.
func (s *BreakerSet) SetOnTransition(fn func(fingerprint string, from, to BreakerState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTransition = fn
	for fp, b := range s.breakers {
		s.bindTransition(fp, b)
	}
}

// Get returns the breaker for a fingerprint, creating it on first use.
func (s *BreakerSet) Get(fingerprint string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[fingerprint]
	if !ok {
		b = NewCircuitBreaker(s.cfg)
		s.bindTransition(fingerprint, b)
		s.breakers[fingerprint] = b
	}
	return b
}

func (s *BreakerSet) bindTransition(fingerprint string, b *CircuitBreaker) {
	hook := s.onTransition
	b.mu.Lock()
	defer b.mu.Unlock()
	if hook == nil {
		b.onTransition = nil
		return
	}
	b.onTransition = func(from, to BreakerState) {
		hook(fingerprint, from, to)
	}
}

// Snapshots returns the state of every known breaker.
func (s *BreakerSet) Snapshots() map[string]BreakerSnapshot {
	s.mu.Lock()
	breakers := make(map[string]*CircuitBreaker, len(s.breakers))
	for fp, b := range s.breakers {
		breakers[fp] = b
	}
	s.mu.Unlock()

	out := make(map[string]BreakerSnapshot, len(breakers))
	for fp, b := range breakers {
		out[fp] = b.Snapshot()
	}
	return out
}
