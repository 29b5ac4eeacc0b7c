package rotation

import (
	"context"
	"sync"
	"time"

	"orproxy-go/internal/events"
	"orproxy-go/internal/keys"
	log "github.com/sirupsen/logrus"
)

const (
	maintenanceInterval   = 5 * time.Minute
	maintenanceErrorDelay = time.Minute
)

// Manager owns one rotator per strategy plus the breaker set they all
// share. Switching the active strategy at runtime keeps every rotator's
// cursor and the breaker state intact.
type Manager struct {
	pool     KeyPool
	breakers *BreakerSet
	bus      events.Publisher

	mu       sync.RWMutex
	current  Strategy
	rotators map[Strategy]*Rotator
}

// NewManager builds a rotation manager with the given default strategy.
func NewManager(pool KeyPool, strategy Strategy, breakerCfg BreakerConfig, bus events.Publisher) *Manager {
	m := &Manager{
		pool:     pool,
		breakers: NewBreakerSet(breakerCfg),
		bus:      bus,
		current:  strategy,
		rotators: make(map[Strategy]*Rotator),
	}
	m.breakers.SetOnTransition(func(fingerprint string, from, to BreakerState) {
		log.WithFields(log.Fields{
			"module":      "rotation",
			"fingerprint": fingerprint,
			"from":        string(from),
			"to":          string(to),
		}).Info("breaker transition")
		if m.bus != nil {
			m.bus.Publish(context.Background(), events.TopicBreakerTransition, map[string]string{
				"fingerprint": fingerprint,
				"from":        string(from),
				"to":          string(to),
			}, nil)
		}
	})
	return m
}

// Rotator returns the rotator for a strategy, creating it lazily.
func (m *Manager) Rotator(strategy Strategy) *Rotator {
	m.mu.Lock()
	defer m.mu.Unlock()
	rot, ok := m.rotators[strategy]
	if !ok {
		rot = NewRotator(m.pool, strategy, m.breakers)
		m.rotators[strategy] = rot
	}
	return rot
}

// CurrentStrategy returns the active strategy.
func (m *Manager) CurrentStrategy() Strategy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// SetStrategy switches the active strategy. State held by other rotators
// and by the shared breakers is untouched.
func (m *Manager) SetStrategy(strategy Strategy) {
	m.mu.Lock()
	old := m.current
	m.current = strategy
	m.mu.Unlock()
	if old != strategy {
		log.WithFields(log.Fields{
			"module": "rotation",
			"from":   string(old),
			"to":     string(strategy),
		}).Info("rotation strategy switched")
	}
}

// SelectUpstream picks a key under the active strategy.
func (m *Manager) SelectUpstream(ctx context.Context) (*keys.UpstreamKey, error) {
	return m.Rotator(m.CurrentStrategy()).SelectUpstream(ctx)
}

// ReportSuccess forwards to the active rotator.
func (m *Manager) ReportSuccess(ctx context.Context, fingerprint string) {
	m.Rotator(m.CurrentStrategy()).ReportSuccess(ctx, fingerprint)
}

// ReportFailure forwards to the active rotator.
func (m *Manager) ReportFailure(ctx context.Context, fingerprint, reason string, rateLimitedUntil *time.Time) {
	m.Rotator(m.CurrentStrategy()).ReportFailure(ctx, fingerprint, reason, rateLimitedUntil)
}

// BreakerSnapshots exposes breaker state for management.
func (m *Manager) BreakerSnapshots() map[string]BreakerSnapshot {
	return m.breakers.Snapshots()
}

// ResetBreaker manually closes one breaker.
func (m *Manager) ResetBreaker(fingerprint string) {
	m.breakers.Get(fingerprint).Reset()
	log.WithFields(log.Fields{"module": "rotation", "fingerprint": fingerprint}).
		Info("breaker manually reset")
}

// RunMaintenance sweeps expired rate-limit windows: an immediate pass at
// startup, then every five minutes; a failed pass is retried after one
// minute. A sweep in flight always completes before the loop honors
// cancellation.
func (m *Manager) RunMaintenance(ctx context.Context) error {
	delay := time.Duration(0)
	for {
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		// The sweep runs on a detached context so that shutdown never
		// abandons a half-applied recovery pass.
		sweepCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := m.Sweep(sweepCtx)
		cancel()
		if err != nil {
			log.WithField("module", "rotation").WithError(err).
				Error("rate limit maintenance sweep failed")
			delay = maintenanceErrorDelay
		} else {
			delay = maintenanceInterval
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// Sweep runs one recovery pass.
func (m *Manager) Sweep(ctx context.Context) error {
	restored, err := m.pool.RecoverExpiredRateLimits(ctx)
	if err != nil {
		return err
	}
	if len(restored) > 0 {
		log.WithFields(log.Fields{
			"module":   "rotation",
			"restored": len(restored),
		}).Info("expired rate limits cleared")
	}
	return nil
}
