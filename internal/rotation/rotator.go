package rotation

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"orproxy-go/internal/keys"
	log "github.com/sirupsen/logrus"
)

// Strategy names the selection policy applied over the filtered pool.
type Strategy string

const (
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyRandom      Strategy = "random"
	StrategyLeastUsed   Strategy = "least_used"
	StrategyWeighted    Strategy = "weighted"
	StrategyHealthBased Strategy = "health_based"
)

// ParseStrategy validates a strategy name from configuration.
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(name) {
	case StrategyRoundRobin, StrategyRandom, StrategyLeastUsed, StrategyWeighted, StrategyHealthBased:
		return Strategy(name), nil
	case "":
		return StrategyWeighted, nil
	}
	return "", fmt.Errorf("rotation: unknown strategy %q", name)
}

// KeyPool is the registry surface the rotator depends on.
type KeyPool interface {
	ListEligibleUpstreamKeys(ctx context.Context) ([]*keys.UpstreamKey, error)
	MarkUpstreamSuccess(ctx context.Context, fingerprint string) error
	MarkUpstreamUnhealthy(ctx context.Context, fingerprint, errorText string) error
	MarkUpstreamRateLimited(ctx context.Context, fingerprint string, reset time.Time) error
	RecoverExpiredRateLimits(ctx context.Context) ([]string, error)
}

// Rotator selects upstream keys under one strategy. Cursor and
// last-selection state are per-rotator; breakers are shared via the
// BreakerSet passed in.
type Rotator struct {
	pool     KeyPool
	strategy Strategy
	breakers *BreakerSet

	mu            sync.Mutex
	cursor        uint64
	lastSelection map[string]time.Time

	now func() time.Time
}

// NewRotator creates a rotator over the shared breaker set.
func NewRotator(pool KeyPool, strategy Strategy, breakers *BreakerSet) *Rotator {
	return &Rotator{
		pool:          pool,
		strategy:      strategy,
		breakers:      breakers,
		lastSelection: make(map[string]time.Time),
		now:           time.Now,
	}
}

// SelectUpstream picks one usable upstream key, or nil when the pool is
// drained: no eligible records, or every breaker refuses.
func (r *Rotator) SelectUpstream(ctx context.Context) (*keys.UpstreamKey, error) {
	eligible, err := r.pool.ListEligibleUpstreamKeys(ctx)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		log.WithField("module", "rotation").Warn("no eligible upstream keys in pool")
		return nil, nil
	}

	available := eligible[:0]
	for _, key := range eligible {
		if r.breakers.Get(key.Fingerprint).CanExecute() {
			available = append(available, key)
		}
	}
	if len(available) == 0 {
		log.WithField("module", "rotation").Warn("all upstream keys held back by circuit breakers")
		return nil, nil
	}

	selected := r.pick(available)
	if selected == nil {
		return nil, nil
	}

	breaker := r.breakers.Get(selected.Fingerprint)
	if breaker.State() == StateHalfOpen {
		breaker.OnProbe()
	}

	r.mu.Lock()
	r.lastSelection[selected.Fingerprint] = r.now()
	r.mu.Unlock()

	return selected, nil
}

// ReportSuccess closes the loop after a successful upstream call.
func (r *Rotator) ReportSuccess(ctx context.Context, fingerprint string) {
	r.breakers.Get(fingerprint).OnSuccess()
	if err := r.pool.MarkUpstreamSuccess(ctx, fingerprint); err != nil {
		log.WithFields(log.Fields{"module": "rotation", "fingerprint": fingerprint}).
			WithError(err).Error("failed to record upstream success")
	}
}

// ReportFailure records a failed attempt. When rateLimitedUntil is
// non-nil the key is marked rate limited until that time instead of
// accruing a durable failure.
func (r *Rotator) ReportFailure(ctx context.Context, fingerprint, reason string, rateLimitedUntil *time.Time) {
	r.breakers.Get(fingerprint).OnFailure()

	var err error
	if rateLimitedUntil != nil {
		err = r.pool.MarkUpstreamRateLimited(ctx, fingerprint, *rateLimitedUntil)
	} else {
		err = r.pool.MarkUpstreamUnhealthy(ctx, fingerprint, reason)
	}
	if err != nil {
		log.WithFields(log.Fields{"module": "rotation", "fingerprint": fingerprint}).
			WithError(err).Error("failed to record upstream failure")
		return
	}
	log.WithFields(log.Fields{
		"module":       "rotation",
		"fingerprint":  fingerprint,
		"reason":       reason,
		"rate_limited": rateLimitedUntil != nil,
	}).Warn("upstream key failure reported")
}

func (r *Rotator) pick(available []*keys.UpstreamKey) *keys.UpstreamKey {
	switch r.strategy {
	case StrategyRandom:
		return available[randBelow(len(available))]
	case StrategyLeastUsed:
		return r.pickLeastUsed(available)
	case StrategyWeighted:
		return r.pickWeighted(available)
	case StrategyHealthBased:
		return r.pickHealthBased(available)
	default:
		return r.pickRoundRobin(available)
	}
}

func (r *Rotator) pickRoundRobin(available []*keys.UpstreamKey) *keys.UpstreamKey {
	r.mu.Lock()
	slot := r.cursor
	r.cursor++
	r.mu.Unlock()
	return available[slot%uint64(len(available))]
}

// pickLeastUsed prefers the key with the oldest last-used stamp; a key
// that has never been used wins outright.
func (r *Rotator) pickLeastUsed(available []*keys.UpstreamKey) *keys.UpstreamKey {
	best := available[0]
	for _, key := range available[1:] {
		if key.LastUsed == nil {
			if best.LastUsed != nil {
				best = key
			}
			continue
		}
		if best.LastUsed != nil && key.LastUsed.Before(*best.LastUsed) {
			best = key
		}
	}
	return best
}

// pickWeighted samples proportionally to each key's weight via inverse
// CDF over a cryptographic random draw.
func (r *Rotator) pickWeighted(available []*keys.UpstreamKey) *keys.UpstreamKey {
	weights := make([]float64, len(available))
	total := 0.0
	for i, key := range available {
		w := r.keyWeight(key)
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return r.pickRoundRobin(available)
	}

	draw := float64(randBelow(int(total*1000))) / 1000.0
	cumulative := 0.0
	for i, w := range weights {
		cumulative += w
		if draw <= cumulative {
			return available[i]
		}
	}
	return available[len(available)-1]
}

// keyWeight scores a key for weighted sampling: a failure penalty of 0.2
// per consecutive failure (floored at 0.1), a freshness bonus of up to
// 0.5 for keys idle longest (full bonus when never used), and a halving
// when this rotator picked the key less than a minute ago.
func (r *Rotator) keyWeight(key *keys.UpstreamKey) float64 {
	now := r.now()

	weight := 1.0 - 0.2*float64(key.FailureCount)
	if weight < 0.1 {
		weight = 0.1
	}

	if key.LastUsed != nil {
		hoursIdle := now.Sub(*key.LastUsed).Hours()
		bonus := hoursIdle * 0.1
		if bonus > 0.5 {
			bonus = 0.5
		}
		weight += bonus
	} else {
		weight += 0.5
	}

	r.mu.Lock()
	last, ok := r.lastSelection[key.Fingerprint]
	r.mu.Unlock()
	if ok && now.Sub(last) < time.Minute {
		weight *= 0.5
	}

	if weight < 0.1 {
		weight = 0.1
	}
	return weight
}

// pickHealthBased takes the argmax of a composite health score, ties
// broken by list order.
func (r *Rotator) pickHealthBased(available []*keys.UpstreamKey) *keys.UpstreamKey {
	best := available[0]
	bestScore := r.healthScore(best)
	for _, key := range available[1:] {
		if score := r.healthScore(key); score > bestScore {
			best = key
			bestScore = score
		}
	}
	return best
}

func (r *Rotator) healthScore(key *keys.UpstreamKey) float64 {
	now := r.now()
	score := 100.0
	score -= float64(key.FailureCount) * 10
	if key.IsRateLimited(now) {
		score -= 30
	}

	usage := float64(key.UsageCount) / 1000.0
	if usage > 1.0 {
		usage = 1.0
	}
	score -= usage * 20

	if key.LastUsed != nil && now.Sub(*key.LastUsed) < time.Hour {
		score += 10
	}

	if score < 0 {
		score = 0
	}
	return score
}

// LastSelection reports when this rotator last picked a fingerprint.
func (r *Rotator) LastSelection(fingerprint string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.lastSelection[fingerprint]
	return t, ok
}

// randBelow draws a uniform value in [0, n) from crypto/rand.
func randBelow(n int) int {
	if n <= 1 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		// crypto/rand failing means the process is in serious trouble;
		// degrade to the first slot rather than crash the request.
		return 0
	}
	return int(v.Int64())
}
