package keys

import (
	"context"
	"errors"
	"time"

	"orproxy-go/internal/storage"
	log "github.com/sirupsen/logrus"
)

// State Store layout (all under the store prefix):
//
//	client-key:<fingerprint>    hash record
//	upstream-key:<fingerprint>  hash record
//	user-index:<user-id>        set of client fingerprints
//	upstream-active             set of selectable upstream fingerprints
//	upstream-ratelimited        zset of fingerprints scored by reset unix time
//	rate:<user-id>:<minute>     rolling window counter, TTL 60s
const (
	nsClientKey       = "client-key"
	nsUpstreamKey     = "upstream-key"
	setUpstreamActive = "upstream-active"
	zsetRateLimited   = "upstream-ratelimited"
	userIndexPrefix   = "user-index:"
)

// ErrConflict indicates a fingerprint collision on key creation.
var ErrConflict = errors.New("keys: fingerprint already exists")

// ErrTooManyKeys indicates a bulk import above the per-call cap.
var ErrTooManyKeys = errors.New("keys: bulk import exceeds maximum batch size")

// Registry owns every ClientKey and UpstreamKey record. All durable
// mutations of those records go through here.
type Registry struct {
	store            storage.Store
	vault            SecretVault
	disableThreshold int
	now              func() time.Time
}

// Options tunes the registry.
type Options struct {
	// DisableThreshold is the consecutive-failure count at which an
	// upstream key is pulled from the active set. Defaults to 5.
	DisableThreshold int
}

// NewRegistry builds a registry over the given store and secret vault.
func NewRegistry(store storage.Store, vault SecretVault, opts Options) *Registry {
	threshold := opts.DisableThreshold
	if threshold <= 0 {
		threshold = 5
	}
	if vault == nil {
		vault = NewMemoryVault()
	}
	return &Registry{
		store:            store,
		vault:            vault,
		disableThreshold: threshold,
		now:              time.Now,
	}
}

// DisableThreshold exposes the configured failure threshold.
func (r *Registry) DisableThreshold() int { return r.disableThreshold }

// IssueClientKey generates a fresh client secret, persists only its
// fingerprint record, and indexes it under the owning user. The returned
// plaintext is the only copy that will ever exist.
func (r *Registry) IssueClientKey(ctx context.Context, userID string, permissions []string, rateLimit int) (string, *ClientKey, error) {
	if userID == "" {
		return "", nil, errors.New("keys: user id must not be empty")
	}
	if err := ValidatePermissions(permissions); err != nil {
		return "", nil, err
	}
	if rateLimit <= 0 {
		rateLimit = DefaultRateLimit
	}

	plaintext, err := GenerateAPIKey()
	if err != nil {
		return "", nil, err
	}
	fingerprint := Fingerprint(plaintext)

	existing, err := r.store.GetRecord(ctx, nsClientKey, fingerprint)
	if err != nil {
		return "", nil, err
	}
	if existing != nil {
		return "", nil, ErrConflict
	}

	key := &ClientKey{
		Fingerprint: fingerprint,
		UserID:      userID,
		CreatedAt:   r.now().UTC(),
		IsActive:    true,
		Permissions: permissions,
		RateLimit:   rateLimit,
	}
	if err := r.store.PutRecord(ctx, nsClientKey, fingerprint, key.encode()); err != nil {
		return "", nil, err
	}
	if err := r.store.SetAdd(ctx, userIndexPrefix+userID, fingerprint); err != nil {
		return "", nil, err
	}

	log.WithFields(log.Fields{
		"module":      "keys",
		"user_id":     userID,
		"fingerprint": fingerprint,
	}).Info("client key issued")
	return plaintext, key, nil
}

// ValidateClientKey resolves a presented secret to its key record. It
// returns nil for unknown or inactive keys. On a hit it stamps last-used
// and bumps the usage counter.
func (r *Registry) ValidateClientKey(ctx context.Context, plaintext string) (*ClientKey, error) {
	fingerprint := Fingerprint(plaintext)
	fields, err := r.store.GetRecord(ctx, nsClientKey, fingerprint)
	if err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, nil
	}
	key := decodeClientKey(fingerprint, fields)
	if !key.IsActive {
		return nil, nil
	}

	now := r.now().UTC()
	count, err := r.store.IncrementField(ctx, nsClientKey, fingerprint, "usage_count", 1)
	if err == nil {
		key.UsageCount = count
	} else {
		key.UsageCount++
		log.WithFields(log.Fields{"module": "keys", "fingerprint": fingerprint}).
			WithError(err).Warn("failed to bump client usage counter")
	}
	if err := r.store.PutRecord(ctx, nsClientKey, fingerprint, map[string]string{
		"last_used": now.Format(time.RFC3339Nano),
	}); err != nil {
		log.WithFields(log.Fields{"module": "keys", "fingerprint": fingerprint}).
			WithError(err).Warn("failed to stamp client last-used")
	}
	key.LastUsed = &now
	return key, nil
}

// GetClientKey loads one client key record without touching usage state.
func (r *Registry) GetClientKey(ctx context.Context, fingerprint string) (*ClientKey, error) {
	fields, err := r.store.GetRecord(ctx, nsClientKey, fingerprint)
	if err != nil || fields == nil {
		return nil, err
	}
	return decodeClientKey(fingerprint, fields), nil
}

// ListClientKeys returns client keys, scoped to one user when userID is
// non-empty (via the user index), otherwise by namespace scan.
func (r *Registry) ListClientKeys(ctx context.Context, userID string) ([]*ClientKey, error) {
	var fingerprints []string
	var err error
	if userID != "" {
		fingerprints, err = r.store.SetMembers(ctx, userIndexPrefix+userID)
	} else {
		fingerprints, err = r.store.Scan(ctx, nsClientKey)
	}
	if err != nil {
		return nil, err
	}

	out := make([]*ClientKey, 0, len(fingerprints))
	for _, fp := range fingerprints {
		fields, err := r.store.GetRecord(ctx, nsClientKey, fp)
		if err != nil {
			return nil, err
		}
		if fields == nil {
			// Index may briefly outlive the record; skip stale members.
			continue
		}
		out = append(out, decodeClientKey(fp, fields))
	}
	return out, nil
}

// DeactivateClientKey flips a key inactive, preserving its history.
func (r *Registry) DeactivateClientKey(ctx context.Context, fingerprint string) (bool, error) {
	return r.setClientActive(ctx, fingerprint, false)
}

// ReactivateClientKey re-enables a deactivated key.
func (r *Registry) ReactivateClientKey(ctx context.Context, fingerprint string) (bool, error) {
	return r.setClientActive(ctx, fingerprint, true)
}

func (r *Registry) setClientActive(ctx context.Context, fingerprint string, active bool) (bool, error) {
	fields, err := r.store.GetRecord(ctx, nsClientKey, fingerprint)
	if err != nil {
		return false, err
	}
	if fields == nil {
		return false, nil
	}
	if err := r.store.PutRecord(ctx, nsClientKey, fingerprint, map[string]string{
		"is_active": boolString(active),
	}); err != nil {
		return false, err
	}
	log.WithFields(log.Fields{
		"module":      "keys",
		"fingerprint": fingerprint,
		"active":      active,
	}).Info("client key active flag updated")
	return true, nil
}

// DeleteClientKey removes the record and its user-index entry for good.
func (r *Registry) DeleteClientKey(ctx context.Context, fingerprint string) (bool, error) {
	fields, err := r.store.GetRecord(ctx, nsClientKey, fingerprint)
	if err != nil {
		return false, err
	}
	if fields == nil {
		return false, nil
	}
	userID := fields["user_id"]

	deleted, err := r.store.DeleteRecord(ctx, nsClientKey, fingerprint)
	if err != nil {
		return false, err
	}
	if userID != "" {
		if err := r.store.SetRemove(ctx, userIndexPrefix+userID, fingerprint); err != nil {
			return deleted, err
		}
	}
	log.WithFields(log.Fields{
		"module":      "keys",
		"fingerprint": fingerprint,
		"user_id":     userID,
	}).Info("client key deleted")
	return deleted, nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
