package keys

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// MaxBulkImport caps a single bulk-add call.
const MaxBulkImport = 100

// AddUpstreamKey registers one provider credential. It returns the empty
// string (no error) when the fingerprint is already in the pool. The
// plaintext goes to the vault; only the fingerprint record is persisted.
func (r *Registry) AddUpstreamKey(ctx context.Context, plaintext string) (string, error) {
	fingerprint := Fingerprint(plaintext)

	existing, err := r.store.GetRecord(ctx, nsUpstreamKey, fingerprint)
	if err != nil {
		return "", err
	}
	if existing != nil {
		log.WithFields(log.Fields{"module": "keys", "fingerprint": fingerprint}).
			Warn("upstream key already exists")
		return "", nil
	}

	key := &UpstreamKey{
		Fingerprint: fingerprint,
		AddedAt:     r.now().UTC(),
		IsActive:    true,
		IsHealthy:   true,
	}
	if err := r.store.PutRecord(ctx, nsUpstreamKey, fingerprint, key.encode()); err != nil {
		return "", err
	}
	if err := r.store.SetAdd(ctx, setUpstreamActive, fingerprint); err != nil {
		return "", err
	}
	r.vault.Put(fingerprint, plaintext)

	log.WithFields(log.Fields{"module": "keys", "fingerprint": fingerprint}).
		Info("upstream key added")
	return fingerprint, nil
}

// BulkAddUpstreamKeys imports up to MaxBulkImport keys with per-key error
// isolation: one bad key never aborts the batch.
func (r *Registry) BulkAddUpstreamKeys(ctx context.Context, plaintexts []string) (*BulkImportResult, error) {
	if len(plaintexts) > MaxBulkImport {
		return nil, ErrTooManyKeys
	}

	result := &BulkImportResult{Total: len(plaintexts)}
	for _, plaintext := range plaintexts {
		fingerprint, err := r.AddUpstreamKey(ctx, plaintext)
		switch {
		case err != nil:
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("import failed: %v", err))
		case fingerprint == "":
			result.Failed++
			result.Errors = append(result.Errors, "key already exists")
		default:
			result.Successful++
			result.Fingerprints = append(result.Fingerprints, fingerprint)
		}
	}
	return result, nil
}

// MarkUpstreamUnhealthy bumps the consecutive-failure counter and records
// the error text. At the disable threshold the key is flipped unhealthy
// and pulled from the active set.
func (r *Registry) MarkUpstreamUnhealthy(ctx context.Context, fingerprint, errorText string) error {
	fields, err := r.store.GetRecord(ctx, nsUpstreamKey, fingerprint)
	if err != nil {
		return err
	}
	if fields == nil {
		return nil
	}
	if errorText == "" {
		errorText = "unknown error"
	}

	count, err := r.store.IncrementField(ctx, nsUpstreamKey, fingerprint, "failure_count", 1)
	if err != nil {
		return err
	}
	updates := map[string]string{"last_error": errorText}
	if count >= int64(r.disableThreshold) {
		updates["is_healthy"] = "false"
	}
	if err := r.store.PutRecord(ctx, nsUpstreamKey, fingerprint, updates); err != nil {
		return err
	}
	if count >= int64(r.disableThreshold) {
		if err := r.store.SetRemove(ctx, setUpstreamActive, fingerprint); err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"module":      "keys",
			"fingerprint": fingerprint,
			"failures":    count,
		}).Warn("upstream key disabled after consecutive failures")
	}
	return nil
}

// MarkUpstreamRateLimited records the reset time and flips the key
// unhealthy. The key stays in the active set; eligibility is re-derived
// from the reset time on every read, and the ratelimited index lets the
// maintenance sweep find it cheaply. The index entry lands before the
// record write: a partial failure must never produce an unhealthy record
// the sweep cannot see.
func (r *Registry) MarkUpstreamRateLimited(ctx context.Context, fingerprint string, reset time.Time) error {
	fields, err := r.store.GetRecord(ctx, nsUpstreamKey, fingerprint)
	if err != nil {
		return err
	}
	if fields == nil {
		return nil
	}
	if err := r.store.SortedSetAdd(ctx, zsetRateLimited, fingerprint, float64(reset.Unix())); err != nil {
		return err
	}
	if err := r.store.PutRecord(ctx, nsUpstreamKey, fingerprint, map[string]string{
		"rate_limit_reset": reset.UTC().Format(time.RFC3339Nano),
		"is_healthy":       "false",
	}); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"module":      "keys",
		"fingerprint": fingerprint,
		"reset":       reset.UTC().Format(time.RFC3339),
	}).Info("upstream key rate limited")
	return nil
}

// MarkUpstreamSuccess resets failure state and stamps usage after a
// successful upstream call, restoring the key to the active set.
func (r *Registry) MarkUpstreamSuccess(ctx context.Context, fingerprint string) error {
	fields, err := r.store.GetRecord(ctx, nsUpstreamKey, fingerprint)
	if err != nil {
		return err
	}
	if fields == nil {
		return nil
	}
	now := r.now().UTC()
	if err := r.store.PutRecord(ctx, nsUpstreamKey, fingerprint, map[string]string{
		"is_healthy":       "true",
		"failure_count":    "0",
		"last_used":        now.Format(time.RFC3339Nano),
		"rate_limit_reset": "",
		"last_error":       "",
	}); err != nil {
		return err
	}
	if _, err := r.store.IncrementField(ctx, nsUpstreamKey, fingerprint, "usage_count", 1); err != nil {
		return err
	}
	if err := r.store.SetAdd(ctx, setUpstreamActive, fingerprint); err != nil {
		return err
	}
	return r.store.SortedSetRemove(ctx, zsetRateLimited, fingerprint)
}

// ListEligibleUpstreamKeys returns pool members that pass the derived
// eligibility predicate right now. Set membership can briefly diverge
// from record state, so the predicate is re-checked per element.
func (r *Registry) ListEligibleUpstreamKeys(ctx context.Context) ([]*UpstreamKey, error) {
	members, err := r.store.SetMembers(ctx, setUpstreamActive)
	if err != nil {
		return nil, err
	}
	now := r.now()

	eligible := make([]*UpstreamKey, 0, len(members))
	for _, fp := range members {
		fields, err := r.store.GetRecord(ctx, nsUpstreamKey, fp)
		if err != nil {
			return nil, err
		}
		if fields == nil {
			continue
		}
		key := decodeUpstreamKey(fp, fields)
		if key.Eligible(now) {
			eligible = append(eligible, key)
		}
	}
	return eligible, nil
}

// ListUpstreamKeys returns every pooled key regardless of state.
func (r *Registry) ListUpstreamKeys(ctx context.Context) ([]*UpstreamKey, error) {
	fingerprints, err := r.store.Scan(ctx, nsUpstreamKey)
	if err != nil {
		return nil, err
	}
	out := make([]*UpstreamKey, 0, len(fingerprints))
	for _, fp := range fingerprints {
		fields, err := r.store.GetRecord(ctx, nsUpstreamKey, fp)
		if err != nil {
			return nil, err
		}
		if fields == nil {
			continue
		}
		out = append(out, decodeUpstreamKey(fp, fields))
	}
	return out, nil
}

// GetUpstreamKey loads one upstream record.
func (r *Registry) GetUpstreamKey(ctx context.Context, fingerprint string) (*UpstreamKey, error) {
	fields, err := r.store.GetRecord(ctx, nsUpstreamKey, fingerprint)
	if err != nil || fields == nil {
		return nil, err
	}
	return decodeUpstreamKey(fingerprint, fields), nil
}

// DeleteUpstreamKey drops the record, its indexes, and the vaulted secret.
func (r *Registry) DeleteUpstreamKey(ctx context.Context, fingerprint string) (bool, error) {
	deleted, err := r.store.DeleteRecord(ctx, nsUpstreamKey, fingerprint)
	if err != nil {
		return false, err
	}
	if err := r.store.SetRemove(ctx, setUpstreamActive, fingerprint); err != nil {
		return deleted, err
	}
	if err := r.store.SortedSetRemove(ctx, zsetRateLimited, fingerprint); err != nil {
		return deleted, err
	}
	r.vault.Delete(fingerprint)
	if deleted {
		log.WithFields(log.Fields{"module": "keys", "fingerprint": fingerprint}).
			Info("upstream key deleted")
	}
	return deleted, nil
}

// ResolveUpstreamSecret maps a fingerprint back to its plaintext via the
// vault. It never reads plaintext from the state store.
func (r *Registry) ResolveUpstreamSecret(fingerprint string) (string, bool) {
	return r.vault.Resolve(fingerprint)
}

// RecoverExpiredRateLimits restores keys whose rate-limit window has
// passed: healthy=true, failure counter zeroed, back into the active set.
// Returns the fingerprints restored.
func (r *Registry) RecoverExpiredRateLimits(ctx context.Context) ([]string, error) {
	now := r.now()
	due, err := r.store.SortedSetRangeByScore(ctx, zsetRateLimited, float64(-1 << 62), float64(now.Unix()))
	if err != nil {
		return nil, err
	}

	var restored []string
	for _, fp := range due {
		fields, err := r.store.GetRecord(ctx, nsUpstreamKey, fp)
		if err != nil {
			return restored, err
		}
		if fields == nil {
			_ = r.store.SortedSetRemove(ctx, zsetRateLimited, fp)
			continue
		}
		key := decodeUpstreamKey(fp, fields)
		if key.IsRateLimited(now) {
			continue
		}
		if err := r.store.PutRecord(ctx, nsUpstreamKey, fp, map[string]string{
			"is_healthy":       "true",
			"rate_limit_reset": "",
			"failure_count":    "0",
		}); err != nil {
			return restored, err
		}
		if err := r.store.SetAdd(ctx, setUpstreamActive, fp); err != nil {
			return restored, err
		}
		if err := r.store.SortedSetRemove(ctx, zsetRateLimited, fp); err != nil {
			return restored, err
		}
		restored = append(restored, fp)
		log.WithFields(log.Fields{"module": "keys", "fingerprint": fp}).
			Info("rate limit expired, upstream key restored")
	}
	return restored, nil
}
