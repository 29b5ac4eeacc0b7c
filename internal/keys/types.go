package keys

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Permissions form a closed set; anything else is rejected at issue time.
const (
	PermChatCompletions = "chat.completions"
	PermModelsList      = "models.list"
	PermEmbeddings      = "embeddings"
	PermImagesGenerate  = "images.generate"
)

var validPermissions = map[string]struct{}{
	PermChatCompletions: {},
	PermModelsList:      {},
	PermEmbeddings:      {},
	PermImagesGenerate:  {},
}

// ValidatePermissions checks every entry against the closed permission set.
func ValidatePermissions(perms []string) error {
	for _, p := range perms {
		if _, ok := validPermissions[p]; !ok {
			return fmt.Errorf("invalid permission: %s", p)
		}
	}
	return nil
}

// DefaultRateLimit is the per-key requests-per-hour default.
const DefaultRateLimit = 1000

// ClientKey is an issued client credential. The plaintext secret is never
// stored; the SHA-256 fingerprint is the storage handle.
type ClientKey struct {
	Fingerprint string     `json:"fingerprint"`
	UserID      string     `json:"user_id"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
	IsActive    bool       `json:"is_active"`
	Permissions []string   `json:"permissions"`
	UsageCount  int64      `json:"usage_count"`
	RateLimit   int        `json:"rate_limit"`
}

// UpstreamKey is one pooled provider credential.
type UpstreamKey struct {
	Fingerprint    string     `json:"fingerprint"`
	AddedAt        time.Time  `json:"added_at"`
	IsActive       bool       `json:"is_active"`
	IsHealthy      bool       `json:"is_healthy"`
	FailureCount   int        `json:"failure_count"`
	LastUsed       *time.Time `json:"last_used,omitempty"`
	RateLimitReset *time.Time `json:"rate_limit_reset,omitempty"`
	UsageCount     int64      `json:"usage_count"`
	LastError      string     `json:"last_error,omitempty"`
}

// IsRateLimited reports whether the key currently sits inside a rate-limit
// window.
func (k *UpstreamKey) IsRateLimited(now time.Time) bool {
	return k.RateLimitReset != nil && k.RateLimitReset.After(now)
}

// Eligible is the derived selection predicate: active, healthy, and not
// inside a rate-limit window.
func (k *UpstreamKey) Eligible(now time.Time) bool {
	return k.IsActive && k.IsHealthy && !k.IsRateLimited(now)
}

// Records are stored as string hash fields. Unknown fields
// are ignored on read for forward compatibility; malformed known fields
// fall back to zero values rather than failing the whole record.

func (k *ClientKey) encode() map[string]string {
	perms, _ := json.Marshal(k.Permissions)
	return map[string]string{
		"user_id":     k.UserID,
		"created_at":  k.CreatedAt.UTC().Format(time.RFC3339Nano),
		"last_used":   encodeTime(k.LastUsed),
		"is_active":   strconv.FormatBool(k.IsActive),
		"permissions": string(perms),
		"usage_count": strconv.FormatInt(k.UsageCount, 10),
		"rate_limit":  strconv.Itoa(k.RateLimit),
	}
}

func decodeClientKey(fingerprint string, fields map[string]string) *ClientKey {
	k := &ClientKey{
		Fingerprint: fingerprint,
		UserID:      fields["user_id"],
		CreatedAt:   decodeTimeValue(fields["created_at"]),
		LastUsed:    decodeTime(fields["last_used"]),
		IsActive:    decodeBool(fields["is_active"], true),
		UsageCount:  decodeInt64(fields["usage_count"]),
		RateLimit:   int(decodeInt64(fields["rate_limit"])),
	}
	if k.RateLimit <= 0 {
		k.RateLimit = DefaultRateLimit
	}
	if raw := fields["permissions"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &k.Permissions)
	}
	return k
}

func (k *UpstreamKey) encode() map[string]string {
	return map[string]string{
		"fingerprint":      k.Fingerprint,
		"added_at":         k.AddedAt.UTC().Format(time.RFC3339Nano),
		"is_active":        strconv.FormatBool(k.IsActive),
		"is_healthy":       strconv.FormatBool(k.IsHealthy),
		"failure_count":    strconv.Itoa(k.FailureCount),
		"last_used":        encodeTime(k.LastUsed),
		"rate_limit_reset": encodeTime(k.RateLimitReset),
		"usage_count":      strconv.FormatInt(k.UsageCount, 10),
		"last_error":       k.LastError,
	}
}

func decodeUpstreamKey(fingerprint string, fields map[string]string) *UpstreamKey {
	return &UpstreamKey{
		Fingerprint:    fingerprint,
		AddedAt:        decodeTimeValue(fields["added_at"]),
		IsActive:       decodeBool(fields["is_active"], true),
		IsHealthy:      decodeBool(fields["is_healthy"], true),
		FailureCount:   int(decodeInt64(fields["failure_count"])),
		LastUsed:       decodeTime(fields["last_used"]),
		RateLimitReset: decodeTime(fields["rate_limit_reset"]),
		UsageCount:     decodeInt64(fields["usage_count"]),
		LastError:      fields["last_error"],
	}
}

func encodeTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil
	}
	return &t
}

func decodeTimeValue(v string) time.Time {
	if t := decodeTime(v); t != nil {
		return *t
	}
	return time.Time{}
}

func decodeBool(v string, def bool) bool {
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func decodeInt64(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

// BulkImportResult summarizes a bulk upstream-key import.
type BulkImportResult struct {
	Total        int      `json:"total_keys"`
	Successful   int      `json:"successful_imports"`
	Failed       int      `json:"failed_imports"`
	Errors       []string `json:"errors"`
	Fingerprints []string `json:"imported_fingerprints"`
}
