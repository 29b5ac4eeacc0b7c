package keys

import (
	"context"
	"testing"
	"time"

	"orproxy-go/internal/storage"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := storage.NewRedisStore(mr.Addr(), "", 0, "test:")
	t.Cleanup(func() { store.Close() })
	return NewRegistry(store, NewMemoryVault(), Options{}), mr
}

func TestIssueAndValidateClientKey(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	plaintext, key, err := r.IssueClientKey(ctx, "user-1", []string{PermChatCompletions}, 0)
	require.NoError(t, err)
	require.NotEmpty(t, plaintext)
	require.Equal(t, "user-1", key.UserID)
	require.Equal(t, DefaultRateLimit, key.RateLimit)
	require.True(t, key.IsActive)

	got, err := r.ValidateClientKey(ctx, plaintext)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, key.Fingerprint, got.Fingerprint)
	require.Equal(t, []string{PermChatCompletions}, got.Permissions)
	require.NotNil(t, got.LastUsed)
	require.Equal(t, int64(1), got.UsageCount)

	got, err = r.ValidateClientKey(ctx, plaintext)
	require.NoError(t, err)
	require.Equal(t, int64(2), got.UsageCount)
}

func TestValidateUnknownKey(t *testing.T) {
	r, _ := newTestRegistry(t)

	got, err := r.ValidateClientKey(context.Background(), "never-issued")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestIssueRejectsInvalidInput(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, _, err := r.IssueClientKey(ctx, "", nil, 0)
	require.Error(t, err)

	_, _, err = r.IssueClientKey(ctx, "user-1", []string{"admin.superuser"}, 0)
	require.Error(t, err)
}

func TestDeactivateReactivate(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	plaintext, key, err := r.IssueClientKey(ctx, "user-1", nil, 0)
	require.NoError(t, err)

	found, err := r.DeactivateClientKey(ctx, key.Fingerprint)
	require.NoError(t, err)
	require.True(t, found)

	got, err := r.ValidateClientKey(ctx, plaintext)
	require.NoError(t, err)
	require.Nil(t, got, "deactivated key must not validate")

	found, err = r.ReactivateClientKey(ctx, key.Fingerprint)
	require.NoError(t, err)
	require.True(t, found)

	got, err = r.ValidateClientKey(ctx, plaintext)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestDeactivateUnknownKey(t *testing.T) {
	r, _ := newTestRegistry(t)

	found, err := r.DeactivateClientKey(context.Background(), "no-such-fingerprint")
	require.NoError(t, err)
	require.False(t, found)
}

func TestListClientKeysByUser(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, k1, err := r.IssueClientKey(ctx, "alpha", nil, 0)
	require.NoError(t, err)
	_, k2, err := r.IssueClientKey(ctx, "alpha", nil, 0)
	require.NoError(t, err)
	_, _, err = r.IssueClientKey(ctx, "beta", nil, 0)
	require.NoError(t, err)

	list, err := r.ListClientKeys(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, list, 2)
	fps := []string{list[0].Fingerprint, list[1].Fingerprint}
	require.ElementsMatch(t, []string{k1.Fingerprint, k2.Fingerprint}, fps)

	all, err := r.ListClientKeys(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestDeleteClientKeyRemovesIndex(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	plaintext, key, err := r.IssueClientKey(ctx, "user-1", nil, 0)
	require.NoError(t, err)

	deleted, err := r.DeleteClientKey(ctx, key.Fingerprint)
	require.NoError(t, err)
	require.True(t, deleted)

	got, err := r.ValidateClientKey(ctx, plaintext)
	require.NoError(t, err)
	require.Nil(t, got)

	list, err := r.ListClientKeys(ctx, "user-1")
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestClientKeyRecordRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	key := &ClientKey{
		Fingerprint: "fp",
		UserID:      "u",
		CreatedAt:   now,
		IsActive:    true,
		Permissions: []string{PermModelsList},
		UsageCount:  7,
		RateLimit:   200,
	}

	decoded := decodeClientKey("fp", key.encode())
	require.Equal(t, key.UserID, decoded.UserID)
	require.True(t, key.CreatedAt.Equal(decoded.CreatedAt))
	require.Equal(t, key.Permissions, decoded.Permissions)
	require.Equal(t, key.UsageCount, decoded.UsageCount)
	require.Equal(t, key.RateLimit, decoded.RateLimit)
	require.Nil(t, decoded.LastUsed)
}

func TestDecodeToleratesMalformedFields(t *testing.T) {
	decoded := decodeClientKey("fp", map[string]string{
		"user_id":     "u",
		"created_at":  "not-a-time",
		"is_active":   "maybe",
		"usage_count": "lots",
		"rate_limit":  "-5",
		"mystery":     "ignored",
	})
	require.Equal(t, "u", decoded.UserID)
	require.True(t, decoded.IsActive, "unparseable active flag falls back to default")
	require.Equal(t, int64(0), decoded.UsageCount)
	require.Equal(t, DefaultRateLimit, decoded.RateLimit)
}
