package keys

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateAPIKeyUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		key, err := GenerateAPIKey()
		require.NoError(t, err)
		require.NotEmpty(t, key)
		_, dup := seen[key]
		require.False(t, dup, "generated keys must not repeat")
		seen[key] = struct{}{}
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("secret-1")
	b := Fingerprint("secret-1")
	c := Fingerprint("secret-2")

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a, 64)
}
