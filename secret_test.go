package twofactor

import (
	"errors"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSecret(t *testing.T) {
	secret, err := GenerateSecret(nil)
	require.NoError(t, err)

	assert.Len(t, secret, 32)
	assert.Regexp(t, `^[A-Z2-7]{32}$`, secret)
	assert.False(t, SecretUnset(secret))

	raw, err := secretEncoding.DecodeString(secret)
	require.NoError(t, err)
	assert.Len(t, raw, SecretSize)
}

func TestGenerateSecretUnique(t *testing.T) {
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		secret, err := GenerateSecret(nil)
		require.NoError(t, err)
		_, dup := seen[secret]
		require.False(t, dup, "duplicate secret after %d draws", i)
		seen[secret] = struct{}{}
	}
}

func TestGenerateSecretRandomFailure(t *testing.T) {
	boom := errors.New("entropy pool on fire")

	secret, err := GenerateSecret(iotest.ErrReader(boom))
	assert.Empty(t, secret)
	assert.ErrorIs(t, err, ErrRandomSource)
	assert.ErrorIs(t, err, boom)
}

func TestSecretUnset(t *testing.T) {
	assert.True(t, SecretUnset(""))
	assert.False(t, SecretUnset("GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"))
}
