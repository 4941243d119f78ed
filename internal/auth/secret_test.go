package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealerRoundTrip(t *testing.T) {
	sealer, err := NewSealer(strings.Repeat("ab", 32))
	require.NoError(t, err)

	secret, err := GenerateDeviceSecret()
	require.NoError(t, err)
	assert.Len(t, secret, 64)

	sealed, err := sealer.Seal("T-100", secret)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), secret)

	opened, err := sealer.Open("T-100", sealed)
	require.NoError(t, err)
	assert.Equal(t, secret, opened)

	_, err = sealer.Open("T-101", sealed)
	assert.ErrorIs(t, err, ErrSealedSecret)

	other, err := NewRandomSealer()
	require.NoError(t, err)
	_, err = other.Open("T-100", sealed)
	assert.ErrorIs(t, err, ErrSealedSecret)

	_, err = sealer.Open("T-100", sealed[:10])
	assert.ErrorIs(t, err, ErrSealedSecret)
}

func TestNewSealerRejectsBadKeys(t *testing.T) {
	_, err := NewSealer("zz")
	assert.Error(t, err)
	_, err = NewSealer(strings.Repeat("ab", 16))
	assert.Error(t, err)
}

func TestProvisioningKey(t *testing.T) {
	hash, err := HashProvisioningKey("factory-line-7")
	require.NoError(t, err)

	assert.True(t, CheckProvisioningKey("factory-line-7", hash))
	assert.False(t, CheckProvisioningKey("factory-line-8", hash))
	assert.True(t, CheckProvisioningKey("anything", ""))
}

func TestGenerateSessionToken(t *testing.T) {
	a, err := GenerateSessionToken()
	require.NoError(t, err)
	b, err := GenerateSessionToken()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.True(t, ValidateSessionTokenFormat(a))
	assert.False(t, ValidateSessionTokenFormat("st_short"))
}
