package vault

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVault_SealOpen(t *testing.T) {
	v, err := New("master-secret", "salt")
	require.NoError(t, err)

	seed := "SBQWY3DNPFWGSZTFNV4WQZLBOJ2GQYLTMJSWK3TTMVRWC3LFMVSGK4TTEB3A"

	t.Run("round trip", func(t *testing.T) {
		sealed, err := v.Seal(seed)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(sealed, sealedPrefix))
		assert.NotContains(t, sealed, seed)

		opened, err := v.Open(sealed)
		require.NoError(t, err)
		assert.Equal(t, seed, opened)
	})

	t.Run("nonce differs per seal", func(t *testing.T) {
		a, _ := v.Seal(seed)
		b, _ := v.Seal(seed)
		assert.NotEqual(t, a, b)
	})

	t.Run("legacy plaintext passes through", func(t *testing.T) {
		opened, err := v.Open(seed)
		require.NoError(t, err)
		assert.Equal(t, seed, opened)
	})

	t.Run("wrong key fails", func(t *testing.T) {
		sealed, _ := v.Seal(seed)
		other, _ := New("other-secret", "salt")

		_, err := other.Open(sealed)
		assert.Error(t, err)
	})
}

func TestNew_RequiresMasterKey(t *testing.T) {
	_, err := New("", "salt")
	assert.ErrorIs(t, err, ErrMasterKeyRequired)

	_, err = New("key", "")
	assert.Error(t, err)
}
