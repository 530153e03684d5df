package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateToken(t *testing.T) {
	t.Run("generates 64 character hex string", func(t *testing.T) {
		token, err := GenerateToken()
		require.NoError(t, err)
		assert.Len(t, token, 64)
	})

	t.Run("generates unique tokens", func(t *testing.T) {
		token1, _ := GenerateToken()
		token2, _ := GenerateToken()
		assert.NotEqual(t, token1, token2)
	})

	t.Run("generates valid hex", func(t *testing.T) {
		token, _ := GenerateToken()
		for _, c := range token {
			assert.True(t, (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f'))
		}
	})
}

func TestHashToken(t *testing.T) {
	t.Run("returns 64 character hex string", func(t *testing.T) {
		hash := HashToken("test-token")
		assert.Len(t, hash, 64)
	})

	t.Run("same input produces same hash", func(t *testing.T) {
		assert.Equal(t, HashToken("test-token"), HashToken("test-token"))
	})

	t.Run("different input produces different hash", func(t *testing.T) {
		assert.NotEqual(t, HashToken("token-1"), HashToken("token-2"))
	})
}

func TestConstantTimeEqual(t *testing.T) {
	t.Run("returns true for equal strings", func(t *testing.T) {
		assert.True(t, ConstantTimeEqual("abc", "abc"))
	})

	t.Run("returns false for different strings", func(t *testing.T) {
		assert.False(t, ConstantTimeEqual("abc", "def"))
	})

	t.Run("returns false for different lengths", func(t *testing.T) {
		assert.False(t, ConstantTimeEqual("abc", "abcd"))
	})

	t.Run("returns true for empty strings", func(t *testing.T) {
		assert.True(t, ConstantTimeEqual("", ""))
	})
}

func TestMaskToken(t *testing.T) {
	t.Run("masks short tokens entirely", func(t *testing.T) {
		assert.Equal(t, "********", MaskToken("abc"))
		assert.Equal(t, "********", MaskToken(""))
	})

	t.Run("keeps only a short prefix of long tokens", func(t *testing.T) {
		masked := MaskToken("0123456789abcdef")
		assert.Equal(t, "01234567…", masked)
		assert.NotContains(t, masked, "9abcdef")
	})
}
