package otp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCode_Format(t *testing.T) {
	for i := 0; i < 1000; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		require.Len(t, code, CodeLength)
		for _, r := range code {
			require.True(t, r >= '0' && r <= '9', "code must be numeric, got %q", code)
		}
	}
}

func TestGenerateCode_NotConstant(t *testing.T) {
	// A crude correlation check: over a few hundred draws the generator
	// must not repeat one value wildly more often than uniform would.
	counts := make(map[string]int)
	const draws = 500
	for i := 0; i < draws; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		counts[code]++
	}
	for code, n := range counts {
		assert.LessOrEqual(t, n, 5, "code %s drawn %d times in %d draws", code, n, draws)
	}
	assert.Greater(t, len(counts), draws/2, "draws collapse onto too few values")
}

func TestHasher_Deterministic(t *testing.T) {
	h := NewHasher("test-salt")
	d1 := h.Hash("a@example.com", "123456")
	d2 := h.Hash("a@example.com", "123456")
	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 64) // hex SHA-256
}

func TestHasher_VerifyRoundTrip(t *testing.T) {
	h := NewHasher("test-salt")
	digest := h.Hash("a@example.com", "123456")

	assert.True(t, h.Verify("a@example.com", "123456", digest))
	assert.False(t, h.Verify("a@example.com", "654321", digest))
	assert.False(t, h.Verify("b@example.com", "123456", digest), "digest is email-scoped")
	assert.False(t, h.Verify("a@example.com", "123456", digest[:10]))
}

func TestHasher_SaltMatters(t *testing.T) {
	d1 := NewHasher("salt-one").Hash("a@example.com", "123456")
	d2 := NewHasher("salt-two").Hash("a@example.com", "123456")
	assert.NotEqual(t, d1, d2)
}
