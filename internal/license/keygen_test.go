package license

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKey(t *testing.T) {
	t.Run("shape", func(t *testing.T) {
		key, err := GenerateKey("ROG")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(key, "ROG-"))
		assert.True(t, ValidKeyFormat(key), "generated key %q must match the key pattern", key)
		assert.Len(t, strings.Split(key, "-"), 5)
	})

	t.Run("prefix is normalized", func(t *testing.T) {
		key, err := GenerateKey("  rog- ")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(key, "ROG-"))
	})

	t.Run("empty prefix falls back to default", func(t *testing.T) {
		key, err := GenerateKey("")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(key, DefaultPrefix+"-"))
	})

	t.Run("no collisions over a small batch", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 1000; i++ {
			key, err := GenerateKey("T")
			require.NoError(t, err)
			require.False(t, seen[key], "duplicate key %q", key)
			seen[key] = true
		}
	})
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "ROG-AB12-CD34-EF56-GH78", NormalizeKey("  rog-ab12-cd34-ef56-gh78\n"))
	assert.Equal(t, "", NormalizeKey("   "))
}

func TestValidKeyFormat(t *testing.T) {
	assert.True(t, ValidKeyFormat("ROG-AB12-CD34-EF56-GH78"))
	assert.True(t, ValidKeyFormat("KEY-0000-0000-0000-0000"))
	assert.False(t, ValidKeyFormat("rog-ab12-cd34-ef56-gh78"), "lowercase is not canonical")
	assert.False(t, ValidKeyFormat("ROG-AB12-CD34-EF56"), "missing group")
	assert.False(t, ValidKeyFormat("ROG-AB1-CD34-EF56-GH78"), "short group")
	assert.False(t, ValidKeyFormat(""))
}
