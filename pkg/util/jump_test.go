package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJumpHash(t *testing.T) {
	t.Run("It is deterministic", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			key := XXHash64("{org:a}:proj:b:env:c:queue:d")
			require.Equal(t, JumpHash(key, 16), JumpHash(key, 16))
		}
	})

	t.Run("It stays within bucket bounds", func(t *testing.T) {
		for i := uint64(0); i < 10_000; i++ {
			b := JumpHash(i, 7)
			require.GreaterOrEqual(t, b, 0)
			require.Less(t, b, 7)
		}
	})

	t.Run("It moves few keys when buckets grow", func(t *testing.T) {
		moved := 0
		const n = 10_000
		for i := uint64(0); i < n; i++ {
			if JumpHash(i, 10) != JumpHash(i, 11) {
				moved++
			}
		}
		// Expected movement is ~1/11 of keys; allow generous slack.
		require.Less(t, moved, n/5)
	})

	t.Run("It handles degenerate bucket counts", func(t *testing.T) {
		require.Equal(t, 0, JumpHash(42, 0))
		require.Equal(t, 0, JumpHash(42, 1))
	})
}
