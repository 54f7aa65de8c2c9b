package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogBuffer(t *testing.T) {
	t.Run("newest first", func(t *testing.T) {
		buf := NewLogBuffer(10)
		buf.Log("a", "info", "first")
		buf.Log("a", "error", "second")

		entries := buf.Recent(0)
		require.Len(t, entries, 2)
		assert.Equal(t, "second", entries[0].Message)
		assert.Equal(t, "error", entries[0].Level)
	})

	t.Run("ring overflow", func(t *testing.T) {
		buf := NewLogBuffer(3)
		for _, m := range []string{"msg1", "msg2", "msg3", "msg4"} {
			buf.Log("a", "info", m)
		}
		entries := buf.Recent(0)
		require.Len(t, entries, 3)
		assert.Equal(t, "msg4", entries[0].Message)
		assert.Equal(t, "msg2", entries[2].Message)
	})

	t.Run("per extension", func(t *testing.T) {
		buf := NewLogBuffer(10)
		buf.Log("a", "info", "from a")
		buf.Log("b", "info", "from b")
		buf.Log("a", "warn", "again a")

		entries := buf.ForExtension("a", 0)
		require.Len(t, entries, 2)
		assert.Equal(t, "again a", entries[0].Message)
		assert.Len(t, buf.ForExtension("a", 1), 1)
		assert.Empty(t, buf.ForExtension("c", 0))
	})

	t.Run("level filter", func(t *testing.T) {
		buf := NewLogBuffer(10)
		buf.Log("a", "debug", "d")
		buf.Log("a", "info", "i")
		buf.Log("a", "warn", "w")
		buf.Log("a", "error", "e")
		assert.Len(t, buf.AtLeast("warn"), 2)
		assert.Len(t, buf.AtLeast("debug"), 4)
	})

	t.Run("recent limit and clear", func(t *testing.T) {
		buf := NewLogBuffer(0)
		for i := 0; i < 5; i++ {
			buf.Log("a", "info", "m")
		}
		assert.Len(t, buf.Recent(2), 2)
		assert.Equal(t, 5, buf.Count())
		buf.Clear()
		assert.Zero(t, buf.Count())
		assert.Empty(t, buf.Recent(0))
	})
}
