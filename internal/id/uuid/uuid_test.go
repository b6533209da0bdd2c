package uuid

import (
	"sort"
	"testing"

	guuid "github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	t.Parallel()

	gen := New()

	t.Run("ParsesAsVersion7", func(t *testing.T) {
		t.Parallel()
		id, err := gen.NewID()
		require.NoError(t, err)
		parsed, err := guuid.Parse(id)
		require.NoError(t, err)
		assert.Equal(t, guuid.Version(7), parsed.Version())
	})

	t.Run("Unique", func(t *testing.T) {
		t.Parallel()
		seen := make(map[string]bool)
		for i := 0; i < 100; i++ {
			id, err := gen.NewID()
			require.NoError(t, err)
			require.False(t, seen[id], "duplicate id %s", id)
			seen[id] = true
		}
	})

	t.Run("SortableByCreation", func(t *testing.T) {
		t.Parallel()
		// Run, candidate and document IDs land in index scans; v7's
		// time-ordered prefix keeps a batch lexicographically sorted.
		ids := make([]string, 0, 20)
		for i := 0; i < 20; i++ {
			id, err := gen.NewID()
			require.NoError(t, err)
			ids = append(ids, id)
		}
		assert.True(t, sort.StringsAreSorted(ids))
	})
}
