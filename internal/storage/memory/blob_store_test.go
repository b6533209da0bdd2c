package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutObject(t *testing.T) {
	t.Parallel()

	t.Run("StoresUnderShardedKey", func(t *testing.T) {
		t.Parallel()
		store := NewBlobStore()
		uri, err := store.PutObject(context.Background(),
			"docs/ab/ab12cd.pdf", "application/pdf", []byte("%PDF-1.4"))
		require.NoError(t, err)
		assert.Equal(t, "memory://docs/ab/ab12cd.pdf", uri)

		got, ok := store.Get("docs/ab/ab12cd.pdf")
		require.True(t, ok)
		assert.Equal(t, []byte("%PDF-1.4"), got)
	})

	t.Run("CopiesCallerBuffer", func(t *testing.T) {
		t.Parallel()
		store := NewBlobStore()
		payload := []byte("%PDF-1.4 original")
		_, err := store.PutObject(context.Background(),
			"docs/cd/cd34ef.pdf", "application/pdf", payload)
		require.NoError(t, err)

		payload[0] = 'X'
		got, ok := store.Get("docs/cd/cd34ef.pdf")
		require.True(t, ok)
		assert.Equal(t, byte('%'), got[0])
	})

	t.Run("RejectsEmptyPath", func(t *testing.T) {
		t.Parallel()
		store := NewBlobStore()
		_, err := store.PutObject(context.Background(), "", "application/pdf", []byte("x"))
		require.Error(t, err)
	})

	t.Run("GetMissReportsFalse", func(t *testing.T) {
		t.Parallel()
		store := NewBlobStore()
		_, ok := store.Get("docs/ee/missing.pdf")
		assert.False(t, ok)
	})

	t.Run("OverwriteReplacesContent", func(t *testing.T) {
		t.Parallel()
		store := NewBlobStore()
		_, err := store.PutObject(context.Background(), "docs/ff/ff56.pdf", "application/pdf", []byte("v1"))
		require.NoError(t, err)
		_, err = store.PutObject(context.Background(), "docs/ff/ff56.pdf", "application/pdf", []byte("v2"))
		require.NoError(t, err)

		got, ok := store.Get("docs/ff/ff56.pdf")
		require.True(t, ok)
		assert.Equal(t, []byte("v2"), got)
	})
}
