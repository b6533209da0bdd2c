package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisher(t *testing.T) {
	t.Parallel()

	t.Run("RecordsInOrder", func(t *testing.T) {
		t.Parallel()
		pub := New(8)

		id1, err := pub.Publish(context.Background(), "procedures", map[string]string{"procedure_id": "p-1"})
		require.NoError(t, err)
		assert.Equal(t, "mem-1", id1)
		id2, err := pub.Publish(context.Background(), "procedures", map[string]string{"procedure_id": "p-2"})
		require.NoError(t, err)
		assert.Equal(t, "mem-2", id2)

		msgs := pub.Messages()
		require.Len(t, msgs, 2)
		assert.Equal(t, "procedures", msgs[0].Topic)
		assert.Equal(t, map[string]string{"procedure_id": "p-1"}, msgs[0].Payload)
		assert.Equal(t, map[string]string{"procedure_id": "p-2"}, msgs[1].Payload)
	})

	t.Run("EvictsOldestAtCapacity", func(t *testing.T) {
		t.Parallel()
		pub := New(3)
		for i := 1; i <= 5; i++ {
			_, err := pub.Publish(context.Background(), "procedures", fmt.Sprintf("p-%d", i))
			require.NoError(t, err)
		}

		msgs := pub.Messages()
		require.Len(t, msgs, 3)
		assert.Equal(t, "p-3", msgs[0].Payload)
		assert.Equal(t, "p-5", msgs[2].Payload)
		assert.Equal(t, 5, pub.Published())
	})

	t.Run("MessagesReturnsACopy", func(t *testing.T) {
		t.Parallel()
		pub := New(4)
		_, err := pub.Publish(context.Background(), "procedures", "p-1")
		require.NoError(t, err)

		msgs := pub.Messages()
		msgs[0].Topic = "tampered"
		assert.Equal(t, "procedures", pub.Messages()[0].Topic)
	})

	t.Run("ZeroCapacityGetsDefault", func(t *testing.T) {
		t.Parallel()
		pub := New(0)
		_, err := pub.Publish(context.Background(), "procedures", "p-1")
		require.NoError(t, err)
		assert.Len(t, pub.Messages(), 1)
	})
}
