package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "updates", map[string]any{"event": "series.upserted"})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "updates", map[string]any{"event": "episode.upserted"})
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "series.upserted", msgs[0].Payload.(map[string]any)["event"])

	msgs[0].Topic = "modified"
	assert.Equal(t, "updates", pub.Messages()[0].Topic)
}

func TestEventsFiltersByName(t *testing.T) {
	t.Parallel()

	pub := New()
	_, _ = pub.Publish(context.Background(), "updates", map[string]any{"event": "series.upserted"})
	_, _ = pub.Publish(context.Background(), "updates", map[string]any{"event": "episode.upserted"})
	_, _ = pub.Publish(context.Background(), "updates", "raw")

	assert.Len(t, pub.Events("episode.upserted"), 1)
	assert.Empty(t, pub.Events("missing"))
}
