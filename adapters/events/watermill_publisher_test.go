package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermillPublisher(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 1}, watermill.NopLogger{})
	defer pubSub.Close()

	pub := NewWatermillPublisher(pubSub, "rivetgate.")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, err := pubSub.Subscribe(ctx, pub.topic("access.requested"))
	require.NoError(t, err)

	require.NoError(t, pub.Publish(ctx, "access.requested", "0xabc", map[string]string{"listName": "example.com::editor"}))

	select {
	case msg := <-msgs:
		var body map[string]string
		require.NoError(t, json.Unmarshal(msg.Payload, &body))
		assert.Equal(t, "example.com::editor", body["listName"])
		assert.Equal(t, "0xabc", msg.Metadata.Get("key"))
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("event not delivered")
	}
}
