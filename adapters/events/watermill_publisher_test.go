package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/layer-3/edupass/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublishSettlement(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, NewZapLogger(zap.NewNop()))
	defer pubSub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	messages, err := pubSub.Subscribe(ctx, TopicSettlement)
	require.NoError(t, err)

	pub := NewWatermillPublisher(pubSub)
	err = pub.PublishSettlement(ctx, core.Outcome{
		PendingID:  "p-1",
		Status:     core.StatusSettled,
		LedgerHash: "abcd",
		Attempts:   3,
		RecordedAt: time.Unix(1_700_000_000, 0).UTC(),
	})
	require.NoError(t, err)

	select {
	case msg := <-messages:
		msg.Ack()
		var event SettlementEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &event))
		assert.Equal(t, "p-1", event.PendingID)
		assert.Equal(t, "settled", event.Status)
		assert.Equal(t, "abcd", event.LedgerHash)
		assert.Equal(t, 3, event.Attempts)
		assert.Equal(t, "p-1", msg.Metadata.Get("pending_id"))
	case <-ctx.Done():
		t.Fatal("settlement event not delivered")
	}
}
