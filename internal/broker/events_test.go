package broker

import (
	"context"
	"encoding/json"
	"testing"

	"replenishment-service/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeFeedUnsubscribe(t *testing.T) {
	feed := NewChangeFeed()

	var calls int
	unsubscribe := feed.OnChange(models.StreamVariations, func(ctx context.Context, event *models.ChangeEvent) {
		calls++
	})
	assert.Equal(t, 1, feed.Subscribers(models.StreamVariations))

	feed.Dispatch(context.Background(), NewChangeEvent(models.StreamVariations, models.SourceExternal))
	feed.Dispatch(context.Background(), NewChangeEvent(models.StreamOrders, models.SourceExternal))
	assert.Equal(t, 1, calls)

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, feed.Subscribers(models.StreamVariations))

	feed.Dispatch(context.Background(), NewChangeEvent(models.StreamVariations, models.SourceExternal))
	assert.Equal(t, 1, calls)
}

func TestHandleMessageDispatchesChangeEvents(t *testing.T) {
	feed := NewChangeFeed()
	handler := NewEventHandler(feed)

	var got []*models.ChangeEvent
	feed.OnChange(models.StreamOrders, func(ctx context.Context, event *models.ChangeEvent) {
		got = append(got, event)
	})

	change, err := json.Marshal(NewChangeEvent(models.StreamOrders, models.SourceSynthesizer, 7, 8))
	require.NoError(t, err)
	require.NoError(t, handler.HandleMessage(context.Background(), kafka.Message{Value: change}))

	status, err := json.Marshal(&models.OrderStatusChangedEvent{
		BaseEvent:  models.BaseEvent{EventID: "e-1", EventType: models.EventTypeOrderStatusChanged},
		OrderID:    9,
		FromStatus: models.OrderStatusPending,
		ToStatus:   models.OrderStatusInProcess,
	})
	require.NoError(t, err)
	require.NoError(t, handler.HandleMessage(context.Background(), kafka.Message{Value: status}))

	require.Len(t, got, 2)
	assert.Equal(t, models.SourceSynthesizer, got[0].Source)
	assert.Equal(t, []int64{7, 8}, got[0].OrderIDs)
	assert.Equal(t, []int64{9}, got[1].OrderIDs)
}

func TestHandleMessageRejectsGarbage(t *testing.T) {
	handler := NewEventHandler(NewChangeFeed())
	err := handler.HandleMessage(context.Background(), kafka.Message{Value: []byte("not json")})
	assert.Error(t, err)
}
