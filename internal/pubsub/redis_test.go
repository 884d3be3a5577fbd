package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisPubSub(t *testing.T) (*RedisPubSub, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	ps, err := NewRedisPubSub("redis://" + mr.Addr())
	require.NoError(t, err, "NewRedisPubSub failed")
	t.Cleanup(func() { ps.Close() })
	return ps, mr
}

func TestRedisPubSub_PublishSubscribe(t *testing.T) {
	ps, _ := newTestRedisPubSub(t)

	topic := Topics.Room(1)
	received := make(chan *Message, 1)

	sub, err := ps.Subscribe(context.Background(), topic, func(ctx context.Context, msg *Message) {
		received <- msg
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	payload, _ := json.Marshal(map[string]string{"content": "hello"})
	require.NoError(t, ps.Publish(context.Background(), topic, &Message{Topic: topic, Type: "chat.message_sent", Payload: payload}))

	select {
	case got := <-received:
		assert.Equal(t, "chat.message_sent", got.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestRedisPubSub_NoSubscribers(t *testing.T) {
	ps, _ := newTestRedisPubSub(t)

	err := ps.Publish(context.Background(), Topics.Room(404), &Message{Type: "chat.message_sent"})
	assert.NoError(t, err, "publish with no subscribers should not error")
}

func TestRedisPubSub_Unsubscribe(t *testing.T) {
	ps, _ := newTestRedisPubSub(t)

	topic := Topics.User(42)
	received := make(chan struct{}, 10)

	sub, err := ps.Subscribe(context.Background(), topic, func(ctx context.Context, msg *Message) {
		received <- struct{}{}
	})
	require.NoError(t, err)

	require.NoError(t, ps.Publish(context.Background(), topic, &Message{Topic: topic, Type: "huddle.signal"}))
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("first message not received")
	}

	sub.Unsubscribe()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, ps.Publish(context.Background(), topic, &Message{Topic: topic, Type: "huddle.signal"}))
	select {
	case <-received:
		t.Error("received message after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRedisPubSub_PublishAfterClose(t *testing.T) {
	ps, _ := newTestRedisPubSub(t)
	ps.Close()

	err := ps.Publish(context.Background(), Topics.GlobalPresence(), &Message{Type: "global.presence_update"})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = ps.Subscribe(context.Background(), Topics.GlobalPresence(), func(ctx context.Context, msg *Message) {})
	assert.ErrorIs(t, err, ErrClosed)
}
