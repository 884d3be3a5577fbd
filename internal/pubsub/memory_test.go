package pubsub

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPubSub_PublishSubscribe(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()

	topic := "chat_1"
	received := make(chan *Message, 1)

	sub, err := ps.Subscribe(context.Background(), topic, func(ctx context.Context, msg *Message) {
		received <- msg
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	payload, _ := json.Marshal(map[string]string{"content": "hello"})
	msg := &Message{
		Topic:   topic,
		Type:    "chat.message_sent",
		Payload: payload,
	}

	require.NoError(t, ps.Publish(context.Background(), topic, msg))

	select {
	case got := <-received:
		assert.Equal(t, msg.Type, got.Type)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestMemoryPubSub_MultipleSubscribers(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()

	topic := "global_presence"
	var count atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		wg.Add(1)
		sub, err := ps.Subscribe(context.Background(), topic, func(ctx context.Context, msg *Message) {
			count.Add(1)
			wg.Done()
		})
		require.NoError(t, err, "Subscribe %d failed", i)
		defer sub.Unsubscribe()
	}

	msg := &Message{Topic: topic, Type: "global.presence_update"}
	require.NoError(t, ps.Publish(context.Background(), topic, msg))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		assert.EqualValues(t, 3, count.Load())
	case <-time.After(time.Second):
		t.Fatalf("timeout: only got %d deliveries", count.Load())
	}
}

func TestMemoryPubSub_Unsubscribe(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()

	topic := "user_42"
	received := make(chan struct{}, 10)

	sub, err := ps.Subscribe(context.Background(), topic, func(ctx context.Context, msg *Message) {
		received <- struct{}{}
	})
	require.NoError(t, err)

	require.NoError(t, ps.Publish(context.Background(), topic, &Message{Topic: topic, Type: "chat.typing"}))
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("first message not received")
	}

	sub.Unsubscribe()

	require.NoError(t, ps.Publish(context.Background(), topic, &Message{Topic: topic, Type: "chat.typing"}))

	select {
	case <-received:
		t.Error("received message after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryPubSub_Close(t *testing.T) {
	ps := NewMemoryPubSub()

	topic := "chat_7"
	_, err := ps.Subscribe(context.Background(), topic, func(ctx context.Context, msg *Message) {})
	require.NoError(t, err)
	assert.Equal(t, 1, ps.TopicCount())

	ps.Close()
	assert.Equal(t, 0, ps.TopicCount(), "topics should be gone after close")

	err = ps.Publish(context.Background(), topic, &Message{})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = ps.Subscribe(context.Background(), topic, func(ctx context.Context, msg *Message) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryPubSub_NoSubscribers(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()

	err := ps.Publish(context.Background(), "chat_999", &Message{Type: "chat.message_sent"})
	assert.NoError(t, err, "publish to an empty topic should not error")
}

// TestMemoryPubSub_DeliveryOrderPerSubscriber guards the per-sender-to-group
// FIFO property: a single subscriber must see messages in publish order even
// though each subscription drains through its own goroutine.
func TestMemoryPubSub_DeliveryOrderPerSubscriber(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()

	const n = 50
	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	sub, err := ps.Subscribe(context.Background(), "chat_7", func(ctx context.Context, msg *Message) {
		var i int
		json.Unmarshal(msg.Payload, &i)
		mu.Lock()
		order = append(order, i)
		if len(order) == n {
			close(done)
		}
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for i := 0; i < n; i++ {
		payload, _ := json.Marshal(i)
		require.NoError(t, ps.Publish(context.Background(), "chat_7", &Message{Topic: "chat_7", Type: "chat.message_sent", Payload: payload}), "Publish %d failed", i)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("only received %d/%d messages", len(order), n)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		require.Equal(t, i, got, "out-of-order delivery at position %d", i)
	}
}

func TestTopicBuilder(t *testing.T) {
	tests := []struct {
		name   string
		method func() string
		want   string
	}{
		{"Room", func() string { return Topics.Room(123) }, "chat_123"},
		{"User", func() string { return Topics.User(456) }, "user_456"},
		{"GlobalPresence", Topics.GlobalPresence, "global_presence"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.method())
		})
	}
}
