package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observer/relaycore/internal/domain"
	"github.com/observer/relaycore/internal/pubsub"
	"github.com/observer/relaycore/internal/statestore"
	"github.com/observer/relaycore/internal/wire"
)

func testTTLs() TTLs {
	return TTLs{
		Presence: statestore.PresenceTTL,
		Typing:   statestore.TypingTTL,
		Note:     statestore.NoteTTL,
		Cursor:   statestore.CursorTTL,
	}
}

func newTestService(t *testing.T) (*Service, *pubsub.MemoryPubSub) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := statestore.NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, err, "NewRedisStore failed")
	t.Cleanup(func() { store.Close() })

	ps := pubsub.NewMemoryPubSub()
	t.Cleanup(func() { ps.Close() })

	return NewService(store, ps, testTTLs(), slog.Default()), ps
}

type recorder struct {
	mu   sync.Mutex
	msgs []*pubsub.Message
}

func (r *recorder) handle(_ context.Context, msg *pubsub.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) last() *pubsub.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return nil
	}
	return r.msgs[len(r.msgs)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met before deadline")
}

func TestService_MarkPresenceRoster(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	alice := domain.Snapshot{ID: 1, Name: "alice"}
	bob := domain.Snapshot{ID: 2, Name: "bob"}

	_, err := svc.MarkPresence(ctx, 1, alice)
	require.NoError(t, err)
	roster, err := svc.MarkPresence(ctx, 1, bob)
	require.NoError(t, err)

	assert.Equal(t, 2, roster.Count)
	assert.False(t, roster.Truncated, "no truncation expected below MaxPresenceFanout")
}

func TestService_RemovePresenceReportsPriorExistence(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	removed, err := svc.RemovePresence(ctx, 1, 42)
	require.NoError(t, err)
	assert.False(t, removed, "RemovePresence should report false when no entry existed")

	alice := domain.Snapshot{ID: 42, Name: "alice"}
	_, err = svc.MarkPresence(ctx, 1, alice)
	require.NoError(t, err)

	removed, err = svc.RemovePresence(ctx, 1, 42)
	require.NoError(t, err)
	assert.True(t, removed, "RemovePresence should report true when an entry existed")
}

func TestService_SetTypingBroadcastsIncludingSender(t *testing.T) {
	svc, ps := newTestService(t)
	ctx := context.Background()

	rec := &recorder{}
	sub, err := ps.Subscribe(ctx, pubsub.Topics.Room(1), rec.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, svc.SetTyping(ctx, 1, 7, true))

	waitFor(t, func() bool { return rec.count() == 1 })

	var frame wire.ChatTypingStatusFrame
	require.NoError(t, json.Unmarshal(rec.last().Payload, &frame))
	assert.Equal(t, uint64(7), frame.UserID)
	assert.True(t, frame.IsTyping)
}

func TestService_UpdateCollabNoteNoOpOnUnchangedContent(t *testing.T) {
	svc, ps := newTestService(t)
	ctx := context.Background()

	rec := &recorder{}
	sub, err := ps.Subscribe(ctx, pubsub.Topics.Room(1), rec.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	author := domain.Snapshot{ID: 1, Name: "alice"}
	require.NoError(t, svc.UpdateCollabNote(ctx, 1, author, "agenda v1"))
	waitFor(t, func() bool { return rec.count() == 1 })

	require.NoError(t, svc.UpdateCollabNote(ctx, 1, author, "agenda v1"))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.count(), "an unchanged note must not broadcast again")

	require.NoError(t, svc.UpdateCollabNote(ctx, 1, author, "agenda v2"))
	waitFor(t, func() bool { return rec.count() == 2 })
}

func TestService_UpdateCursorBroadcasts(t *testing.T) {
	svc, ps := newTestService(t)
	ctx := context.Background()

	rec := &recorder{}
	sub, err := ps.Subscribe(ctx, pubsub.Topics.Room(1), rec.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	author := domain.Snapshot{ID: 1, Name: "alice"}
	cursor := map[string]any{"x": 10.0, "y": 20.0}
	require.NoError(t, svc.UpdateCursor(ctx, 1, author, cursor))
	waitFor(t, func() bool { return rec.count() == 1 })

	state, err := svc.CursorState(ctx, 1)
	require.NoError(t, err)
	require.Contains(t, state, uint64(1))
	assert.Equal(t, 10.0, state[1]["x"])
}

func TestService_GlobalOnlineRoundTrip(t *testing.T) {
	svc, ps := newTestService(t)
	ctx := context.Background()

	rec := &recorder{}
	sub, err := ps.Subscribe(ctx, pubsub.Topics.GlobalPresence(), rec.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	online, err := svc.GoOnline(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []uint64{5}, online)

	require.NoError(t, svc.BroadcastUserOnline(ctx, 5))
	waitFor(t, func() bool { return rec.count() == 1 })

	isOnline, err := svc.IsOnline(ctx, 5)
	require.NoError(t, err)
	assert.True(t, isOnline, "user 5 should be online")

	require.NoError(t, svc.GoOffline(ctx, 5))
	isOnline, err = svc.IsOnline(ctx, 5)
	require.NoError(t, err)
	assert.False(t, isOnline, "user 5 should be offline after GoOffline")
}
