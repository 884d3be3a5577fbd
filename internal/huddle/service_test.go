package huddle

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
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

func newTestService(t *testing.T, sfu *SFUClient) (*Service, *pubsub.MemoryPubSub) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := statestore.NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, err, "NewRedisStore failed")
	t.Cleanup(func() { store.Close() })

	ps := pubsub.NewMemoryPubSub()
	t.Cleanup(func() { ps.Close() })

	return NewService(store, ps, sfu, slog.Default()), ps
}

// recorder collects every message delivered to a topic subscription.
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

func TestService_JoinBroadcastsRoster(t *testing.T) {
	svc, ps := newTestService(t, nil)
	ctx := context.Background()

	rec := &recorder{}
	sub, err := ps.Subscribe(ctx, pubsub.Topics.Room(1), rec.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	alice := domain.Snapshot{ID: 1, Name: "alice"}
	require.NoError(t, svc.Join(ctx, 1, alice))

	waitFor(t, func() bool { return rec.count() == 1 })

	var frame wire.ChatHuddleParticipantsFrame
	require.NoError(t, json.Unmarshal(rec.last().Payload, &frame))
	require.Len(t, frame.Participants, 1)
	assert.Equal(t, uint64(1), frame.Participants[0].ID)
}

func TestService_LeaveWithoutPriorJoinStillBroadcastsEmptyRoster(t *testing.T) {
	svc, ps := newTestService(t, nil)
	ctx := context.Background()

	rec := &recorder{}
	sub, err := ps.Subscribe(ctx, pubsub.Topics.Room(2), rec.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, svc.Leave(ctx, 2, 99))

	waitFor(t, func() bool { return rec.count() == 1 })

	var frame wire.ChatHuddleParticipantsFrame
	require.NoError(t, json.Unmarshal(rec.last().Payload, &frame))
	assert.Empty(t, frame.Participants)
}

func TestService_SFUUpgradeAtThreshold(t *testing.T) {
	sfu := NewSFUClient("app-id", "test-secret")

	svc, ps := newTestService(t, sfu)
	ctx := context.Background()

	roomTopic := pubsub.Topics.Room(5)
	roomRec := &recorder{}
	roomSub, err := ps.Subscribe(ctx, roomTopic, roomRec.handle)
	require.NoError(t, err)
	defer roomSub.Unsubscribe()

	users := []domain.Snapshot{{ID: 1, Name: "a"}, {ID: 2, Name: "b"}, {ID: 3, Name: "c"}}
	for _, u := range users {
		require.NoError(t, svc.Join(ctx, 5, u))
	}

	waitFor(t, func() bool { return roomRec.count() >= len(users)+1 })

	var sawUpgrade bool
	roomRec.mu.Lock()
	for _, m := range roomRec.msgs {
		if m.Type == wire.EvHuddleSFUUpgrade {
			sawUpgrade = true
		}
	}
	roomRec.mu.Unlock()
	assert.True(t, sawUpgrade, "huddle.sfu_upgrade should broadcast once the room crosses the threshold")
}

func TestService_PublishAndSubscribeRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/app-id/sessions/new":
			w.Write([]byte(`{"sessionId":"sess-publisher"}`))
		case r.Method == http.MethodPost:
			var body struct {
				AutoDiscover bool `json:"autoDiscover"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.AutoDiscover {
				w.Write([]byte(`{"sessionDescription":{"type":"answer","sdp":"answer-sdp"},"tracks":[{"mid":"0","trackName":"cam"}]}`))
			} else {
				w.Write([]byte(`{"sessionDescription":{"type":"offer","sdp":"offer-sdp"}}`))
			}
		case r.Method == http.MethodPut:
			w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	sfu := NewSFUClient("app-id", "test-secret")
	sfu.http = srv.Client()
	sfu.baseURL = srv.URL

	svc, _ := newTestService(t, sfu)
	ctx := context.Background()

	publisher := domain.Snapshot{ID: 1, Name: "alice"}
	answer, err := svc.Publish(ctx, 7, publisher, "cam", "publisher-offer-sdp")
	require.NoError(t, err)
	assert.Equal(t, "answer-sdp", answer.SDPAnswer)
	assert.Equal(t, "cam", answer.TrackName)
	assert.Equal(t, []string{"cam"}, answer.Tracks)

	offer, err := svc.Subscribe(ctx, 7, 2)
	require.NoError(t, err)
	assert.Equal(t, "offer-sdp", offer.SDPOffer)
	require.Len(t, offer.Tracks, 1, "subscriber should see the publisher's cam track")
	assert.Equal(t, "cam", offer.Tracks[0].TrackName)

	done, err := svc.Renegotiate(ctx, offer.SessionID, "subscriber-answer-sdp")
	require.NoError(t, err)
	assert.True(t, done.Success)
}

func TestService_LeaveEmptyRosterCleansUpSFUKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := statestore.NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.KVSet(ctx, statestore.SFUActiveKey(9), "1", statestore.SFUTTL))
	require.NoError(t, store.HashSet(ctx, statestore.HuddleKey(9), 1, `{"id":1,"name":"a"}`, statestore.HuddleTTL))

	ps := pubsub.NewMemoryPubSub()
	defer ps.Close()
	svc := NewService(store, ps, nil, slog.Default())

	require.NoError(t, svc.Leave(ctx, 9, 1))

	assert.False(t, mr.Exists(statestore.SFUActiveKey(9)), "sfu_active key should be cleaned up once the roster empties")
}

func TestService_SignalRejectsNonParticipant(t *testing.T) {
	svc, ps := newTestService(t, nil)
	ctx := context.Background()

	rec := &recorder{}
	sub, err := ps.Subscribe(ctx, pubsub.Topics.User(2), rec.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	sender := domain.Snapshot{ID: 1, Name: "a"}
	require.NoError(t, svc.Signal(ctx, 3, sender, 2, map[string]any{"sdp": "x"}))

	assert.Equal(t, 0, rec.count(), "a signal from a non-participant should be dropped silently")
}

func TestService_SignalRelaysToTarget(t *testing.T) {
	svc, ps := newTestService(t, nil)
	ctx := context.Background()

	sender := domain.Snapshot{ID: 1, Name: "a"}
	require.NoError(t, svc.Join(ctx, 4, sender))

	rec := &recorder{}
	sub, err := ps.Subscribe(ctx, pubsub.Topics.User(2), rec.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, svc.Signal(ctx, 4, sender, 2, map[string]any{"sdp": "offer"}))

	waitFor(t, func() bool { return rec.count() == 1 })

	var frame wire.HuddleSignalFrame
	require.NoError(t, json.Unmarshal(rec.last().Payload, &frame))
	assert.Equal(t, uint64(1), frame.From.ID)
	assert.Equal(t, uint64(4), frame.RoomID)
}

// waitFor polls cond until it's true or a short deadline passes. The memory
// pub/sub delivers on a per-subscription goroutine, so publishers don't
// block on delivery; tests need a brief poll instead of a direct assertion.
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
