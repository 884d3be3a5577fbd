package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observer/relaycore/internal/auth"
	"github.com/observer/relaycore/internal/presence"
	"github.com/observer/relaycore/internal/pubsub"
	"github.com/observer/relaycore/internal/statestore"
	"github.com/observer/relaycore/internal/wire"
)

const testSigningKey = "test-signing-key-at-least-32-bytes!!"

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := statestore.NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, err, "NewRedisStore failed")
	t.Cleanup(func() { store.Close() })

	ps := pubsub.NewMemoryPubSub()
	t.Cleanup(func() { ps.Close() })

	verifier, err := auth.NewVerifier(testSigningKey)
	require.NoError(t, err, "NewVerifier failed")

	presenceSvc := presence.NewService(store, ps, presence.TTLs{
		Presence: statestore.PresenceTTL,
		Typing:   statestore.TypingTTL,
		Note:     statestore.NoteTTL,
		Cursor:   statestore.CursorTTL,
	}, slog.Default())

	return Deps{
		Verifier: verifier,
		Presence: presenceSvc,
		PubSub:   ps,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func validToken(t *testing.T, userID uint64, username string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		UserID:   userID,
		Username: username,
		Type:     auth.TokenTypeAccess,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSigningKey))
	require.NoError(t, err, "sign token")
	return signed
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "dial failed")
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err, "read frame failed")
	var frame map[string]any
	require.NoError(t, json.Unmarshal(raw, &frame), "unmarshal frame failed")
	return frame
}

func TestGateway_AuthGate_ValidTokenReachesReady(t *testing.T) {
	gw := NewGateway(newTestDeps(t))
	srv := httptest.NewServer(http.HandlerFunc(gw.ServeHTTP))
	defer srv.Close()

	conn := dial(t, srv)
	readFrame(t, conn) // auth.required
	token := validToken(t, 7, "ana")
	require.NoError(t, conn.WriteJSON(map[string]any{"type": wire.EvAuth, "token": token}))

	frame := readFrame(t, conn)
	require.Equal(t, wire.EvAuthSuccess, frame["type"])

	user, ok := frame["user"].(map[string]any)
	require.True(t, ok, "auth.success should embed a user object")
	assert.EqualValues(t, 7, user["id"])
}

func TestGateway_AuthGate_InvalidTokenCloses4001(t *testing.T) {
	gw := NewGateway(newTestDeps(t))
	srv := httptest.NewServer(http.HandlerFunc(gw.ServeHTTP))
	defer srv.Close()

	conn := dial(t, srv)
	readFrame(t, conn) // auth.required
	require.NoError(t, conn.WriteJSON(map[string]any{"type": wire.EvAuth, "token": "not-a-real-token"}))

	frame := readFrame(t, conn)
	assert.Equal(t, wire.EvAuthError, frame["type"])

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close error, got %v", err)
	assert.Equal(t, wire.CloseBadAuth, closeErr.Code)
}

func TestGateway_AuthRequired_BeforeAuth(t *testing.T) {
	gw := NewGateway(newTestDeps(t))
	srv := httptest.NewServer(http.HandlerFunc(gw.ServeHTTP))
	defer srv.Close()

	conn := dial(t, srv)
	readFrame(t, conn) // auth.required
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "chat.send_message", "room_id": 1, "content": "hi"}))

	frame := readFrame(t, conn)
	assert.Equal(t, wire.EvError, frame["type"])
	assert.Equal(t, wire.ErrCodeAuthRequired, frame["code"])
}

func TestGateway_UnknownEventType_ErrorFrameStaysOpen(t *testing.T) {
	gw := NewGateway(newTestDeps(t))
	srv := httptest.NewServer(http.HandlerFunc(gw.ServeHTTP))
	defer srv.Close()

	conn := dial(t, srv)
	readFrame(t, conn) // auth.required
	token := validToken(t, 1, "bob")
	require.NoError(t, conn.WriteJSON(map[string]any{"type": wire.EvAuth, "token": token}))
	readFrame(t, conn) // auth.success

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "not_a_real_event"}))
	frame := readFrame(t, conn)
	assert.Equal(t, wire.EvError, frame["type"])
	assert.Equal(t, wire.ErrCodeUnknownEvent, frame["code"])

	// connection must still be open: a ping round-trips afterward.
	require.NoError(t, conn.WriteJSON(map[string]any{"type": wire.EvPing}))
	pong := readFrame(t, conn)
	assert.Equal(t, wire.EvPong, pong["type"])
}

func TestGateway_PingDoesNotResetIdleClock_IdleReap(t *testing.T) {
	deps := newTestDeps(t)
	deps.HeartbeatInterval = 20 * time.Millisecond
	gw := NewGateway(deps)
	srv := httptest.NewServer(http.HandlerFunc(gw.ServeHTTP))
	defer srv.Close()

	conn := dial(t, srv)
	readFrame(t, conn) // auth.required
	token := validToken(t, 2, "cam")
	require.NoError(t, conn.WriteJSON(map[string]any{"type": wire.EvAuth, "token": token}))
	readFrame(t, conn) // auth.success

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(15 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteJSON(map[string]any{"type": wire.EvPing}); err != nil {
					return
				}
			case <-deadline:
				return
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if closeErr, ok := err.(*websocket.CloseError); ok {
			assert.Equal(t, wire.CloseIdleReap, closeErr.Code)
			break
		}
		require.NoError(t, err, "unexpected read error waiting for idle reap")
	}
	<-done
}

// TestConnection_TeardownIsIdempotent exercises the package's lowest-level
// seam directly: a real server-side *websocket.Conn obtained without going
// through Gateway.ServeHTTP, so teardown can be invoked twice by hand.
func TestConnection_TeardownIsIdempotent(t *testing.T) {
	gw := NewGateway(newTestDeps(t))

	connCh := make(chan *Connection, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		c := newConnection(gw, wsConn)
		connCh <- c
		c.readPump(context.Background())
	}))
	defer srv.Close()

	dial(t, srv)
	c := <-connCh

	c.teardown(context.Background())
	c.teardown(context.Background())
}
