package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/observer/relaycore/internal/auth"
	"github.com/observer/relaycore/internal/database"
	"github.com/observer/relaycore/internal/huddle"
	"github.com/observer/relaycore/internal/messaging"
	"github.com/observer/relaycore/internal/presence"
	"github.com/observer/relaycore/internal/pubsub"
	"github.com/observer/relaycore/internal/wire"
)

// upgrader tuning: generous buffers, origin checking left to whatever
// reverse proxy sits in front of this service rather than duplicated here.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Gateway is the entry point for the realtime surface: one Gateway serves
// every /ws/stream/ upgrade, handing each accepted socket off to its own
// Connection.
type Gateway struct {
	verifier  *auth.Verifier
	rooms     *database.RoomRepository
	messaging *messaging.Service
	presence  *presence.Service
	huddle    *huddle.Service
	ps        pubsub.PubSub

	heartbeatInterval       time.Duration
	presenceRefreshInterval time.Duration

	logger *slog.Logger
}

// Deps bundles the gateway's dependencies so NewGateway's signature doesn't
// grow every time a new service joins the stack.
type Deps struct {
	Verifier                *auth.Verifier
	Rooms                   *database.RoomRepository
	Messaging               *messaging.Service
	Presence                *presence.Service
	Huddle                  *huddle.Service
	PubSub                  pubsub.PubSub
	HeartbeatInterval       time.Duration
	PresenceRefreshInterval time.Duration
	Logger                  *slog.Logger
}

func NewGateway(d Deps) *Gateway {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		verifier:                d.Verifier,
		rooms:                   d.Rooms,
		messaging:               d.Messaging,
		presence:                d.Presence,
		huddle:                  d.Huddle,
		ps:                      d.PubSub,
		heartbeatInterval:       d.HeartbeatInterval,
		presenceRefreshInterval: d.PresenceRefreshInterval,
		logger:                  logger,
	}
}

// ServeHTTP upgrades the request to a WebSocket and drives the connection
// until it closes. It never returns an error to the caller: failures during
// the connection's lifetime become close codes or error frames.
func (gw *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		gw.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := newConnection(gw, conn)
	c.enqueue(wire.AuthRequiredFrame{Type: wire.EvAuthRequired})
	c.run(r.Context())
}

// Close shuts down the gateway's channel-layer connection. Call during
// graceful shutdown, after HTTP listeners have stopped accepting upgrades.
func (gw *Gateway) Close() error {
	return gw.ps.Close()
}
