package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/observer/relaycore/internal/domain"
	"github.com/observer/relaycore/internal/pubsub"
	"github.com/observer/relaycore/internal/wire"
)

// connState is the per-socket state machine: Open -> AwaitAuth -> Ready ->
// Closed, with AwaitAuth -> Closed on a bad token.
type connState int

const (
	stateAwaitAuth connState = iota
	stateReady
	stateClosed
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 65536

	// inboundRate/inboundBurst bound how fast a single connection may send
	// frames; sustained overage closes the socket rather than silently
	// throttling, since there is no wire-level "slow down".
	inboundRate  = 20
	inboundBurst = 40

	sendBufferSize = 256
)

// Connection is the per-socket state the gateway owns for the lifetime of
// one WebSocket. State for one connection is never mutated from another
// task: every field below is only ever touched while holding mu, except
// the immutable fields set once at construction or at the Ready
// transition.
type Connection struct {
	id     string
	gw     *Gateway
	conn   *websocket.Conn
	logger *slog.Logger

	send chan []byte

	// writeMu serializes socket writes between writePump and the rare
	// synchronous write that must flush before a close frame.
	writeMu sync.Mutex

	limiter *rate.Limiter

	mu               sync.Mutex
	state            connState
	authenticated    bool
	snapshot         domain.Snapshot
	lastActivity     time.Time
	subscribedRooms  map[uint64]pubsub.Subscription
	activeHuddleRoom *uint64
	sfuSessionID     string

	userSub   pubsub.Subscription
	globalSub pubsub.Subscription

	teardownOnce sync.Once
	closeSignal  chan struct{}
	bgCancel     context.CancelFunc
}

func newConnection(gw *Gateway, conn *websocket.Conn) *Connection {
	id := uuid.NewString()
	return &Connection{
		id:              id,
		gw:              gw,
		conn:            conn,
		logger:          gw.logger.With("conn_id", id),
		send:            make(chan []byte, sendBufferSize),
		limiter:         rate.NewLimiter(rate.Limit(inboundRate), inboundBurst),
		state:           stateAwaitAuth,
		lastActivity:    time.Now(),
		subscribedRooms: make(map[uint64]pubsub.Subscription),
		closeSignal:     make(chan struct{}),
	}
}

func (c *Connection) getState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) markActivity() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity)
}

// run drives one connection end to end: upgrade has already happened, this
// blocks until the peer disconnects or the gateway closes the socket, then
// runs teardown exactly once before returning.
func (c *Connection) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)

	c.teardown(ctx)
}

func (c *Connection) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		if !c.limiter.Allow() {
			c.logger.Warn("closing connection for sustained inbound overload")
			c.closeWithCode(wire.CloseOverload, "overload")
			return
		}

		env, err := decodeEnvelope(raw)
		if err != nil {
			c.sendError(wire.ErrCodeUnknownEvent, "malformed frame")
			continue
		}

		env.Type = normalizeType(env.Type)
		if env.Type != wire.EvPing {
			c.markActivity()
		}

		if c.getState() == stateAwaitAuth {
			if env.Type != wire.EvAuth {
				c.sendError(wire.ErrCodeAuthRequired, "authenticate first")
				continue
			}
			if !c.handleAuth(ctx, env) {
				return
			}
			continue
		}

		c.dispatch(ctx, env)
	}
}

func (c *Connection) writePump(ctx context.Context) {
	defer c.conn.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeSignal:
			return
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.writeMu.Unlock()
				return
			}
			w.Write(payload)
			err = w.Close()
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// enqueue marshals frame and queues it for delivery. A saturated send
// buffer means this connection's consumer can't keep up; the whole
// connection is dropped with 1011 rather than silently discarding
// individual frames.
func (c *Connection) enqueue(frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("failed to marshal outbound frame", "error", err)
		return
	}
	select {
	case c.send <- payload:
	default:
		c.logger.Warn("outbound buffer saturated, dropping connection")
		c.closeWithCode(wire.CloseOverload, "overload")
	}
}

// enqueueRaw forwards an already-encoded frame (a pubsub delivery) straight
// to the send buffer, same backpressure policy as enqueue.
func (c *Connection) enqueueRaw(payload []byte) {
	select {
	case c.send <- payload:
	default:
		c.logger.Warn("outbound buffer saturated, dropping connection")
		c.closeWithCode(wire.CloseOverload, "overload")
	}
}

func (c *Connection) sendError(code, message string) {
	c.enqueue(wire.NewErrorFrame(code, message))
}

// writeFrameSync marshals and writes frame on the caller's goroutine,
// bypassing the send buffer. Used only where a frame must reach the peer
// before an immediately following close, where enqueue would race the
// close frame.
func (c *Connection) writeFrameSync(frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("failed to marshal outbound frame", "error", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.logger.Warn("synchronous write failed", "error", err)
	}
}

// closeWithCode sends a WebSocket close frame with the given close code and
// unblocks readPump/writePump so run() can proceed to teardown. Safe to
// call more than once or concurrently; only the first call has any effect.
func (c *Connection) closeWithCode(code int, reason string) {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosed
	c.mu.Unlock()

	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = c.conn.Close()

	select {
	case <-c.closeSignal:
	default:
		close(c.closeSignal)
	}
}
