package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/observer/relaycore/internal/wire"
)

// startBackground launches the heartbeat reaper and presence refresher.
// Both run for the lifetime of the connection and are cancelled and
// awaited by teardown before it returns.
func (c *Connection) startBackground() {
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.heartbeatReaper(ctx)
	}()
	go func() {
		defer wg.Done()
		c.presenceRefresher(ctx)
	}()

	c.mu.Lock()
	c.bgCancel = func() {
		cancel()
		wg.Wait()
	}
	c.mu.Unlock()
}

// heartbeatReaper closes the connection with 4002 once it has been idle for
// more than 3x the heartbeat interval. A "ping" frame does not count as
// activity; only markActivity calls from readPump for other event types
// reset the clock.
func (c *Connection) heartbeatReaper(ctx context.Context) {
	interval := c.gw.heartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.idleFor() > 3*interval {
				c.logger.Info("reaping idle connection")
				c.closeWithCode(wire.CloseIdleReap, "idle timeout")
				return
			}
		}
	}
}

// presenceRefresher re-adds this connection's user to the global online set
// and resets the TTL on every room presence entry it holds, every
// PresenceRefreshInterval, so a long-lived connection's ephemeral state
// never silently expires.
func (c *Connection) presenceRefresher(ctx context.Context) {
	interval := c.gw.presenceRefreshInterval
	if interval <= 0 {
		interval = 120 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshAllPresence(ctx)
		}
	}
}

func (c *Connection) refreshAllPresence(ctx context.Context) {
	self := c.snapshotCopy()
	if err := c.gw.presence.RefreshOnline(ctx, self.ID); err != nil {
		c.logger.Error("presence refresher: refresh online failed", "error", err)
	}

	c.mu.Lock()
	rooms := make([]uint64, 0, len(c.subscribedRooms))
	for roomID := range c.subscribedRooms {
		rooms = append(rooms, roomID)
	}
	c.mu.Unlock()

	for _, roomID := range rooms {
		if err := c.gw.presence.RefreshPresence(ctx, roomID, self); err != nil {
			c.logger.Error("presence refresher: refresh room presence failed", "room_id", roomID, "error", err)
		}
	}
}

// stopBackground cancels and awaits the background tasks. Safe to call even
// if startBackground was never invoked (bgCancel left nil, e.g. the
// connection closed before completing auth).
func (c *Connection) stopBackground() {
	c.mu.Lock()
	cancel := c.bgCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
