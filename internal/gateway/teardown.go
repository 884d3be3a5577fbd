package gateway

import "context"

// teardown runs exactly once per connection (guarded by teardownOnce).
// Every subordinate step runs independently: a failure in one is logged
// and never skips the others.
func (c *Connection) teardown(ctx context.Context) {
	c.teardownOnce.Do(func() {
		c.stopBackground()

		c.mu.Lock()
		roomIDs := make([]uint64, 0, len(c.subscribedRooms))
		for roomID := range c.subscribedRooms {
			roomIDs = append(roomIDs, roomID)
		}
		wasReady := c.authenticated
		userSub, globalSub := c.userSub, c.globalSub
		c.mu.Unlock()

		for _, roomID := range roomIDs {
			c.leaveRoom(ctx, roomID)
		}

		// leaveRoom clears the huddle along with its room subscription; this
		// only fires if the huddle outlived the subscription somehow.
		c.mu.Lock()
		huddleRoom := c.activeHuddleRoom
		c.activeHuddleRoom = nil
		c.sfuSessionID = ""
		c.mu.Unlock()
		if huddleRoom != nil {
			if err := c.gw.huddle.Leave(ctx, *huddleRoom, c.snapshotCopy().ID); err != nil {
				c.logger.Error("teardown: huddle leave failed", "room_id", *huddleRoom, "error", err)
			}
		}

		if userSub != nil {
			if err := userSub.Unsubscribe(); err != nil {
				c.logger.Error("teardown: user unsubscribe failed", "error", err)
			}
		}
		if globalSub != nil {
			if err := globalSub.Unsubscribe(); err != nil {
				c.logger.Error("teardown: global unsubscribe failed", "error", err)
			}
		}

		if wasReady {
			self := c.snapshotCopy()
			if err := c.gw.presence.GoOffline(ctx, self.ID); err != nil {
				c.logger.Error("teardown: go offline failed", "error", err)
			}
			if err := c.gw.presence.BroadcastUserOffline(ctx, self.ID); err != nil {
				c.logger.Error("teardown: broadcast offline failed", "error", err)
			}
		}

		c.closeWithCode(c.closeCodeForTeardown(), "connection closed")
	})
}

// closeCodeForTeardown picks a close code for the final control frame when
// teardown runs off the back of a peer-initiated close (no prior
// closeWithCode call): 1000 is the ordinary, no-error close.
func (c *Connection) closeCodeForTeardown() int {
	return 1000
}
