package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/observer/relaycore/internal/domain"
	"github.com/observer/relaycore/internal/huddle"
	"github.com/observer/relaycore/internal/pubsub"
	"github.com/observer/relaycore/internal/wire"
)

// handleAuth processes the one event type allowed in AwaitAuth. A valid
// token moves the connection to Ready and seeds it with the global online
// roster; an invalid one closes the socket with 4001. The return value
// tells readPump whether to keep looping.
func (c *Connection) handleAuth(ctx context.Context, env inboundEnvelope) bool {
	claims, err := c.gw.verifier.Verify(env.Token)
	if err != nil {
		c.writeFrameSync(wire.AuthErrorFrame{Type: wire.EvAuthError, Message: "invalid or expired token"})
		c.closeWithCode(wire.CloseBadAuth, "invalid or expired token")
		return false
	}

	snapshot := domain.Snapshot{ID: claims.UserID, Name: claims.Username, Avatar: claims.AvatarURL}

	c.mu.Lock()
	c.snapshot = snapshot
	c.state = stateReady
	c.authenticated = true
	c.mu.Unlock()

	onlineUsers, err := c.gw.presence.GoOnline(ctx, snapshot.ID)
	if err != nil {
		c.logger.Error("failed to mark user online", "error", err)
		onlineUsers = []uint64{snapshot.ID}
	}

	// Announced before this connection joins global_presence, so the user
	// is not sent their own user_online frame.
	if err := c.gw.presence.BroadcastUserOnline(ctx, snapshot.ID); err != nil {
		c.logger.Error("failed to broadcast user online", "error", err)
	}

	userSub, err := c.gw.ps.Subscribe(ctx, pubsub.Topics.User(snapshot.ID), c.directDeliveryHandler())
	if err != nil {
		c.logger.Error("failed to subscribe to user topic", "error", err)
	}
	globalSub, err := c.gw.ps.Subscribe(ctx, pubsub.Topics.GlobalPresence(), c.directDeliveryHandler())
	if err != nil {
		c.logger.Error("failed to subscribe to global presence topic", "error", err)
	}
	c.mu.Lock()
	c.userSub = userSub
	c.globalSub = globalSub
	c.mu.Unlock()

	c.enqueue(wire.AuthSuccessFrame{Type: wire.EvAuthSuccess, User: wire.RefFromSnapshot(snapshot), OnlineUsers: onlineUsers})

	c.startBackground()
	return true
}

// dispatch routes one Ready-state event to its handler. Unknown types
// produce an error frame and the connection stays open.
func (c *Connection) dispatch(ctx context.Context, env inboundEnvelope) {
	switch {
	case env.Type == wire.EvPing:
		c.enqueue(wire.PongFrame{Type: wire.EvPong, Timestamp: time.Now().Unix()})
	case env.Type == wire.EvPresenceHeartbeat:
		c.handlePresenceHeartbeat(ctx)
	case env.Type == wire.EvGlobalRefresh:
		c.handleGlobalRefresh(ctx)
	case strings.HasPrefix(env.Type, "chat."):
		c.dispatchChat(ctx, env)
	case strings.HasPrefix(env.Type, "huddle."):
		c.dispatchHuddle(ctx, env)
	default:
		c.sendError(wire.ErrCodeUnknownEvent, "unknown event type: "+env.Type)
	}
}

func (c *Connection) snapshotCopy() domain.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

func (c *Connection) handlePresenceHeartbeat(ctx context.Context) {
	self := c.snapshotCopy()
	if err := c.gw.presence.RefreshOnline(ctx, self.ID); err != nil {
		c.logger.Error("presence heartbeat: refresh online failed", "error", err)
	}

	c.mu.Lock()
	rooms := make([]uint64, 0, len(c.subscribedRooms))
	for roomID := range c.subscribedRooms {
		rooms = append(rooms, roomID)
	}
	c.mu.Unlock()

	for _, roomID := range rooms {
		if err := c.gw.presence.RefreshPresence(ctx, roomID, self); err != nil {
			c.logger.Error("presence heartbeat: refresh room presence failed", "room_id", roomID, "error", err)
		}
	}

	c.enqueue(wire.PresenceAckFrame{Type: wire.EvPresenceAck})
}

func (c *Connection) handleGlobalRefresh(ctx context.Context) {
	online, err := c.gw.presence.OnlineUsers(ctx)
	if err != nil {
		c.logger.Error("global.refresh failed", "error", err)
		online = nil
	}
	c.enqueue(wire.GlobalOnlineUsersFrame{Type: wire.EvGlobalOnlineUsers, OnlineUsers: online})
}

func (c *Connection) dispatchChat(ctx context.Context, env inboundEnvelope) {
	switch env.Type {
	case wire.EvChatSubscribe:
		c.handleChatSubscribe(ctx, env.RoomID)
	case wire.EvChatUnsubscribe:
		c.handleChatUnsubscribe(ctx, env.RoomID)
	case wire.EvChatSendMessage:
		c.handleChatSendMessage(ctx, env)
	case wire.EvChatEditMessage:
		c.handleChatEditMessage(ctx, env)
	case wire.EvChatDeleteMessage:
		c.handleChatDeleteMessage(ctx, env)
	case wire.EvChatTyping:
		c.handleChatTyping(ctx, env)
	case wire.EvChatCollabUpdate:
		c.handleChatCollabUpdate(ctx, env)
	case wire.EvChatCursorUpdate:
		c.handleChatCursorUpdate(ctx, env)
	default:
		c.sendError(wire.ErrCodeUnknownEvent, "unknown chat event: "+env.Type)
	}
}

func (c *Connection) isSubscribed(roomID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscribedRooms[roomID]
	return ok
}

func (c *Connection) handleChatSubscribe(ctx context.Context, roomID uint64) {
	if _, err := c.gw.rooms.GetRoom(ctx, roomID); err != nil {
		if !errors.Is(err, domain.ErrRoomNotFound) {
			c.logger.Error("chat.subscribe: get room failed", "room_id", roomID, "error", err)
		}
		c.sendGatewayError(subscribeError(err))
		return
	}

	isParticipant, err := c.gw.rooms.IsParticipant(ctx, roomID, c.snapshotCopy().ID)
	if err != nil {
		c.logger.Error("chat.subscribe: participant check failed", "room_id", roomID, "error", err)
		c.sendError(wire.ErrCodeNotParticipant, "not a participant of this room")
		return
	}
	if !isParticipant {
		c.sendError(wire.ErrCodeNotParticipant, "not a participant of this room")
		return
	}

	if c.isSubscribed(roomID) {
		presence, err := c.gw.presence.RoomPresence(ctx, roomID)
		if err == nil {
			c.enqueue(wire.ChatSubscribedFrame{Type: wire.EvChatSubscribed, RoomID: roomID, Presence: presence})
		}
		return
	}

	sub, err := c.gw.ps.Subscribe(ctx, pubsub.Topics.Room(roomID), c.roomDeliveryHandler())
	if err != nil {
		c.logger.Error("chat.subscribe: channel subscribe failed", "room_id", roomID, "error", err)
		return
	}
	c.mu.Lock()
	c.subscribedRooms[roomID] = sub
	c.mu.Unlock()

	self := c.snapshotCopy()
	roomPresence, err := c.gw.presence.MarkPresence(ctx, roomID, self)
	if err != nil {
		c.logger.Error("chat.subscribe: mark presence failed", "room_id", roomID, "error", err)
	}

	c.enqueue(wire.ChatSubscribedFrame{Type: wire.EvChatSubscribed, RoomID: roomID, Presence: roomPresence})

	if err := c.gw.messaging.MarkRoomRead(ctx, self.ID, roomID); err != nil {
		c.logger.Error("chat.subscribe: mark room read failed", "room_id", roomID, "error", err)
	}

	if note, ok, err := c.gw.presence.CollabNote(ctx, roomID); err == nil && ok && note != "" {
		c.enqueue(wire.ChatCollabStateFrame{Type: wire.EvChatCollabState, RoomID: roomID, Content: note})
	}
	if cursors, err := c.gw.presence.CursorState(ctx, roomID); err == nil && len(cursors) > 0 {
		c.enqueue(wire.ChatCursorStateFrame{Type: wire.EvChatCursorState, RoomID: roomID, Cursors: cursors})
	}
	if participants, err := c.gw.huddle.Participants(ctx, roomID); err == nil && len(participants) > 0 {
		c.enqueue(wire.ChatHuddleParticipantsFrame{Type: wire.EvChatHuddleParticipants, RoomID: roomID, Participants: participants})
	}

	if err := c.gw.presence.BroadcastPresenceUpdate(ctx, roomID, "join", self); err != nil {
		c.logger.Error("chat.subscribe: broadcast join failed", "room_id", roomID, "error", err)
	}
}

func (c *Connection) handleChatUnsubscribe(ctx context.Context, roomID uint64) {
	if !c.isSubscribed(roomID) {
		c.enqueue(wire.ChatUnsubscribedFrame{Type: wire.EvChatUnsubscribed, RoomID: roomID})
		return
	}
	c.leaveRoom(ctx, roomID)
	c.enqueue(wire.ChatUnsubscribedFrame{Type: wire.EvChatUnsubscribed, RoomID: roomID})
}

// leaveRoom tears down one room's subscription: presence, typing, huddle
// membership, and the channel-layer subscription itself. Idempotent — safe
// to call from both chat.unsubscribe and teardown.
func (c *Connection) leaveRoom(ctx context.Context, roomID uint64) {
	self := c.snapshotCopy()

	removed, err := c.gw.presence.RemovePresence(ctx, roomID, self.ID)
	if err != nil {
		c.logger.Error("leave room: remove presence failed", "room_id", roomID, "error", err)
	}
	if removed {
		if err := c.gw.presence.BroadcastPresenceUpdate(ctx, roomID, "leave", self); err != nil {
			c.logger.Error("leave room: broadcast leave failed", "room_id", roomID, "error", err)
		}
	}

	if err := c.gw.presence.ClearTyping(ctx, roomID, self.ID); err != nil {
		c.logger.Error("leave room: clear typing failed", "room_id", roomID, "error", err)
	}

	c.mu.Lock()
	inHuddle := c.activeHuddleRoom != nil && *c.activeHuddleRoom == roomID
	sub, subscribed := c.subscribedRooms[roomID]
	delete(c.subscribedRooms, roomID)
	if inHuddle {
		c.activeHuddleRoom = nil
		c.sfuSessionID = ""
	}
	c.mu.Unlock()

	if inHuddle {
		if err := c.gw.huddle.Leave(ctx, roomID, self.ID); err != nil {
			c.logger.Error("leave room: huddle leave failed", "room_id", roomID, "error", err)
		}
	}

	if subscribed {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Error("leave room: channel unsubscribe failed", "room_id", roomID, "error", err)
		}
	}
}

func (c *Connection) requireSubscribed(roomID uint64) bool {
	if c.isSubscribed(roomID) {
		return true
	}
	c.sendError(wire.ErrCodeNotParticipant, "not subscribed to this room")
	return false
}

func (c *Connection) handleChatSendMessage(ctx context.Context, env inboundEnvelope) {
	if !c.requireSubscribed(env.RoomID) {
		return
	}
	if err := c.gw.messaging.SendMessage(ctx, env.RoomID, c.snapshotCopy(), env.Content, env.ClientID); err != nil {
		c.logger.Error("chat.send_message failed", "room_id", env.RoomID, "error", err)
	}
}

func (c *Connection) handleChatEditMessage(ctx context.Context, env inboundEnvelope) {
	if env.RoomID == 0 {
		c.sendError(wire.ErrCodeRoomNotFound, "room_id is required")
		return
	}
	if err := c.gw.messaging.EditMessage(ctx, env.RoomID, c.snapshotCopy(), env.MessageID, env.Content); err != nil {
		c.logger.Error("chat.edit_message failed", "room_id", env.RoomID, "message_id", env.MessageID, "error", err)
	}
}

func (c *Connection) handleChatDeleteMessage(ctx context.Context, env inboundEnvelope) {
	if env.RoomID == 0 {
		c.sendError(wire.ErrCodeRoomNotFound, "room_id is required")
		return
	}
	if err := c.gw.messaging.DeleteMessage(ctx, env.RoomID, c.snapshotCopy(), env.MessageID); err != nil {
		c.logger.Error("chat.delete_message failed", "room_id", env.RoomID, "message_id", env.MessageID, "error", err)
	}
}

func (c *Connection) handleChatTyping(ctx context.Context, env inboundEnvelope) {
	if err := c.gw.presence.SetTyping(ctx, env.RoomID, c.snapshotCopy().ID, env.IsTyping); err != nil {
		c.logger.Error("chat.typing failed", "room_id", env.RoomID, "error", err)
	}
}

func (c *Connection) handleChatCollabUpdate(ctx context.Context, env inboundEnvelope) {
	if err := c.gw.presence.UpdateCollabNote(ctx, env.RoomID, c.snapshotCopy(), env.Content); err != nil {
		c.logger.Error("chat.collab_update failed", "room_id", env.RoomID, "error", err)
	}
}

func (c *Connection) handleChatCursorUpdate(ctx context.Context, env inboundEnvelope) {
	if err := c.gw.presence.UpdateCursor(ctx, env.RoomID, c.snapshotCopy(), env.Cursor); err != nil {
		c.logger.Error("chat.cursor_update failed", "room_id", env.RoomID, "error", err)
	}
}

func (c *Connection) dispatchHuddle(ctx context.Context, env inboundEnvelope) {
	switch env.Type {
	case wire.EvHuddleJoin:
		c.handleHuddleJoin(ctx, env.RoomID)
	case wire.EvHuddleLeave:
		c.handleHuddleLeave(ctx)
	case wire.EvHuddleSignal:
		c.handleHuddleSignal(ctx, env)
	case wire.EvHuddleSFUPublish:
		c.handleHuddleSFUPublish(ctx, env)
	case wire.EvHuddleSFUSubscribe:
		c.handleHuddleSFUSubscribe(ctx)
	case wire.EvHuddleSFURenegotiate:
		c.handleHuddleSFURenegotiate(ctx, env)
	default:
		c.sendError(wire.ErrCodeUnknownEvent, "unknown huddle event: "+env.Type)
	}
}

func (c *Connection) handleHuddleJoin(ctx context.Context, roomID uint64) {
	if !c.requireSubscribed(roomID) {
		return
	}
	self := c.snapshotCopy()
	if err := c.gw.huddle.Join(ctx, roomID, self); err != nil {
		c.logger.Error("huddle.join failed", "room_id", roomID, "error", err)
		return
	}
	c.mu.Lock()
	c.activeHuddleRoom = &roomID
	c.mu.Unlock()
}

func (c *Connection) handleHuddleLeave(ctx context.Context) {
	c.mu.Lock()
	roomPtr := c.activeHuddleRoom
	c.activeHuddleRoom = nil
	c.sfuSessionID = ""
	c.mu.Unlock()
	if roomPtr == nil {
		return
	}
	if err := c.gw.huddle.Leave(ctx, *roomPtr, c.snapshotCopy().ID); err != nil {
		c.logger.Error("huddle.leave failed", "room_id", *roomPtr, "error", err)
	}
}

func (c *Connection) activeHuddle() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeHuddleRoom == nil {
		return 0, false
	}
	return *c.activeHuddleRoom, true
}

func (c *Connection) handleHuddleSignal(ctx context.Context, env inboundEnvelope) {
	roomID, ok := c.activeHuddle()
	if !ok {
		return
	}
	if err := c.gw.huddle.Signal(ctx, roomID, c.snapshotCopy(), env.TargetID, env.Payload); err != nil {
		c.logger.Error("huddle.signal failed", "room_id", roomID, "error", err)
	}
}

func (c *Connection) handleHuddleSFUPublish(ctx context.Context, env inboundEnvelope) {
	roomID, ok := c.activeHuddle()
	if !ok {
		c.sendError(wire.ErrCodeInvalidSFUPublish, "join a huddle before publishing")
		return
	}
	if env.SDPOffer == "" || env.TrackName == "" {
		c.sendError(wire.ErrCodeInvalidSFUPublish, "track_name and sdp_offer are required")
		return
	}
	answer, err := c.gw.huddle.Publish(ctx, roomID, c.snapshotCopy(), env.TrackName, env.SDPOffer)
	if err != nil {
		c.logger.Error("huddle.sfu_publish failed", "room_id", roomID, "error", err)
		if errors.Is(err, huddle.ErrSessionFailed) {
			c.sendError(wire.ErrCodeSFUSessionFailed, "sfu session creation failed")
			return
		}
		c.sendError(wire.ErrCodeSFUPublishFailed, "publish failed")
		return
	}
	c.mu.Lock()
	c.sfuSessionID = answer.SessionID
	c.mu.Unlock()
	c.enqueue(answer)
}

func (c *Connection) handleHuddleSFUSubscribe(ctx context.Context) {
	roomID, ok := c.activeHuddle()
	if !ok {
		c.sendError(wire.ErrCodeNoSFUSession, "join a huddle before subscribing")
		return
	}
	offer, err := c.gw.huddle.Subscribe(ctx, roomID, c.snapshotCopy().ID)
	if err != nil {
		if errors.Is(err, huddle.ErrNoRemoteTracks) {
			c.sendError(wire.ErrCodeSFUSubscribeFailed, "no remote tracks to subscribe to")
			return
		}
		if errors.Is(err, huddle.ErrSessionFailed) {
			c.sendError(wire.ErrCodeSFUSessionFailed, "sfu session creation failed")
			return
		}
		c.logger.Error("huddle.sfu_subscribe failed", "room_id", roomID, "error", err)
		c.sendError(wire.ErrCodeSFUSubscribeFailed, "subscribe failed")
		return
	}
	c.mu.Lock()
	c.sfuSessionID = offer.SessionID
	c.mu.Unlock()
	c.enqueue(offer)
}

func (c *Connection) handleHuddleSFURenegotiate(ctx context.Context, env inboundEnvelope) {
	if env.SDPAnswer == "" {
		c.sendError(wire.ErrCodeInvalidSFURenegotiate, "sdp_answer is required")
		return
	}
	c.mu.Lock()
	sessionID := c.sfuSessionID
	c.mu.Unlock()
	if sessionID == "" {
		c.sendError(wire.ErrCodeNoSFUSession, "no active sfu session")
		return
	}
	done, err := c.gw.huddle.Renegotiate(ctx, sessionID, env.SDPAnswer)
	if err != nil {
		c.logger.Error("huddle.sfu_renegotiate failed", "session_id", sessionID, "error", err)
		c.sendError(wire.ErrCodeSFURenegotiateFailed, "renegotiate failed")
		return
	}
	c.enqueue(done)
}

// directDeliveryHandler forwards a user-topic or global-presence delivery
// straight to the socket.
func (c *Connection) directDeliveryHandler() pubsub.Handler {
	return func(_ context.Context, msg *pubsub.Message) {
		c.enqueueRaw(msg.Payload)
	}
}

// trackAddedPeek is just enough of HuddleSFUTrackAddedFrame to decide
// whether the publisher's own connection should see its own track-added
// broadcast.
type trackAddedPeek struct {
	UserID uint64 `json:"user_id"`
}

// roomDeliveryHandler forwards a room-topic delivery to the socket, except
// that a huddle.sfu_track_added event is suppressed for the publisher's own
// connection: the pub/sub layer has no concept of "all but one", so the
// exclusion happens here, at the one place that knows this socket's user id.
func (c *Connection) roomDeliveryHandler() pubsub.Handler {
	return func(_ context.Context, msg *pubsub.Message) {
		if msg.Type == wire.EvHuddleSFUTrackAdded {
			var peek trackAddedPeek
			if err := json.Unmarshal(msg.Payload, &peek); err == nil && peek.UserID == c.snapshotCopy().ID {
				return
			}
		}
		c.enqueueRaw(msg.Payload)
	}
}
