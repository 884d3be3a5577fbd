// Package presence implements the presence & ephemeral-collaboration
// services: room presence, typing indicators, the shared collab note, and
// per-user cursors. Global online-set bookkeeping lives in global.go
// alongside it, since both read/write the same statestore.Store and both
// get consulted by the connection gateway at the same points in its
// lifecycle.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/observer/relaycore/internal/domain"
	"github.com/observer/relaycore/internal/pubsub"
	"github.com/observer/relaycore/internal/statestore"
	"github.com/observer/relaycore/internal/wire"
)

// TTLs bundles the ephemeral-key lifetimes this service writes with, sourced
// from config.Config so an operator can retune them without a redeploy of
// the TTL constants baked into internal/statestore.
type TTLs struct {
	Presence time.Duration
	Typing   time.Duration
	Note     time.Duration
	Cursor   time.Duration
}

// Service is the presence/collab backend the connection gateway calls into
// for every chat.* event that touches ephemeral room state.
type Service struct {
	store statestore.Store
	ps    pubsub.PubSub
	ttl   TTLs
	log   *slog.Logger
}

func NewService(store statestore.Store, ps pubsub.PubSub, ttl TTLs, logger *slog.Logger) *Service {
	return &Service{store: store, ps: ps, ttl: ttl, log: logger}
}

// entry is the JSON shape written into chat:presence:{room_id}:
// id/name/avatar plus a last_seen timestamp not surfaced on the wire.
type entry struct {
	ID       uint64    `json:"id"`
	Name     string    `json:"name"`
	Avatar   string    `json:"avatar,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// MarkPresence upserts user's presence entry in roomID and returns the
// roster payload for chat.subscribed, truncated at MaxPresenceFanout.
func (s *Service) MarkPresence(ctx context.Context, roomID uint64, user domain.Snapshot) (wire.RoomPresence, error) {
	e := entry{ID: user.ID, Name: user.Name, Avatar: user.Avatar, LastSeen: time.Now()}
	payload, err := json.Marshal(e)
	if err != nil {
		return wire.RoomPresence{}, fmt.Errorf("marshal presence entry: %w", err)
	}

	key := statestore.PresenceKey(roomID)
	if err := s.store.HashSet(ctx, key, user.ID, string(payload), s.ttl.Presence); err != nil {
		return wire.RoomPresence{}, fmt.Errorf("write presence: %w", err)
	}

	return s.roster(ctx, key)
}

// RefreshPresence re-writes user's presence entry and resets its TTL,
// without changing the roster otherwise. Used by the connection gateway's
// presence refresher background task.
func (s *Service) RefreshPresence(ctx context.Context, roomID uint64, user domain.Snapshot) error {
	_, err := s.MarkPresence(ctx, roomID, user)
	return err
}

// RemovePresence deletes userID's presence entry in roomID and reports
// whether an entry actually existed, so the caller only broadcasts a leave
// when a join was genuinely in effect (the presence-parity invariant).
func (s *Service) RemovePresence(ctx context.Context, roomID, userID uint64) (bool, error) {
	key := statestore.PresenceKey(roomID)
	_, ok, err := s.store.HashGet(ctx, key, userID)
	if err != nil {
		return false, fmt.Errorf("read presence: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := s.store.HashDelete(ctx, key, userID); err != nil {
		return false, fmt.Errorf("delete presence: %w", err)
	}
	return true, nil
}

// RoomPresence returns the current roster payload without mutating it,
// used when a reconnect needs the current state without re-marking.
func (s *Service) RoomPresence(ctx context.Context, roomID uint64) (wire.RoomPresence, error) {
	return s.roster(ctx, statestore.PresenceKey(roomID))
}

func (s *Service) roster(ctx context.Context, key string) (wire.RoomPresence, error) {
	all, err := s.store.HashAll(ctx, key)
	if err != nil {
		return wire.RoomPresence{}, fmt.Errorf("read roster: %w", err)
	}

	users := make([]wire.UserRef, 0, len(all))
	for _, raw := range all {
		var e entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			s.log.Warn("skipping malformed presence entry", "error", err)
			continue
		}
		users = append(users, wire.UserRef{ID: e.ID, Name: e.Name, AvatarURL: e.Avatar})
	}

	count := len(users)
	truncated := false
	if count > statestore.MaxPresenceFanout {
		users = users[:statestore.MaxPresenceFanout]
		truncated = true
	}

	return wire.RoomPresence{Count: count, Users: users, Truncated: truncated}, nil
}

// BroadcastPresenceUpdate fans a join/leave event to the room group.
func (s *Service) BroadcastPresenceUpdate(ctx context.Context, roomID uint64, action string, user domain.Snapshot) error {
	frame := wire.ChatPresenceUpdateFrame{
		Type:   wire.EvChatPresenceUpdate,
		RoomID: roomID,
		Action: action,
		User:   wire.RefFromSnapshot(user),
	}
	return s.publish(ctx, pubsub.Topics.Room(roomID), wire.EvChatPresenceUpdate, frame)
}

// SetTyping writes or clears userID's typing flag for roomID and always
// broadcasts the resulting state, including to the sender itself; clients
// reconcile by sender id the same way they already do for chat.message.
func (s *Service) SetTyping(ctx context.Context, roomID, userID uint64, isTyping bool) error {
	key := statestore.TypingKey(roomID)
	if isTyping {
		ts := fmt.Sprintf("%d", time.Now().Unix())
		if err := s.store.HashSet(ctx, key, userID, ts, s.ttl.Typing); err != nil {
			return fmt.Errorf("write typing state: %w", err)
		}
	} else {
		if err := s.store.HashDelete(ctx, key, userID); err != nil {
			return fmt.Errorf("clear typing state: %w", err)
		}
	}

	frame := wire.ChatTypingStatusFrame{Type: wire.EvChatTypingStatus, RoomID: roomID, UserID: userID, IsTyping: isTyping}
	return s.publish(ctx, pubsub.Topics.Room(roomID), wire.EvChatTypingStatus, frame)
}

// ClearTyping removes userID's typing entry without broadcasting, used by
// teardown which only ever needs the state cleaned up, not announced.
func (s *Service) ClearTyping(ctx context.Context, roomID, userID uint64) error {
	return s.store.HashDelete(ctx, statestore.TypingKey(roomID), userID)
}

// CollabNote returns the current collaborative note content for roomID, if
// any is set.
func (s *Service) CollabNote(ctx context.Context, roomID uint64) (string, bool, error) {
	return s.store.KVGet(ctx, statestore.NoteKey(roomID))
}

// UpdateCollabNote stores content as the room's note if it differs from the
// current value, and broadcasts the update. An unchanged note returns nil
// after that read, without writing to Redis or publishing to the channel
// layer.
func (s *Service) UpdateCollabNote(ctx context.Context, roomID uint64, user domain.Snapshot, content string) error {
	current, ok, err := s.CollabNote(ctx, roomID)
	if err != nil {
		return fmt.Errorf("read note state: %w", err)
	}
	if ok && current == content {
		return nil
	}

	if err := s.store.KVSet(ctx, statestore.NoteKey(roomID), content, s.ttl.Note); err != nil {
		return fmt.Errorf("write note state: %w", err)
	}

	frame := wire.ChatCollabUpdateFrame{Type: wire.EvChatCollabUpdate, RoomID: roomID, Content: content, User: wire.RefFromSnapshot(user)}
	return s.publish(ctx, pubsub.Topics.Room(roomID), wire.EvChatCollabUpdate, frame)
}

// CursorState returns every live cursor in roomID, keyed by user id.
func (s *Service) CursorState(ctx context.Context, roomID uint64) (map[uint64]map[string]any, error) {
	all, err := s.store.HashAll(ctx, statestore.CursorKey(roomID))
	if err != nil {
		return nil, fmt.Errorf("read cursor state: %w", err)
	}

	out := make(map[uint64]map[string]any, len(all))
	for uid, raw := range all {
		var cursor map[string]any
		if err := json.Unmarshal([]byte(raw), &cursor); err != nil {
			s.log.Warn("skipping malformed cursor entry", "user_id", uid, "error", err)
			continue
		}
		out[uid] = cursor
	}
	return out, nil
}

// UpdateCursor writes userID's cursor payload for roomID and broadcasts it.
func (s *Service) UpdateCursor(ctx context.Context, roomID uint64, user domain.Snapshot, cursor map[string]any) error {
	payload, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}

	if err := s.store.HashSet(ctx, statestore.CursorKey(roomID), user.ID, string(payload), s.ttl.Cursor); err != nil {
		return fmt.Errorf("write cursor state: %w", err)
	}

	frame := wire.ChatCursorUpdateFrame{Type: wire.EvChatCursorUpdate, RoomID: roomID, Cursor: cursor, User: wire.RefFromSnapshot(user)}
	return s.publish(ctx, pubsub.Topics.Room(roomID), wire.EvChatCursorUpdate, frame)
}

func (s *Service) publish(ctx context.Context, topic, eventType string, frame any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return s.ps.Publish(ctx, topic, &pubsub.Message{Topic: topic, Type: eventType, Payload: payload})
}
