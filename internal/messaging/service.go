// Package messaging is the durable messaging pipeline: create/edit/delete
// of chat messages, with authorization, persistence, and fan-out baked into
// one call each. The gateway verifies the caller is actually subscribed to
// room_id before calling SendMessage; that is a connection-state check, not
// a messaging concern. EditMessage and DeleteMessage are authorized only by
// the sender-gated queries and broadcast to the room_id they are given.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/observer/relaycore/internal/database"
	"github.com/observer/relaycore/internal/domain"
	"github.com/observer/relaycore/internal/pubsub"
	"github.com/observer/relaycore/internal/statestore"
	"github.com/observer/relaycore/internal/wire"
)

// maxNotificationPreview bounds the message excerpt copied into an ephemeral
// new-message notification.
const maxNotificationPreview = 100

type Service struct {
	messages      *database.MessageRepository
	rooms         *database.RoomRepository
	notifications *database.NotificationRepository
	receipts      *database.ReceiptRepository
	store         statestore.Store
	ps            pubsub.PubSub
	sanitizer     *bluemonday.Policy
	logger        *slog.Logger
}

func NewService(messages *database.MessageRepository, rooms *database.RoomRepository, notifications *database.NotificationRepository, receipts *database.ReceiptRepository, store statestore.Store, ps pubsub.PubSub, logger *slog.Logger) *Service {
	return &Service{
		messages:      messages,
		rooms:         rooms,
		notifications: notifications,
		receipts:      receipts,
		store:         store,
		ps:            ps,
		sanitizer:     bluemonday.StrictPolicy(),
		logger:        logger,
	}
}

// SendMessage persists content as sender's message in roomID, broadcasts it
// to the room, and fans out offline/ephemeral notifications to the other
// participants. Empty or whitespace-only content is dropped silently.
func (s *Service) SendMessage(ctx context.Context, roomID uint64, sender domain.Snapshot, content, clientID string) error {
	content = strings.TrimSpace(s.sanitizer.Sanitize(content))
	if content == "" {
		return nil
	}

	msg, err := s.messages.CreateMessage(ctx, roomID, sender.ID, content, "", nil)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}

	if err := s.publishMessage(ctx, wire.EvChatMessage, roomID, msg, sender, clientID); err != nil {
		return err
	}

	return s.fanOutOffline(ctx, roomID, sender, msg)
}

// EditMessage rewrites a message's content. If the caller isn't the
// original sender, UpdateMessage returns domain.ErrMessageNotFound and this
// is a silent no-op: the durable row is unchanged and nothing broadcasts.
func (s *Service) EditMessage(ctx context.Context, roomID uint64, sender domain.Snapshot, messageID uint64, content string) error {
	content = strings.TrimSpace(s.sanitizer.Sanitize(content))
	if content == "" {
		return nil
	}

	msg, err := s.messages.UpdateMessage(ctx, messageID, sender.ID, content)
	if err != nil {
		if err == domain.ErrMessageNotFound {
			return nil
		}
		return fmt.Errorf("update message: %w", err)
	}

	return s.publishMessage(ctx, wire.EvChatMessageUpdated, roomID, msg, sender, "")
}

// DeleteMessage soft-deletes a message. Same authorization-by-silent-no-op
// behavior as EditMessage.
func (s *Service) DeleteMessage(ctx context.Context, roomID uint64, sender domain.Snapshot, messageID uint64) error {
	if err := s.messages.DeleteMessage(ctx, messageID, sender.ID); err != nil {
		if err == domain.ErrMessageNotFound {
			return nil
		}
		return fmt.Errorf("delete message: %w", err)
	}

	frame := wire.ChatMessageDeletedFrame{Type: wire.EvChatMessageDeleted, RoomID: roomID, MessageID: messageID}
	return s.publish(ctx, pubsub.Topics.Room(roomID), wire.EvChatMessageDeleted, frame)
}

// MarkRoomRead clears userID's coalesced unread notification for roomID and
// records a read receipt against the room's newest message. Called when a
// connection subscribes to the room: having the room open is the read
// signal.
func (s *Service) MarkRoomRead(ctx context.Context, userID, roomID uint64) error {
	if err := s.notifications.MarkRead(ctx, userID, roomID); err != nil {
		return err
	}

	latestID, ok, err := s.messages.LatestMessageID(ctx, roomID)
	if err != nil {
		return fmt.Errorf("latest message lookup: %w", err)
	}
	if !ok {
		return nil
	}
	return s.receipts.CreateReadReceipt(ctx, latestID, userID)
}

func (s *Service) publishMessage(ctx context.Context, eventType string, roomID uint64, msg *domain.Message, sender domain.Snapshot, clientID string) error {
	payload := wire.MessagePayload{
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		Content:   msg.Content,
		Sender:    wire.RefFromSnapshot(sender),
		CreatedAt: msg.CreatedAt,
		UpdatedAt: msg.UpdatedAt,
		Edited:    msg.Edited(),
		ClientID:  clientID,
	}
	if msg.AttachmentType != nil {
		payload.Attachment = msg.Attachment
		payload.AttachmentType = string(*msg.AttachmentType)
	}

	var frame any
	switch eventType {
	case wire.EvChatMessage:
		frame = wire.ChatMessageFrame{Type: eventType, RoomID: roomID, Message: payload}
	case wire.EvChatMessageUpdated:
		frame = wire.ChatMessageUpdatedFrame{Type: eventType, RoomID: roomID, Message: payload}
	default:
		return fmt.Errorf("messaging: unknown broadcast event %q", eventType)
	}

	return s.publish(ctx, pubsub.Topics.Room(roomID), eventType, frame)
}

// fanOutOffline notifies every other participant of roomID: skip if they're
// present in the room (they'll see the broadcast), else an ephemeral
// notification if they're online elsewhere, else a coalesced durable one.
func (s *Service) fanOutOffline(ctx context.Context, roomID uint64, sender domain.Snapshot, msg *domain.Message) error {
	participantIDs, err := s.rooms.ListParticipantIDs(ctx, roomID, &sender.ID)
	if err != nil {
		return fmt.Errorf("list participants: %w", err)
	}

	presenceKey := statestore.PresenceKey(roomID)
	preview := msg.Content
	if runes := []rune(preview); len(runes) > maxNotificationPreview {
		preview = string(runes[:maxNotificationPreview])
	}

	for _, participantID := range participantIDs {
		inRoom, err := s.store.HashExists(ctx, presenceKey, participantID)
		if err != nil {
			s.logger.Warn("presence lookup failed, treating as absent", "room_id", roomID, "user_id", participantID, "error", err)
		}
		if inRoom {
			continue
		}

		online, err := s.store.SetIsMember(ctx, statestore.GlobalOnlineKey, participantID)
		if err != nil {
			s.logger.Warn("online lookup failed, treating as offline", "user_id", participantID, "error", err)
		}

		if online {
			frame := wire.GlobalNewMessageNotificationFrame{
				Type:           wire.EvGlobalNewMessageNotification,
				ChatRoomID:     roomID,
				SenderID:       sender.ID,
				SenderName:     sender.Name,
				MessageContent: preview,
				HasAttachment:  msg.AttachmentType != nil,
			}
			if err := s.publish(ctx, pubsub.Topics.User(participantID), wire.EvGlobalNewMessageNotification, frame); err != nil {
				s.logger.Error("failed to deliver ephemeral notification", "user_id", participantID, "error", err)
			}
			continue
		}

		content := fmt.Sprintf("New message from %s", sender.Name)
		if err := s.notifications.UpsertUnreadNotification(ctx, participantID, roomID, content); err != nil {
			s.logger.Error("failed to persist notification", "user_id", participantID, "room_id", roomID, "error", err)
		}
	}

	return nil
}

func (s *Service) publish(ctx context.Context, topic, eventType string, frame any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return s.ps.Publish(ctx, topic, &pubsub.Message{Topic: topic, Type: eventType, Payload: payload})
}
