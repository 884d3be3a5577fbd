// Package domain holds the durable entity shapes shared by the persistence
// adapter and the connection gateway.
package domain

import "time"

// ParticipantRole is a ChatRoomParticipant's standing within a room.
type ParticipantRole string

const (
	RoleAdmin  ParticipantRole = "admin"
	RoleMember ParticipantRole = "member"
)

// AttachmentType classifies an already-uploaded attachment reference.
// The core never issues or validates upload URLs; it only stores and
// relays whatever reference the REST surface already resolved.
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentVideo AttachmentType = "video"
	AttachmentAudio AttachmentType = "audio"
	AttachmentFile  AttachmentType = "file"
)

// User is referenced here only by id; creation and profile management
// belong to the out-of-scope REST surface and identity provider.
type User struct {
	ID        uint64 `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Snapshot is the immutable per-connection user view computed once on the
// Ready transition and reused, by value, in every outgoing envelope.
type Snapshot struct {
	ID     uint64 `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// ChatRoom is a direct (two-participant) or group conversation.
type ChatRoom struct {
	ID          uint64    `json:"id"`
	Name        string    `json:"name,omitempty"`
	IsGroupChat bool      `json:"is_group_chat"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChatRoomParticipant is membership of a User in a ChatRoom.
type ChatRoomParticipant struct {
	RoomID            uint64          `json:"room_id"`
	UserID            uint64          `json:"user_id"`
	Role              ParticipantRole `json:"role"`
	JoinedAt          time.Time       `json:"joined_at"`
	LastReadMessageID *uint64         `json:"last_read_message_id,omitempty"`
}

// Message is a single chat message in a room.
type Message struct {
	ID             uint64          `json:"id"`
	RoomID         uint64          `json:"room_id"`
	SenderID       uint64          `json:"sender_id"`
	Content        string          `json:"content"`
	Attachment     string          `json:"attachment,omitempty"`
	AttachmentType *AttachmentType `json:"attachment_type,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Edited reports whether the message has been modified meaningfully after
// creation. A sub-two-second gap is treated as noise from the initial
// insert-then-touch sequence, not a genuine edit.
func (m Message) Edited() bool {
	return m.UpdatedAt.Sub(m.CreatedAt) > 2*time.Second
}

// Notification is an offline/async alert for a user about room activity.
// At most one unread row may exist per (UserID, RoomID); see
// database.NotificationRepository.UpsertUnreadNotification.
type Notification struct {
	ID        uint64    `json:"id"`
	UserID    uint64    `json:"user_id"`
	RoomID    *uint64   `json:"room_id,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	IsRead    bool      `json:"is_read"`
}

// MessageReadReceipt records that a user has read a message. Unique on
// (MessageID, UserID); creation is idempotent.
type MessageReadReceipt struct {
	MessageID uint64    `json:"message_id"`
	UserID    uint64    `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}
