package wire

import (
	"time"

	"github.com/observer/relaycore/internal/domain"
)

// UserRef is the minimal identity shape embedded in outbound frames —
// the "serialized user snapshot" computed once at auth time.
type UserRef struct {
	ID        uint64 `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar,omitempty"`
}

// ErrorFrame is the uniform error envelope; connection stays open unless
// the caller separately closes it.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewErrorFrame(code, message string) ErrorFrame {
	return ErrorFrame{Type: EvError, Code: code, Message: message}
}

// RefFromSnapshot converts the gateway's immutable per-connection snapshot
// into the wire shape embedded in outbound frames.
func RefFromSnapshot(s domain.Snapshot) UserRef {
	return UserRef{ID: s.ID, Name: s.Name, AvatarURL: s.Avatar}
}

type AuthRequiredFrame struct {
	Type string `json:"type"`
}

type AuthSuccessFrame struct {
	Type        string   `json:"type"`
	User        UserRef  `json:"user"`
	OnlineUsers []uint64 `json:"online_users"`
}

type AuthErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type PongFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type PresenceAckFrame struct {
	Type string `json:"type"`
}

type GlobalOnlineUsersFrame struct {
	Type        string   `json:"type"`
	OnlineUsers []uint64 `json:"online_users"`
}

type GlobalUserOnlineFrame struct {
	Type   string `json:"type"`
	UserID uint64 `json:"user_id"`
}

type GlobalUserOfflineFrame struct {
	Type   string `json:"type"`
	UserID uint64 `json:"user_id"`
}

type GlobalNewMessageNotificationFrame struct {
	Type          string `json:"type"`
	ChatRoomID    uint64 `json:"chat_room_id"`
	SenderID      uint64 `json:"sender_id"`
	SenderName    string `json:"sender_name"`
	MessageContent string `json:"message_content"`
	HasAttachment bool   `json:"has_attachment"`
}

// RoomPresence is the roster payload shape of chat.subscribed — truncated to
// MaxPresenceFanout entries with count/truncated reported alongside.
// chat.presence_update carries only the joining or leaving user.
type RoomPresence struct {
	Count     int       `json:"count"`
	Users     []UserRef `json:"users"`
	Truncated bool      `json:"truncated"`
}

type ChatSubscribedFrame struct {
	Type     string       `json:"type"`
	RoomID   uint64       `json:"room_id"`
	Presence RoomPresence `json:"presence"`
}

type ChatUnsubscribedFrame struct {
	Type   string `json:"type"`
	RoomID uint64 `json:"room_id"`
}

type MessagePayload struct {
	ID             uint64   `json:"id"`
	RoomID         uint64   `json:"room_id"`
	Content        string   `json:"content"`
	Attachment     string   `json:"attachment,omitempty"`
	AttachmentType string   `json:"attachment_type,omitempty"`
	Sender         UserRef  `json:"sender"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Edited         bool     `json:"edited"`
	ClientID       string   `json:"client_id,omitempty"`
}

type ChatMessageFrame struct {
	Type    string         `json:"type"`
	RoomID  uint64         `json:"room_id"`
	Message MessagePayload `json:"message"`
}

type ChatMessageUpdatedFrame struct {
	Type    string         `json:"type"`
	RoomID  uint64         `json:"room_id"`
	Message MessagePayload `json:"message"`
}

type ChatMessageDeletedFrame struct {
	Type      string `json:"type"`
	RoomID    uint64 `json:"room_id"`
	MessageID uint64 `json:"message_id"`
}

type ChatTypingStatusFrame struct {
	Type     string `json:"type"`
	RoomID   uint64 `json:"room_id"`
	UserID   uint64 `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

type ChatPresenceUpdateFrame struct {
	Type   string  `json:"type"`
	RoomID uint64  `json:"room_id"`
	Action string  `json:"action"` // "join" | "leave"
	User   UserRef `json:"user"`
}

type ChatCollabStateFrame struct {
	Type    string `json:"type"`
	RoomID  uint64 `json:"room_id"`
	Content string `json:"content"`
}

type ChatCollabUpdateFrame struct {
	Type    string  `json:"type"`
	RoomID  uint64  `json:"room_id"`
	Content string  `json:"content"`
	User    UserRef `json:"user"`
}

type ChatCursorStateFrame struct {
	Type    string                     `json:"type"`
	RoomID  uint64                     `json:"room_id"`
	Cursors map[uint64]map[string]any `json:"cursors"`
}

type ChatCursorUpdateFrame struct {
	Type   string         `json:"type"`
	RoomID uint64         `json:"room_id"`
	Cursor map[string]any `json:"cursor"`
	User   UserRef        `json:"user"`
}

type ChatHuddleParticipantsFrame struct {
	Type         string    `json:"type"`
	RoomID       uint64    `json:"room_id"`
	Participants []UserRef `json:"participants"`
}

type ChatRoomUpdatedFrame struct {
	Type   string `json:"type"`
	RoomID uint64 `json:"room_id"`
	Title  string `json:"title,omitempty"`
}

type HuddleSignalFrame struct {
	Type    string          `json:"type"`
	From    UserRef         `json:"from"`
	RoomID  uint64          `json:"room_id"`
	Payload map[string]any `json:"payload"`
}

type HuddleSFUUpgradeFrame struct {
	Type   string `json:"type"`
	RoomID uint64 `json:"room_id"`
}

type HuddleSFUPublishAnswerFrame struct {
	Type       string   `json:"type"`
	SessionID  string   `json:"session_id"`
	TrackName  string   `json:"track_name"`
	SDPAnswer  string   `json:"sdp_answer"`
	Tracks     []string `json:"tracks"`
}

type HuddleSFUSubscribeOfferFrame struct {
	Type                 string            `json:"type"`
	SessionID            string            `json:"session_id"`
	SDPOffer             string            `json:"sdp_offer"`
	Tracks               []SFURemoteTrack  `json:"tracks"`
	RequiresRenegotiation bool             `json:"requires_renegotiation"`
}

type SFURemoteTrack struct {
	Location  string `json:"location"`
	SessionID string `json:"sessionId"`
	TrackName string `json:"trackName"`
}

type HuddleSFURenegotiateCompleteFrame struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
}

type HuddleSFUTrackAddedFrame struct {
	Type      string `json:"type"`
	RoomID    uint64 `json:"room_id"`
	UserID    uint64 `json:"user_id"`
	UserName  string `json:"user_name"`
	TrackName string `json:"track_name"`
}

type GlobalChatRoomCreatedFrame struct {
	Type string      `json:"type"`
	Room interface{} `json:"room"`
}

type GlobalRemovedFromRoomFrame struct {
	Type   string `json:"type"`
	RoomID uint64 `json:"room_id"`
}

type GlobalPromotedToAdminFrame struct {
	Type   string `json:"type"`
	RoomID uint64 `json:"room_id"`
}
