// Package wire is the gateway's wire-protocol vocabulary: every event-type
// string and error code named in the protocol, plus the flat JSON frame
// shapes sent to clients. It has no dependency on gateway, messaging,
// presence, or huddle, so all four can share it without an import cycle.
package wire

// Client -> server event types (namespaced form).
const (
	EvAuth             = "auth"
	EvPing             = "ping"
	EvPresenceHeartbeat = "presence.heartbeat"
	EvGlobalRefresh    = "global.refresh"
	EvChatSubscribe    = "chat.subscribe"
	EvChatUnsubscribe  = "chat.unsubscribe"
	EvChatSendMessage  = "chat.send_message"
	EvChatEditMessage  = "chat.edit_message"
	EvChatDeleteMessage = "chat.delete_message"
	EvChatTyping       = "chat.typing"
	EvChatCollabUpdate = "chat.collab_update"
	EvChatCursorUpdate = "chat.cursor_update"
	EvHuddleJoin          = "huddle.join"
	EvHuddleLeave         = "huddle.leave"
	EvHuddleSignal        = "huddle.signal"
	EvHuddleSFUPublish    = "huddle.sfu_publish"
	EvHuddleSFUSubscribe  = "huddle.sfu_subscribe"
	EvHuddleSFURenegotiate = "huddle.sfu_renegotiate"
)

// Legacy (pre-namespace) client event aliases, rewritten to their namespaced
// equivalent before dispatch. See Design Note on dynamic namespacing.
var LegacyAliases = map[string]string{
	"send_message":   EvChatSendMessage,
	"edit_message":   EvChatEditMessage,
	"delete_message": EvChatDeleteMessage,
	"typing":         EvChatTyping,
	"collab_update":  EvChatCollabUpdate,
	"cursor_update":  EvChatCursorUpdate,
	"huddle_join":    EvHuddleJoin,
	"huddle_leave":   EvHuddleLeave,
	"huddle_signal":  EvHuddleSignal,
}

// Server -> client event types.
const (
	EvAuthRequired = "auth.required"
	EvAuthSuccess  = "auth.success"
	EvAuthError    = "auth.error"
	EvPong         = "pong"
	EvPresenceAck  = "presence.ack"
	EvError        = "error"

	EvGlobalOnlineUsers            = "global.online_users"
	EvGlobalUserOnline             = "global.user_online"
	EvGlobalUserOffline            = "global.user_offline"
	EvGlobalChatRoomCreated        = "global.chat_room_created"
	EvGlobalNewMessageNotification = "global.new_message_notification"
	EvGlobalRemovedFromRoom        = "global.removed_from_room"
	EvGlobalPromotedToAdmin        = "global.promoted_to_admin"

	EvChatSubscribed        = "chat.subscribed"
	EvChatUnsubscribed      = "chat.unsubscribed"
	EvChatMessage           = "chat.message"
	EvChatMessageUpdated    = "chat.message_updated"
	EvChatMessageDeleted    = "chat.message_deleted"
	EvChatTypingStatus      = "chat.typing_status"
	EvChatPresenceUpdate    = "chat.presence_update"
	EvChatCollabState       = "chat.collab_state"
	EvChatCursorState       = "chat.cursor_state"
	EvChatHuddleParticipants = "chat.huddle_participants"
	EvChatRoomUpdated       = "chat.room_updated"

	EvHuddleSFUUpgrade             = "huddle.sfu_upgrade"
	EvHuddleSFUPublishAnswer       = "huddle.sfu_publish_answer"
	EvHuddleSFUSubscribeOffer      = "huddle.sfu_subscribe_offer"
	EvHuddleSFURenegotiateComplete = "huddle.sfu_renegotiate_complete"
	EvHuddleSFUTrackAdded          = "huddle.sfu_track_added"
)

// Error codes carried in error frames.
const (
	ErrCodeAuthRequired          = "AUTH_REQUIRED"
	ErrCodeNotParticipant        = "NOT_PARTICIPANT"
	ErrCodeRoomNotFound          = "ROOM_NOT_FOUND"
	ErrCodeInvalidSFUPublish     = "INVALID_SFU_PUBLISH"
	ErrCodeInvalidSFURenegotiate = "INVALID_SFU_RENEGOTIATE"
	ErrCodeSFUSessionFailed      = "SFU_SESSION_FAILED"
	ErrCodeSFUPublishFailed      = "SFU_PUBLISH_FAILED"
	ErrCodeSFUSubscribeFailed    = "SFU_SUBSCRIBE_FAILED"
	ErrCodeSFURenegotiateFailed  = "SFU_RENEGOTIATE_FAILED"
	ErrCodeNoSFUSession          = "NO_SFU_SESSION"
	ErrCodeUnknownEvent          = "UNKNOWN_EVENT"
)

// Close codes used when terminating a connection.
const (
	CloseBadAuth  = 4001
	CloseIdleReap = 4002
	CloseOverload = 1011
)

// SFUParticipantThreshold is the huddle roster size at which a room
// escalates from P2P mesh to the SFU provider.
const SFUParticipantThreshold = 3
