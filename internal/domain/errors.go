package domain

import "errors"

// Sentinel errors translated into wire error frames or close codes by the
// gateway; see internal/gateway/errors.go for the taxonomy mapping.
var (
	ErrRoomNotFound    = errors.New("chat room not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrNotParticipant  = errors.New("user is not a participant of this room")
	ErrForbidden       = errors.New("caller is not authorized for this operation")
	ErrConflict        = errors.New("conflicting write")
	ErrStoreUnavailable = errors.New("state store unavailable")
)
