package gateway

import (
	"errors"

	"github.com/observer/relaycore/internal/domain"
	"github.com/observer/relaycore/internal/wire"
)

// GatewayError pairs a wire error code with the message an error frame
// should carry. Handlers translate domain sentinels into one of these, then
// send it; the socket stays open. Only auth failures and fatal
// invariant violations close the connection, and those never come this way.
type GatewayError struct {
	Code    string
	Message string
}

func (e *GatewayError) Error() string {
	return e.Code + ": " + e.Message
}

func (c *Connection) sendGatewayError(e *GatewayError) {
	c.sendError(e.Code, e.Message)
}

// subscribeError maps GetRoom/IsParticipant failures from chat.subscribe to
// the error frame to emit.
func subscribeError(err error) *GatewayError {
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		return &GatewayError{Code: wire.ErrCodeRoomNotFound, Message: "room not found"}
	case errors.Is(err, domain.ErrNotParticipant):
		return &GatewayError{Code: wire.ErrCodeNotParticipant, Message: "not a participant of this room"}
	default:
		return &GatewayError{Code: wire.ErrCodeRoomNotFound, Message: "room not found"}
	}
}
