package gateway

import (
	"encoding/json"

	"github.com/observer/relaycore/internal/wire"
)

// inboundEnvelope is the flat client->server frame shape: every frame
// carries a string type plus whatever fields that event needs. One struct
// covers every event rather than a tagged union, since Go has no sum
// types; decodeEnvelope plus the dispatch table in dispatch.go plays that
// role instead.
type inboundEnvelope struct {
	Type      string         `json:"type"`
	Token     string         `json:"token,omitempty"`
	RoomID    uint64         `json:"room_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	MessageID uint64         `json:"message_id,omitempty"`
	ClientID  string         `json:"client_id,omitempty"`
	IsTyping  bool           `json:"is_typing,omitempty"`
	Cursor    map[string]any `json:"cursor,omitempty"`
	TargetID  uint64         `json:"target_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	TrackName string         `json:"track_name,omitempty"`
	SDPOffer  string         `json:"sdp_offer,omitempty"`
	SDPAnswer string         `json:"sdp_answer,omitempty"`
}

// decodeEnvelope parses a raw client frame. Malformed JSON is a ClientError:
// the connection stays open and the caller replies with an error frame.
func decodeEnvelope(raw []byte) (inboundEnvelope, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return inboundEnvelope{}, err
	}
	return env, nil
}

// normalizeType rewrites a legacy (pre-namespace) event name to its
// namespaced equivalent, leaving already-namespaced and unknown types
// untouched.
func normalizeType(t string) string {
	if rewritten, ok := wire.LegacyAliases[t]; ok {
		return rewritten
	}
	return t
}
