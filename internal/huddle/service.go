// Package huddle implements the mesh-huddle roster, the signaling relay,
// and the P2P->SFU upgrade path once a room crosses
// wire.SFUParticipantThreshold participants.
package huddle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/observer/relaycore/internal/domain"
	"github.com/observer/relaycore/internal/pubsub"
	"github.com/observer/relaycore/internal/statestore"
	"github.com/observer/relaycore/internal/wire"
)

// ErrNoRemoteTracks is returned by Subscribe when the room's other
// participants have nothing published yet — the gateway maps this to an
// SFU_SUBSCRIBE_FAILED error frame rather than completing the call.
var ErrNoRemoteTracks = errors.New("huddle: no remote tracks to subscribe to")

// ErrSessionFailed wraps a sessions/new provider failure so the gateway can
// report SFU_SESSION_FAILED instead of the generic publish/subscribe code.
var ErrSessionFailed = errors.New("huddle: sfu session creation failed")

// Service is the huddle backend the connection gateway calls into for every
// huddle.* event, plus the teardown path's cleanup call.
type Service struct {
	store statestore.Store
	ps    pubsub.PubSub
	sfu   *SFUClient
	log   *slog.Logger
}

func NewService(store statestore.Store, ps pubsub.PubSub, sfu *SFUClient, logger *slog.Logger) *Service {
	return &Service{store: store, ps: ps, sfu: sfu, log: logger}
}

// rosterEntry is the JSON shape written into chat:huddle:{room_id}.
type rosterEntry struct {
	ID     uint64 `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// trackInfo is the JSON shape written into chat:huddle:{room_id}:sfu_tracks.
type trackInfo struct {
	UserID    uint64 `json:"user_id"`
	UserName  string `json:"user_name"`
	TrackName string `json:"track_name"`
	Mid       string `json:"mid"`
}

// Join adds user to roomID's huddle roster, broadcasts the new roster to the
// room, and handles the SFU upgrade: if the roster just crossed the
// threshold, marks the room SFU-active and broadcasts the upgrade; if SFU
// was already active, sends the upgrade notice to the joiner alone instead
// of re-broadcasting to everyone already on the call.
func (s *Service) Join(ctx context.Context, roomID uint64, user domain.Snapshot) error {
	entry := rosterEntry{ID: user.ID, Name: user.Name, Avatar: user.Avatar}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal roster entry: %w", err)
	}

	key := statestore.HuddleKey(roomID)
	if err := s.store.HashSet(ctx, key, user.ID, string(payload), statestore.HuddleTTL); err != nil {
		return fmt.Errorf("write huddle roster: %w", err)
	}

	participants, err := s.roster(ctx, roomID)
	if err != nil {
		return err
	}
	if err := s.broadcastParticipants(ctx, roomID, participants); err != nil {
		return err
	}

	if s.sfu == nil || !s.sfu.Configured() {
		return nil
	}

	alreadyActive, err := s.sfuActive(ctx, roomID)
	if err != nil {
		return err
	}

	switch {
	case alreadyActive:
		return s.notifySFUUpgrade(ctx, pubsub.Topics.User(user.ID), roomID)
	case len(participants) >= wire.SFUParticipantThreshold:
		if err := s.store.KVSet(ctx, statestore.SFUActiveKey(roomID), "1", statestore.SFUTTL); err != nil {
			return fmt.Errorf("mark sfu active: %w", err)
		}
		return s.notifySFUUpgrade(ctx, pubsub.Topics.Room(roomID), roomID)
	default:
		return nil
	}
}

// Leave removes userID from roomID's huddle roster, broadcasts the
// resulting roster (possibly empty), and releases that user's SFU session
// and tracks. If the roster is now empty, the SFU keys for the room are
// deleted outright rather than left to expire.
func (s *Service) Leave(ctx context.Context, roomID, userID uint64) error {
	if err := s.store.HashDelete(ctx, statestore.HuddleKey(roomID), userID); err != nil {
		return fmt.Errorf("remove huddle participant: %w", err)
	}

	participants, err := s.roster(ctx, roomID)
	if err != nil {
		return err
	}
	if err := s.broadcastParticipants(ctx, roomID, participants); err != nil {
		return err
	}

	if err := s.releaseUserSession(ctx, roomID, userID); err != nil {
		return err
	}

	if len(participants) == 0 {
		if err := s.store.Delete(ctx, statestore.SFUActiveKey(roomID), statestore.SFUSessionsKey(roomID), statestore.SFUTracksKey(roomID)); err != nil {
			return fmt.Errorf("cleanup sfu keys: %w", err)
		}
	}

	return nil
}

// Participants returns the current huddle roster for roomID without
// mutating it, used on chat.subscribe to seed a joiner's initial snapshot.
func (s *Service) Participants(ctx context.Context, roomID uint64) ([]wire.UserRef, error) {
	return s.roster(ctx, roomID)
}

// InHuddle reports whether userID currently holds a huddle roster entry in
// roomID, used by Signal to drop relays from a user who never joined.
func (s *Service) InHuddle(ctx context.Context, roomID, userID uint64) (bool, error) {
	return s.store.HashExists(ctx, statestore.HuddleKey(roomID), userID)
}

func (s *Service) roster(ctx context.Context, roomID uint64) ([]wire.UserRef, error) {
	all, err := s.store.HashAll(ctx, statestore.HuddleKey(roomID))
	if err != nil {
		return nil, fmt.Errorf("read huddle roster: %w", err)
	}
	users := make([]wire.UserRef, 0, len(all))
	for _, raw := range all {
		var e rosterEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			s.log.Warn("skipping malformed huddle roster entry", "error", err)
			continue
		}
		users = append(users, wire.UserRef{ID: e.ID, Name: e.Name, AvatarURL: e.Avatar})
	}
	return users, nil
}

func (s *Service) broadcastParticipants(ctx context.Context, roomID uint64, participants []wire.UserRef) error {
	frame := wire.ChatHuddleParticipantsFrame{
		Type:         wire.EvChatHuddleParticipants,
		RoomID:       roomID,
		Participants: participants,
	}
	return s.publish(ctx, pubsub.Topics.Room(roomID), wire.EvChatHuddleParticipants, frame)
}

func (s *Service) sfuActive(ctx context.Context, roomID uint64) (bool, error) {
	_, ok, err := s.store.KVGet(ctx, statestore.SFUActiveKey(roomID))
	if err != nil {
		return false, fmt.Errorf("read sfu active flag: %w", err)
	}
	return ok, nil
}

func (s *Service) notifySFUUpgrade(ctx context.Context, topic string, roomID uint64) error {
	frame := wire.HuddleSFUUpgradeFrame{Type: wire.EvHuddleSFUUpgrade, RoomID: roomID}
	return s.publish(ctx, topic, wire.EvHuddleSFUUpgrade, frame)
}

// broadcastTrackAdded announces a newly published track to the room group.
// The frame carries the publisher's own id so the gateway can exclude the
// publisher's own connection on delivery.
func (s *Service) broadcastTrackAdded(ctx context.Context, roomID uint64, user domain.Snapshot, trackName string) error {
	frame := wire.HuddleSFUTrackAddedFrame{
		Type:      wire.EvHuddleSFUTrackAdded,
		RoomID:    roomID,
		UserID:    user.ID,
		UserName:  user.Name,
		TrackName: trackName,
	}
	return s.publish(ctx, pubsub.Topics.Room(roomID), wire.EvHuddleSFUTrackAdded, frame)
}

// Signal relays a raw signaling payload from sender to targetID, for
// huddles still on the mesh (non-SFU) path. Silently drops the message if
// sender has no huddle entry in roomID rather than erroring the
// connection.
func (s *Service) Signal(ctx context.Context, roomID uint64, sender domain.Snapshot, targetID uint64, payload map[string]any) error {
	inHuddle, err := s.InHuddle(ctx, roomID, sender.ID)
	if err != nil {
		return err
	}
	if !inHuddle {
		return nil
	}

	frame := wire.HuddleSignalFrame{
		Type:    wire.EvHuddleSignal,
		From:    wire.RefFromSnapshot(sender),
		RoomID:  roomID,
		Payload: payload,
	}
	return s.publish(ctx, pubsub.Topics.User(targetID), wire.EvHuddleSignal, frame)
}

// Publish creates (or reuses) an SFU session for user in roomID and offers
// sdpOffer to it. trackName is the client's label for what it is publishing;
// the provider autodiscovers the actual tracks from the offer, and every
// discovered mid is recorded under that label. Announces the new track to
// the rest of the room once, after the bookkeeping lands.
func (s *Service) Publish(ctx context.Context, roomID uint64, user domain.Snapshot, trackName, sdpOffer string) (*wire.HuddleSFUPublishAnswerFrame, error) {
	if s.sfu == nil || !s.sfu.Configured() {
		return nil, fmt.Errorf("sfu: provider not configured")
	}

	sessionID, err := s.sessionFor(ctx, roomID, user.ID)
	if err != nil {
		return nil, err
	}

	resp, err := s.sfu.PublishTrack(ctx, sessionID, sdpOffer)
	if err != nil {
		return nil, err
	}
	if resp.SessionDescription == nil {
		return nil, fmt.Errorf("sfu: publish response missing sessionDescription")
	}

	trackNames := make([]string, 0, len(resp.Tracks))
	for i, t := range resp.Tracks {
		name := trackName
		if name == "" {
			name = t.TrackName
		}
		if name == "" {
			name = fmt.Sprintf("track-%d", i)
		}
		trackNames = append(trackNames, name)
		if err := s.storeTrack(ctx, roomID, user, name, t.Mid, i); err != nil {
			return nil, err
		}
	}

	if len(trackNames) > 0 {
		if err := s.broadcastTrackAdded(ctx, roomID, user, trackNames[0]); err != nil {
			return nil, err
		}
	}

	return &wire.HuddleSFUPublishAnswerFrame{
		Type:      wire.EvHuddleSFUPublishAnswer,
		SessionID: sessionID,
		TrackName: trackName,
		SDPAnswer: resp.SessionDescription.SDP,
		Tracks:    trackNames,
	}, nil
}

// Subscribe creates (or reuses) an SFU session for userID in roomID and
// requests every other participant's published tracks, returning the
// provider-generated offer the caller must answer via Renegotiate.
func (s *Service) Subscribe(ctx context.Context, roomID, userID uint64) (*wire.HuddleSFUSubscribeOfferFrame, error) {
	if s.sfu == nil || !s.sfu.Configured() {
		return nil, fmt.Errorf("sfu: provider not configured")
	}

	sessionID, err := s.sessionFor(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}

	remoteTracks, err := s.remoteTracksFor(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if len(remoteTracks) == 0 {
		return nil, ErrNoRemoteTracks
	}

	resp, err := s.sfu.SubscribeTracks(ctx, sessionID, remoteTracks)
	if err != nil {
		return nil, err
	}

	sdpOffer := ""
	if resp.SessionDescription != nil {
		sdpOffer = resp.SessionDescription.SDP
	}

	return &wire.HuddleSFUSubscribeOfferFrame{
		Type:                  wire.EvHuddleSFUSubscribeOffer,
		SessionID:             sessionID,
		SDPOffer:               sdpOffer,
		Tracks:                remoteTracks,
		RequiresRenegotiation: resp.RequiresImmediateRenegotiation,
	}, nil
}

// Renegotiate completes a subscribe flow by sending the client's answer to
// the provider-generated offer.
func (s *Service) Renegotiate(ctx context.Context, sessionID, sdpAnswer string) (*wire.HuddleSFURenegotiateCompleteFrame, error) {
	if s.sfu == nil || !s.sfu.Configured() {
		return nil, fmt.Errorf("sfu: provider not configured")
	}
	if err := s.sfu.Renegotiate(ctx, sessionID, sdpAnswer); err != nil {
		return nil, err
	}
	return &wire.HuddleSFURenegotiateCompleteFrame{Type: wire.EvHuddleSFURenegotiateComplete, Success: true}, nil
}

// sessionFor returns userID's existing SFU session in roomID if one is
// recorded, otherwise creates one and stores it.
func (s *Service) sessionFor(ctx context.Context, roomID, userID uint64) (string, error) {
	key := statestore.SFUSessionsKey(roomID)
	if existing, ok, err := s.store.HashGet(ctx, key, userID); err != nil {
		return "", fmt.Errorf("read sfu session: %w", err)
	} else if ok && existing != "" {
		return existing, nil
	}

	sessionID, err := s.sfu.CreateSession(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSessionFailed, err)
	}
	if err := s.store.HashSet(ctx, key, userID, sessionID, statestore.SFUTTL); err != nil {
		return "", fmt.Errorf("write sfu session: %w", err)
	}
	return sessionID, nil
}

func (s *Service) storeTrack(ctx context.Context, roomID uint64, user domain.Snapshot, trackName, mid string, index int) error {
	info := trackInfo{UserID: user.ID, UserName: user.Name, TrackName: trackName, Mid: mid}
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal track info: %w", err)
	}
	field := trackField(user.ID, trackName, index)
	if err := s.store.HashSet(ctx, statestore.SFUTracksKey(roomID), field, string(payload), statestore.SFUTTL); err != nil {
		return fmt.Errorf("write track info: %w", err)
	}
	return nil
}

// remoteTracksFor enumerates every track belonging to a user other than
// userID, the shape the provider's subscribe call expects.
func (s *Service) remoteTracksFor(ctx context.Context, roomID, userID uint64) ([]wire.SFURemoteTrack, error) {
	sessions, err := s.store.HashAll(ctx, statestore.SFUSessionsKey(roomID))
	if err != nil {
		return nil, fmt.Errorf("read sfu sessions: %w", err)
	}
	tracks, err := s.store.HashAll(ctx, statestore.SFUTracksKey(roomID))
	if err != nil {
		return nil, fmt.Errorf("read sfu tracks: %w", err)
	}

	out := make([]wire.SFURemoteTrack, 0, len(tracks))
	for _, raw := range tracks {
		var info trackInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			s.log.Warn("skipping malformed track entry", "error", err)
			continue
		}
		if info.UserID == userID {
			continue
		}
		sessionID, ok := sessions[info.UserID]
		if !ok {
			continue
		}
		out = append(out, wire.SFURemoteTrack{
			Location:  "remote",
			SessionID: sessionID,
			TrackName: info.TrackName,
		})
	}
	return out, nil
}

// releaseUserSession drops userID's SFU session and every track entry it
// owns, without touching other participants' state.
func (s *Service) releaseUserSession(ctx context.Context, roomID, userID uint64) error {
	if s.sfu == nil {
		return nil
	}

	if err := s.store.HashDelete(ctx, statestore.SFUSessionsKey(roomID), userID); err != nil {
		return fmt.Errorf("remove sfu session: %w", err)
	}

	tracks, err := s.store.HashAll(ctx, statestore.SFUTracksKey(roomID))
	if err != nil {
		return fmt.Errorf("read sfu tracks: %w", err)
	}
	for field, raw := range tracks {
		var info trackInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			s.log.Warn("skipping malformed track entry", "error", err)
			continue
		}
		if info.UserID != userID {
			continue
		}
		if err := s.store.HashDelete(ctx, statestore.SFUTracksKey(roomID), field); err != nil {
			return fmt.Errorf("remove track entry: %w", err)
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

// trackField builds a stable per-(user,track,index) hash field. The
// original Python keys its tracks dict as "{user_id}_{track_name}_{i}";
// since statestore.Store's hash fields are uint64, this folds the same
// composite string into an FNV-1a hash instead. Ownership for lookups is
// read back from the stored trackInfo.UserID, not from the field itself,
// so collisions only risk an overwritten slot, never a misattributed one.
func trackField(userID uint64, trackName string, index int) uint64 {
	composite := fmt.Sprintf("%d_%s_%d", userID, trackName, index)
	var h uint64 = 14695981039346656037
	for i := 0; i < len(composite); i++ {
		h ^= uint64(composite[i])
		h *= 1099511628211
	}
	return h
}
