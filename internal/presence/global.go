package presence

import (
	"context"
	"fmt"

	"github.com/observer/relaycore/internal/pubsub"
	"github.com/observer/relaycore/internal/statestore"
	"github.com/observer/relaycore/internal/wire"
)

// GoOnline adds userID to the global online set and returns the full
// current roster, for the auth.success frame.
func (s *Service) GoOnline(ctx context.Context, userID uint64) ([]uint64, error) {
	if err := s.store.SetAdd(ctx, statestore.GlobalOnlineKey, userID); err != nil {
		return nil, fmt.Errorf("mark user online: %w", err)
	}
	return s.store.SetMembers(ctx, statestore.GlobalOnlineKey)
}

// GoOffline removes userID from the global online set. Called once from
// teardown; idempotent, since SetRemove on an absent member is a no-op.
func (s *Service) GoOffline(ctx context.Context, userID uint64) error {
	return s.store.SetRemove(ctx, statestore.GlobalOnlineKey, userID)
}

// RefreshOnline re-adds userID to the global online set without changing
// the broadcast-worthy roster, used by the presence refresher.
func (s *Service) RefreshOnline(ctx context.Context, userID uint64) error {
	return s.store.SetAdd(ctx, statestore.GlobalOnlineKey, userID)
}

// OnlineUsers returns the current global online roster, for global.refresh.
func (s *Service) OnlineUsers(ctx context.Context) ([]uint64, error) {
	return s.store.SetMembers(ctx, statestore.GlobalOnlineKey)
}

// IsOnline reports whether userID currently holds global online presence.
// The messaging pipeline's offline fan-out makes the same check directly
// against the store.
func (s *Service) IsOnline(ctx context.Context, userID uint64) (bool, error) {
	return s.store.SetIsMember(ctx, statestore.GlobalOnlineKey, userID)
}

// BroadcastUserOnline/Offline announce global presence transitions to every
// connection subscribed to global_presence.
func (s *Service) BroadcastUserOnline(ctx context.Context, userID uint64) error {
	frame := wire.GlobalUserOnlineFrame{Type: wire.EvGlobalUserOnline, UserID: userID}
	return s.publish(ctx, pubsub.Topics.GlobalPresence(), wire.EvGlobalUserOnline, frame)
}

func (s *Service) BroadcastUserOffline(ctx context.Context, userID uint64) error {
	frame := wire.GlobalUserOfflineFrame{Type: wire.EvGlobalUserOffline, UserID: userID}
	return s.publish(ctx, pubsub.Topics.GlobalPresence(), wire.EvGlobalUserOffline, frame)
}
