package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/observer/relaycore/internal/domain"
)

// RoomRepository answers the room/participant questions the gateway and
// messaging pipeline need to authorize and fan out events.
type RoomRepository struct {
	db *DB
}

func NewRoomRepository(db *DB) *RoomRepository {
	return &RoomRepository{db: db}
}

// GetRoom returns a room by id, or domain.ErrRoomNotFound.
func (r *RoomRepository) GetRoom(ctx context.Context, roomID uint64) (*domain.ChatRoom, error) {
	var room domain.ChatRoom
	var name *string
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, name, is_group_chat, created_at
		FROM chat_rooms WHERE id = $1
	`, roomID).Scan(&room.ID, &name, &room.IsGroupChat, &room.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	if name != nil {
		room.Name = *name
	}
	return &room, nil
}

// IsParticipant reports whether userID is a member of roomID. This is the
// authorization check chat.subscribe relies on; message sends rely on it
// through the subscription it gates.
func (r *RoomRepository) IsParticipant(ctx context.Context, roomID, userID uint64) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM chat_room_participants
			WHERE room_id = $1 AND user_id = $2
		)
	`, roomID, userID).Scan(&exists)
	return exists, err
}

// ListParticipantIDs returns every participant of roomID, optionally
// excluding one user (typically the sender of a message being fanned out).
func (r *RoomRepository) ListParticipantIDs(ctx context.Context, roomID uint64, exclude *uint64) ([]uint64, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT user_id FROM chat_room_participants
		WHERE room_id = $1 AND ($2::BIGINT IS NULL OR user_id != $2)
	`, roomID, exclude)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
