package database

import "context"

// NotificationRepository implements the coalescing-notification invariant:
// at most one unread row may exist per (user_id, room_id). See
// migrations/00001_init_schema.sql's partial unique index, which this
// upsert relies on for atomicity under concurrent senders.
type NotificationRepository struct {
	db *DB
}

func NewNotificationRepository(db *DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// UpsertUnreadNotification creates a new unread notification for
// (userID, roomID), or replaces the content of the existing unread one.
func (r *NotificationRepository) UpsertUnreadNotification(ctx context.Context, userID, roomID uint64, content string) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO notifications (user_id, room_id, content, is_read)
		VALUES ($1, $2, $3, false)
		ON CONFLICT (user_id, room_id) WHERE is_read = false
		DO UPDATE SET content = EXCLUDED.content, created_at = now()
	`, userID, roomID, content)
	return err
}

// MarkRead flips every unread notification for (userID, roomID) to read,
// used when the user subscribes to or catches up on a room.
func (r *NotificationRepository) MarkRead(ctx context.Context, userID, roomID uint64) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE notifications SET is_read = true
		WHERE user_id = $1 AND room_id = $2 AND is_read = false
	`, userID, roomID)
	return err
}
