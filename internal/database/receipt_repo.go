package database

import "context"

// ReceiptRepository records read receipts. Creation is idempotent: a
// repeated receipt for the same (message_id, user_id) is a no-op, not an
// error, since messaging.MarkRoomRead records one on every chat.subscribe
// and may hit the same newest message again.
type ReceiptRepository struct {
	db *DB
}

func NewReceiptRepository(db *DB) *ReceiptRepository {
	return &ReceiptRepository{db: db}
}

func (r *ReceiptRepository) CreateReadReceipt(ctx context.Context, messageID, userID uint64) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO message_read_receipts (message_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (message_id, user_id) DO NOTHING
	`, messageID, userID)
	return err
}
