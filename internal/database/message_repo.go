package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/observer/relaycore/internal/domain"
)

// MessageRepository is the durable side of the messaging pipeline:
// create/edit/delete with sender-only authorization baked into the query.
type MessageRepository struct {
	db *DB
}

func NewMessageRepository(db *DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// CreateMessage persists a new message and returns it with its assigned id
// and timestamps.
func (r *MessageRepository) CreateMessage(ctx context.Context, roomID, senderID uint64, content string, attachment string, attachmentType *domain.AttachmentType) (*domain.Message, error) {
	msg := &domain.Message{RoomID: roomID, SenderID: senderID, Content: content, Attachment: attachment, AttachmentType: attachmentType}
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO messages (room_id, sender_id, content, attachment, attachment_type)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		RETURNING id, created_at, updated_at
	`, roomID, senderID, content, attachment, attachmentType).Scan(&msg.ID, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// UpdateMessage rewrites a message's content. Authorization is enforced by
// the query itself: the WHERE clause requires sender_id = senderID, so a
// non-sender's edit attempt updates zero rows rather than someone else's row.
func (r *MessageRepository) UpdateMessage(ctx context.Context, messageID, senderID uint64, content string) (*domain.Message, error) {
	msg := &domain.Message{}
	err := r.db.Pool.QueryRow(ctx, `
		UPDATE messages
		SET content = $3, updated_at = now()
		WHERE id = $1 AND sender_id = $2 AND deleted_at IS NULL
		RETURNING id, room_id, sender_id, content, coalesce(attachment, ''), attachment_type, created_at, updated_at
	`, messageID, senderID, content).Scan(
		&msg.ID, &msg.RoomID, &msg.SenderID, &msg.Content, &msg.Attachment, &msg.AttachmentType,
		&msg.CreatedAt, &msg.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// DeleteMessage soft-deletes a message, again gated on sender_id = senderID
// at the query level. Returns domain.ErrMessageNotFound if the caller wasn't
// the sender or the message doesn't exist.
func (r *MessageRepository) DeleteMessage(ctx context.Context, messageID, senderID uint64) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE messages SET deleted_at = now()
		WHERE id = $1 AND sender_id = $2 AND deleted_at IS NULL
	`, messageID, senderID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

// LatestMessageID returns the id of the newest non-deleted message in
// roomID; ok is false for an empty room.
func (r *MessageRepository) LatestMessageID(ctx context.Context, roomID uint64) (uint64, bool, error) {
	var id uint64
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id FROM messages
		WHERE room_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC LIMIT 1
	`, roomID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}
