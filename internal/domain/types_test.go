package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMessage_Edited_FreshMessageIsNotEdited(t *testing.T) {
	now := time.Now()
	msg := Message{CreatedAt: now, UpdatedAt: now}

	assert.False(t, msg.Edited())
}

func TestMessage_Edited_SubTwoSecondTouchIsNotEdited(t *testing.T) {
	now := time.Now()
	msg := Message{CreatedAt: now, UpdatedAt: now.Add(1500 * time.Millisecond)}

	assert.False(t, msg.Edited(), "insert-then-touch noise should not count as an edit")
}

func TestMessage_Edited_LaterUpdateIsEdited(t *testing.T) {
	now := time.Now()
	msg := Message{CreatedAt: now, UpdatedAt: now.Add(5 * time.Second)}

	assert.True(t, msg.Edited())
}

func TestMessage_Edited_ExactTwoSecondBoundary(t *testing.T) {
	now := time.Now()
	msg := Message{CreatedAt: now, UpdatedAt: now.Add(2 * time.Second)}

	assert.False(t, msg.Edited(), "the boundary itself is not an edit; only a strictly larger gap is")
}
