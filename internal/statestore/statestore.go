// Package statestore is the ephemeral-state adapter: presence, typing,
// collaborative notes, cursors, huddle rosters, and SFU session bookkeeping.
// Everything here is allowed to vanish on expiry or eviction — durable state
// lives in internal/database instead. See redis.go for the production
// backend.
package statestore

import (
	"context"
	"fmt"
	"time"
)

// Short-lived signals expire fast, stable session state expires slow.
const (
	PresenceTTL = 5 * time.Minute
	TypingTTL   = 5 * time.Second
	NoteTTL     = 2 * time.Hour
	CursorTTL   = 10 * time.Second
	HuddleTTL   = 5 * time.Minute
	SFUTTL      = time.Hour
)

// Presence payload limits: beyond this many participants, Store.HashAll
// callers should truncate the returned slice and report the true count
// separately rather than ship an unbounded payload over the wire.
const MaxPresenceFanout = 50

// Key builders. Every ephemeral key lives under the "chat:" or "global:"
// namespace so a redis-cli KEYS scan during development groups them legibly.
func PresenceKey(roomID uint64) string  { return keyFmt("chat:presence:%d", roomID) }
func TypingKey(roomID uint64) string    { return keyFmt("chat:typing:%d", roomID) }
func NoteKey(roomID uint64) string      { return keyFmt("chat:note:%d", roomID) }
func CursorKey(roomID uint64) string    { return keyFmt("chat:cursors:%d", roomID) }
func HuddleKey(roomID uint64) string    { return keyFmt("chat:huddle:%d", roomID) }
func SFUActiveKey(roomID uint64) string { return keyFmt("chat:huddle:%d:sfu_active", roomID) }
func SFUSessionsKey(roomID uint64) string {
	return keyFmt("chat:huddle:%d:sfu_sessions", roomID)
}
func SFUTracksKey(roomID uint64) string { return keyFmt("chat:huddle:%d:sfu_tracks", roomID) }

const GlobalOnlineKey = "global:online_users"

func keyFmt(format string, id uint64) string {
	return fmt.Sprintf(format, id)
}

// Store is the ephemeral-state abstraction every upstream package programs
// against: sets (global online roster), hashes with a TTL refreshed on every
// write (presence, typing, cursors, huddle rosters, SFU sessions/tracks),
// and a plain TTL'd string (collaborative note, SFU active flag).
//
// All methods take a context so callers (the gateway's per-connection
// goroutines) can bound Redis round-trips to the connection's lifetime.
type Store interface {
	// SetAdd/SetRemove/SetMembers/SetIsMember back the global online-user set.
	SetAdd(ctx context.Context, key string, member uint64) error
	SetRemove(ctx context.Context, key string, member uint64) error
	SetMembers(ctx context.Context, key string) ([]uint64, error)
	SetIsMember(ctx context.Context, key string, member uint64) (bool, error)

	// HashSet upserts one field and refreshes the hash's TTL atomically.
	HashSet(ctx context.Context, key string, field uint64, value string, ttl time.Duration) error
	// HashDelete removes a field, leaving the hash's TTL untouched.
	HashDelete(ctx context.Context, key string, field uint64) error
	// HashGet reads a single field; ok is false if the field or key is absent.
	HashGet(ctx context.Context, key string, field uint64) (value string, ok bool, err error)
	// HashExists reports whether a field is present without reading its value.
	HashExists(ctx context.Context, key string, field uint64) (bool, error)
	// HashAll reads every field of a hash, keyed by the original uint64 field.
	HashAll(ctx context.Context, key string) (map[uint64]string, error)

	// KVSet stores a TTL'd string value, overwriting any prior TTL.
	KVSet(ctx context.Context, key string, value string, ttl time.Duration) error
	// KVGet reads a TTL'd string value; ok is false if absent or expired.
	KVGet(ctx context.Context, key string) (value string, ok bool, err error)

	// Delete removes a key outright, whatever its type. Used by huddle
	// cleanup to drop the sfu_active/sfu_sessions/sfu_tracks keys for a
	// room in one pipelined batch once the last participant leaves.
	Delete(ctx context.Context, keys ...string) error

	// Close releases the underlying connection pool.
	Close() error
}
