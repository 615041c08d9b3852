package game

import (
	"context"
	"errors"
)

var (
	// ErrNotFound reports that no match exists under the requested id.
	ErrNotFound = errors.New("match not found")
	// ErrConflict reports that a conditional update found the match no
	// longer in the expected status. The caller must treat its own
	// transition as already resolved by someone else.
	ErrConflict = errors.New("match status changed concurrently")
	// ErrExists reports an insert against an id already in use.
	ErrExists = errors.New("match already exists")
)

// Fields is a partial-document update. Keys are the Match JSON field names.
type Fields map[string]any

// Store is durable by-id access to match and chat records. It is the
// arbiter of match truth: conditional updates, not in-memory copies, decide
// races between competing terminal transitions.
type Store interface {
	FindByID(ctx context.Context, matchID string) (*Match, error)
	Insert(ctx context.Context, m *Match) error
	// Update applies fields unconditionally. Used only for non-racing
	// bookkeeping such as player slots and draw-offer state.
	Update(ctx context.Context, matchID string, fields Fields) (*Match, error)
	// UpdateIfStatus applies fields only while the match still holds the
	// expected status, returning the updated document. ErrConflict when
	// the condition no longer holds.
	UpdateIfStatus(ctx context.Context, matchID string, expect Status, fields Fields) (*Match, error)
	QueryByPlayer(ctx context.Context, playerID string) ([]*Match, error)

	InsertChat(ctx context.Context, rec *ChatRecord) error
	QueryChat(ctx context.Context, matchID, viewerID string) ([]*ChatRecord, error)
}
