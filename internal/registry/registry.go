// Package registry is the process-wide table of live player sessions.
package registry

import "sync"

// Sink delivers one already-encoded frame to a connected client. Delivery
// must not block the caller; implementations queue and report failure only
// for a closed connection.
type Sink interface {
	Send(frame []byte) bool
}

// Session binds one connected player to one match. It holds only the match
// id, never the match document, so match mutation never touches sessions.
type Session struct {
	ConnID   string
	MatchID  string
	PlayerID string
	Color    string
	Sink     Sink
}

// Registry maps player identity to the single live session for that
// player. Inserting over an existing player replaces the old session,
// which is how a reconnect from a fresh connection takes over.
//
// The lock guards map operations only. Callers always receive snapshots
// and must send after the lock is released.
type Registry struct {
	mu       sync.Mutex
	byPlayer map[string]*Session
}

func New() *Registry {
	return &Registry{byPlayer: make(map[string]*Session)}
}

// Put registers the session, replacing any prior session for the player.
func (r *Registry) Put(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPlayer[s.PlayerID] = s
}

// Remove deletes the player's session only when it still belongs to the
// given connection. A newer connection may already have replaced it.
func (r *Registry) Remove(playerID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byPlayer[playerID]; ok && cur.ConnID == connID {
		delete(r.byPlayer, playerID)
	}
}

// ForPlayer returns the player's live session, if any.
func (r *Registry) ForPlayer(playerID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byPlayer[playerID]
	return s, ok
}

// ForMatch snapshots every session currently bound to the match.
func (r *Registry) ForMatch(matchID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Session
	for _, s := range r.byPlayer {
		if s.MatchID == matchID {
			out = append(out, s)
		}
	}
	return out
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPlayer)
}
