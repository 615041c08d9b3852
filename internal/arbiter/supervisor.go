package arbiter

import (
	"sync"
	"time"

	"github.com/chessdream/arbiter/internal/obslog"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// disconnectRecord tracks one player currently inside their grace window.
type disconnectRecord struct {
	playerID  string
	matchID   string
	droppedAt time.Time
}

// Supervisor watches players whose session dropped while their match was
// in progress. Each disconnect arms a one-shot timer; a reconnect removes
// the record, and the timer rechecks the record before resolving, so a
// cancelled window never forfeits anyone.
type Supervisor struct {
	mu      sync.Mutex
	records map[string]*disconnectRecord

	grace   time.Duration
	clock   clockwork.Clock
	resolve func(matchID, playerID string)
}

func NewSupervisor(grace time.Duration, clock clockwork.Clock, resolve func(matchID, playerID string)) *Supervisor {
	return &Supervisor{
		records: make(map[string]*disconnectRecord),
		grace:   grace,
		clock:   clock,
		resolve: resolve,
	}
}

// NoteDisconnect opens a grace window for the player unless one is already
// open, and arms the abandonment timer.
func (s *Supervisor) NoteDisconnect(playerID, matchID string) {
	s.mu.Lock()
	if _, exists := s.records[playerID]; exists {
		s.mu.Unlock()
		return
	}
	rec := &disconnectRecord{playerID: playerID, matchID: matchID, droppedAt: s.clock.Now()}
	s.records[playerID] = rec
	s.mu.Unlock()

	obslog.L().Info("grace_window_open",
		zap.String("game_id", matchID),
		zap.String("player", playerID),
		zap.Duration("grace", s.grace),
	)

	timer := s.clock.NewTimer(s.grace)
	go func() {
		<-timer.Chan()
		s.expire(playerID, matchID)
	}()
}

// NoteReconnect closes the player's grace window. The already-armed timer
// finds no record when it fires and does nothing.
func (s *Supervisor) NoteReconnect(playerID, matchID string) {
	s.mu.Lock()
	rec, ok := s.records[playerID]
	if ok && rec.matchID == matchID {
		delete(s.records, playerID)
	}
	s.mu.Unlock()
	if ok && rec.matchID == matchID {
		obslog.L().Info("grace_window_cancel",
			zap.String("game_id", matchID),
			zap.String("player", playerID),
		)
	}
}

// Outstanding reports whether the player currently has an open window.
func (s *Supervisor) Outstanding(playerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[playerID]
	return ok
}

// expire consumes the record if it is still present and still references
// the same match, then resolves the abandonment.
func (s *Supervisor) expire(playerID, matchID string) {
	s.mu.Lock()
	rec, ok := s.records[playerID]
	if !ok || rec.matchID != matchID {
		s.mu.Unlock()
		return
	}
	delete(s.records, playerID)
	s.mu.Unlock()

	obslog.L().Info("grace_window_expired",
		zap.String("game_id", matchID),
		zap.String("player", playerID),
	)
	s.resolve(matchID, playerID)
}
