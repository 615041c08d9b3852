package arbiter

import (
	"github.com/chessdream/arbiter/internal/obslog"
	"github.com/chessdream/arbiter/internal/registry"
	"go.uber.org/zap"
)

// Dispatcher fans one encoded frame out to every session of a match. The
// registry hands back snapshots, so no send ever happens under its lock; a
// dead recipient is logged and skipped, never fatal to the rest.
type Dispatcher struct {
	reg *registry.Registry
}

func NewDispatcher(reg *registry.Registry) *Dispatcher {
	return &Dispatcher{reg: reg}
}

// Broadcast delivers the frame to all sessions bound to the match.
func (d *Dispatcher) Broadcast(matchID string, frame []byte) {
	for _, s := range d.reg.ForMatch(matchID) {
		if !s.Sink.Send(frame) {
			obslog.L().Warn("broadcast_drop",
				zap.String("game_id", matchID),
				zap.String("player", s.PlayerID),
				zap.String("conn_id", s.ConnID),
			)
		}
	}
}

// ToPlayer delivers the frame to one player's live session, if connected.
func (d *Dispatcher) ToPlayer(playerID string, frame []byte) bool {
	s, ok := d.reg.ForPlayer(playerID)
	if !ok {
		return false
	}
	return s.Sink.Send(frame)
}
