package game

// Color identifies a chess side.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

// Opponent returns the other side.
func (c Color) Opponent() Color {
	if c == White {
		return Black
	}
	return White
}

// Status represents a match lifecycle state. It only ever advances
// waiting -> active -> completed.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// StartFEN is the initial board position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Match is the persisted state of one timed two-player game.
type Match struct {
	ID                string   `json:"id"`
	WhitePlayer       string   `json:"white_player,omitempty"`
	BlackPlayer       string   `json:"black_player,omitempty"`
	FEN               string   `json:"fen"`
	PGN               string   `json:"pgn"`
	Status            Status   `json:"status"`
	Turn              Color    `json:"turn"`
	Moves             []string `json:"moves"`
	WhiteTimeMs       int64    `json:"white_time_ms"`
	BlackTimeMs       int64    `json:"black_time_ms"`
	TimeControlMs     int64    `json:"time_control_ms"`
	IncrementMs       int64    `json:"increment_ms"`
	LastMoveTimestamp int64    `json:"last_move_timestamp"`
	Result            string   `json:"result,omitempty"`
	DrawOfferedBy     string   `json:"draw_offered_by,omitempty"`
	Reason            string   `json:"reason,omitempty"`
	CreatedAt         string   `json:"created_at"`
	UpdatedAt         string   `json:"updated_at"`
}

// PlayerColor returns the color the player occupies, or "" when the player
// holds neither slot.
func (m *Match) PlayerColor(playerID string) Color {
	if playerID == "" {
		return ""
	}
	if m.WhitePlayer == playerID {
		return White
	}
	if m.BlackPlayer == playerID {
		return Black
	}
	return ""
}

// PlayerFor returns the identity occupying the given color slot.
func (m *Match) PlayerFor(c Color) string {
	if c == White {
		return m.WhitePlayer
	}
	return m.BlackPlayer
}

// OpponentOf returns the identity of the other player, or "" when the
// player is not in the match or the slot is still open.
func (m *Match) OpponentOf(playerID string) string {
	switch playerID {
	case m.WhitePlayer:
		return m.BlackPlayer
	case m.BlackPlayer:
		return m.WhitePlayer
	}
	return ""
}

// TimeControlSeconds returns the initial per-side allowance in seconds.
func (m *Match) TimeControlSeconds() int64 { return m.TimeControlMs / 1000 }

// IncrementSeconds returns the per-move increment in seconds.
func (m *Match) IncrementSeconds() int64 { return m.IncrementMs / 1000 }

// ChatRecord is one persisted chat line for a match. Recipient empty means
// visible to everyone in the match.
type ChatRecord struct {
	ID        string `json:"id"`
	MatchID   string `json:"match_id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient,omitempty"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// VisibleTo reports whether the record may be delivered to the player.
func (c *ChatRecord) VisibleTo(playerID string) bool {
	if c.Recipient == "" {
		return true
	}
	return playerID == c.Sender || playerID == c.Recipient
}
