// Package protocol defines the wire frames exchanged with clients. Every
// frame carries a "type" discriminator; unknown or malformed frames are
// dropped by the session loop, never fatal.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chessdream/arbiter/internal/game"
)

// Inbound event types.
const (
	TypeJoinGame        = "JoinGame"
	TypeMove            = "Move"
	TypeRequestTimeSync = "RequestTimeSync"
	TypeGameOver        = "GameOver"
	TypeResign          = "Resign"
	TypeOfferDraw       = "OfferDraw"
	TypeAcceptDraw      = "AcceptDraw"
	TypeDeclineDraw     = "DeclineDraw"
	TypeChatMessage     = "ChatMessage"
)

// Outbound event types.
const (
	TypeGameJoined          = "GameJoined"
	TypeGameNotFound        = "GameNotFound"
	TypeGameFull            = "GameFull"
	TypeOpponentJoined      = "OpponentJoined"
	TypeMoveMade            = "MoveMade"
	TypeTimeUpdate          = "TimeUpdate"
	TypeGameResigned        = "GameResigned"
	TypeDrawOffered         = "DrawOffered"
	TypeDrawDeclined        = "DrawDeclined"
	TypeGameCompleted       = "GameCompleted"
	TypeChatMessageReceived = "ChatMessageReceived"
	TypeChatHistory         = "ChatHistory"
	TypeError               = "Error"
)

// Inbound is the union of all client frames; Type selects which fields
// are meaningful.
type Inbound struct {
	Type        string `json:"type"`
	GameID      string `json:"game_id,omitempty"`
	Username    string `json:"username,omitempty"`
	Token       string `json:"token,omitempty"`
	TimeControl int64  `json:"time_control,omitempty"` // seconds
	Increment   int64  `json:"increment,omitempty"`    // seconds
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	FEN         string `json:"fen,omitempty"`
	PGN         string `json:"pgn,omitempty"`
	ClientTs    int64  `json:"client_ts,omitempty"`
	Result      string `json:"result,omitempty"`
	Content     string `json:"content,omitempty"`
	Recipient   string `json:"recipient,omitempty"`
}

// Decode parses and minimally validates one inbound frame.
func Decode(data []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if strings.TrimSpace(in.GameID) == "" {
		return nil, fmt.Errorf("frame %q missing game_id", in.Type)
	}
	switch in.Type {
	case TypeJoinGame, TypeResign, TypeOfferDraw, TypeAcceptDraw, TypeDeclineDraw:
		if strings.TrimSpace(in.Username) == "" {
			return nil, fmt.Errorf("frame %q missing username", in.Type)
		}
	case TypeMove:
		if in.Username == "" || in.From == "" || in.To == "" || in.FEN == "" {
			return nil, fmt.Errorf("incomplete move frame")
		}
	case TypeChatMessage:
		if in.Username == "" || strings.TrimSpace(in.Content) == "" {
			return nil, fmt.Errorf("incomplete chat frame")
		}
	case TypeRequestTimeSync, TypeGameOver:
	default:
		return nil, fmt.Errorf("unknown frame type %q", in.Type)
	}
	return &in, nil
}

// GameJoined is the full state handed to a player entering (or re-entering)
// a match.
type GameJoined struct {
	Type        string   `json:"type"`
	GameID      string   `json:"game_id"`
	Color       string   `json:"color"`
	Opponent    string   `json:"opponent,omitempty"`
	FEN         string   `json:"fen"`
	PGN         string   `json:"pgn"`
	Turn        string   `json:"turn"`
	Status      string   `json:"status"`
	Moves       []string `json:"moves"`
	WhiteTimeMs int64    `json:"white_time_ms"`
	BlackTimeMs int64    `json:"black_time_ms"`
	IncrementMs int64    `json:"increment_ms"`
}

type GameNotFound struct {
	Type    string `json:"type"`
	GameID  string `json:"game_id"`
	Message string `json:"message"`
}

type GameFull struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type OpponentJoined struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

type MoveMade struct {
	Type        string `json:"type"`
	From        string `json:"from"`
	To          string `json:"to"`
	FEN         string `json:"fen"`
	PGN         string `json:"pgn"`
	By          string `json:"by"`
	Turn        string `json:"turn"`
	WhiteTimeMs int64  `json:"white_time_ms"`
	BlackTimeMs int64  `json:"black_time_ms"`
}

type TimeUpdate struct {
	Type        string `json:"type"`
	WhiteTimeMs int64  `json:"white_time_ms"`
	BlackTimeMs int64  `json:"black_time_ms"`
}

type GameResigned struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Winner   string `json:"winner,omitempty"`
}

type DrawOffered struct {
	Type string `json:"type"`
	By   string `json:"by"`
}

type DrawDeclined struct {
	Type string `json:"type"`
	By   string `json:"by"`
}

// GameCompleted is the terminal summary broadcast once a match completes.
type GameCompleted struct {
	Type         string   `json:"type"`
	GameID       string   `json:"game_id"`
	WhitePlayer  string   `json:"white_player,omitempty"`
	BlackPlayer  string   `json:"black_player,omitempty"`
	FEN          string   `json:"fen"`
	PGN          string   `json:"pgn"`
	Moves        []string `json:"moves"`
	Result       string   `json:"result"`
	Status       string   `json:"status"`
	Winner       string   `json:"winner,omitempty"`
	Reason       string   `json:"reason"`
	TimeControl  int64    `json:"time_control"`
	Increment    int64    `json:"increment"`
	WhiteTimeMs  int64    `json:"white_time_left"`
	BlackTimeMs  int64    `json:"black_time_left"`
}

type ChatMessageReceived struct {
	Type      string `json:"type"`
	GameID    string `json:"game_id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient,omitempty"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

type ChatHistory struct {
	Type     string                `json:"type"`
	GameID   string                `json:"game_id"`
	Messages []ChatMessageReceived `json:"messages"`
}

type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewError(message string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Message: message}
}

func NewTimeUpdate(whiteMs, blackMs int64) TimeUpdate {
	return TimeUpdate{Type: TypeTimeUpdate, WhiteTimeMs: whiteMs, BlackTimeMs: blackMs}
}

func NewChatMessageReceived(rec *game.ChatRecord) ChatMessageReceived {
	return ChatMessageReceived{
		Type:      TypeChatMessageReceived,
		GameID:    rec.MatchID,
		Sender:    rec.Sender,
		Recipient: rec.Recipient,
		Content:   rec.Content,
		Timestamp: rec.Timestamp,
	}
}

// Marshal encodes an outbound event, panicking on the impossible case of
// an unencodable struct. All outbound types are plain data.
func Marshal(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %T: %v", v, err))
	}
	return raw
}
