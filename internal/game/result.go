package game

import (
	"fmt"
	"strings"
	"time"
)

// Reason tags the way a match ended.
type Reason string

const (
	ReasonResignation Reason = "resignation"
	ReasonTimeout     Reason = "timeout"
	ReasonCheckmate   Reason = "checkmate"
	ReasonStalemate   Reason = "stalemate"
	ReasonDraw        Reason = "draw"
	ReasonAbandonment Reason = "abandonment"
	ReasonUnknown     Reason = "unknown"
)

// Outcome is the final score token in PGN notation.
type Outcome string

const (
	OutcomeWhiteWin Outcome = "1-0"
	OutcomeBlackWin Outcome = "0-1"
	OutcomeDraw     Outcome = "1/2-1/2"
	OutcomeUnknown  Outcome = "*"
)

// Summary is the normalized form of a free-form result string. Every
// result text maps to exactly one summary; unrecognized text falls back
// to OutcomeUnknown with no winner.
type Summary struct {
	Outcome Outcome
	Winner  string
	Reason  Reason
}

// Normalize classifies the match's recorded result text. Classification is
// by substring, mirroring the shapes the controller writes: "<player>
// resigned", "White wins on time", "Black wins by checkmate", "<player>
// abandoned the game", "Draw by agreement", "Draw by stalemate", "Draw by
// insufficient material".
func Normalize(m *Match) Summary {
	r := m.Result
	switch {
	case strings.Contains(r, "resigned"):
		resigner := strings.TrimSpace(strings.SplitN(r, " resigned", 2)[0])
		if resigner == m.WhitePlayer && resigner != "" {
			return Summary{OutcomeBlackWin, m.BlackPlayer, ReasonResignation}
		}
		if resigner == m.BlackPlayer && resigner != "" {
			return Summary{OutcomeWhiteWin, m.WhitePlayer, ReasonResignation}
		}
		return Summary{OutcomeUnknown, "", ReasonResignation}
	case strings.Contains(r, "abandoned"):
		leaver := strings.TrimSpace(strings.SplitN(r, " abandoned", 2)[0])
		if leaver == m.WhitePlayer && leaver != "" {
			return Summary{OutcomeBlackWin, m.BlackPlayer, ReasonAbandonment}
		}
		if leaver == m.BlackPlayer && leaver != "" {
			return Summary{OutcomeWhiteWin, m.WhitePlayer, ReasonAbandonment}
		}
		return Summary{OutcomeUnknown, "", ReasonAbandonment}
	case strings.Contains(r, "time"):
		if strings.Contains(r, "White wins") {
			return Summary{OutcomeWhiteWin, m.WhitePlayer, ReasonTimeout}
		}
		if strings.Contains(r, "Black wins") {
			return Summary{OutcomeBlackWin, m.BlackPlayer, ReasonTimeout}
		}
		return Summary{OutcomeUnknown, "", ReasonTimeout}
	case strings.Contains(r, "checkmate"):
		if strings.Contains(r, "White wins") {
			return Summary{OutcomeWhiteWin, m.WhitePlayer, ReasonCheckmate}
		}
		if strings.Contains(r, "Black wins") {
			return Summary{OutcomeBlackWin, m.BlackPlayer, ReasonCheckmate}
		}
		return Summary{OutcomeUnknown, "", ReasonCheckmate}
	case strings.Contains(r, "stalemate"):
		return Summary{OutcomeDraw, "", ReasonStalemate}
	case strings.Contains(r, "draw"), strings.Contains(r, "Draw"):
		return Summary{OutcomeDraw, "", ReasonDraw}
	default:
		return Summary{OutcomeUnknown, "", ReasonUnknown}
	}
}

// ResultResigned builds the stored result text for a resignation.
func ResultResigned(playerID string) string { return playerID + " resigned" }

// ResultAbandoned builds the stored result text for an abandonment.
func ResultAbandoned(playerID string) string { return playerID + " abandoned the game" }

// ResultTimeout builds the stored result text for a flag fall by the
// given side.
func ResultTimeout(flagged Color) string {
	if flagged == White {
		return "Black wins on time"
	}
	return "White wins on time"
}

// ResultCheckmate builds the stored result text for a mate delivered
// against the given side.
func ResultCheckmate(mated Color) string {
	if mated == White {
		return "Black wins by checkmate"
	}
	return "White wins by checkmate"
}

const (
	ResultStalemate            = "Draw by stalemate"
	ResultInsufficientMaterial = "Draw by insufficient material"
	ResultDrawAgreement        = "Draw by agreement"
)

// BuildPGN renders the full tag-rostered PGN for a completed match.
func BuildPGN(m *Match, now time.Time) string {
	s := Normalize(m)
	var b strings.Builder
	b.WriteString("[Event \"Casual Game\"]\n")
	b.WriteString("[Site \"chessdream\"]\n")
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", now.Year(), int(now.Month()), now.Day()))
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", sanitizePGN(orUnknown(m.WhitePlayer))))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", sanitizePGN(orUnknown(m.BlackPlayer))))
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n", s.Outcome))
	b.WriteString(fmt.Sprintf("[TimeControl \"%d+%d\"]\n", m.TimeControlSeconds(), m.IncrementSeconds()))
	if s.Reason != ReasonUnknown {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", s.Reason))
	}
	b.WriteString("[Variant \"Standard\"]\n")
	b.WriteString("\n")
	if strings.TrimSpace(m.PGN) != "" {
		b.WriteString(strings.TrimSpace(m.PGN))
		b.WriteString(" ")
	}
	b.WriteString(string(s.Outcome))
	return b.String()
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "?"
	}
	return s
}
