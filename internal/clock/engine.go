// Package clock holds the pure time accounting for match clocks. Nothing
// here touches the store or the wall clock; callers pass "now" in.
package clock

import "github.com/chessdream/arbiter/internal/game"

// State is the clock-relevant slice of a match.
type State struct {
	Turn              game.Color
	WhiteTimeMs       int64
	BlackTimeMs       int64
	IncrementMs       int64
	LastMoveTimestamp int64
	MoveCount         int
}

// FromMatch extracts the clock state of a match.
func FromMatch(m *game.Match) State {
	return State{
		Turn:              m.Turn,
		WhiteTimeMs:       m.WhiteTimeMs,
		BlackTimeMs:       m.BlackTimeMs,
		IncrementMs:       m.IncrementMs,
		LastMoveTimestamp: m.LastMoveTimestamp,
		MoveCount:         len(m.Moves),
	}
}

// Remaining computes live per-side time at nowMs. Only the side on turn
// burns time; neither side goes below zero.
func Remaining(s State, nowMs int64) (whiteMs, blackMs int64) {
	elapsed := nowMs - s.LastMoveTimestamp
	if elapsed < 0 {
		elapsed = 0
	}
	whiteMs, blackMs = s.WhiteTimeMs, s.BlackTimeMs
	if s.Turn == game.White {
		whiteMs = floorZero(whiteMs - elapsed)
	} else {
		blackMs = floorZero(blackMs - elapsed)
	}
	return whiteMs, blackMs
}

// ApplyMove charges the mover's elapsed time and credits the increment.
// The increment is only credited once the game already holds at least two
// moves, so neither side gains time on its first move.
func ApplyMove(s State, nowMs int64) (whiteMs, blackMs int64) {
	whiteMs, blackMs = Remaining(s, nowMs)
	if s.MoveCount > 1 {
		if s.Turn == game.White {
			whiteMs += s.IncrementMs
		} else {
			blackMs += s.IncrementMs
		}
	}
	return whiteMs, blackMs
}

// FlaggedSide reports which side, if any, has run out of time at nowMs.
func FlaggedSide(s State, nowMs int64) (game.Color, bool) {
	whiteMs, blackMs := Remaining(s, nowMs)
	if whiteMs <= 0 {
		return game.White, true
	}
	if blackMs <= 0 {
		return game.Black, true
	}
	return "", false
}

func floorZero(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
