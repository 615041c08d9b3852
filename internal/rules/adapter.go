// Package rules wraps the chess rules engine behind the narrow verdict the
// controller needs: does this position end the game, and how.
package rules

import (
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// Verdict reports the terminal conditions of a position. The zero value
// means the game goes on.
type Verdict struct {
	Checkmate            bool
	Stalemate            bool
	InsufficientMaterial bool
	// SideToMove is the color whose turn it is in the evaluated position;
	// under checkmate this is the mated side.
	SideToMove string
}

// Terminal reports whether any condition ends the game.
func (v Verdict) Terminal() bool {
	return v.Checkmate || v.Stalemate || v.InsufficientMaterial
}

// Engine evaluates board positions. Implemented by Adapter; faked in tests.
type Engine interface {
	Evaluate(fen string) (Verdict, error)
}

// Adapter evaluates FEN encodings with corentings/chess.
type Adapter struct{}

func NewAdapter() *Adapter { return &Adapter{} }

// Evaluate parses the position and reports its terminal conditions. A
// malformed encoding returns an error; callers on the move path must treat
// that as "no terminal condition" and log the anomaly, never fail the move.
func (a *Adapter) Evaluate(fen string) (Verdict, error) {
	fen = strings.TrimSpace(fen)
	if fen == "" {
		return Verdict{}, fmt.Errorf("empty position encoding")
	}
	opt, err := nchess.FEN(fen)
	if err != nil {
		return Verdict{}, fmt.Errorf("parse fen: %w", err)
	}
	g := nchess.NewGame(opt)
	var v Verdict
	if g.Position().Turn() == nchess.White {
		v.SideToMove = "white"
	} else {
		v.SideToMove = "black"
	}
	switch g.Method() {
	case nchess.Checkmate:
		v.Checkmate = true
	case nchess.Stalemate:
		v.Stalemate = true
	case nchess.InsufficientMaterial:
		v.InsufficientMaterial = true
	}
	return v, nil
}
