// Package archive persists completed matches into Postgres for history.
// It sits off the live path: archival failures are logged, never surfaced.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/chessdream/arbiter/internal/game"
	"github.com/chessdream/arbiter/internal/obslog"
	"go.uber.org/zap"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// SaveCompleted upserts the final record of a completed match.
func (r *Repository) SaveCompleted(ctx context.Context, m *game.Match) {
	if r == nil || r.db == nil || m == nil || m.Status != game.StatusCompleted {
		return
	}
	sum := game.Normalize(m)
	pgn := game.BuildPGN(m, time.Now())
	movesRaw, _ := json.Marshal(m.Moves)

	q := `INSERT INTO completed_games (
	    game_id, white_player, black_player,
	    result, winner, reason, moves, pgn, fen,
	    time_control_ms, increment_ms, white_time_ms, black_time_ms,
	    created_at, completed_at
	  ) VALUES (
	    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
	  ) ON CONFLICT (game_id) DO UPDATE SET
	    result=EXCLUDED.result,
	    winner=EXCLUDED.winner,
	    reason=EXCLUDED.reason,
	    moves=EXCLUDED.moves,
	    pgn=EXCLUDED.pgn,
	    fen=EXCLUDED.fen,
	    white_time_ms=EXCLUDED.white_time_ms,
	    black_time_ms=EXCLUDED.black_time_ms,
	    completed_at=EXCLUDED.completed_at`

	_, err := r.db.ExecContext(ctx, q,
		m.ID, m.WhitePlayer, m.BlackPlayer,
		string(sum.Outcome), sum.Winner, string(sum.Reason), string(movesRaw), pgn, m.FEN,
		m.TimeControlMs, m.IncrementMs, m.WhiteTimeMs, m.BlackTimeMs,
		m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		obslog.L().Error("archive_save_error", zap.String("game_id", m.ID), zap.Error(err))
		return
	}
	obslog.L().Info("archive_save",
		zap.String("game_id", m.ID),
		zap.String("result", string(sum.Outcome)),
		zap.String("reason", string(sum.Reason)),
	)
}
