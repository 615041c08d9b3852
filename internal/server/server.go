// Package server is the HTTP/websocket surface: the /ws upgrade, explicit
// match creation, health, CORS, and per-IP rate limiting.
package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/chessdream/arbiter/internal/arbiter"
	"github.com/chessdream/arbiter/internal/auth"
	"github.com/chessdream/arbiter/internal/config"
	"github.com/chessdream/arbiter/internal/game"
	"github.com/chessdream/arbiter/internal/obslog"
	"github.com/chessdream/arbiter/internal/registry"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

const createIDAttempts = 3

type Server struct {
	cfg      *config.AppConfig
	ctrl     *arbiter.Controller
	store    game.Store
	reg      *registry.Registry
	verifier *auth.Verifier
	clock    clockwork.Clock

	wsLimiter     *rateLimiter
	createLimiter *rateLimiter
}

func New(cfg *config.AppConfig, ctrl *arbiter.Controller, store game.Store, reg *registry.Registry, clk clockwork.Clock) *Server {
	return &Server{
		cfg:           cfg,
		ctrl:          ctrl,
		store:         store,
		reg:           reg,
		verifier:      auth.NewVerifier(cfg.JWTSecret),
		clock:         clk,
		wsLimiter:     newRateLimiter(cfg.WSRatePerMin, time.Minute, clk),
		createLimiter: newRateLimiter(cfg.CreateRatePerMin, time.Minute, clk),
	}
}

// Handler builds the routed, CORS-wrapped handler.
func (srv *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.handleWS)
	mux.HandleFunc("/api/create-game", srv.handleCreateGame)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	c := cors.New(cors.Options{
		AllowedOrigins: srv.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         3600,
	})
	return c.Handler(mux)
}

func (srv *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !srv.wsLimiter.Allow(clientIP(r)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	srv.serveWS(w, r)
}

type createGameRequest struct {
	TimeControl int64 `json:"time_control"` // seconds
	Increment   int64 `json:"increment"`    // seconds
}

type createGameResponse struct {
	GameID      string `json:"game_id,omitempty"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	TimeControl int64  `json:"time_control,omitempty"`
	Increment   int64  `json:"increment,omitempty"`
}

// handleCreateGame pre-creates a waiting match and returns its code.
func (srv *Server) handleCreateGame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !srv.createLimiter.Allow(clientIP(r)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	var req createGameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, createGameResponse{Status: "error", Message: "malformed request body"})
		return
	}
	if !srv.cfg.ValidTimeControl(req.TimeControl, req.Increment) {
		writeJSON(w, http.StatusBadRequest, createGameResponse{Status: "error", Message: "Invalid time control values"})
		return
	}

	now := srv.clock.Now()
	m := &game.Match{
		FEN:               game.StartFEN,
		Status:            game.StatusWaiting,
		Turn:              game.White,
		Moves:             []string{},
		WhiteTimeMs:       req.TimeControl * 1000,
		BlackTimeMs:       req.TimeControl * 1000,
		TimeControlMs:     req.TimeControl * 1000,
		IncrementMs:       req.Increment * 1000,
		LastMoveTimestamp: now.UnixMilli(),
		CreatedAt:         now.UTC().Format(time.RFC3339),
		UpdatedAt:         now.UTC().Format(time.RFC3339),
	}

	var insertErr error
	for attempt := 0; attempt < createIDAttempts; attempt++ {
		m.ID = game.NewMatchID()
		insertErr = srv.store.Insert(r.Context(), m)
		if !errors.Is(insertErr, game.ErrExists) {
			break
		}
	}
	if insertErr != nil {
		obslog.L().Error("game_create_http_error", zap.Error(insertErr))
		writeJSON(w, http.StatusInternalServerError, createGameResponse{Status: "error", Message: "failed to create game"})
		return
	}

	obslog.L().Info("game_create_http",
		zap.String("game_id", m.ID),
		zap.Int64("time_control_sec", req.TimeControl),
		zap.Int64("increment_sec", req.Increment),
	)
	writeJSON(w, http.StatusCreated, createGameResponse{
		GameID:      m.ID,
		Status:      "success",
		TimeControl: req.TimeControl,
		Increment:   req.Increment,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
