// Package arbiter is the live-session coordinator: it admits players into
// matches, applies moves and terminal transitions against the match store,
// keeps the clocks honest, and fans resulting events out to every
// connected session of a match.
package arbiter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/chessdream/arbiter/internal/clock"
	"github.com/chessdream/arbiter/internal/game"
	"github.com/chessdream/arbiter/internal/obslog"
	"github.com/chessdream/arbiter/internal/protocol"
	"github.com/chessdream/arbiter/internal/registry"
	"github.com/chessdream/arbiter/internal/rules"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Archiver receives completed matches for durable archival. Best effort:
// archive failures never affect the live path.
type Archiver interface {
	SaveCompleted(ctx context.Context, m *game.Match)
}

// Options tune the controller's timers and admission checks.
type Options struct {
	GraceWindow  time.Duration
	PollInterval time.Duration
	// ValidTimeControl vets join/create time controls, in seconds.
	ValidTimeControl func(timeControl, increment int64) bool
}

// Controller is the match state machine. All mutation of one match is
// serialized through a per-match critical section so broadcasts leave in
// the order transitions were applied; across matches everything runs in
// parallel. Terminal transitions additionally go through the store's
// conditional update, which is the arbiter for races with the timeout
// poller and the abandonment supervisor.
type Controller struct {
	store   game.Store
	rules   rules.Engine
	reg     *registry.Registry
	disp    *Dispatcher
	sup     *Supervisor
	clock   clockwork.Clock
	opts    Options
	archive Archiver

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	pollMu  sync.Mutex
	pollers map[string]struct{}
}

func NewController(store game.Store, eng rules.Engine, reg *registry.Registry, clk clockwork.Clock, opts Options) *Controller {
	if opts.ValidTimeControl == nil {
		opts.ValidTimeControl = func(tc, inc int64) bool { return tc > 0 && inc >= 0 }
	}
	c := &Controller{
		store:   store,
		rules:   eng,
		reg:     reg,
		disp:    NewDispatcher(reg),
		clock:   clk,
		opts:    opts,
		locks:   make(map[string]*sync.Mutex),
		pollers: make(map[string]struct{}),
	}
	c.sup = NewSupervisor(opts.GraceWindow, clk, c.resolveAbandonment)
	return c
}

// AttachArchiver wires an optional archive for completed matches.
func (c *Controller) AttachArchiver(a Archiver) { c.archive = a }

// Supervisor exposes the disconnection supervisor for the session layer.
func (c *Controller) Supervisor() *Supervisor { return c.sup }

// Dispatcher exposes the broadcast dispatcher.
func (c *Controller) Dispatcher() *Dispatcher { return c.disp }

func (c *Controller) matchLock(matchID string) *sync.Mutex {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	mu, ok := c.locks[matchID]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[matchID] = mu
	}
	return mu
}

func (c *Controller) nowMs() int64 { return c.clock.Now().UnixMilli() }

// JoinGame admits a player into the match, creating a fresh waiting match
// when the id is unknown. It registers the session, replies with the full
// state and chat history, and notifies a connected opponent. The returned
// session is nil when nothing was registered (completed or full match,
// invalid creation request).
func (c *Controller) JoinGame(ctx context.Context, connID string, sink registry.Sink, in *protocol.Inbound) *registry.Session {
	mu := c.matchLock(in.GameID)
	mu.Lock()
	defer mu.Unlock()

	m, err := c.store.FindByID(ctx, in.GameID)
	if errors.Is(err, game.ErrNotFound) {
		return c.createOnJoin(ctx, connID, sink, in)
	}
	if err != nil {
		obslog.L().Error("game_join_store_error", zap.String("game_id", in.GameID), zap.Error(err))
		sink.Send(protocol.Marshal(protocol.NewError("store unavailable")))
		return nil
	}

	if m.Status == game.StatusCompleted {
		sink.Send(protocol.Marshal(c.completedEvent(m)))
		return nil
	}

	color := m.PlayerColor(in.Username)
	reconnect := color != ""
	if !reconnect {
		if m.WhitePlayer != "" && m.BlackPlayer != "" {
			sink.Send(protocol.Marshal(protocol.GameFull{Type: protocol.TypeGameFull, Message: "Game is already full"}))
			return nil
		}
		if m.WhitePlayer == "" {
			color = game.White
		} else {
			color = game.Black
		}
	}

	sess := &registry.Session{
		ConnID:   connID,
		MatchID:  in.GameID,
		PlayerID: in.Username,
		Color:    string(color),
		Sink:     sink,
	}
	c.reg.Put(sess)
	c.sup.NoteReconnect(in.Username, in.GameID)

	if !reconnect {
		fields := game.Fields{slotField(color): in.Username}
		fillsBoth := (color == game.White && m.BlackPlayer != "") || (color == game.Black && m.WhitePlayer != "")
		if fillsBoth && m.Status == game.StatusWaiting {
			fields["status"] = string(game.StatusActive)
			fields["last_move_timestamp"] = c.nowMs()
		}
		updated, err := c.store.UpdateIfStatus(ctx, in.GameID, m.Status, fields)
		if errors.Is(err, game.ErrConflict) {
			// someone else advanced the match between read and write;
			// fall back to the authoritative copy
			updated, err = c.store.FindByID(ctx, in.GameID)
			if err == nil && updated.PlayerColor(in.Username) == "" {
				// the seat never persisted for this player
				c.reg.Remove(in.Username, connID)
				if updated.Status == game.StatusCompleted {
					sink.Send(protocol.Marshal(c.completedEvent(updated)))
				} else {
					sink.Send(protocol.Marshal(protocol.GameFull{Type: protocol.TypeGameFull, Message: "Game is already full"}))
				}
				obslog.L().Info("game_join_lost_seat_race",
					zap.String("game_id", in.GameID),
					zap.String("player", in.Username),
				)
				return nil
			}
			if err == nil {
				color = updated.PlayerColor(in.Username)
				sess.Color = string(color)
			}
		}
		if err != nil {
			obslog.L().Error("game_join_update_error", zap.String("game_id", in.GameID), zap.Error(err))
			sink.Send(protocol.Marshal(protocol.NewError("store unavailable")))
			return nil
		}
		m = updated
		if m.Status == game.StatusActive {
			c.ensurePoller(in.GameID)
		}
	} else if m.Status == game.StatusActive {
		c.ensurePoller(in.GameID)
	}

	obslog.L().Info("game_join",
		zap.String("game_id", m.ID),
		zap.String("player", in.Username),
		zap.String("color", string(color)),
		zap.Bool("reconnect", reconnect),
		zap.String("status", string(m.Status)),
	)

	sink.Send(protocol.Marshal(c.joinedEvent(m, color)))
	c.sendChatHistory(ctx, sink, m.ID, in.Username)
	if opp := m.OpponentOf(in.Username); opp != "" {
		c.disp.ToPlayer(opp, protocol.Marshal(protocol.OpponentJoined{Type: protocol.TypeOpponentJoined, Username: in.Username}))
	}
	return sess
}

// createOnJoin starts a new waiting match with the joiner as white. A
// join that carries no time controls is a plain lookup and gets
// GameNotFound instead of a fresh match. The caller holds the match lock.
func (c *Controller) createOnJoin(ctx context.Context, connID string, sink registry.Sink, in *protocol.Inbound) *registry.Session {
	if in.TimeControl == 0 && in.Increment == 0 {
		sink.Send(protocol.Marshal(protocol.GameNotFound{
			Type:    protocol.TypeGameNotFound,
			GameID:  in.GameID,
			Message: "Game not found",
		}))
		return nil
	}
	if !c.opts.ValidTimeControl(in.TimeControl, in.Increment) {
		sink.Send(protocol.Marshal(protocol.NewError("Invalid time controls")))
		return nil
	}
	now := c.nowMs()
	m := &game.Match{
		ID:                in.GameID,
		WhitePlayer:       in.Username,
		FEN:               game.StartFEN,
		Status:            game.StatusWaiting,
		Turn:              game.White,
		Moves:             []string{},
		WhiteTimeMs:       in.TimeControl * 1000,
		BlackTimeMs:       in.TimeControl * 1000,
		TimeControlMs:     in.TimeControl * 1000,
		IncrementMs:       in.Increment * 1000,
		LastMoveTimestamp: now,
		CreatedAt:         c.clock.Now().UTC().Format(time.RFC3339),
		UpdatedAt:         c.clock.Now().UTC().Format(time.RFC3339),
	}
	if err := c.store.Insert(ctx, m); err != nil {
		obslog.L().Error("game_create_error", zap.String("game_id", in.GameID), zap.Error(err))
		sink.Send(protocol.Marshal(protocol.NewError("failed to create game")))
		return nil
	}
	sess := &registry.Session{
		ConnID:   connID,
		MatchID:  in.GameID,
		PlayerID: in.Username,
		Color:    string(game.White),
		Sink:     sink,
	}
	c.reg.Put(sess)
	obslog.L().Info("game_create",
		zap.String("game_id", m.ID),
		zap.String("player", in.Username),
		zap.Int64("time_control_sec", in.TimeControl),
		zap.Int64("increment_sec", in.Increment),
	)
	sink.Send(protocol.Marshal(c.joinedEvent(m, game.White)))
	return sess
}

// Move validates and applies one move: clock charge, transcript append,
// turn flip, then broadcast, then terminal evaluation. Rejections are
// silent no-ops per protocol.
func (c *Controller) Move(ctx context.Context, in *protocol.Inbound) {
	mu := c.matchLock(in.GameID)
	mu.Lock()
	defer mu.Unlock()

	m, err := c.store.FindByID(ctx, in.GameID)
	if err != nil {
		obslog.L().Warn("game_move_lookup_failed", zap.String("game_id", in.GameID), zap.Error(err))
		return
	}
	if m.Status != game.StatusActive {
		return
	}
	moverColor := m.PlayerColor(in.Username)
	if moverColor == "" || moverColor != m.Turn {
		return
	}

	now := c.nowMs()
	whiteMs, blackMs := clock.ApplyMove(clock.FromMatch(m), now)
	moves := append(append([]string(nil), m.Moves...), in.From+in.To)
	newTurn := m.Turn.Opponent()

	updated, err := c.store.UpdateIfStatus(ctx, in.GameID, game.StatusActive, game.Fields{
		"fen":                 in.FEN,
		"pgn":                 in.PGN,
		"turn":                string(newTurn),
		"moves":               moves,
		"white_time_ms":       whiteMs,
		"black_time_ms":       blackMs,
		"last_move_timestamp": now,
	})
	if errors.Is(err, game.ErrConflict) {
		// match completed under us; the other path already broadcast
		return
	}
	if err != nil {
		obslog.L().Error("game_move_store_error", zap.String("game_id", in.GameID), zap.Error(err))
		return
	}

	obslog.L().Info("game_move",
		zap.String("game_id", m.ID),
		zap.String("player", in.Username),
		zap.String("uci", in.From+in.To),
		zap.String("turn", string(newTurn)),
		zap.Int64("white_ms", whiteMs),
		zap.Int64("black_ms", blackMs),
	)

	c.disp.Broadcast(m.ID, protocol.Marshal(protocol.MoveMade{
		Type:        protocol.TypeMoveMade,
		From:        in.From,
		To:          in.To,
		FEN:         in.FEN,
		PGN:         in.PGN,
		By:          in.Username,
		Turn:        string(newTurn),
		WhiteTimeMs: whiteMs,
		BlackTimeMs: blackMs,
	}))

	if c.evaluateTerminal(ctx, updated) {
		return
	}
	if flagged, ok := clock.FlaggedSide(clock.FromMatch(updated), c.nowMs()); ok {
		c.completeLocked(ctx, updated, game.ResultTimeout(flagged))
	}
}

// evaluateTerminal consults the rules engine against the stored position
// and completes the match when it reports a terminal condition. A rules
// failure is logged and treated as "game goes on".
func (c *Controller) evaluateTerminal(ctx context.Context, m *game.Match) bool {
	v, err := c.rules.Evaluate(m.FEN)
	if err != nil {
		obslog.L().Warn("rules_evaluate_failed", zap.String("game_id", m.ID), zap.Error(err))
		return false
	}
	if !v.Terminal() {
		return false
	}
	var result string
	switch {
	case v.Checkmate:
		result = game.ResultCheckmate(game.Color(v.SideToMove))
	case v.Stalemate:
		result = game.ResultStalemate
	default:
		result = game.ResultInsufficientMaterial
	}
	c.completeLocked(ctx, m, result)
	return true
}

// Resign completes the match in the resigner's opponent's favor and
// broadcasts both the resignation notice and the terminal summary.
func (c *Controller) Resign(ctx context.Context, in *protocol.Inbound) {
	mu := c.matchLock(in.GameID)
	mu.Lock()
	defer mu.Unlock()

	m, err := c.store.FindByID(ctx, in.GameID)
	if err != nil {
		return
	}
	if m.Status == game.StatusCompleted {
		return
	}
	if m.PlayerColor(in.Username) == "" {
		return
	}
	winner := m.OpponentOf(in.Username)
	updated, ok := c.transition(ctx, m, game.ResultResigned(in.Username), nil)
	if !ok {
		return
	}
	obslog.L().Info("game_resign",
		zap.String("game_id", m.ID),
		zap.String("player", in.Username),
		zap.String("winner", winner),
	)
	c.disp.Broadcast(m.ID, protocol.Marshal(protocol.GameResigned{
		Type:     protocol.TypeGameResigned,
		Username: in.Username,
		Winner:   winner,
	}))
	c.finishCompleted(ctx, updated)
}

// OfferDraw records the pending offer and notifies only the opponent.
func (c *Controller) OfferDraw(ctx context.Context, in *protocol.Inbound) {
	mu := c.matchLock(in.GameID)
	mu.Lock()
	defer mu.Unlock()

	m, err := c.store.FindByID(ctx, in.GameID)
	if err != nil || m.Status != game.StatusActive || m.PlayerColor(in.Username) == "" {
		return
	}
	if _, err := c.store.Update(ctx, in.GameID, game.Fields{"draw_offered_by": in.Username}); err != nil {
		obslog.L().Error("draw_offer_store_error", zap.String("game_id", in.GameID), zap.Error(err))
		return
	}
	obslog.L().Info("draw_offer", zap.String("game_id", m.ID), zap.String("player", in.Username))
	if opp := m.OpponentOf(in.Username); opp != "" {
		c.disp.ToPlayer(opp, protocol.Marshal(protocol.DrawOffered{Type: protocol.TypeDrawOffered, By: in.Username}))
	}
}

// AcceptDraw completes the match by agreement, valid only against a
// pending offer from someone other than the accepter.
func (c *Controller) AcceptDraw(ctx context.Context, in *protocol.Inbound) {
	mu := c.matchLock(in.GameID)
	mu.Lock()
	defer mu.Unlock()

	m, err := c.store.FindByID(ctx, in.GameID)
	if err != nil || m.Status != game.StatusActive {
		return
	}
	if m.DrawOfferedBy == "" || m.DrawOfferedBy == in.Username || m.PlayerColor(in.Username) == "" {
		return
	}
	updated, ok := c.transition(ctx, m, game.ResultDrawAgreement, game.Fields{"draw_offered_by": ""})
	if !ok {
		return
	}
	obslog.L().Info("draw_accept", zap.String("game_id", m.ID), zap.String("player", in.Username))
	c.finishCompleted(ctx, updated)
}

// DeclineDraw clears the pending offer and notifies only the offerer.
func (c *Controller) DeclineDraw(ctx context.Context, in *protocol.Inbound) {
	mu := c.matchLock(in.GameID)
	mu.Lock()
	defer mu.Unlock()

	m, err := c.store.FindByID(ctx, in.GameID)
	if err != nil || m.DrawOfferedBy == "" || m.DrawOfferedBy == in.Username || m.PlayerColor(in.Username) == "" {
		return
	}
	offerer := m.DrawOfferedBy
	if _, err := c.store.Update(ctx, in.GameID, game.Fields{"draw_offered_by": ""}); err != nil {
		obslog.L().Error("draw_decline_store_error", zap.String("game_id", in.GameID), zap.Error(err))
		return
	}
	obslog.L().Info("draw_decline", zap.String("game_id", m.ID), zap.String("player", in.Username))
	c.disp.ToPlayer(offerer, protocol.Marshal(protocol.DrawDeclined{Type: protocol.TypeDrawDeclined, By: in.Username}))
}

// GameOver marks the match completed with the supplied result text and
// broadcasts the terminal summary. An already-completed match only
// re-broadcasts its summary.
func (c *Controller) GameOver(ctx context.Context, in *protocol.Inbound) {
	mu := c.matchLock(in.GameID)
	mu.Lock()
	defer mu.Unlock()

	m, err := c.store.FindByID(ctx, in.GameID)
	if err != nil {
		return
	}
	if m.Status == game.StatusCompleted {
		c.disp.Broadcast(m.ID, protocol.Marshal(c.completedEvent(m)))
		return
	}
	result := strings.TrimSpace(in.Result)
	if result == "" {
		return
	}
	updated, ok := c.transition(ctx, m, result, nil)
	if !ok {
		return
	}
	obslog.L().Info("game_over", zap.String("game_id", m.ID), zap.String("result", result))
	c.finishCompleted(ctx, updated)
}

// RequestTimeSync broadcasts live clocks for an active match. Read-only.
func (c *Controller) RequestTimeSync(ctx context.Context, in *protocol.Inbound) {
	m, err := c.store.FindByID(ctx, in.GameID)
	if err != nil || m.Status != game.StatusActive {
		return
	}
	whiteMs, blackMs := clock.Remaining(clock.FromMatch(m), c.nowMs())
	c.disp.Broadcast(m.ID, protocol.Marshal(protocol.NewTimeUpdate(whiteMs, blackMs)))
}

// ChatMessage persists the line and delivers it to its audience: everyone
// in the match for a public line, sender and recipient for a private one.
func (c *Controller) ChatMessage(ctx context.Context, in *protocol.Inbound) {
	m, err := c.store.FindByID(ctx, in.GameID)
	if err != nil || m.PlayerColor(in.Username) == "" {
		return
	}
	rec := &game.ChatRecord{
		MatchID:   in.GameID,
		Sender:    in.Username,
		Recipient: strings.TrimSpace(in.Recipient),
		Content:   in.Content,
		Timestamp: c.nowMs(),
	}
	if err := c.store.InsertChat(ctx, rec); err != nil {
		obslog.L().Error("chat_store_error", zap.String("game_id", in.GameID), zap.Error(err))
		return
	}
	frame := protocol.Marshal(protocol.NewChatMessageReceived(rec))
	if rec.Recipient == "" {
		c.disp.Broadcast(in.GameID, frame)
		return
	}
	c.disp.ToPlayer(rec.Sender, frame)
	c.disp.ToPlayer(rec.Recipient, frame)
}

// HandleDisconnect opens a grace window for a player whose connection
// dropped mid-match. No window opens when a newer connection already took
// over the player's session, or when the match is not in progress.
func (c *Controller) HandleDisconnect(ctx context.Context, matchID, playerID string) {
	if _, still := c.reg.ForPlayer(playerID); still {
		return
	}
	m, err := c.store.FindByID(ctx, matchID)
	if err != nil || m.Status != game.StatusActive || m.PlayerColor(playerID) == "" {
		return
	}
	c.sup.NoteDisconnect(playerID, matchID)
}

// resolveAbandonment is invoked by the supervisor once a grace window
// expires. The conditional update decides the race against any concurrent
// move, resignation, or timeout.
func (c *Controller) resolveAbandonment(matchID, playerID string) {
	ctx := context.Background()
	mu := c.matchLock(matchID)
	mu.Lock()
	defer mu.Unlock()

	m, err := c.store.FindByID(ctx, matchID)
	if err != nil || m.Status != game.StatusActive || m.PlayerColor(playerID) == "" {
		return
	}
	updated, ok := c.transition(ctx, m, game.ResultAbandoned(playerID), nil)
	if !ok {
		return
	}
	obslog.L().Info("game_abandoned",
		zap.String("game_id", matchID),
		zap.String("player", playerID),
		zap.String("winner", m.OpponentOf(playerID)),
	)
	c.finishCompleted(ctx, updated)
}

// transition performs the conditional completed-write for the match's
// current status. The returned bool is false when someone else resolved
// the match first, in which case the caller abandons its own attempt.
func (c *Controller) transition(ctx context.Context, m *game.Match, resultText string, extra game.Fields) (*game.Match, bool) {
	tmp := *m
	tmp.Result = resultText
	sum := game.Normalize(&tmp)

	fields := game.Fields{
		"status": string(game.StatusCompleted),
		"result": resultText,
		"reason": string(sum.Reason),
	}
	for k, v := range extra {
		fields[k] = v
	}
	if m.Status == game.StatusActive {
		whiteMs, blackMs := clock.Remaining(clock.FromMatch(m), c.nowMs())
		fields["white_time_ms"] = whiteMs
		fields["black_time_ms"] = blackMs
	}
	updated, err := c.store.UpdateIfStatus(ctx, m.ID, m.Status, fields)
	if errors.Is(err, game.ErrConflict) {
		obslog.L().Info("game_complete_lost_race", zap.String("game_id", m.ID), zap.String("result", resultText))
		return nil, false
	}
	if err != nil {
		obslog.L().Error("game_complete_store_error", zap.String("game_id", m.ID), zap.Error(err))
		return nil, false
	}
	return updated, true
}

// completeLocked is transition + summary broadcast for callers already
// holding the match lock.
func (c *Controller) completeLocked(ctx context.Context, m *game.Match, resultText string) {
	updated, ok := c.transition(ctx, m, resultText, nil)
	if !ok {
		return
	}
	obslog.L().Info("game_complete",
		zap.String("game_id", m.ID),
		zap.String("result", resultText),
	)
	c.finishCompleted(ctx, updated)
}

// finishCompleted broadcasts the terminal summary and hands the match to
// the archive.
func (c *Controller) finishCompleted(ctx context.Context, m *game.Match) {
	c.disp.Broadcast(m.ID, protocol.Marshal(c.completedEvent(m)))
	if c.archive != nil {
		c.archive.SaveCompleted(ctx, m)
	}
}

func (c *Controller) joinedEvent(m *game.Match, color game.Color) protocol.GameJoined {
	return protocol.GameJoined{
		Type:        protocol.TypeGameJoined,
		GameID:      m.ID,
		Color:       string(color),
		Opponent:    m.PlayerFor(color.Opponent()),
		FEN:         m.FEN,
		PGN:         m.PGN,
		Turn:        string(m.Turn),
		Status:      string(m.Status),
		Moves:       m.Moves,
		WhiteTimeMs: m.WhiteTimeMs,
		BlackTimeMs: m.BlackTimeMs,
		IncrementMs: m.IncrementMs,
	}
}

func (c *Controller) completedEvent(m *game.Match) protocol.GameCompleted {
	sum := game.Normalize(m)
	return protocol.GameCompleted{
		Type:        protocol.TypeGameCompleted,
		GameID:      m.ID,
		WhitePlayer: m.WhitePlayer,
		BlackPlayer: m.BlackPlayer,
		FEN:         m.FEN,
		PGN:         game.BuildPGN(m, c.clock.Now()),
		Moves:       m.Moves,
		Result:      string(sum.Outcome),
		Status:      string(m.Status),
		Winner:      sum.Winner,
		Reason:      string(sum.Reason),
		TimeControl: m.TimeControlSeconds(),
		Increment:   m.IncrementSeconds(),
		WhiteTimeMs: m.WhiteTimeMs,
		BlackTimeMs: m.BlackTimeMs,
	}
}

func (c *Controller) sendChatHistory(ctx context.Context, sink registry.Sink, matchID, viewerID string) {
	recs, err := c.store.QueryChat(ctx, matchID, viewerID)
	if err != nil {
		obslog.L().Warn("chat_history_error", zap.String("game_id", matchID), zap.Error(err))
		return
	}
	if len(recs) == 0 {
		return
	}
	hist := protocol.ChatHistory{Type: protocol.TypeChatHistory, GameID: matchID}
	for _, rec := range recs {
		hist.Messages = append(hist.Messages, protocol.NewChatMessageReceived(rec))
	}
	sink.Send(protocol.Marshal(hist))
}

func slotField(c game.Color) string {
	if c == game.White {
		return "white_player"
	}
	return "black_player"
}
