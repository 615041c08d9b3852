package arbiter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"

	"github.com/chessdream/arbiter/internal/game"
	"github.com/chessdream/arbiter/internal/protocol"
	"github.com/chessdream/arbiter/internal/registry"
	"github.com/chessdream/arbiter/internal/rules"
)

type fakeSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeSink) Send(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return true
}

// events decodes every received frame into its type tag.
func (f *fakeSink) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, raw := range f.frames {
		var m map[string]any
		_ = json.Unmarshal(raw, &m)
		typ, _ := m["type"].(string)
		out = append(out, typ)
	}
	return out
}

// last returns the most recent frame of the given type, decoded.
func (f *fakeSink) last(typ string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.frames) - 1; i >= 0; i-- {
		var m map[string]any
		_ = json.Unmarshal(f.frames[i], &m)
		if m["type"] == typ {
			return m
		}
	}
	return nil
}

func (f *fakeSink) count(typ string) int {
	n := 0
	for _, e := range f.events() {
		if e == typ {
			n++
		}
	}
	return n
}

// stubEngine returns a fixed verdict, letting tests force or suppress
// terminal positions without encoding real games.
type stubEngine struct {
	v   rules.Verdict
	err error
}

func (s *stubEngine) Evaluate(string) (rules.Verdict, error) { return s.v, s.err }

type fixture struct {
	ctrl  *Controller
	store *game.RedisStore
	reg   *registry.Registry
	fc    *clockwork.FakeClock
	eng   *stubEngine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	store, err := game.NewRedisStore(fmt.Sprintf("redis://%s/0", mr.Addr()))
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	fc := clockwork.NewFakeClock()
	reg := registry.New()
	eng := &stubEngine{}
	ctrl := NewController(store, eng, reg, fc, Options{
		GraceWindow:  15 * time.Second,
		PollInterval: 100 * time.Millisecond,
	})
	return &fixture{ctrl: ctrl, store: store, reg: reg, fc: fc, eng: eng}
}

func joinFrame(gameID, username string) *protocol.Inbound {
	return &protocol.Inbound{
		Type:        protocol.TypeJoinGame,
		GameID:      gameID,
		Username:    username,
		TimeControl: 300,
		Increment:   2,
	}
}

// activeMatch sets up a match with both seats taken, returning the two
// players' sinks.
func (fx *fixture) activeMatch(t *testing.T, gameID string) (white, black *fakeSink) {
	t.Helper()
	white, black = &fakeSink{}, &fakeSink{}
	if s := fx.ctrl.JoinGame(context.Background(), "cw", white, joinFrame(gameID, "alice")); s == nil {
		t.Fatalf("white join failed")
	}
	if s := fx.ctrl.JoinGame(context.Background(), "cb", black, joinFrame(gameID, "bob")); s == nil {
		t.Fatalf("black join failed")
	}
	return white, black
}

func (fx *fixture) mustFind(t *testing.T, gameID string) *game.Match {
	t.Helper()
	m, err := fx.store.FindByID(context.Background(), gameID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	return m
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestJoinCreatesWaitingMatch(t *testing.T) {
	fx := newFixture(t)
	sink := &fakeSink{}

	sess := fx.ctrl.JoinGame(context.Background(), "c1", sink, joinFrame("g1", "alice"))
	if sess == nil || sess.Color != string(game.White) {
		t.Fatalf("session: %+v", sess)
	}

	m := fx.mustFind(t, "g1")
	if m.Status != game.StatusWaiting || m.WhitePlayer != "alice" || m.BlackPlayer != "" {
		t.Fatalf("match: %+v", m)
	}
	if m.WhiteTimeMs != 300_000 || m.IncrementMs != 2_000 {
		t.Fatalf("clocks: %+v", m)
	}

	joined := sink.last(protocol.TypeGameJoined)
	if joined == nil || joined["color"] != "white" || joined["status"] != "waiting" {
		t.Fatalf("GameJoined: %v", joined)
	}
}

func TestJoinUnknownWithoutTimeControls(t *testing.T) {
	fx := newFixture(t)
	sink := &fakeSink{}
	in := &protocol.Inbound{Type: protocol.TypeJoinGame, GameID: "nope", Username: "alice"}
	if sess := fx.ctrl.JoinGame(context.Background(), "c1", sink, in); sess != nil {
		t.Fatalf("lookup join should not register")
	}
	if nf := sink.last(protocol.TypeGameNotFound); nf == nil || nf["game_id"] != "nope" {
		t.Fatalf("GameNotFound: %v", nf)
	}
}

func TestJoinRejectsBadTimeControls(t *testing.T) {
	fx := newFixture(t)
	fx.ctrl.opts.ValidTimeControl = func(tc, inc int64) bool { return tc >= 30 }
	sink := &fakeSink{}
	in := joinFrame("g1", "alice")
	in.TimeControl = 5
	if sess := fx.ctrl.JoinGame(context.Background(), "c1", sink, in); sess != nil {
		t.Fatalf("invalid create should not register")
	}
	if sink.last(protocol.TypeError) == nil {
		t.Fatalf("expected Error frame, got %v", sink.events())
	}
}

func TestSecondJoinActivatesMatch(t *testing.T) {
	fx := newFixture(t)
	white, black := fx.activeMatch(t, "g1")

	m := fx.mustFind(t, "g1")
	if m.Status != game.StatusActive || m.BlackPlayer != "bob" {
		t.Fatalf("match: %+v", m)
	}
	if m.LastMoveTimestamp != fx.fc.Now().UnixMilli() {
		t.Fatalf("activation should reset the clock baseline")
	}

	if j := black.last(protocol.TypeGameJoined); j == nil || j["color"] != "black" || j["status"] != "active" || j["opponent"] != "alice" {
		t.Fatalf("black GameJoined: %v", j)
	}
	if white.last(protocol.TypeOpponentJoined) == nil {
		t.Fatalf("white missed OpponentJoined: %v", white.events())
	}
}

func TestJoinAssignedSeatsQueryable(t *testing.T) {
	fx := newFixture(t)
	fx.activeMatch(t, "g1")
	ctx := context.Background()

	for _, player := range []string{"alice", "bob"} {
		got, err := fx.store.QueryByPlayer(ctx, player)
		if err != nil {
			t.Fatalf("QueryByPlayer(%s): %v", player, err)
		}
		if len(got) != 1 || got[0].ID != "g1" {
			t.Fatalf("%s's matches = %d, want 1", player, len(got))
		}
	}
}

func TestJoinFullMatch(t *testing.T) {
	fx := newFixture(t)
	fx.activeMatch(t, "g1")

	sink := &fakeSink{}
	if sess := fx.ctrl.JoinGame(context.Background(), "c3", sink, joinFrame("g1", "carol")); sess != nil {
		t.Fatalf("third player admitted")
	}
	if sink.last(protocol.TypeGameFull) == nil {
		t.Fatalf("expected GameFull, got %v", sink.events())
	}
}

func TestReconnectKeepsSeat(t *testing.T) {
	fx := newFixture(t)
	fx.activeMatch(t, "g1")

	sink := &fakeSink{}
	sess := fx.ctrl.JoinGame(context.Background(), "c9", sink, joinFrame("g1", "alice"))
	if sess == nil || sess.Color != string(game.White) {
		t.Fatalf("reconnect session: %+v", sess)
	}
	if cur, _ := fx.reg.ForPlayer("alice"); cur.ConnID != "c9" {
		t.Fatalf("registry should hold the new connection")
	}
	m := fx.mustFind(t, "g1")
	if m.WhitePlayer != "alice" || m.BlackPlayer != "bob" {
		t.Fatalf("seats changed on reconnect: %+v", m)
	}
}

// seatRaceStore fails the first conditional update after handing the
// contested seat to another player, the way a concurrent writer would.
type seatRaceStore struct {
	game.Store
	raced bool
}

func (s *seatRaceStore) UpdateIfStatus(ctx context.Context, matchID string, expect game.Status, fields game.Fields) (*game.Match, error) {
	if !s.raced {
		s.raced = true
		if _, err := s.Store.Update(ctx, matchID, game.Fields{
			"black_player": "bob",
			"status":       string(game.StatusActive),
		}); err != nil {
			return nil, err
		}
		return nil, game.ErrConflict
	}
	return s.Store.UpdateIfStatus(ctx, matchID, expect, fields)
}

func TestJoinSeatRaceLoserNotRegistered(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	m := &game.Match{
		ID: "g1", WhitePlayer: "alice",
		FEN: game.StartFEN, Status: game.StatusWaiting, Turn: game.White,
		Moves: []string{}, WhiteTimeMs: 300_000, BlackTimeMs: 300_000,
		TimeControlMs: 300_000, LastMoveTimestamp: fx.fc.Now().UnixMilli(),
	}
	if err := fx.store.Insert(ctx, m); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	racing := NewController(&seatRaceStore{Store: fx.store}, fx.eng, fx.reg, fx.fc, Options{
		GraceWindow:  15 * time.Second,
		PollInterval: 100 * time.Millisecond,
	})
	sink := &fakeSink{}
	if sess := racing.JoinGame(ctx, "c1", sink, joinFrame("g1", "carol")); sess != nil {
		t.Fatalf("race loser kept a session: %+v", sess)
	}
	if _, ok := fx.reg.ForPlayer("carol"); ok {
		t.Fatalf("race loser left in the registry")
	}
	if sink.last(protocol.TypeGameFull) == nil {
		t.Fatalf("expected GameFull, got %v", sink.events())
	}
	if got := fx.mustFind(t, "g1"); got.BlackPlayer != "bob" {
		t.Fatalf("seat owner changed: %+v", got)
	}
}

func TestJoinCompletedMatchSendsSummary(t *testing.T) {
	fx := newFixture(t)
	fx.activeMatch(t, "g1")
	if _, err := fx.store.Update(context.Background(), "g1", game.Fields{
		"status": string(game.StatusCompleted),
		"result": "bob resigned",
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	sink := &fakeSink{}
	if sess := fx.ctrl.JoinGame(context.Background(), "c9", sink, joinFrame("g1", "alice")); sess != nil {
		t.Fatalf("completed match should not register sessions")
	}
	done := sink.last(protocol.TypeGameCompleted)
	if done == nil || done["result"] != "1-0" || done["winner"] != "alice" || done["reason"] != "resignation" {
		t.Fatalf("GameCompleted: %v", done)
	}
}

func TestMoveAppliesAndBroadcasts(t *testing.T) {
	fx := newFixture(t)
	white, black := fx.activeMatch(t, "g1")

	fx.fc.Advance(3 * time.Second)
	fx.ctrl.Move(context.Background(), &protocol.Inbound{
		Type: protocol.TypeMove, GameID: "g1", Username: "alice",
		From: "e2", To: "e4", FEN: "after-e4", PGN: "1. e4",
	})

	m := fx.mustFind(t, "g1")
	if m.Turn != game.Black || len(m.Moves) != 1 || m.Moves[0] != "e2e4" || m.FEN != "after-e4" {
		t.Fatalf("match after move: %+v", m)
	}
	// first move: 3s charged, no increment credited
	if m.WhiteTimeMs != 297_000 || m.BlackTimeMs != 300_000 {
		t.Fatalf("clocks: w=%d b=%d", m.WhiteTimeMs, m.BlackTimeMs)
	}

	for _, sink := range []*fakeSink{white, black} {
		mv := sink.last(protocol.TypeMoveMade)
		if mv == nil || mv["by"] != "alice" || mv["turn"] != "black" || mv["fen"] != "after-e4" {
			t.Fatalf("MoveMade: %v", mv)
		}
	}
}

func TestMoveRejectedOutOfTurn(t *testing.T) {
	fx := newFixture(t)
	_, black := fx.activeMatch(t, "g1")

	before := len(black.events())
	fx.ctrl.Move(context.Background(), &protocol.Inbound{
		Type: protocol.TypeMove, GameID: "g1", Username: "bob",
		From: "e7", To: "e5", FEN: "x", PGN: "x",
	})
	fx.ctrl.Move(context.Background(), &protocol.Inbound{
		Type: protocol.TypeMove, GameID: "g1", Username: "carol",
		From: "e2", To: "e4", FEN: "x", PGN: "x",
	})

	m := fx.mustFind(t, "g1")
	if len(m.Moves) != 0 || m.Turn != game.White {
		t.Fatalf("rejected moves mutated the match: %+v", m)
	}
	if len(black.events()) != before {
		t.Fatalf("rejected moves broadcast frames: %v", black.events())
	}
}

func TestMoveIncrementCreditedFromThirdMove(t *testing.T) {
	fx := newFixture(t)
	fx.activeMatch(t, "g1")
	ctx := context.Background()

	move := func(user, from, to string) {
		fx.fc.Advance(time.Second)
		fx.ctrl.Move(ctx, &protocol.Inbound{
			Type: protocol.TypeMove, GameID: "g1", Username: user,
			From: from, To: to, FEN: "ongoing", PGN: "x",
		})
	}

	move("alice", "e2", "e4") // move 1: no increment
	move("bob", "e7", "e5")   // move 2: no increment
	move("alice", "g1", "f3") // move 3: +2s

	m := fx.mustFind(t, "g1")
	// alice: -1s, then -1s +2s = 300s; bob: -1s = 299s
	if m.WhiteTimeMs != 300_000 {
		t.Fatalf("white = %d, want 300000", m.WhiteTimeMs)
	}
	if m.BlackTimeMs != 299_000 {
		t.Fatalf("black = %d, want 299000", m.BlackTimeMs)
	}
}

func TestMoveDetectsCheckmate(t *testing.T) {
	fx := newFixture(t)
	white, black := fx.activeMatch(t, "g1")
	// position after the move has black to move and mated
	fx.eng.v = rules.Verdict{Checkmate: true, SideToMove: "black"}

	fx.ctrl.Move(context.Background(), &protocol.Inbound{
		Type: protocol.TypeMove, GameID: "g1", Username: "alice",
		From: "h5", To: "f7", FEN: "mate", PGN: "x",
	})

	m := fx.mustFind(t, "g1")
	if m.Status != game.StatusCompleted || m.Result != "White wins by checkmate" {
		t.Fatalf("match: %+v", m)
	}
	for _, sink := range []*fakeSink{white, black} {
		done := sink.last(protocol.TypeGameCompleted)
		if done == nil || done["result"] != "1-0" || done["winner"] != "alice" || done["reason"] != "checkmate" {
			t.Fatalf("GameCompleted: %v", done)
		}
	}
}

func TestMoveRulesFailureGameGoesOn(t *testing.T) {
	fx := newFixture(t)
	fx.activeMatch(t, "g1")
	fx.eng.err = fmt.Errorf("engine exploded")

	fx.ctrl.Move(context.Background(), &protocol.Inbound{
		Type: protocol.TypeMove, GameID: "g1", Username: "alice",
		From: "e2", To: "e4", FEN: "garbled", PGN: "x",
	})

	m := fx.mustFind(t, "g1")
	if m.Status != game.StatusActive || len(m.Moves) != 1 {
		t.Fatalf("move should stand despite rules failure: %+v", m)
	}
}

func TestResign(t *testing.T) {
	fx := newFixture(t)
	white, black := fx.activeMatch(t, "g1")

	fx.ctrl.Resign(context.Background(), &protocol.Inbound{Type: protocol.TypeResign, GameID: "g1", Username: "bob"})

	m := fx.mustFind(t, "g1")
	if m.Status != game.StatusCompleted || m.Result != "bob resigned" {
		t.Fatalf("match: %+v", m)
	}
	for _, sink := range []*fakeSink{white, black} {
		if r := sink.last(protocol.TypeGameResigned); r == nil || r["username"] != "bob" || r["winner"] != "alice" {
			t.Fatalf("GameResigned: %v", r)
		}
		if d := sink.last(protocol.TypeGameCompleted); d == nil || d["result"] != "1-0" || d["reason"] != "resignation" {
			t.Fatalf("GameCompleted: %v", d)
		}
	}

	// a second resignation is a no-op against the completed match
	fx.ctrl.Resign(context.Background(), &protocol.Inbound{Type: protocol.TypeResign, GameID: "g1", Username: "alice"})
	if got := fx.mustFind(t, "g1").Result; got != "bob resigned" {
		t.Fatalf("result overwritten: %q", got)
	}
}

func TestResignByStrangerIgnored(t *testing.T) {
	fx := newFixture(t)
	fx.activeMatch(t, "g1")
	fx.ctrl.Resign(context.Background(), &protocol.Inbound{Type: protocol.TypeResign, GameID: "g1", Username: "carol"})
	if m := fx.mustFind(t, "g1"); m.Status != game.StatusActive {
		t.Fatalf("stranger ended the match: %+v", m)
	}
}

func TestDrawOfferAcceptFlow(t *testing.T) {
	fx := newFixture(t)
	white, black := fx.activeMatch(t, "g1")
	ctx := context.Background()

	fx.ctrl.OfferDraw(ctx, &protocol.Inbound{Type: protocol.TypeOfferDraw, GameID: "g1", Username: "alice"})
	if fx.mustFind(t, "g1").DrawOfferedBy != "alice" {
		t.Fatalf("offer not recorded")
	}
	if black.last(protocol.TypeDrawOffered) == nil {
		t.Fatalf("opponent missed the offer: %v", black.events())
	}
	if white.count(protocol.TypeDrawOffered) != 0 {
		t.Fatalf("offer echoed to the offerer")
	}

	// the offerer cannot accept their own offer
	fx.ctrl.AcceptDraw(ctx, &protocol.Inbound{Type: protocol.TypeAcceptDraw, GameID: "g1", Username: "alice"})
	if fx.mustFind(t, "g1").Status != game.StatusActive {
		t.Fatalf("self-accept completed the match")
	}

	fx.ctrl.AcceptDraw(ctx, &protocol.Inbound{Type: protocol.TypeAcceptDraw, GameID: "g1", Username: "bob"})
	m := fx.mustFind(t, "g1")
	if m.Status != game.StatusCompleted || m.Result != "Draw by agreement" || m.DrawOfferedBy != "" {
		t.Fatalf("match: %+v", m)
	}
	for _, sink := range []*fakeSink{white, black} {
		if d := sink.last(protocol.TypeGameCompleted); d == nil || d["result"] != "1/2-1/2" || d["reason"] != "draw" {
			t.Fatalf("GameCompleted: %v", d)
		}
	}
}

func TestDrawDecline(t *testing.T) {
	fx := newFixture(t)
	white, black := fx.activeMatch(t, "g1")
	ctx := context.Background()

	fx.ctrl.OfferDraw(ctx, &protocol.Inbound{Type: protocol.TypeOfferDraw, GameID: "g1", Username: "alice"})
	fx.ctrl.DeclineDraw(ctx, &protocol.Inbound{Type: protocol.TypeDeclineDraw, GameID: "g1", Username: "bob"})

	m := fx.mustFind(t, "g1")
	if m.DrawOfferedBy != "" || m.Status != game.StatusActive {
		t.Fatalf("decline should clear the offer only: %+v", m)
	}
	if d := white.last(protocol.TypeDrawDeclined); d == nil || d["by"] != "bob" {
		t.Fatalf("offerer missed the decline: %v", white.events())
	}
	if black.count(protocol.TypeDrawDeclined) != 0 {
		t.Fatalf("decline echoed to the decliner")
	}

	// accepting after the decline does nothing
	fx.ctrl.AcceptDraw(ctx, &protocol.Inbound{Type: protocol.TypeAcceptDraw, GameID: "g1", Username: "bob"})
	if fx.mustFind(t, "g1").Status != game.StatusActive {
		t.Fatalf("stale accept completed the match")
	}
}

func TestGameOverClientResult(t *testing.T) {
	fx := newFixture(t)
	white, _ := fx.activeMatch(t, "g1")

	fx.ctrl.GameOver(context.Background(), &protocol.Inbound{
		Type: protocol.TypeGameOver, GameID: "g1", Result: "Draw by insufficient material",
	})
	m := fx.mustFind(t, "g1")
	if m.Status != game.StatusCompleted || m.Result != "Draw by insufficient material" {
		t.Fatalf("match: %+v", m)
	}
	if d := white.last(protocol.TypeGameCompleted); d == nil || d["result"] != "1/2-1/2" {
		t.Fatalf("GameCompleted: %v", d)
	}

	// GameOver on a completed match just re-broadcasts the summary
	before := white.count(protocol.TypeGameCompleted)
	fx.ctrl.GameOver(context.Background(), &protocol.Inbound{Type: protocol.TypeGameOver, GameID: "g1"})
	if white.count(protocol.TypeGameCompleted) != before+1 {
		t.Fatalf("summary not re-broadcast")
	}
}

func TestRequestTimeSync(t *testing.T) {
	fx := newFixture(t)
	white, black := fx.activeMatch(t, "g1")

	fx.fc.Advance(5 * time.Second)
	fx.ctrl.RequestTimeSync(context.Background(), &protocol.Inbound{Type: protocol.TypeRequestTimeSync, GameID: "g1"})

	for _, sink := range []*fakeSink{white, black} {
		tu := sink.last(protocol.TypeTimeUpdate)
		if tu == nil {
			t.Fatalf("missing TimeUpdate: %v", sink.events())
		}
		if tu["white_time_ms"] != float64(295_000) || tu["black_time_ms"] != float64(300_000) {
			t.Fatalf("TimeUpdate: %v", tu)
		}
	}
}

func TestChatPublicAndPrivate(t *testing.T) {
	fx := newFixture(t)
	white, black := fx.activeMatch(t, "g1")
	ctx := context.Background()

	fx.ctrl.ChatMessage(ctx, &protocol.Inbound{
		Type: protocol.TypeChatMessage, GameID: "g1", Username: "alice", Content: "good luck",
	})
	fx.ctrl.ChatMessage(ctx, &protocol.Inbound{
		Type: protocol.TypeChatMessage, GameID: "g1", Username: "bob", Recipient: "alice", Content: "thanks",
	})
	// non-participants cannot chat
	fx.ctrl.ChatMessage(ctx, &protocol.Inbound{
		Type: protocol.TypeChatMessage, GameID: "g1", Username: "carol", Content: "spam",
	})

	if white.count(protocol.TypeChatMessageReceived) != 2 {
		t.Fatalf("white chat frames: %v", white.events())
	}
	if black.count(protocol.TypeChatMessageReceived) != 2 {
		t.Fatalf("black chat frames: %v", black.events())
	}

	// a later joiner replays history through their own visibility filter
	sink := &fakeSink{}
	fx.ctrl.JoinGame(ctx, "c9", sink, joinFrame("g1", "alice"))
	hist := sink.last(protocol.TypeChatHistory)
	if hist == nil {
		t.Fatalf("missing ChatHistory: %v", sink.events())
	}
	msgs, _ := hist["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("history length = %d, want 2", len(msgs))
	}
}

func TestAbandonmentAfterGraceWindow(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	m := &game.Match{
		ID: "g1", WhitePlayer: "alice", BlackPlayer: "bob",
		FEN: game.StartFEN, Status: game.StatusActive, Turn: game.White,
		Moves: []string{}, WhiteTimeMs: 300_000, BlackTimeMs: 300_000,
		TimeControlMs: 300_000, LastMoveTimestamp: fx.fc.Now().UnixMilli(),
	}
	if err := fx.store.Insert(ctx, m); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	fx.ctrl.HandleDisconnect(ctx, "g1", "bob")
	if !fx.ctrl.Supervisor().Outstanding("bob") {
		t.Fatalf("grace window not opened")
	}

	fx.fc.BlockUntil(1)
	fx.fc.Advance(15 * time.Second)
	waitFor(t, "abandonment completion", func() bool {
		return fx.mustFind(t, "g1").Status == game.StatusCompleted
	})

	got := fx.mustFind(t, "g1")
	if got.Result != "bob abandoned the game" || got.Reason != "abandonment" {
		t.Fatalf("match: %+v", got)
	}
}

func TestReconnectCancelsAbandonment(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	m := &game.Match{
		ID: "g1", WhitePlayer: "alice", BlackPlayer: "bob",
		FEN: game.StartFEN, Status: game.StatusActive, Turn: game.White,
		Moves: []string{}, WhiteTimeMs: 300_000, BlackTimeMs: 300_000,
		TimeControlMs: 300_000, LastMoveTimestamp: fx.fc.Now().UnixMilli(),
	}
	if err := fx.store.Insert(ctx, m); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	fx.ctrl.HandleDisconnect(ctx, "g1", "bob")
	fx.fc.BlockUntil(1)

	sink := &fakeSink{}
	if s := fx.ctrl.JoinGame(ctx, "c9", sink, joinFrame("g1", "bob")); s == nil {
		t.Fatalf("reconnect failed")
	}
	if fx.ctrl.Supervisor().Outstanding("bob") {
		t.Fatalf("grace window survived the reconnect")
	}

	fx.fc.Advance(16 * time.Second)
	time.Sleep(100 * time.Millisecond)
	if got := fx.mustFind(t, "g1"); got.Status != game.StatusActive {
		t.Fatalf("cancelled window still forfeited: %+v", got)
	}
}

func TestHandleDisconnectIgnoredWhenReplaced(t *testing.T) {
	fx := newFixture(t)
	fx.activeMatch(t, "g1")

	// player still registered (a newer connection took over)
	fx.ctrl.HandleDisconnect(context.Background(), "g1", "bob")
	if fx.ctrl.Supervisor().Outstanding("bob") {
		t.Fatalf("window opened for a connected player")
	}
}

func TestCompletionRaceSingleWinner(t *testing.T) {
	fx := newFixture(t)
	fx.activeMatch(t, "g1")
	ctx := context.Background()

	// the timeout path wins the conditional write first
	if _, err := fx.store.UpdateIfStatus(ctx, "g1", game.StatusActive, game.Fields{
		"status": string(game.StatusCompleted),
		"result": "Black wins on time",
	}); err != nil {
		t.Fatalf("UpdateIfStatus: %v", err)
	}

	fx.ctrl.Resign(ctx, &protocol.Inbound{Type: protocol.TypeResign, GameID: "g1", Username: "bob"})

	if got := fx.mustFind(t, "g1").Result; got != "Black wins on time" {
		t.Fatalf("loser of the race overwrote the result: %q", got)
	}
}
