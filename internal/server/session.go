package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/chessdream/arbiter/internal/obslog"
	"github.com/chessdream/arbiter/internal/protocol"
	"github.com/chessdream/arbiter/internal/registry"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const outboundQueueSize = 1024

// wsSession owns one websocket connection: a writer goroutine draining the
// outbound queue, and the inbound receive/dispatch loop. It satisfies
// registry.Sink; Send never blocks the broadcaster — a full queue or a
// closed connection just reports false.
type wsSession struct {
	connID string
	conn   *websocket.Conn
	out    chan []byte

	closed    chan struct{}
	closeOnce sync.Once
}

func newWSSession(conn *websocket.Conn) *wsSession {
	return &wsSession{
		connID: uuid.NewString(),
		conn:   conn,
		out:    make(chan []byte, outboundQueueSize),
		closed: make(chan struct{}),
	}
}

func (s *wsSession) Send(frame []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.out <- frame:
		return true
	default:
		return false
	}
}

func (s *wsSession) shutdown() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// writeLoop is the single writer for the connection.
func (s *wsSession) writeLoop(ctx context.Context) {
	for {
		select {
		case <-s.closed:
			return
		case frame := <-s.out:
			if err := s.conn.Write(ctx, websocket.MessageText, frame); err != nil {
				obslog.L().Debug("ws_write_failed", zap.String("conn_id", s.connID), zap.Error(err))
				s.shutdown()
				return
			}
		}
	}
}

// serveWS runs the per-connection receive loop. Malformed frames are
// dropped and logged; the loop only ends with the connection. On exit the
// registry entry for this exact connection is removed and, when a
// (match, player) binding was established, the disconnection supervisor
// is informed.
func (srv *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: srv.cfg.AllowedOrigins,
	})
	if err != nil {
		obslog.L().Warn("ws_accept_failed", zap.Error(err))
		return
	}

	sess := newWSSession(conn)
	ctx := context.Background()
	go sess.writeLoop(ctx)

	obslog.L().Info("ws_open", zap.String("conn_id", sess.connID))

	var bound *registry.Session
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		in, derr := protocol.Decode(data)
		if derr != nil {
			obslog.L().Warn("ws_bad_frame", zap.String("conn_id", sess.connID), zap.Error(derr))
			continue
		}
		if s := srv.dispatch(ctx, sess, in); s != nil {
			bound = s
		}
	}

	sess.shutdown()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	obslog.L().Info("ws_close", zap.String("conn_id", sess.connID))

	if bound != nil {
		srv.reg.Remove(bound.PlayerID, sess.connID)
		srv.ctrl.HandleDisconnect(ctx, bound.MatchID, bound.PlayerID)
	}
}

// dispatch routes one decoded frame to the controller. Only JoinGame can
// establish the connection's (match, player) binding.
func (srv *Server) dispatch(ctx context.Context, sess *wsSession, in *protocol.Inbound) *registry.Session {
	switch in.Type {
	case protocol.TypeJoinGame:
		if srv.verifier != nil && in.Token != "" {
			sub, err := srv.verifier.Verify(in.Token)
			if err != nil {
				obslog.L().Warn("ws_token_rejected", zap.String("conn_id", sess.connID), zap.Error(err))
				sess.Send(protocol.Marshal(protocol.NewError("invalid session token")))
				return nil
			}
			in.Username = sub
		}
		return srv.ctrl.JoinGame(ctx, sess.connID, sess, in)
	case protocol.TypeMove:
		srv.ctrl.Move(ctx, in)
	case protocol.TypeRequestTimeSync:
		srv.ctrl.RequestTimeSync(ctx, in)
	case protocol.TypeGameOver:
		srv.ctrl.GameOver(ctx, in)
	case protocol.TypeResign:
		srv.ctrl.Resign(ctx, in)
	case protocol.TypeOfferDraw:
		srv.ctrl.OfferDraw(ctx, in)
	case protocol.TypeAcceptDraw:
		srv.ctrl.AcceptDraw(ctx, in)
	case protocol.TypeDeclineDraw:
		srv.ctrl.DeclineDraw(ctx, in)
	case protocol.TypeChatMessage:
		srv.ctrl.ChatMessage(ctx, in)
	}
	return nil
}
