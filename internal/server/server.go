// Package server accepts browser WebSocket connections and binds each one
// to a PTY session: handshake, auth, session create/reconnect, scrollback
// replay, coalesced output delivery, keepalive, and read-only filtering.
package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/netip"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/oddlab/webpty/internal/audit"
	"github.com/oddlab/webpty/internal/auth"
	"github.com/oddlab/webpty/internal/config"
	"github.com/oddlab/webpty/internal/protocol"
	"github.com/oddlab/webpty/internal/ptybridge"
	"github.com/oddlab/webpty/internal/ring"
	"github.com/oddlab/webpty/internal/session"
)

const (
	// pingInterval and pongTimeout drive the keepalive that detects dead
	// NAT'd clients that never send a close frame.
	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second

	// wsReadLimit bounds one inbound frame.
	wsReadLimit = 1 << 20

	// maxReplayFrames caps replay work per reconnect.
	maxReplayFrames = 1000

	// Resize dimensions are clamped to keep a hostile client from forcing
	// absurd allocations in the child.
	maxResizeCols = 500
	maxResizeRows = 300

	defaultCols = 80
	defaultRows = 24
)

// Server holds the shared state behind every connection handler.
type Server struct {
	cfg        *config.Settings
	sessions   *session.Manager
	classifier *protocol.Classifier
	auditor    *audit.Auditor
	testMode   config.TestModeSpec
}

// New wires a Server. auditor may be nil when auditing is disabled.
func New(cfg *config.Settings, sessions *session.Manager, classifier *protocol.Classifier, auditor *audit.Auditor) *Server {
	return &Server{
		cfg:        cfg,
		sessions:   sessions,
		classifier: classifier,
		auditor:    auditor,
		testMode:   cfg.ParseTestMode(),
	}
}

// Routes returns the WebSocket-facing router. No request logging here:
// upgrade URLs carry auth and reconnect tokens in the query string.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/", s.HandleWS)
	return r
}

// HandleWS upgrades one connection and runs its session loop until the
// socket or the PTY goes away.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	switch s.testMode.Kind {
	case config.TestModeFailConnections:
		http.Error(w, "connections disabled by test mode", http.StatusServiceUnavailable)
		return
	case config.TestModeDelayConnections:
		time.Sleep(s.testMode.Delay)
	}

	// Capture handshake material before anything can touch the request.
	// Header and query values may carry secrets and are never logged.
	authHeader := r.Header.Get("Authorization")
	rawQuery := r.URL.RawQuery

	clientIP, err := remoteIP(r.RemoteAddr)
	if err != nil {
		http.Error(w, "cannot determine client address", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[ws] accept failed for %s: %v", clientIP, err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsReadLimit)

	ctx := r.Context()

	if _, err := auth.Authenticate(s.cfg.AuthToken, authHeader, auth.ParseAuthParam(rawQuery)); err != nil {
		msg := protocol.ErrorMsg("Invalid token", protocol.CodeAuthFailed)
		if errors.Is(err, auth.ErrMissingToken) {
			msg = protocol.ErrorMsg("Authorization required", protocol.CodeAuthRequired)
		}
		s.auditor.Record(audit.Entry{
			EventType: audit.EventAuthFailed,
			SourceIP:  clientIP.String(),
		})
		s.rejectConn(ctx, conn, msg)
		return
	}

	params, isReconnect := auth.ParseReconnectParams(rawQuery)
	var sess *session.Session
	if isReconnect {
		sess, err = s.sessions.ReconnectSession(params.SessionID, params.Token, clientIP)
	} else {
		sess, err = s.sessions.CreateSession(clientIP)
	}
	if err != nil {
		s.rejectConn(ctx, conn, protocol.ErrorMsg(err.Error(), sessionErrCode(err)))
		return
	}

	if isReconnect {
		s.runReconnected(ctx, conn, sess, params.LastSeq)
	} else {
		s.runCreated(ctx, conn, sess)
	}
}

// rejectConn sends one terminal error frame and closes. The client retries;
// the server never does.
func (s *Server) rejectConn(ctx context.Context, conn *websocket.Conn, msg protocol.ServerMessage) {
	_ = conn.Write(ctx, websocket.MessageText, msg.Encode())
	conn.Close(websocket.StatusPolicyViolation, msg.Code)
}

// sessionErrCode maps admission and reconnect failures to wire codes. An
// already-connected session reads as an invalid token so that probing a live
// session id learns nothing.
func sessionErrCode(err error) string {
	switch {
	case errors.Is(err, session.ErrGlobalCap):
		return protocol.CodeGlobalCap
	case errors.Is(err, session.ErrPerIPCap):
		return protocol.CodePerIPCap
	case errors.Is(err, session.ErrSessionExpired):
		return protocol.CodeSessionExpired
	case errors.Is(err, session.ErrIPMismatch):
		return protocol.CodeIPMismatch
	case errors.Is(err, session.ErrInvalidToken), errors.Is(err, session.ErrAlreadyConnected):
		return protocol.CodeInvalidToken
	default:
		return protocol.CodeInternalError
	}
}

// runCreated announces a fresh session, spawns its PTY, and enters the loop.
func (s *Server) runCreated(ctx context.Context, conn *websocket.Conn, sess *session.Session) {
	if err := s.send(ctx, conn, protocol.SessionMsg(sess.ID.String(), sess.ReconnectToken)); err != nil {
		s.sessions.DisconnectSession(sess.ID)
		return
	}

	ringBuf := ring.New(s.cfg.RingMaxBytes, s.cfg.RingMaxFrames)
	bridge, err := ptybridge.Spawn(s.cfg, ptybridge.SessionOwned, defaultCols, defaultRows, ringBuf)
	if err != nil {
		log.Printf("[ws] pty spawn failed for session %s: %v", sess.ID, err)
		s.rejectConn(ctx, conn, protocol.ErrorMsg(err.Error(), protocol.CodePtySpawnFailed))
		s.sessions.DisconnectSession(sess.ID)
		return
	}
	// Subscribe before anything else so no output slips between the
	// child's first write and the loop picking up live frames.
	subID, frames := bridge.Subscribe()
	s.sessions.AttachBridge(sess.ID, bridge)

	s.auditor.Record(audit.Entry{
		SessionID: sess.ID.String(),
		EventType: audit.EventSessionCreated,
		SourceIP:  sess.ClientIP.String(),
		PID:       bridge.PID(),
	})
	s.auditor.Record(audit.Entry{
		SessionID: sess.ID.String(),
		EventType: audit.EventPTYSpawned,
		PID:       bridge.PID(),
	})

	// A fast child may have painted before the subscription landed; those
	// frames are only in the ring, so flush them ahead of the live stream.
	watermark, err := s.flushBacklog(ctx, conn, ringBuf)
	if err != nil {
		bridge.Unsubscribe(subID)
		s.sessions.DisconnectSession(sess.ID)
		return
	}

	s.runLoop(ctx, conn, sess, bridge, subID, frames, watermark)
}

// flushBacklog sends everything already buffered in the ring as one output
// frame. Returns the sequence of the newest frame sent, 0 when the ring is
// empty.
func (s *Server) flushBacklog(ctx context.Context, conn *websocket.Conn, ringBuf *ring.Buffer) (uint64, error) {
	frames := ringBuf.GetAll()
	if len(frames) == 0 {
		return 0, nil
	}
	var buf []byte
	for _, f := range frames {
		buf = append(buf, f.Data...)
	}
	seq := frames[len(frames)-1].Seq
	return seq, s.send(ctx, conn, protocol.OutputMsg(string(buf), &seq))
}

// runReconnected announces the rotated token, replays missed output, and
// enters the loop on the surviving PTY.
func (s *Server) runReconnected(ctx context.Context, conn *websocket.Conn, sess *session.Session, lastSeq *uint64) {
	var restore *protocol.TerminalSize
	if cols, rows, ok := s.sessions.LastSize(sess.ID); ok {
		restore = &protocol.TerminalSize{Cols: cols, Rows: rows}
	}
	if err := s.send(ctx, conn, protocol.ReconnectedMsg(sess.ID.String(), sess.ReconnectToken, restore)); err != nil {
		s.sessions.DisconnectSession(sess.ID)
		return
	}

	bridge := sess.Bridge
	if bridge == nil {
		// The previous connection died before the PTY came up.
		s.rejectConn(ctx, conn, protocol.ErrorMsg("session has no terminal", protocol.CodeInternalError))
		s.sessions.DisconnectSession(sess.ID)
		return
	}

	s.auditor.Record(audit.Entry{
		SessionID: sess.ID.String(),
		EventType: audit.EventSessionReconnected,
		SourceIP:  sess.ClientIP.String(),
		PID:       bridge.PID(),
	})

	// Subscribe before draining the ring. Output produced during the
	// replay then arrives on the live channel, and frames the replay also
	// covered are discarded by the loop's watermark check. Subscribing
	// after the drain would lose whatever the PTY wrote in between.
	subID, frames := bridge.Subscribe()

	watermark, err := s.replay(ctx, conn, bridge.Ring(), lastSeq)
	if err != nil {
		bridge.Unsubscribe(subID)
		s.sessions.DisconnectSession(sess.ID)
		return
	}

	s.runLoop(ctx, conn, sess, bridge, subID, frames, watermark)
}

// replay sends the client every buffered frame newer than its watermark,
// bracketed by replay_begin/replay_end so the client can suppress local echo
// artifacts. Returns the highest sequence delivered.
func (s *Server) replay(ctx context.Context, conn *websocket.Conn, ringBuf *ring.Buffer, lastSeq *uint64) (uint64, error) {
	var frames []ring.Frame
	var watermark uint64
	if lastSeq != nil {
		watermark = *lastSeq
		frames = ringBuf.DrainSince(watermark, maxReplayFrames)
	} else {
		frames = ringBuf.GetAll()
	}
	if len(frames) == 0 {
		return watermark, nil
	}

	// Frames between the client's watermark and the oldest retained frame
	// were evicted under pressure; tell the client about the gap.
	if lastSeq != nil && frames[0].Seq > *lastSeq+1 {
		dropped := frames[0].Seq - *lastSeq - 1
		if err := s.send(ctx, conn, protocol.BufferTruncatedMsg(dropped)); err != nil {
			return watermark, err
		}
	}

	if err := s.send(ctx, conn, protocol.ReplayBeginMsg(frames[0].Seq)); err != nil {
		return watermark, err
	}
	for _, f := range frames {
		seq := f.Seq
		if err := s.send(ctx, conn, protocol.OutputMsg(string(f.Data), &seq)); err != nil {
			return watermark, err
		}
		watermark = f.Seq
	}
	if err := s.send(ctx, conn, protocol.ReplayEndMsg(watermark)); err != nil {
		return watermark, err
	}
	return watermark, nil
}

// runLoop is the per-connection event loop: inbound frames, PTY output,
// the coalesce flush timer, keepalive, and child exit. No call in the loop
// body blocks; blocking PTY I/O lives in the bridge's goroutines.
//
// The caller subscribes to the bridge before handing over; frames at or
// below watermark were already delivered and are skipped.
func (s *Server) runLoop(parent context.Context, conn *websocket.Conn, sess *session.Session, bridge *ptybridge.Bridge, subID int, frames <-chan ring.Frame, watermark uint64) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	defer bridge.Unsubscribe(subID)

	// Inbound frames arrive on a channel so the loop can multiplex them
	// with the other event sources.
	inbound := make(chan []byte)
	go func() {
		defer close(inbound)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			select {
			case inbound <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Protocol-level pings keep NAT mappings alive and detect silent peer
	// death. conn.Ping blocks until the pong arrives, so it runs beside the
	// loop rather than inside it.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				pctx, pcancel := context.WithTimeout(ctx, pongTimeout)
				err := conn.Ping(pctx)
				pcancel()
				if err != nil {
					log.Printf("[ws] keepalive lost for session %s: %v", sess.ID, err)
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	coalesce := time.NewTicker(s.cfg.CoalesceInterval())
	defer coalesce.Stop()
	var pending []byte
	var pendingSeq uint64

loop:
	for {
		select {
		case raw, ok := <-inbound:
			if !ok {
				break loop
			}
			s.sessions.Touch(sess.ID)
			msg, err := protocol.ParseClientMessage(raw)
			if err != nil {
				// Leniency boundary: log, drop the frame, keep going.
				log.Printf("[ws] invalid client message on session %s: %v", sess.ID, err)
				continue
			}
			if !s.handleClientMessage(ctx, conn, sess, bridge, msg) {
				break loop
			}

		case f, ok := <-frames:
			if !ok {
				break loop
			}
			if f.Seq <= watermark {
				continue // already delivered via replay
			}
			pending = append(pending, f.Data...)
			pendingSeq = f.Seq

		case <-coalesce.C:
			if len(pending) == 0 {
				continue
			}
			seq := pendingSeq
			out := protocol.OutputMsg(string(pending), &seq)
			pending = nil
			if err := s.send(ctx, conn, out); err != nil {
				break loop
			}
			watermark = seq

		case <-bridge.Done():
			log.Printf("[ws] pty exited for session %s", sess.ID)
			s.auditor.Record(audit.Entry{
				SessionID: sess.ID.String(),
				EventType: audit.EventPTYExited,
				PID:       bridge.PID(),
			})
			break loop

		case <-ctx.Done():
			break loop
		}
	}

	s.sessions.DisconnectSession(sess.ID)
	s.auditor.Record(audit.Entry{
		SessionID: sess.ID.String(),
		EventType: audit.EventSessionDisconnect,
		SourceIP:  sess.ClientIP.String(),
	})
	if bridge.Ownership() == ptybridge.ConnectionOwned {
		bridge.Close()
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// handleClientMessage dispatches one parsed frame. It returns false when the
// loop should end.
func (s *Server) handleClientMessage(ctx context.Context, conn *websocket.Conn, sess *session.Session, bridge *ptybridge.Bridge, msg protocol.ClientMessage) bool {
	switch msg.Type {
	case protocol.TypeInput:
		if s.cfg.ReadOnly && s.classifier.IsBlockedInReadOnly(msg.Data) {
			class := s.classifier.Classify(msg.Data)
			if sess.AllowNotice(class, time.Now()) {
				log.Printf("[ws] blocked %s input on session %s (read-only)", class, sess.ID)
				if err := s.send(ctx, conn, protocol.ReadOnlyNotice(protocol.ActionName(class))); err != nil {
					return false
				}
			}
			return true
		}
		if err := bridge.Write([]byte(msg.Data)); err != nil {
			log.Printf("[ws] pty input failed for session %s: %v", sess.ID, err)
			return false
		}

	case protocol.TypeResize:
		if msg.Cols == 0 || msg.Rows == 0 {
			return true
		}
		cols, rows := msg.Cols, msg.Rows
		if cols > maxResizeCols {
			cols = maxResizeCols
		}
		if rows > maxResizeRows {
			rows = maxResizeRows
		}
		if err := bridge.Resize(cols, rows); err != nil {
			log.Printf("[ws] resize failed for session %s: %v", sess.ID, err)
			return true
		}
		s.sessions.RecordResize(sess.ID, cols, rows)

	case protocol.TypePing:
		if err := s.send(ctx, conn, protocol.PongMsg()); err != nil {
			return false
		}

	default:
		// Reconnect is handshake-only; anything else is dropped.
		log.Printf("[ws] unexpected %q message on session %s", msg.Type, sess.ID)
	}
	return true
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn, msg protocol.ServerMessage) error {
	return conn.Write(ctx, websocket.MessageText, msg.Encode())
}

// remoteIP extracts the client address sessions are bound to.
func remoteIP(remoteAddr string) (netip.Addr, error) {
	ap, err := netip.ParseAddrPort(remoteAddr)
	if err != nil {
		return netip.Addr{}, err
	}
	return ap.Addr(), nil
}
