package conn

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/windrose-im/windrose/pkg/models"
)

const (
	maxPayloadBytes = 1 << 20
	writeWait       = 10 * time.Second
	sendBuffer      = 64
)

// Application-level close codes the server uses to signal auth failures
// mid-session. 1008 (policy violation) is treated the same way.
const (
	closeCodeUnauthorized = 4401
	closeCodeAccessDenied = 4403
)

// closeClass partitions socket terminations into the three paths the
// manager takes afterwards.
type closeClass int

const (
	closeTransient closeClass = iota // reconnect with backoff
	closeTerminal                    // requested shutdown, stay closed
	closeAuth                        // credentials rejected, stay closed
)

// classifyClose maps a read-loop error to the manager's follow-up.
func classifyClose(err error) (closeClass, string) {
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return closeTerminal, ""
	case websocket.IsCloseError(err, closeCodeUnauthorized):
		return closeAuth, models.ErrCodeUnauthorized
	case websocket.IsCloseError(err, closeCodeAccessDenied, websocket.ClosePolicyViolation):
		return closeAuth, models.ErrCodeAccessDenied
	default:
		return closeTransient, ""
	}
}

// inboundFrame is the wire envelope for server-to-client traffic.
// Exactly one payload field is set for a given type.
type inboundFrame struct {
	Type       string                  `json:"type"`
	Message    *models.Message         `json:"message,omitempty"`
	Typing     *models.TypingEvent     `json:"typing,omitempty"`
	Read       *models.ReadEvent       `json:"read,omitempty"`
	UserStatus *models.UserStatusEvent `json:"user_status,omitempty"`
	Error      *models.ErrorEvent      `json:"error,omitempty"`
}

// session owns one live websocket. One goroutine runs the read loop, one
// runs the write/heartbeat loop fed by the send channel. When either
// loop exits the session reports its terminal error to the manager
// exactly once via onClosed.
type session struct {
	conn    *websocket.Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	manager *Manager

	// gen ties callbacks to the session that produced them so a stale
	// session cannot disturb its successor.
	gen uint64

	missedBeats atomic.Int32

	closeOnce sync.Once
	closeErr  error
}

func newSession(m *Manager, conn *websocket.Conn, gen uint64) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		ctx:     ctx,
		cancel:  cancel,
		manager: m,
		gen:     gen,
	}
}

func (s *session) start() {
	go s.writeLoop()
	go s.readLoop()
	go s.heartbeatLoop()
}

// enqueue hands a frame to the write loop. It reports false when the
// session is shutting down or the buffer is full; callers then treat the
// action as undeliverable on this socket.
func (s *session) enqueue(frame []byte) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	case <-s.ctx.Done():
		return false
	default:
		return false
	}
}

// shutdown tears the socket down locally. closeErr records the cause for
// classification; a nil cause means a requested disconnect.
func (s *session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.closeErr = cause
		s.cancel()
		_ = s.conn.Close()
		s.manager.sessionClosed(s)
	})
}

// disconnect performs the polite variant: a close frame, then teardown.
func (s *session) disconnect() {
	deadline := time.Now().Add(writeWait)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	s.shutdown(nil)
}

func (s *session) readLoop() {
	s.conn.SetReadLimit(maxPayloadBytes)
	s.conn.SetPongHandler(func(string) error {
		s.missedBeats.Store(0)
		return nil
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.shutdown(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.manager.logger.Warn(s.ctx, "dropping undecodable frame", "error", err)
			continue
		}
		s.manager.dispatch(frame)
		// Any inbound traffic proves the socket is alive.
		s.missedBeats.Store(0)
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.shutdown(err)
				return
			}
		}
	}
}

// heartbeatLoop sends a heartbeat action every interval. A tick that
// fires before any inbound traffic arrived counts as a missed beat; at
// the configured limit the socket is declared dead and force-closed,
// which routes the session into the reconnect path.
func (s *session) heartbeatLoop() {
	interval := s.manager.cfg.HeartbeatInterval
	limit := int32(s.manager.cfg.MissedHeartbeatLimit)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	frame, err := models.OutboundAction{Action: models.ActionHeartbeat}.Encode()
	if err != nil {
		return
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			missed := s.missedBeats.Add(1)
			if missed > 1 {
				s.manager.metricsHeartbeatMissed()
			}
			if missed > limit {
				s.manager.logger.Warn(s.ctx, "heartbeat limit exceeded, closing dead socket",
					"missed", missed-1, "limit", limit)
				s.shutdown(errHeartbeatTimeout)
				return
			}
			s.enqueue(frame)
		}
	}
}
