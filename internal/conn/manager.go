// Package conn maintains the real-time websocket connection to the chat
// backend: authenticated dialing, heartbeat liveness, reconnection with
// exponential backoff, and dispatch of inbound traffic onto the events
// bus. It holds a bounded in-memory queue of actions accepted while the
// socket is down; durable message persistence lives in the outbox.
package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/windrose-im/windrose/internal/backoff"
	"github.com/windrose-im/windrose/internal/config"
	"github.com/windrose-im/windrose/internal/creds"
	"github.com/windrose-im/windrose/internal/events"
	"github.com/windrose-im/windrose/internal/observability"
	"github.com/windrose-im/windrose/pkg/models"
)

// State is the connection manager's lifecycle position.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

var (
	// ErrConnectTimeout reports a dial that exceeded ConnectTimeout.
	ErrConnectTimeout = errors.New("conn: connect timed out")

	// ErrAuthRejected reports a handshake refused with 401 or 403.
	// It is terminal for the attempt; the reconnect loop never retries it.
	ErrAuthRejected = errors.New("conn: authentication rejected")

	errHeartbeatTimeout = errors.New("conn: heartbeat timeout")
)

// TokenSource supplies bearer tokens for the websocket handshake.
// *creds.Coordinator satisfies it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Options configures a Manager.
type Options struct {
	// WSURL is the websocket endpoint, e.g. "wss://api.example.com/ws".
	WSURL string

	Tokens  TokenSource
	Config  config.ConnConfig
	Bus     *events.Bus
	Logger  *observability.Logger
	Metrics *observability.Metrics

	// Dialer overrides the websocket dialer. Nil uses the default.
	Dialer *websocket.Dialer
}

// Manager drives the websocket lifecycle for one active conversation.
// All exported methods are safe for concurrent use.
type Manager struct {
	wsURL   string
	tokens  TokenSource
	cfg     config.ConnConfig
	bus     *events.Bus
	logger  *observability.Logger
	metrics *observability.Metrics
	dialer  *websocket.Dialer
	policy  backoff.Policy

	mu             sync.Mutex
	state          State
	conversationID string
	current        *session
	gen            uint64
	userClosed     bool

	// reconnectCancel/reconnectDone identify the one running reconnect
	// loop, if any. Connect and Disconnect cancel and await it so a dial
	// from the loop can never race a user-initiated dial.
	reconnectCancel context.CancelFunc
	reconnectDone   chan struct{}

	pendingMu sync.Mutex
	pending   []models.OutboundAction
}

// NewManager creates an idle manager. Connect starts the lifecycle.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = observability.Nop()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: opts.Config.ConnectTimeout}
	}
	m := &Manager{
		wsURL:   opts.WSURL,
		tokens:  opts.Tokens,
		cfg:     opts.Config,
		bus:     opts.Bus,
		logger:  logger,
		metrics: opts.Metrics,
		dialer:  dialer,
		policy: backoff.Policy{
			Base:   opts.Config.BackoffBase,
			Cap:    opts.Config.BackoffCap,
			Jitter: opts.Config.BackoffJitter,
		},
		state: StateIdle,
	}
	m.setState(StateIdle)
	return m
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect establishes the socket for conversationID. A Connect while a
// connection exists tears the old one down first; there is never more
// than one live socket per manager. Auth rejections return
// ErrAuthRejected without retrying.
func (m *Manager) Connect(ctx context.Context, conversationID string) error {
	m.stopReconnect()

	m.mu.Lock()
	if prior := m.current; prior != nil {
		m.current = nil
		m.mu.Unlock()
		prior.disconnect()
		m.mu.Lock()
	}
	m.conversationID = conversationID
	m.userClosed = false
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	err := m.dial(ctx)
	if err != nil {
		m.mu.Lock()
		m.setStateLocked(StateClosed)
		m.mu.Unlock()
		m.publishConn(models.ConnStatusDisconnected, conversationID)
	}
	return err
}

// dial performs one handshake attempt and, on success, installs the new
// session and flushes the pending queue.
func (m *Manager) dial(ctx context.Context) error {
	ctx = context.WithValue(ctx, observability.ConversationIDKey, m.conversationID)

	token, err := m.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("conn: obtaining token: %w", err)
	}

	target, err := m.endpoint()
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	wsConn, resp, err := m.dialer.DialContext(dialCtx, target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				m.tokens.Invalidate()
				m.bus.PublishError(models.ErrCodeUnauthorized, "websocket handshake rejected")
				return fmt.Errorf("%w: status %d", ErrAuthRejected, resp.StatusCode)
			case http.StatusForbidden:
				m.bus.PublishError(models.ErrCodeAccessDenied, "websocket handshake rejected")
				return fmt.Errorf("%w: status %d", ErrAuthRejected, resp.StatusCode)
			}
		}
		if dialCtx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("%w after %s", ErrConnectTimeout, m.cfg.ConnectTimeout)
		}
		return fmt.Errorf("conn: dial %s: %w", target, err)
	}

	m.mu.Lock()
	prior := m.current
	m.gen++
	sess := newSession(m, wsConn, m.gen)
	m.current = sess
	m.setStateLocked(StateOpen)
	m.mu.Unlock()

	if prior != nil {
		// A session this dial replaces is stale by generation; its exit
		// report is ignored by sessionClosed.
		prior.disconnect()
	}

	sess.start()
	m.logger.Info(ctx, "websocket connected")
	m.publishConn(models.ConnStatusConnected, m.conversationID)
	m.flushPending(sess)
	return nil
}

func (m *Manager) endpoint() (string, error) {
	u, err := url.Parse(m.wsURL)
	if err != nil {
		return "", fmt.Errorf("conn: invalid websocket url %q: %w", m.wsURL, err)
	}
	q := u.Query()
	q.Set("conversation_id", m.conversationID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Send writes the action to the live socket, or parks it in the bounded
// pending queue when no socket is open. The queue is best-effort and
// in-memory; callers needing durability use the outbox instead.
func (m *Manager) Send(action models.OutboundAction) models.DeliveryState {
	m.mu.Lock()
	sess := m.current
	open := m.state == StateOpen
	m.mu.Unlock()

	if open && sess != nil {
		frame, err := action.Encode()
		if err != nil {
			m.logger.Error(context.Background(), "encoding outbound action", "error", err)
			return models.DeliveryFailed
		}
		if sess.enqueue(frame) {
			return models.DeliveryDelivered
		}
	}

	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if len(m.pending) >= m.cfg.PendingQueueSize {
		// Oldest entries are the stalest presence signals; drop them.
		m.pending = m.pending[1:]
	}
	m.pending = append(m.pending, action)
	return models.DeliveryQueued
}

// flushPending replays actions parked while the socket was down.
func (m *Manager) flushPending(sess *session) {
	m.pendingMu.Lock()
	queued := m.pending
	m.pending = nil
	m.pendingMu.Unlock()

	for i, action := range queued {
		frame, err := action.Encode()
		if err != nil {
			continue
		}
		if !sess.enqueue(frame) {
			// Socket died mid-flush; requeue the rest.
			m.pendingMu.Lock()
			m.pending = append(queued[i:], m.pending...)
			m.pendingMu.Unlock()
			return
		}
	}
}

// Disconnect closes the connection and stops reconnecting. Safe to call
// repeatedly and in any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.userClosed = true
	alreadyClosed := m.state == StateClosed && m.current == nil
	m.mu.Unlock()

	m.stopReconnect()
	if alreadyClosed {
		return
	}

	m.mu.Lock()
	sess := m.current
	m.current = nil
	m.setStateLocked(StateClosing)
	m.mu.Unlock()

	if sess != nil {
		sess.disconnect()
	}

	m.mu.Lock()
	m.setStateLocked(StateClosed)
	m.mu.Unlock()
	m.publishConn(models.ConnStatusDisconnected, m.conversationID)
}

// sessionClosed is the session's single exit report. Stale generations
// are ignored; the live one is classified and routed to reconnect,
// terminal shutdown, or an auth error.
func (m *Manager) sessionClosed(sess *session) {
	m.mu.Lock()
	if m.current != sess {
		m.mu.Unlock()
		return
	}
	m.current = nil
	userClosed := m.userClosed
	conversationID := m.conversationID
	m.mu.Unlock()

	if userClosed || sess.closeErr == nil {
		return
	}

	class, code := classifyClose(sess.closeErr)
	switch class {
	case closeTerminal:
		m.mu.Lock()
		m.setStateLocked(StateClosed)
		m.mu.Unlock()
		m.publishConn(models.ConnStatusDisconnected, conversationID)
	case closeAuth:
		if code == models.ErrCodeUnauthorized {
			m.tokens.Invalidate()
		}
		m.mu.Lock()
		m.setStateLocked(StateClosed)
		m.mu.Unlock()
		m.bus.PublishError(code, "connection closed by server")
		m.publishConn(models.ConnStatusDisconnected, conversationID)
	default:
		m.logger.Warn(context.Background(), "connection lost", "error", sess.closeErr)
		go m.scheduleReconnect(conversationID)
	}
}

// stopReconnect cancels the running reconnect loop, if any, and waits
// for it to exit. After it returns no loop-initiated dial is in flight.
func (m *Manager) stopReconnect() {
	m.mu.Lock()
	cancel, done := m.reconnectCancel, m.reconnectDone
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// scheduleReconnect registers and runs a reconnect loop unless the user
// closed the connection or a live session already exists. A stale loop
// still winding down is retired first so at most one loop dials.
func (m *Manager) scheduleReconnect(conversationID string) {
	for {
		m.mu.Lock()
		if prior := m.reconnectCancel; prior != nil {
			done := m.reconnectDone
			m.mu.Unlock()
			prior()
			<-done
			continue
		}
		if m.userClosed || (m.state == StateOpen && m.current != nil) {
			m.mu.Unlock()
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		m.reconnectCancel, m.reconnectDone = cancel, done
		m.setStateLocked(StateConnecting)
		m.mu.Unlock()

		m.reconnectLoop(ctx, done, conversationID)
		return
	}
}

// reconnectLoop runs sequential redial attempts with exponential backoff
// and jitter. A successful attempt resets the counter implicitly because
// the loop returns and a future loss starts fresh. Auth rejections and an
// expired session are terminal; redialing with a refresh token the server
// already rejected would only redeem it again.
func (m *Manager) reconnectLoop(ctx context.Context, done chan struct{}, conversationID string) {
	defer func() {
		m.mu.Lock()
		if m.reconnectDone == done {
			m.reconnectCancel, m.reconnectDone = nil, nil
		}
		m.mu.Unlock()
		close(done)
	}()

	m.publishConn(models.ConnStatusReconnecting, conversationID)

	for attempt := 0; attempt < m.cfg.MaxReconnectAttempts; attempt++ {
		if err := backoff.SleepForAttempt(ctx, m.policy, attempt); err != nil {
			return
		}

		if m.metrics != nil {
			m.metrics.ReconnectAttempts.Inc()
		}
		m.logger.Info(ctx, "reconnecting", "attempt", attempt+1,
			"max", m.cfg.MaxReconnectAttempts)

		err := m.dial(ctx)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			// Superseded by Connect or Disconnect.
			return
		}
		if errors.Is(err, ErrAuthRejected) ||
			errors.Is(err, creds.ErrSessionExpired) ||
			errors.Is(err, creds.ErrNoCredential) {
			m.mu.Lock()
			m.setStateLocked(StateClosed)
			m.mu.Unlock()
			m.publishConn(models.ConnStatusDisconnected, conversationID)
			return
		}
		m.logger.Warn(ctx, "reconnect attempt failed", "attempt", attempt+1, "error", err)
	}

	m.mu.Lock()
	m.setStateLocked(StateClosed)
	m.mu.Unlock()
	m.bus.PublishError(models.ErrCodeMaxReconnectAttempts,
		fmt.Sprintf("gave up after %d reconnect attempts", m.cfg.MaxReconnectAttempts))
	m.publishConn(models.ConnStatusDisconnected, conversationID)
}

// dispatch routes one inbound frame to the events bus.
func (m *Manager) dispatch(frame inboundFrame) {
	if m.metrics != nil && frame.Type != "heartbeat" {
		m.metrics.InboundEventCounter.WithLabelValues(frame.Type).Inc()
	}

	switch frame.Type {
	case "heartbeat", "ack":
		// Liveness only; the session resets its missed-beat counter on
		// any inbound traffic.
	case "message":
		if frame.Message != nil {
			m.bus.Publish(models.Event{Type: models.EventMessage, Message: frame.Message})
		}
	case "typing":
		if frame.Typing != nil {
			m.bus.Publish(models.Event{Type: models.EventTyping, Typing: frame.Typing})
		}
	case "read":
		if frame.Read != nil {
			m.bus.Publish(models.Event{Type: models.EventRead, Read: frame.Read})
		}
	case "user_status":
		if frame.UserStatus != nil {
			m.bus.Publish(models.Event{Type: models.EventUserStatus, UserStatus: frame.UserStatus})
		}
	case "error":
		if frame.Error != nil {
			m.bus.Publish(models.Event{Type: models.EventError, Error: frame.Error})
		}
	default:
		m.logger.Debug(context.Background(), "ignoring unknown frame type", "type", frame.Type)
	}
}

func (m *Manager) publishConn(status models.ConnStatus, conversationID string) {
	m.bus.Publish(models.Event{
		Type: models.EventConnection,
		Connection: &models.ConnectionEvent{
			Status:         status,
			ConversationID: conversationID,
		},
	})
}

func (m *Manager) metricsHeartbeatMissed() {
	if m.metrics != nil {
		m.metrics.HeartbeatsMissed.Inc()
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStateLocked(s)
}

// setStateLocked requires m.mu held.
func (m *Manager) setStateLocked(s State) {
	m.state = s
	if m.metrics != nil {
		m.metrics.SetConnectionState(string(s))
	}
}
