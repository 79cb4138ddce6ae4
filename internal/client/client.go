// Package client is the boundary surface of the transport core. It wires
// the connection manager, token coordinator, offline queue, and REST
// fallback into the API the application layer talks to: send a message
// and get a localId back, subscribe to events, feed in connectivity
// changes, and let the core handle delivery, reconnection, and replay.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/windrose-im/windrose/internal/config"
	"github.com/windrose-im/windrose/internal/conn"
	"github.com/windrose-im/windrose/internal/creds"
	"github.com/windrose-im/windrose/internal/events"
	"github.com/windrose-im/windrose/internal/observability"
	"github.com/windrose-im/windrose/internal/outbox"
	"github.com/windrose-im/windrose/internal/rest"
	"github.com/windrose-im/windrose/internal/transerr"
	"github.com/windrose-im/windrose/pkg/models"
)

// SendOption customizes an outgoing message.
type SendOption func(*models.QueuedMessage)

// WithReplyTo threads the message under an existing one.
func WithReplyTo(messageID string) SendOption {
	return func(m *models.QueuedMessage) { m.ReplyTo = messageID }
}

// WithAttachments attaches uploaded media references.
func WithAttachments(attachments ...models.Attachment) SendOption {
	return func(m *models.QueuedMessage) { m.Attachments = attachments }
}

// Options carries the ambient dependencies. Zero values are usable:
// logging is discarded, metrics and tracing are disabled.
type Options struct {
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Client is the transport core's public surface. Safe for concurrent use.
type Client struct {
	cfg     config.Config
	bus     *events.Bus
	creds   *creds.Coordinator
	conn    *conn.Manager
	api     *rest.Client
	store   *outbox.Store
	drainer *outbox.Drainer
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	mu           sync.Mutex
	conversation string

	unsubscribe []func()
}

// New assembles a client from configuration. The returned client owns the
// outbox database handle; Close releases it.
func New(cfg config.Config, opts Options) (*Client, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.Nop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}

	store, err := outbox.Open(cfg.Outbox.Path)
	if err != nil {
		return nil, fmt.Errorf("opening offline queue: %w", err)
	}

	bus := events.NewBus()

	// The coordinator and the REST client depend on each other: the
	// coordinator refreshes through the API, the API authenticates
	// through the coordinator. The closure breaks the cycle.
	var api *rest.Client
	coordinator := creds.NewCoordinator(creds.Options{
		Store: creds.NewFileStore(cfg.Auth.CredentialsPath),
		Refresh: func(ctx context.Context, refreshToken string) (creds.Credential, error) {
			return api.Refresh(ctx, refreshToken)
		},
		ExpirySkew: cfg.Auth.ExpirySkew,
		Bus:        bus,
		Logger:     logger,
		Metrics:    opts.Metrics,
	})
	api = rest.NewClient(cfg.Server.APIBaseURL, coordinator, logger)

	c := &Client{
		cfg:     cfg,
		bus:     bus,
		creds:   coordinator,
		api:     api,
		store:   store,
		logger:  logger,
		metrics: opts.Metrics,
		tracer:  tracer,
	}
	c.conn = conn.NewManager(conn.Options{
		WSURL:   cfg.Server.WSURL,
		Tokens:  coordinator,
		Config:  cfg.Conn,
		Bus:     bus,
		Logger:  logger,
		Metrics: opts.Metrics,
	})
	c.drainer = outbox.NewDrainer(store, c.deliver, logger, opts.Metrics)

	// Every successful (re)connect replays whatever accumulated offline
	// and asks the server to push messages missed while away; those
	// arrive as ordinary message events.
	c.unsubscribe = append(c.unsubscribe,
		bus.Subscribe(models.EventConnection, func(e models.Event) {
			if e.Connection.Status != models.ConnStatusConnected {
				return
			}
			go c.drainQueue(context.Background())
			c.conn.Send(models.OutboundAction{
				Action: models.ActionFetchMessages,
				Payload: map[string]any{
					"conversation_id": e.Connection.ConversationID,
					"limit":           50,
				},
			})
		}))
	return c, nil
}

// Login installs a credential pair obtained out of band (the auth flow is
// the application's concern). It persists atomically.
func (c *Client) Login(access, refresh string) error {
	return c.creds.SetCredential(creds.Credential{Access: access, Refresh: refresh})
}

// Logout drops the connection and wipes the stored credential.
func (c *Client) Logout() error {
	c.conn.Disconnect()
	return c.creds.Clear()
}

// Connect opens the real-time connection for a conversation. The drain
// of the offline queue is triggered by the resulting connected event.
func (c *Client) Connect(ctx context.Context, conversationID string) error {
	ctx, span := c.tracer.Start(ctx, "client.connect",
		attribute.String("conversation.id", conversationID))
	defer span.End()

	c.mu.Lock()
	c.conversation = conversationID
	c.mu.Unlock()

	if err := c.conn.Connect(ctx, conversationID); err != nil {
		observability.RecordError(span, err)
		return classifyConnectError(err)
	}
	return nil
}

// classifyConnectError maps connection failures onto the boundary error
// taxonomy so the UI can decide between retrying and re-authenticating.
func classifyConnectError(err error) error {
	switch {
	case errors.Is(err, conn.ErrConnectTimeout):
		return transerr.New(transerr.CodeConnectionTimeout, "connect timed out", err)
	case errors.Is(err, conn.ErrAuthRejected):
		return transerr.New(transerr.CodeAuthRejected, "server rejected credentials", err)
	case errors.Is(err, creds.ErrSessionExpired):
		return transerr.New(transerr.CodeSessionExpired, "session expired, login required", err)
	default:
		return transerr.New(transerr.CodeConnection, "connect failed", err)
	}
}

// Disconnect closes the real-time connection. Queued messages stay in
// the outbox until a future connect.
func (c *Client) Disconnect() {
	c.conn.Disconnect()
}

// ConnectionState reports the connection manager's state.
func (c *Client) ConnectionState() conn.State {
	return c.conn.State()
}

// SendMessage sends or queues a chat message and returns its localId.
// With an open socket the frame goes out immediately; otherwise the
// message is written to the durable offline queue for later replay. The
// only failure is queue storage: everything else resolves to "queued".
func (c *Client) SendMessage(ctx context.Context, conversationID, content string, opts ...SendOption) (string, error) {
	msg := models.QueuedMessage{
		LocalID:        models.NewLocalID(),
		ConversationID: conversationID,
		Content:        content,
	}
	for _, opt := range opts {
		opt(&msg)
	}

	ctx = context.WithValue(ctx, observability.LocalIDKey, msg.LocalID)
	ctx, span := c.tracer.Start(ctx, "client.send_message",
		attribute.String("conversation.id", conversationID),
		attribute.String("message.local_id", msg.LocalID))
	defer span.End()

	if c.conn.State() == conn.StateOpen {
		if state := c.conn.Send(sendAction(msg)); state == models.DeliveryDelivered {
			c.countMessage("delivered")
			span.SetAttributes(attribute.String("delivery.state", string(state)))
			return msg.LocalID, nil
		}
	}

	if err := c.store.Enqueue(ctx, msg); err != nil {
		observability.RecordError(span, err)
		c.countMessage("failed")
		return "", transerr.New(transerr.CodeQueueStorage, "persisting message", err)
	}
	c.logger.Debug(ctx, "message queued for offline delivery")
	c.countMessage("queued")
	span.SetAttributes(attribute.String("delivery.state", string(models.DeliveryQueued)))
	return msg.LocalID, nil
}

// MarkRead reports messages as read. Best effort: with no socket the
// receipt waits in the in-memory pending queue and is not durable.
func (c *Client) MarkRead(ctx context.Context, conversationID string, messageIDs []string) models.DeliveryState {
	return c.conn.Send(models.OutboundAction{
		Action: models.ActionRead,
		Payload: map[string]any{
			"conversation_id": conversationID,
			"message_ids":     messageIDs,
		},
	})
}

// SetTyping reports the local user's typing state. Best effort.
func (c *Client) SetTyping(ctx context.Context, conversationID string, typing bool) models.DeliveryState {
	return c.conn.Send(models.OutboundAction{
		Action: models.ActionTyping,
		Payload: map[string]any{
			"conversation_id": conversationID,
			"typing":          typing,
		},
	})
}

// BroadcastStatus announces the local user's presence ("online", "away").
// Best effort, like typing indicators.
func (c *Client) BroadcastStatus(ctx context.Context, status string) models.DeliveryState {
	return c.conn.Send(models.OutboundAction{
		Action:  models.ActionBroadcastStatus,
		Payload: map[string]any{"status": status},
	})
}

// RequestStatus asks for the current presence of the given users; answers
// arrive as user_status events.
func (c *Client) RequestStatus(ctx context.Context, userIDs []string) models.DeliveryState {
	return c.conn.Send(models.OutboundAction{
		Action:  models.ActionRequestStatus,
		Payload: map[string]any{"user_ids": userIDs},
	})
}

// FetchMessages loads recent history over REST.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	ctx, span := c.tracer.Start(ctx, "client.fetch_messages",
		attribute.String("conversation.id", conversationID))
	defer span.End()

	msgs, err := c.api.FetchMessages(ctx, conversationID, limit)
	if err != nil {
		observability.RecordError(span, err)
	}
	return msgs, err
}

// On subscribes a handler to an event type and returns its unsubscribe.
func (c *Client) On(t models.EventType, handler events.Handler) func() {
	return c.bus.Subscribe(t, handler)
}

// SetOnline feeds the external connectivity observer's verdict into the
// core. Coming back online triggers an outbox drain and, if a
// conversation was active on a closed connection, a reconnect.
func (c *Client) SetOnline(online bool) {
	c.bus.PublishConnectivity(online)
	if !online {
		return
	}

	go c.drainQueue(context.Background())

	c.mu.Lock()
	conversation := c.conversation
	c.mu.Unlock()
	if conversation != "" && c.conn.State() == conn.StateClosed {
		go func() {
			if err := c.Connect(context.Background(), conversation); err != nil {
				c.logger.Warn(context.Background(), "reconnect on connectivity restore failed", "error", err)
			}
		}()
	}
}

// Drain replays the offline queue now. Normally triggered automatically;
// exposed for the CLI and for explicit flushes.
func (c *Client) Drain(ctx context.Context) (processed, failed int, err error) {
	return c.drainer.Drain(ctx)
}

// QueuedMessages lists the offline queue in delivery order.
func (c *Client) QueuedMessages(ctx context.Context) ([]models.QueuedMessage, error) {
	return c.store.List(ctx)
}

// ClearQueue discards every queued message.
func (c *Client) ClearQueue(ctx context.Context) error {
	return c.store.Clear(ctx)
}

// Close disconnects and releases the outbox handle.
func (c *Client) Close() error {
	for _, unsub := range c.unsubscribe {
		unsub()
	}
	c.conn.Disconnect()
	return c.store.Close()
}

func (c *Client) drainQueue(ctx context.Context) {
	ctx, span := c.tracer.Start(ctx, "client.drain")
	defer span.End()

	processed, failed, err := c.drainer.Drain(ctx)
	if err != nil {
		observability.RecordError(span, err)
		c.logger.Error(ctx, "outbox drain aborted", "error", err)
		return
	}
	if processed > 0 || failed > 0 {
		c.logger.Info(ctx, "outbox drained", "processed", processed, "failed", failed)
	}
}

// deliver is the drainer's delivery function. Replays go through the
// REST endpoint only: a 2xx or 409 is positive confirmation that the
// server holds the localId, which is what allows the durable row to be
// removed. Handing a frame to the socket write pump confirms nothing,
// so the live socket is never used for replays.
func (c *Client) deliver(ctx context.Context, msg models.QueuedMessage) error {
	return c.api.SendMessage(ctx, msg)
}

func sendAction(msg models.QueuedMessage) models.OutboundAction {
	payload := map[string]any{
		"conversation_id": msg.ConversationID,
		"content":         msg.Content,
	}
	if msg.ReplyTo != "" {
		payload["reply_to"] = msg.ReplyTo
	}
	if len(msg.Attachments) > 0 {
		payload["attachments"] = msg.Attachments
	}
	return models.OutboundAction{
		Action:  models.ActionSendMessage,
		Payload: payload,
		LocalID: msg.LocalID,
	}
}

func (c *Client) countMessage(outcome string) {
	if c.metrics != nil {
		c.metrics.MessageCounter.WithLabelValues(outcome).Inc()
	}
}
