// Package redisrelay moves MCP traffic between HTTP handlers and MCP server
// instances over Redis pub/sub, so any instance behind the load balancer can
// service any session.
package redisrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/transport/types"
)

// DefaultInactivityTimeout is how long a session transport survives without
// any MCP traffic before shutting itself down.
const DefaultInactivityTimeout = 5 * time.Minute

// MessageHandler receives each relayed client message together with the
// identity it was sent under.
type MessageHandler func(ctx context.Context, message json.RawMessage, authInfo *types.AuthInfo)

// ServerRedisTransport is the session-owning side of the relay. It
// subscribes to the session's server and control channels, hands incoming
// MCP messages to its handler, and publishes the handler's responses back on
// the per-request client channels.
//
// The transport shuts itself down after DefaultInactivityTimeout without
// MCP traffic, or when a SHUTDOWN control message arrives.
type ServerRedisTransport struct {
	client    redis.UniversalClient
	sessionID string
	timeout   time.Duration
	logger    *slog.Logger

	handler MessageHandler
	onClose func()

	mu        sync.Mutex
	pubsub    *redis.PubSub
	started   bool
	closeOnce sync.Once
	done      chan struct{}
}

// TransportOption configures a ServerRedisTransport.
type TransportOption func(*ServerRedisTransport)

// WithInactivityTimeout overrides the idle shutdown timeout.
func WithInactivityTimeout(d time.Duration) TransportOption {
	return func(t *ServerRedisTransport) {
		t.timeout = d
	}
}

// WithLogger sets the transport logger.
func WithLogger(logger *slog.Logger) TransportOption {
	return func(t *ServerRedisTransport) {
		t.logger = logger
	}
}

// NewServerRedisTransport creates a transport for the given session. Call
// SetMessageHandler before Start.
func NewServerRedisTransport(client redis.UniversalClient, sessionID string, opts ...TransportOption) *ServerRedisTransport {
	t := &ServerRedisTransport{
		client:    client,
		sessionID: sessionID,
		timeout:   DefaultInactivityTimeout,
		logger:    slog.Default(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SessionID returns the session this transport serves.
func (t *ServerRedisTransport) SessionID() string {
	return t.sessionID
}

// SetMessageHandler installs the handler for relayed client messages. Must
// be called before Start.
func (t *ServerRedisTransport) SetMessageHandler(handler MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// SetOnClose installs a callback invoked exactly once when the transport
// shuts down, whatever the cause.
func (t *ServerRedisTransport) SetOnClose(onClose func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = onClose
}

// Start subscribes to the session channels and begins dispatching. It
// returns once the subscription is confirmed, so the session registers as
// live immediately; dispatch runs in a background goroutine until Close.
func (t *ServerRedisTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("transport already started for session %s", t.sessionID)
	}
	if t.handler == nil {
		t.mu.Unlock()
		return fmt.Errorf("no message handler set for session %s", t.sessionID)
	}
	t.started = true

	pubsub := t.client.Subscribe(ctx,
		types.ToServerChannel(t.sessionID),
		types.ControlChannel(t.sessionID),
	)
	t.pubsub = pubsub
	t.mu.Unlock()

	// Wait for the subscription confirmation; liveness probes rely on it.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to session channels: %w", err)
	}

	go t.dispatch(ctx, pubsub.Channel())
	return nil
}

func (t *ServerRedisTransport) dispatch(ctx context.Context, messages <-chan *redis.Message) {
	idle := time.NewTimer(t.timeout)
	defer idle.Stop()

	for {
		select {
		case <-t.done:
			return

		case <-ctx.Done():
			t.Close()
			return

		case <-idle.C:
			t.logger.Info("session idle, shutting down transport",
				"session_id", t.sessionID,
				"timeout", t.timeout,
			)
			// Broadcast so every stakeholder of the session sees the end.
			t.publishShutdown(ctx)
			t.Close()
			return

		case msg, ok := <-messages:
			if !ok {
				t.Close()
				return
			}

			var env types.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				t.logger.Warn("discarding malformed envelope",
					"session_id", t.sessionID,
					"channel", msg.Channel,
					"error", err,
				)
				continue
			}

			switch env.Type {
			case types.EnvelopeControl:
				if env.Action == types.ActionShutdown {
					t.logger.Info("session shutdown requested", "session_id", t.sessionID)
					t.Close()
					return
				}

			case types.EnvelopeMCP:
				if msg.Channel != types.ToServerChannel(t.sessionID) {
					continue
				}
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(t.timeout)

				var authInfo *types.AuthInfo
				if env.Extra != nil {
					authInfo = env.Extra.AuthInfo
				}
				t.handler(ctx, env.Message, authInfo)
			}
		}
	}
}

// Send publishes a message on the client channel for relatedRequestID, or
// on the standalone GET stream when relatedRequestID is empty.
func (t *ServerRedisTransport) Send(ctx context.Context, message json.RawMessage, relatedRequestID string) error {
	channel := types.GetStreamChannel(t.sessionID)
	if relatedRequestID != "" {
		channel = types.ToClientChannel(t.sessionID, relatedRequestID)
	}

	payload, err := json.Marshal(types.NewMCPEnvelope(message, relatedRequestID, nil))
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := t.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

func (t *ServerRedisTransport) publishShutdown(ctx context.Context) {
	payload, err := json.Marshal(types.NewControlEnvelope(types.ActionShutdown))
	if err != nil {
		return
	}
	if err := t.client.Publish(ctx, types.ControlChannel(t.sessionID), payload).Err(); err != nil {
		t.logger.Warn("failed to broadcast session shutdown",
			"session_id", t.sessionID,
			"error", err,
		)
	}
}

// Close tears the transport down. Safe to call multiple times; the onClose
// callback runs exactly once.
func (t *ServerRedisTransport) Close() {
	t.closeOnce.Do(func() {
		close(t.done)

		t.mu.Lock()
		pubsub := t.pubsub
		onClose := t.onClose
		t.mu.Unlock()

		if pubsub != nil {
			_ = pubsub.Close()
		}
		if onClose != nil {
			onClose()
		}
	})
}
