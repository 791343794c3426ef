package redisrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/transport/types"
)

// Relay is the HTTP-handler side of the session relay. It publishes client
// messages toward whichever instance runs the session's MCP server and
// collects the responses.
type Relay struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewRelay creates a Relay over the given Redis client.
func NewRelay(client redis.UniversalClient, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{client: client, logger: logger}
}

// Call relays a request and waits for its response. The response channel is
// subscribed before the request is published, so the answer cannot be lost
// in the gap. The wait ends when ctx does.
func (r *Relay) Call(
	ctx context.Context,
	sessionID, requestID string,
	message json.RawMessage,
	authInfo *types.AuthInfo,
) (json.RawMessage, error) {
	pubsub := r.client.Subscribe(ctx, types.ToClientChannel(sessionID, requestID))
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("failed to subscribe to response channel: %w", err)
	}

	if err := r.Notify(ctx, sessionID, requestID, message, authInfo); err != nil {
		return nil, err
	}

	responses := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case msg, ok := <-responses:
			if !ok {
				return nil, fmt.Errorf("response channel closed for session %s", sessionID)
			}

			var env types.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn("discarding malformed response envelope",
					"session_id", sessionID,
					"request_id", requestID,
					"error", err,
				)
				continue
			}
			if env.Type != types.EnvelopeMCP {
				continue
			}
			return env.Message, nil
		}
	}
}

// Notify relays a message without waiting for a response. requestID tags the
// envelope so a later response, if any, is routed back; pass empty for pure
// notifications.
func (r *Relay) Notify(
	ctx context.Context,
	sessionID, requestID string,
	message json.RawMessage,
	authInfo *types.AuthInfo,
) error {
	payload, err := json.Marshal(types.NewMCPEnvelope(message, requestID, authInfo))
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := r.client.Publish(ctx, types.ToServerChannel(sessionID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to session %s: %w", sessionID, err)
	}
	return nil
}

// Stream subscribes to the session's standalone GET stream and delivers
// server-initiated messages until ctx ends or the returned cancel function
// is called.
func (r *Relay) Stream(ctx context.Context, sessionID string) (<-chan json.RawMessage, func(), error) {
	pubsub := r.client.Subscribe(ctx, types.GetStreamChannel(sessionID))
	return r.consume(ctx, sessionID, pubsub)
}

// StreamAll subscribes to every client-bound channel of the session, for
// the legacy SSE transport where responses and notifications share one
// stream.
func (r *Relay) StreamAll(ctx context.Context, sessionID string) (<-chan json.RawMessage, func(), error) {
	pubsub := r.client.PSubscribe(ctx, types.ToClientChannel(sessionID, "*"))
	return r.consume(ctx, sessionID, pubsub)
}

func (r *Relay) consume(ctx context.Context, sessionID string, pubsub *redis.PubSub) (<-chan json.RawMessage, func(), error) {
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to session stream: %w", err)
	}

	out := make(chan json.RawMessage)
	cancel := func() { _ = pubsub.Close() }

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return

			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				var env types.Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.logger.Warn("discarding malformed stream envelope",
						"session_id", sessionID,
						"error", err,
					)
					continue
				}
				if env.Type != types.EnvelopeMCP {
					continue
				}
				select {
				case out <- env.Message:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, cancel, nil
}
