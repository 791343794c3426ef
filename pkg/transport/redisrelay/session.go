package redisrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/transport/types"
)

// SessionOwnerTTL bounds how long an ownership record outlives its session.
// It matches the installation lifetime; live sessions die from inactivity
// long before this.
const SessionOwnerTTL = 7 * 24 * time.Hour

// ErrSessionOwnerNotFound indicates no ownership record exists for the
// session.
var ErrSessionOwnerNotFound = errors.New("session owner not found")

// SetSessionOwner records that userID owns sessionID. The record is
// plaintext: it holds no secrets, only the binding used to reject cross-user
// session access.
func SetSessionOwner(ctx context.Context, client redis.UniversalClient, sessionID, userID string) error {
	key := types.SessionOwnerKey(sessionID)
	if err := client.Set(ctx, key, userID, SessionOwnerTTL).Err(); err != nil {
		return fmt.Errorf("failed to record session owner: %w", err)
	}
	return nil
}

// GetSessionOwner returns the user that owns sessionID.
func GetSessionOwner(ctx context.Context, client redis.UniversalClient, sessionID string) (string, error) {
	userID, err := client.Get(ctx, types.SessionOwnerKey(sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrSessionOwnerNotFound
		}
		return "", fmt.Errorf("failed to read session owner: %w", err)
	}
	return userID, nil
}

// IsSessionOwnedBy reports whether userID owns sessionID. An absent
// ownership record is not an error; it simply means "no".
func IsSessionOwnedBy(ctx context.Context, client redis.UniversalClient, sessionID, userID string) (bool, error) {
	owner, err := GetSessionOwner(ctx, client, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionOwnerNotFound) {
			return false, nil
		}
		return false, err
	}
	return owner == userID, nil
}

// IsLive reports whether anything is subscribed to the session's server
// channel, i.e. whether some instance is currently running the session.
func IsLive(ctx context.Context, client redis.UniversalClient, sessionID string) (bool, error) {
	channel := types.ToServerChannel(sessionID)
	counts, err := client.PubSubNumSub(ctx, channel).Result()
	if err != nil {
		return false, fmt.Errorf("failed to probe session liveness: %w", err)
	}
	return counts[channel] > 0, nil
}

// ShutdownSession broadcasts a shutdown command to whatever instance runs
// the session. Deleting a dead session's ownership record is left to TTL.
func ShutdownSession(ctx context.Context, client redis.UniversalClient, sessionID string) error {
	payload, err := json.Marshal(types.NewControlEnvelope(types.ActionShutdown))
	if err != nil {
		return fmt.Errorf("failed to marshal shutdown envelope: %w", err)
	}
	if err := client.Publish(ctx, types.ControlChannel(sessionID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish shutdown: %w", err)
	}
	return nil
}
