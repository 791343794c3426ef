package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/crypto"
)

// Key prefixes per record class. The auth:* namespace must not collide with
// the session:* and mcp:* namespaces owned by the transport layer.
const (
	keyPrefixClient       = "auth:client:"
	keyPrefixPending      = "auth:pending:"
	keyPrefixExchange     = "auth:exch:"
	keyPrefixInstallation = "auth:installation:"
	keyPrefixRefresh      = "auth:refresh:"
)

// RedisStore implements AuthStore on a Redis backend. Encrypted record
// classes are stored under "prefix + sha256(lookupKey)" with the value
// AES-256-CBC encrypted under the lookup key, so the store contents alone
// never yield tokens.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a Redis-backed store from connection options and
// verifies connectivity.
func NewRedisStore(ctx context.Context, opts *redis.Options) (*RedisStore, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		// Close the client to prevent resource leak
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient creates a RedisStore with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity (health check).
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// -----------------------
// ClientRegistry
// -----------------------

// SaveClient persists a dynamic client registration as plaintext JSON.
func (s *RedisStore) SaveClient(ctx context.Context, client *ClientRegistration) error {
	if client == nil || client.ClientID == "" {
		return errors.New("client registration requires a client ID")
	}

	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	key := keyPrefixClient + client.ClientID
	return s.client.Set(ctx, key, data, DefaultClientTTL).Err()
}

// GetClient loads a client registration by its ID.
func (s *RedisStore) GetClient(ctx context.Context, clientID string) (*ClientRegistration, error) {
	data, err := s.client.Get(ctx, keyPrefixClient+clientID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: client %q", ErrNotFound, clientID)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var client ClientRegistration
	if err := json.Unmarshal(data, &client); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return &client, nil
}

// -----------------------
// Encrypted record helpers
// -----------------------

// saveEncrypted writes AES(JSON(value), lookupKey) at prefix+sha256(lookupKey).
func (s *RedisStore) saveEncrypted(ctx context.Context, prefix, lookupKey string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	sealed, err := crypto.Encrypt(data, lookupKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt record: %w", err)
	}

	return s.client.Set(ctx, prefix+crypto.Fingerprint(lookupKey), sealed, ttl).Err()
}

// readEncrypted reverses saveEncrypted into out. A record that cannot be
// decrypted under the lookup key is reported as not found rather than
// leaking why.
func (s *RedisStore) readEncrypted(ctx context.Context, prefix, lookupKey string, out any) error {
	sealed, err := s.client.Get(ctx, prefix+crypto.Fingerprint(lookupKey)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get record: %w", err)
	}

	data, err := crypto.Decrypt(sealed, lookupKey)
	if err != nil {
		return ErrNotFound
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return nil
}

// -----------------------
// PendingAuthorization
// -----------------------

// SavePendingAuthorization stores a pending /authorize request, encrypted
// under its authorization code.
func (s *RedisStore) SavePendingAuthorization(ctx context.Context, authCode string, pending *PendingAuthorization) error {
	if authCode == "" {
		return errors.New("authorization code cannot be empty")
	}
	if pending == nil {
		return errors.New("pending authorization cannot be nil")
	}
	return s.saveEncrypted(ctx, keyPrefixPending, authCode, pending, DefaultPendingAuthorizationTTL)
}

// GetPendingAuthorization retrieves a pending authorization by its code.
func (s *RedisStore) GetPendingAuthorization(ctx context.Context, authCode string) (*PendingAuthorization, error) {
	var pending PendingAuthorization
	if err := s.readEncrypted(ctx, keyPrefixPending, authCode, &pending); err != nil {
		return nil, err
	}
	return &pending, nil
}

// -----------------------
// TokenExchange
// -----------------------

// SaveTokenExchange stores the code-to-token binding created at
// upstream-callback time.
func (s *RedisStore) SaveTokenExchange(ctx context.Context, authCode string, exchange *TokenExchange) error {
	if authCode == "" {
		return errors.New("authorization code cannot be empty")
	}
	if exchange == nil {
		return errors.New("token exchange cannot be nil")
	}
	return s.saveEncrypted(ctx, keyPrefixExchange, authCode, exchange, DefaultTokenExchangeTTL)
}

// ConsumeTokenExchange performs the single-use exchange of an authorization
// code. It reads the record, rewrites it with AlreadyUsed=true via
// SET ... GET KEEPTTL, and compares the returned previous value against the
// value just read. A divergence means another consumer raced us; both the
// race and a record already marked used surface as ErrReplayDetected.
func (s *RedisStore) ConsumeTokenExchange(ctx context.Context, authCode string) (*TokenExchange, error) {
	key := keyPrefixExchange + crypto.Fingerprint(authCode)

	sealed, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get token exchange: %w", err)
	}

	data, err := crypto.Decrypt(sealed, authCode)
	if err != nil {
		return nil, ErrNotFound
	}

	var exchange TokenExchange
	if err := json.Unmarshal(data, &exchange); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token exchange: %w", err)
	}

	if exchange.AlreadyUsed {
		return &exchange, ErrReplayDetected
	}

	used := exchange
	used.AlreadyUsed = true
	usedData, err := json.Marshal(&used)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal token exchange: %w", err)
	}
	usedSealed, err := crypto.Encrypt(usedData, authCode)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt token exchange: %w", err)
	}

	previous, err := s.client.SetArgs(ctx, key, usedSealed, redis.SetArgs{
		Get:     true,
		KeepTTL: true,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Record vanished between read and swap.
			return &exchange, ErrReplayDetected
		}
		return nil, fmt.Errorf("failed to consume token exchange: %w", err)
	}

	if previous != sealed {
		// Someone rewrote the record after our read: concurrent exchange.
		return &exchange, ErrReplayDetected
	}

	return &exchange, nil
}

// -----------------------
// Installation
// -----------------------

// SaveInstallation stores the installation record, encrypted under its
// access token.
func (s *RedisStore) SaveInstallation(ctx context.Context, accessToken string, installation *Installation) error {
	if accessToken == "" {
		return errors.New("access token cannot be empty")
	}
	if installation == nil {
		return errors.New("installation cannot be nil")
	}
	return s.saveEncrypted(ctx, keyPrefixInstallation, accessToken, installation, DefaultInstallationTTL)
}

// GetInstallation retrieves the installation for an access token.
func (s *RedisStore) GetInstallation(ctx context.Context, accessToken string) (*Installation, error) {
	var installation Installation
	if err := s.readEncrypted(ctx, keyPrefixInstallation, accessToken, &installation); err != nil {
		return nil, err
	}
	return &installation, nil
}

// DeleteInstallation removes the installation for an access token.
// Deleting an absent record is not an error.
func (s *RedisStore) DeleteInstallation(ctx context.Context, accessToken string) error {
	return s.client.Del(ctx, keyPrefixInstallation+crypto.Fingerprint(accessToken)).Err()
}

// -----------------------
// RefreshIndex
// -----------------------

// SaveRefreshIndex stores the pointer from a refresh token to the access
// token keying the current installation. The value is the access token
// encrypted under the refresh token.
func (s *RedisStore) SaveRefreshIndex(ctx context.Context, refreshToken, accessToken string) error {
	if refreshToken == "" || accessToken == "" {
		return errors.New("refresh and access tokens cannot be empty")
	}

	sealed, err := crypto.Encrypt([]byte(accessToken), refreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh index: %w", err)
	}

	key := keyPrefixRefresh + crypto.Fingerprint(refreshToken)
	return s.client.Set(ctx, key, sealed, DefaultRefreshIndexTTL).Err()
}

// GetRefreshIndex resolves a refresh token to its current access token.
func (s *RedisStore) GetRefreshIndex(ctx context.Context, refreshToken string) (string, error) {
	sealed, err := s.client.Get(ctx, keyPrefixRefresh+crypto.Fingerprint(refreshToken)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to get refresh index: %w", err)
	}

	accessToken, err := crypto.Decrypt(sealed, refreshToken)
	if err != nil {
		return "", ErrNotFound
	}
	return string(accessToken), nil
}

// DeleteRefreshIndex removes the refresh-token pointer.
func (s *RedisStore) DeleteRefreshIndex(ctx context.Context, refreshToken string) error {
	return s.client.Del(ctx, keyPrefixRefresh+crypto.Fingerprint(refreshToken)).Err()
}

// Compile-time interface compliance checks
var _ AuthStore = (*RedisStore)(nil)
