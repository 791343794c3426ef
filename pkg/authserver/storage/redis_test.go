package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/crypto"
)

func setupStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStoreWithClient(client), mr
}

func newToken(t *testing.T) string {
	t.Helper()
	token, err := crypto.GenerateToken()
	require.NoError(t, err)
	return token
}

func TestClientRegistrationRoundTrip(t *testing.T) {
	t.Parallel()
	store, _ := setupStore(t)
	ctx := context.Background()

	registered := &ClientRegistration{
		ClientID:     "client-1",
		ClientName:   "Example App",
		RedirectURIs: []string{"https://app.example.com/callback", "http://localhost:8090/cb"},
		ClientURI:    "https://app.example.com",
	}
	require.NoError(t, store.SaveClient(ctx, registered))

	got, err := store.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, registered, got)

	_, err = store.GetClient(ctx, "no-such-client")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientRegistrationExpires(t *testing.T) {
	t.Parallel()
	store, mr := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveClient(ctx, &ClientRegistration{
		ClientID:     "client-ttl",
		RedirectURIs: []string{"https://app.example.com/cb"},
	}))

	mr.FastForward(DefaultClientTTL + time.Second)

	_, err := store.GetClient(ctx, "client-ttl")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPendingAuthorizationRoundTrip(t *testing.T) {
	t.Parallel()
	store, mr := setupStore(t)
	ctx := context.Background()
	authCode := newToken(t)

	pending := &PendingAuthorization{
		RedirectURI:         "https://app.example.com/cb",
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: crypto.PKCEMethodS256,
		ClientID:            "client-1",
		State:               "s1",
	}
	require.NoError(t, store.SavePendingAuthorization(ctx, authCode, pending))

	got, err := store.GetPendingAuthorization(ctx, authCode)
	require.NoError(t, err)
	assert.Equal(t, pending, got)

	// The stored value is ciphertext keyed by sha256 of the code.
	key := keyPrefixPending + crypto.Fingerprint(authCode)
	raw, err := mr.Get(key)
	require.NoError(t, err)
	assert.Contains(t, raw, ":")
	assert.NotContains(t, raw, "client-1")

	// A different code cannot unlock the record.
	_, err = store.GetPendingAuthorization(ctx, newToken(t))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPendingAuthorizationTTLBoundary(t *testing.T) {
	t.Parallel()
	store, mr := setupStore(t)
	ctx := context.Background()
	authCode := newToken(t)

	require.NoError(t, store.SavePendingAuthorization(ctx, authCode, &PendingAuthorization{
		ClientID: "client-1",
	}))

	mr.FastForward(DefaultPendingAuthorizationTTL - time.Second)
	_, err := store.GetPendingAuthorization(ctx, authCode)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	_, err = store.GetPendingAuthorization(ctx, authCode)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConsumeTokenExchangeSingleUse(t *testing.T) {
	t.Parallel()
	store, _ := setupStore(t)
	ctx := context.Background()
	authCode := newToken(t)
	accessToken := newToken(t)

	require.NoError(t, store.SaveTokenExchange(ctx, authCode, &TokenExchange{
		MCPAccessToken: accessToken,
	}))

	first, err := store.ConsumeTokenExchange(ctx, authCode)
	require.NoError(t, err)
	assert.Equal(t, accessToken, first.MCPAccessToken)

	// Second use is a replay. The bound token is still reported so the
	// caller can revoke the installation.
	second, err := store.ConsumeTokenExchange(ctx, authCode)
	assert.ErrorIs(t, err, ErrReplayDetected)
	require.NotNil(t, second)
	assert.Equal(t, accessToken, second.MCPAccessToken)
}

func TestConsumeTokenExchangeConcurrent(t *testing.T) {
	t.Parallel()
	store, _ := setupStore(t)
	ctx := context.Background()
	authCode := newToken(t)
	accessToken := newToken(t)

	require.NoError(t, store.SaveTokenExchange(ctx, authCode, &TokenExchange{
		MCPAccessToken: accessToken,
	}))

	// Race several consumers at the same code. The compare-and-swap on the
	// consumed marker must let exactly one through.
	const racers = 8
	results := make(chan error, racers)
	var start sync.WaitGroup
	start.Add(1)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start.Wait()
			_, err := store.ConsumeTokenExchange(ctx, authCode)
			results <- err
		}()
	}
	start.Done()
	wg.Wait()
	close(results)

	var wins, replays int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrReplayDetected):
			replays++
		default:
			t.Errorf("unexpected consume error: %v", err)
		}
	}
	assert.Equal(t, 1, wins, "exactly one consumer may win")
	assert.Equal(t, racers-1, replays, "every loser must see the replay")
}

func TestConsumeTokenExchangeUnknownCode(t *testing.T) {
	t.Parallel()
	store, _ := setupStore(t)

	_, err := store.ConsumeTokenExchange(context.Background(), newToken(t))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConsumeTokenExchangeKeepsTTL(t *testing.T) {
	t.Parallel()
	store, mr := setupStore(t)
	ctx := context.Background()
	authCode := newToken(t)

	require.NoError(t, store.SaveTokenExchange(ctx, authCode, &TokenExchange{
		MCPAccessToken: newToken(t),
	}))

	mr.FastForward(DefaultTokenExchangeTTL / 2)
	_, err := store.ConsumeTokenExchange(ctx, authCode)
	require.NoError(t, err)

	// The rewrite preserved the original TTL: half the window remains.
	mr.FastForward(DefaultTokenExchangeTTL/2 + time.Second)
	_, err = store.ConsumeTokenExchange(ctx, authCode)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInstallationRoundTrip(t *testing.T) {
	t.Parallel()
	store, _ := setupStore(t)
	ctx := context.Background()
	accessToken := newToken(t)
	refreshToken := newToken(t)

	installation := &Installation{
		UpstreamInstallation: UpstreamInstallation{"upstreamUser": "u42@idp"},
		MCPTokens: TokenSet{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			ExpiresIn:    3600,
		},
		ClientID: "client-1",
		IssuedAt: time.Now().Unix(),
		UserID:   "u42",
	}
	require.NoError(t, store.SaveInstallation(ctx, accessToken, installation))

	got, err := store.GetInstallation(ctx, accessToken)
	require.NoError(t, err)
	assert.Equal(t, installation, got)

	// Overwrite with the same lookup key wins.
	installation.UserID = "u43"
	require.NoError(t, store.SaveInstallation(ctx, accessToken, installation))
	got, err = store.GetInstallation(ctx, accessToken)
	require.NoError(t, err)
	assert.Equal(t, "u43", got.UserID)

	require.NoError(t, store.DeleteInstallation(ctx, accessToken))
	_, err = store.GetInstallation(ctx, accessToken)
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is not an error.
	require.NoError(t, store.DeleteInstallation(ctx, accessToken))
}

func TestInstallationExpiry(t *testing.T) {
	t.Parallel()

	now := time.Now()
	installation := &Installation{
		MCPTokens: TokenSet{ExpiresIn: 3600},
		IssuedAt:  now.Unix(),
	}

	assert.False(t, installation.Expired(now))
	assert.False(t, installation.Expired(now.Add(59*time.Minute)))
	assert.True(t, installation.Expired(now.Add(time.Hour+time.Second)))
}

func TestRefreshIndexRoundTrip(t *testing.T) {
	t.Parallel()
	store, mr := setupStore(t)
	ctx := context.Background()
	accessToken := newToken(t)
	refreshToken := newToken(t)

	require.NoError(t, store.SaveRefreshIndex(ctx, refreshToken, accessToken))

	got, err := store.GetRefreshIndex(ctx, refreshToken)
	require.NoError(t, err)
	assert.Equal(t, accessToken, got)

	// The raw value does not contain the access token.
	raw, err := mr.Get(keyPrefixRefresh + crypto.Fingerprint(refreshToken))
	require.NoError(t, err)
	assert.NotContains(t, raw, accessToken)

	require.NoError(t, store.DeleteRefreshIndex(ctx, refreshToken))
	_, err = store.GetRefreshIndex(ctx, refreshToken)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKeyNamespaces(t *testing.T) {
	t.Parallel()
	store, mr := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveClient(ctx, &ClientRegistration{
		ClientID:     "c1",
		RedirectURIs: []string{"https://app.example.com/cb"},
	}))
	require.NoError(t, store.SavePendingAuthorization(ctx, newToken(t), &PendingAuthorization{ClientID: "c1"}))
	require.NoError(t, store.SaveTokenExchange(ctx, newToken(t), &TokenExchange{MCPAccessToken: newToken(t)}))

	for _, key := range mr.Keys() {
		assert.True(t, strings.HasPrefix(key, "auth:"), "key %q must live in the auth namespace", key)
	}
}
