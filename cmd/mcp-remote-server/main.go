// Command mcp-remote-server runs the example MCP remote server: an OAuth
// 2.1 authorization server and a Redis-backed Streamable HTTP transport,
// composed according to AUTH_MODE.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/auth"
	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/authserver"
	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/authserver/storage"
	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/config"
	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/logger"
	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/mcpserver"
	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/server"
)

const (
	serverName    = "example-remote-server"
	serverVersion = "0.1.0"

	shutdownTimeout   = 10 * time.Second
	redisConnectLimit = 30 * time.Second
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp-remote-server",
		Short: "Run the example MCP remote server",
		Long: `Runs the example MCP remote server: an OAuth 2.1 authorization server
with a mock upstream identity provider, and a Redis-backed Streamable HTTP
transport that lets any instance service any session.

Configuration comes from the environment; see AUTH_MODE for how the two
halves are composed (embedded, external, auth_only).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
	cmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", cmd.PersistentFlags().Lookup("debug")); err != nil {
		panic(fmt.Sprintf("failed to bind debug flag: %v", err))
	}
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger.Initialize()
	log := logger.Get()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	redisClient, err := connectRedis(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer func() { _ = redisClient.Close() }()
	log.Info("connected to redis")

	var (
		provider *authserver.Provider
		verifier auth.TokenVerifier
		mcp      *mcpserver.Server
	)

	if cfg.AuthMode != config.AuthModeExternal {
		provider = authserver.NewProvider(storage.NewRedisStoreWithClient(redisClient), cfg.Issuer(), log)
	}

	switch cfg.AuthMode {
	case config.AuthModeEmbedded:
		verifier = auth.NewCachingVerifier(auth.NewEmbeddedVerifier(provider))
	case config.AuthModeExternal:
		verifier = auth.NewCachingVerifier(
			auth.NewIntrospectingVerifier(cfg.IntrospectionURL(), cfg.BaseURI, log))
	}
	if cfg.AuthMode != config.AuthModeAuthOnly {
		mcp = mcpserver.New(serverName, serverVersion, log)
	}

	port := cfg.Port
	if cfg.AuthMode == config.AuthModeAuthOnly {
		port = cfg.AuthServerPort
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           server.New(cfg, redisClient, mcp, provider, verifier, log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening",
			"addr", srv.Addr,
			"auth_mode", string(cfg.AuthMode),
			"base_uri", cfg.BaseURI,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server exited with error", "error", err)
		return err
	}
	return nil
}

// connectRedis dials Redis with exponential backoff so the server survives
// a dependency that comes up a little later than it does.
func connectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	return backoff.Retry(ctx, func() (*redis.Client, error) {
		opts, err := cfg.RedisOptions()
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, err
		}
		return client, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(redisConnectLimit),
	)
}
