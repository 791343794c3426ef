// Package server exposes the MCP transport over HTTP: the Streamable HTTP
// endpoint, the legacy SSE endpoint, and the supporting discovery, health
// and metrics surfaces.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/auth"
	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/authserver"
	authhandlers "github.com/modelcontextprotocol/example-remote-server-sub001/pkg/authserver/handlers"
	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/config"
	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/mcpserver"
	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/transport/redisrelay"
	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/transport/types"
)

// Header names of the Streamable HTTP transport.
const (
	sessionIDHeader       = "Mcp-Session-Id"
	protocolVersionHeader = "Mcp-Protocol-Version"
)

// Server wires the MCP transport endpoints together.
type Server struct {
	cfg      *config.Config
	redis    redis.UniversalClient
	mcp      *mcpserver.Server
	provider *authserver.Provider
	verifier auth.TokenVerifier
	relay    *redisrelay.Relay
	logger   *slog.Logger
	metrics  *metrics
	registry *prometheus.Registry
}

// New creates a Server. provider is nil in external auth mode; verifier and
// mcp are nil in auth-only mode.
func New(
	cfg *config.Config,
	redisClient redis.UniversalClient,
	mcp *mcpserver.Server,
	provider *authserver.Provider,
	verifier auth.TokenVerifier,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	registry := prometheus.NewRegistry()
	return &Server{
		cfg:      cfg,
		redis:    redisClient,
		mcp:      mcp,
		provider: provider,
		verifier: verifier,
		relay:    redisrelay.NewRelay(redisClient, logger),
		logger:   logger,
		metrics:  newMetrics(registry),
		registry: registry,
	}
}

// Router builds the HTTP routing tree for the configured auth mode.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)
	r.Use(CORS)

	r.Get("/health", s.HealthHandler)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	if s.provider != nil {
		oauth := authhandlers.NewHandler(s.provider)
		oauth.OAuthRoutes(r)
		oauth.WellKnownRoutes(r)
	}

	if s.cfg.AuthMode == config.AuthModeAuthOnly {
		return r
	}

	r.Get("/.well-known/oauth-protected-resource", s.ProtectedResourceMetadataHandler)

	requireAuth := auth.Middleware(s.verifier, s.cfg.ResourceMetadataURL(), s.logger)
	r.Route("/mcp", func(r chi.Router) {
		r.Use(CountAuthFailures(s.metrics.authFailures))
		r.Use(requireAuth)
		r.Post("/", s.StreamablePostHandler)
		r.Get("/", s.StreamableGetHandler)
		r.Delete("/", s.StreamableDeleteHandler)
	})
	r.With(CountAuthFailures(s.metrics.authFailures), requireAuth).Get("/sse", s.SSEHandler)
	r.With(CountAuthFailures(s.metrics.authFailures), requireAuth).Post("/message", s.MessageHandler)

	return r
}

// protectedResourceMetadata is the RFC 9728 document.
type protectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ScopesSupported        []string `json:"scopes_supported"`
}

// ProtectedResourceMetadataHandler handles
// GET /.well-known/oauth-protected-resource. In external mode it points
// clients at the separate authorization server.
func (s *Server) ProtectedResourceMetadataHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(protectedResourceMetadata{
		Resource:               s.cfg.BaseURI,
		AuthorizationServers:   []string{s.cfg.Issuer()},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        []string{"mcp"},
	})
}

// HealthHandler reports liveness of the server and its Redis dependency.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.redis.Ping(r.Context()).Err(); err != nil {
		s.logger.Error("health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "redis": "disconnected"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "redis": "connected"})
}

// startSession spins up the relay transport for a fresh session and binds
// it to the MCP server. The transport outlives the HTTP request that
// created it; it dies from inactivity or an explicit shutdown.
func (s *Server) startSession(ctx context.Context, sessionID string) error {
	transport := redisrelay.NewServerRedisTransport(s.redis, sessionID,
		redisrelay.WithLogger(s.logger))

	transport.SetMessageHandler(func(ctx context.Context, message json.RawMessage, wireInfo *types.AuthInfo) {
		callCtx := ctx
		if wireInfo != nil {
			callCtx = auth.WithAuthInfo(ctx, authInfoFromWire(wireInfo))
		}

		response := s.mcp.HandleMessage(callCtx, message)
		if response == nil {
			return
		}
		payload, err := json.Marshal(response)
		if err != nil {
			s.logger.Error("failed to marshal response", "session_id", sessionID, "error", err)
			return
		}
		if err := transport.Send(ctx, payload, responseRequestID(payload)); err != nil {
			s.logger.Error("failed to send response", "session_id", sessionID, "error", err)
		}
	})
	transport.SetOnClose(func() {
		s.logger.Info("session ended", "session_id", sessionID)
	})

	// Detach from the request lifecycle; only inactivity or shutdown ends
	// the session.
	return transport.Start(context.WithoutCancel(ctx))
}

// authInfoFromWire converts a relayed identity back into the context form
// tool handlers consume.
func authInfoFromWire(wire *types.AuthInfo) *auth.AuthInfo {
	return &auth.AuthInfo{
		Token:     wire.Token,
		ClientID:  wire.ClientID,
		Scopes:    wire.Scopes,
		ExpiresAt: wire.ExpiresAt,
		Extra:     wire.Extra,
	}
}

// authInfoToWire converts a request identity into the relay form.
func authInfoToWire(info *auth.AuthInfo) *types.AuthInfo {
	if info == nil {
		return nil
	}
	return &types.AuthInfo{
		Token:     info.Token,
		ClientID:  info.ClientID,
		Scopes:    info.Scopes,
		ExpiresAt: info.ExpiresAt,
		Extra:     info.Extra,
	}
}
