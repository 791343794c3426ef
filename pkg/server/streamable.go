package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/auth"
	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/transport/redisrelay"
)

// maxMessageSize bounds a single client message.
const maxMessageSize = 4 << 20

// sessionState is the outcome of resolving the Mcp-Session-Id header
// against ownership and liveness.
type sessionState int

const (
	sessionOK sessionState = iota
	sessionNotOwned
	sessionDead
)

// resolveSession checks that the presented session belongs to the caller
// and is still serviced by some instance.
func (s *Server) resolveSession(ctx context.Context, sessionID, userID string) (sessionState, error) {
	owned, err := redisrelay.IsSessionOwnedBy(ctx, s.redis, sessionID, userID)
	if err != nil {
		return sessionDead, err
	}
	if !owned {
		return sessionNotOwned, nil
	}
	live, err := redisrelay.IsLive(ctx, s.redis, sessionID)
	if err != nil {
		return sessionDead, err
	}
	if !live {
		return sessionDead, nil
	}
	return sessionOK, nil
}

// StreamablePostHandler handles POST /mcp: session establishment on
// initialize, then request/response and notification relay for the life of
// the session.
func (s *Server) StreamablePostHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	info := auth.AuthInfoFromContext(ctx)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, codeParseError, "failed to read request body")
		return
	}

	msgInfo, err := inspectMessage(body)
	if err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, codeParseError, "invalid JSON-RPC message")
		return
	}

	sessionID := r.Header.Get(sessionIDHeader)
	if sessionID == "" {
		if !msgInfo.isInitialize {
			writeJSONRPCError(w, http.StatusBadRequest, codeInvalidRequest,
				"the first request of a session must be initialize")
			return
		}

		sessionID = uuid.NewString()
		if err := s.startSession(ctx, sessionID); err != nil {
			s.logger.Error("failed to start session", "error", err)
			writeJSONRPCError(w, http.StatusInternalServerError, codeInternalError, "failed to start session")
			return
		}
		if err := redisrelay.SetSessionOwner(ctx, s.redis, sessionID, info.UserID()); err != nil {
			s.logger.Error("failed to record session owner", "session_id", sessionID, "error", err)
			writeJSONRPCError(w, http.StatusInternalServerError, codeInternalError, "failed to start session")
			return
		}
		s.metrics.sessionsCreated.Inc()
		s.logger.Info("session started",
			"session_id", sessionID,
			"user_id", info.UserID(),
		)
	} else {
		state, err := s.resolveSession(ctx, sessionID, info.UserID())
		if err != nil {
			s.logger.Error("failed to resolve session", "session_id", sessionID, "error", err)
			writeJSONRPCError(w, http.StatusInternalServerError, codeInternalError, "failed to resolve session")
			return
		}
		switch state {
		case sessionNotOwned:
			writeJSONRPCError(w, http.StatusBadRequest, codeInvalidRequest, "invalid session")
			return
		case sessionDead:
			writeJSONRPCError(w, http.StatusNotFound, codeInvalidRequest, "session not found")
			return
		}
	}

	w.Header().Set(sessionIDHeader, sessionID)
	s.metrics.messagesRelayed.Inc()

	if !msgInfo.isCall {
		if err := s.relay.Notify(ctx, sessionID, "", body, authInfoToWire(info)); err != nil {
			s.logger.Error("failed to relay notification", "session_id", sessionID, "error", err)
			writeJSONRPCError(w, http.StatusInternalServerError, codeInternalError, "failed to relay message")
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	response, err := s.relay.Call(ctx, sessionID, msgInfo.requestID, body, authInfoToWire(info))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			writeJSONRPCError(w, http.StatusGatewayTimeout, codeInternalError, "timed out waiting for response")
			return
		}
		s.logger.Error("failed to relay request", "session_id", sessionID, "error", err)
		writeJSONRPCError(w, http.StatusInternalServerError, codeInternalError, "failed to relay message")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(response)
}

// StreamableGetHandler handles GET /mcp: a long-lived SSE stream carrying
// server-initiated messages for the session.
func (s *Server) StreamableGetHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	info := auth.AuthInfoFromContext(ctx)

	sessionID := r.Header.Get(sessionIDHeader)
	if sessionID == "" {
		writeJSONRPCError(w, http.StatusBadRequest, codeInvalidRequest, "Mcp-Session-Id is required")
		return
	}

	state, err := s.resolveSession(ctx, sessionID, info.UserID())
	if err != nil {
		s.logger.Error("failed to resolve session", "session_id", sessionID, "error", err)
		writeJSONRPCError(w, http.StatusInternalServerError, codeInternalError, "failed to resolve session")
		return
	}
	switch state {
	case sessionNotOwned:
		writeJSONRPCError(w, http.StatusBadRequest, codeInvalidRequest, "invalid session")
		return
	case sessionDead:
		writeJSONRPCError(w, http.StatusNotFound, codeInvalidRequest, "session not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONRPCError(w, http.StatusInternalServerError, codeInternalError, "streaming unsupported")
		return
	}

	stream, stop, err := s.relay.Stream(ctx, sessionID)
	if err != nil {
		s.logger.Error("failed to open session stream", "session_id", sessionID, "error", err)
		writeJSONRPCError(w, http.StatusInternalServerError, codeInternalError, "failed to open stream")
		return
	}
	defer stop()

	s.metrics.activeStreams.Inc()
	defer s.metrics.activeStreams.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(sessionIDHeader, sessionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-stream:
			if !ok {
				return
			}
			writeSSEEvent(w, "message", msg)
			flusher.Flush()
		}
	}
}

// StreamableDeleteHandler handles DELETE /mcp: explicit session teardown.
func (s *Server) StreamableDeleteHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	info := auth.AuthInfoFromContext(ctx)

	sessionID := r.Header.Get(sessionIDHeader)
	if sessionID == "" {
		writeJSONRPCError(w, http.StatusBadRequest, codeInvalidRequest, "Mcp-Session-Id is required")
		return
	}

	owned, err := redisrelay.IsSessionOwnedBy(ctx, s.redis, sessionID, info.UserID())
	if err != nil {
		s.logger.Error("failed to resolve session", "session_id", sessionID, "error", err)
		writeJSONRPCError(w, http.StatusInternalServerError, codeInternalError, "failed to resolve session")
		return
	}
	if !owned {
		writeJSONRPCError(w, http.StatusBadRequest, codeInvalidRequest, "invalid session")
		return
	}

	if err := redisrelay.ShutdownSession(ctx, s.redis, sessionID); err != nil {
		s.logger.Error("failed to shut down session", "session_id", sessionID, "error", err)
		writeJSONRPCError(w, http.StatusInternalServerError, codeInternalError, "failed to shut down session")
		return
	}

	s.logger.Info("session terminated by client", "session_id", sessionID)
	w.WriteHeader(http.StatusOK)
}

// writeSSEEvent emits one server-sent event.
func writeSSEEvent(w io.Writer, event string, data []byte) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
