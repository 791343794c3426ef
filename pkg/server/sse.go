package server

import (
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/auth"
	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/transport/redisrelay"
)

// SSEHandler handles GET /sse, the deprecated HTTP+SSE transport. The
// session starts immediately; the client learns its message endpoint from
// the first event and every server-bound message goes to POST /message.
func (s *Server) SSEHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	info := auth.AuthInfoFromContext(ctx)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONRPCError(w, http.StatusInternalServerError, codeInternalError, "streaming unsupported")
		return
	}

	sessionID := uuid.NewString()
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
	s.logger.Info("sse session started",
		"session_id", sessionID,
		"user_id", info.UserID(),
	)

	// Responses and notifications share this one stream; subscribe to all
	// client-bound channels of the session.
	stream, stop, err := s.relay.StreamAll(ctx, sessionID)
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
	w.WriteHeader(http.StatusOK)

	writeSSEEvent(w, "endpoint", []byte("/message?sessionId="+sessionID))
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

// MessageHandler handles POST /message?sessionId=..., the server-bound half
// of the deprecated transport. Responses arrive on the session's SSE
// stream, so every accepted message answers 202.
func (s *Server) MessageHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	info := auth.AuthInfoFromContext(ctx)

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeJSONRPCError(w, http.StatusBadRequest, codeInvalidRequest, "sessionId is required")
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

	// Tag calls with their request ID so the response lands on a channel
	// the SSE stream's pattern subscription covers.
	if err := s.relay.Notify(ctx, sessionID, msgInfo.requestID, body, authInfoToWire(info)); err != nil {
		s.logger.Error("failed to relay message", "session_id", sessionID, "error", err)
		writeJSONRPCError(w, http.StatusInternalServerError, codeInternalError, "failed to relay message")
		return
	}

	s.metrics.messagesRelayed.Inc()
	w.WriteHeader(http.StatusAccepted)
}
