package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"golang.org/x/exp/jsonrpc2"
)

// JSON-RPC error codes used on the HTTP edge.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeInternalError  = -32603
)

// messageInfo classifies an incoming JSON-RPC payload for routing.
type messageInfo struct {
	isCall       bool
	isInitialize bool
	requestID    string
}

// inspectMessage decodes just enough of a JSON-RPC payload to route it:
// calls wait for a response on their request channel, notifications and
// client responses are fire-and-forget.
func inspectMessage(payload []byte) (*messageInfo, error) {
	var msg struct {
		JSONRPC string `json:"jsonrpc"`
		ID      any    `json:"id"`
		Method  string `json:"method"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	if msg.JSONRPC != "2.0" {
		return nil, fmt.Errorf("unsupported jsonrpc version %q", msg.JSONRPC)
	}

	info := &messageInfo{isInitialize: msg.Method == "initialize"}
	if msg.Method != "" && msg.ID != nil {
		id, err := idString(msg.ID)
		if err != nil {
			return nil, err
		}
		info.isCall = true
		info.requestID = id
	}
	return info, nil
}

// responseRequestID extracts the request ID a response answers, for channel
// routing. Empty when the payload is not a response to a call.
func responseRequestID(payload []byte) string {
	var msg struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil || msg.ID == nil {
		return ""
	}
	id, err := idString(msg.ID)
	if err != nil {
		return ""
	}
	return id
}

// idString canonicalizes a JSON-RPC ID so both sides of the relay derive
// the same channel name from it.
func idString(id any) (string, error) {
	switch v := id.(type) {
	case string:
		return v, nil
	case float64:
		// JSON numbers unmarshal as float64; IDs are integral in practice.
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	default:
		return "", fmt.Errorf("unsupported ID type: %T", id)
	}
}

// writeJSONRPCError renders a protocol-level error with the given HTTP
// status.
func writeJSONRPCError(w http.ResponseWriter, status int, code int64, message string) {
	response := &jsonrpc2.Response{
		Error: jsonrpc2.NewError(code, message),
	}

	// EncodeMessage produces the JSON-RPC wire form; marshaling the struct
	// directly would emit Go field names.
	payload, err := jsonrpc2.EncodeMessage(response)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
