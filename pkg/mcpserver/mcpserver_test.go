package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/auth"
)

// callTool drives a tools/call through HandleMessage and returns the text of
// the first content block.
func callTool(t *testing.T, s *Server, ctx context.Context, name string, args map[string]any) string {
	t.Helper()

	request, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
	})
	require.NoError(t, err)

	response := s.HandleMessage(ctx, request)
	require.NotNil(t, response)

	raw, err := json.Marshal(response)
	require.NoError(t, err)

	var decoded struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"result"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Nil(t, decoded.Error, "tool call returned a protocol error")
	require.NotEmpty(t, decoded.Result.Content)
	return decoded.Result.Content[0].Text
}

func TestEchoTool(t *testing.T) {
	t.Parallel()

	s := New("test-server", "0.0.1", nil)
	text := callTool(t, s, context.Background(), "echo", map[string]any{"message": "hello"})
	assert.Equal(t, "Echo: hello", text)
}

func TestWhoamiUnauthenticated(t *testing.T) {
	t.Parallel()

	s := New("test-server", "0.0.1", nil)
	text := callTool(t, s, context.Background(), "whoami", nil)

	var identity map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &identity))
	assert.Equal(t, false, identity["authenticated"])
}

func TestWhoamiAuthenticated(t *testing.T) {
	t.Parallel()

	s := New("test-server", "0.0.1", nil)
	ctx := auth.WithAuthInfo(context.Background(), &auth.AuthInfo{
		Token:    "tok",
		ClientID: "c1",
		Scopes:   []string{"mcp"},
		Extra:    map[string]any{"userId": "u42"},
	})

	text := callTool(t, s, ctx, "whoami", nil)

	var identity map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &identity))
	assert.Equal(t, true, identity["authenticated"])
	assert.Equal(t, "u42", identity["userId"])
	assert.Equal(t, "c1", identity["clientId"])
}

func TestToolsList(t *testing.T) {
	t.Parallel()

	s := New("test-server", "0.0.1", nil)
	request := json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)

	response := s.HandleMessage(context.Background(), request)
	require.NotNil(t, response)

	raw, err := json.Marshal(response)
	require.NoError(t, err)

	var decoded struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))

	names := make([]string, 0, len(decoded.Result.Tools))
	for _, tool := range decoded.Result.Tools {
		names = append(names, tool.Name)
	}
	assert.Contains(t, names, "whoami")
	assert.Contains(t, names, "echo")
}
