package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSONRPCErrorWireShape(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writeJSONRPCError(rec, http.StatusBadRequest, codeInvalidRequest, "invalid session")

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.JSONEq(t, `"2.0"`, string(body["jsonrpc"]))
	require.Contains(t, body, "error")

	var rpcErr struct {
		Code    int64  `json:"code"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(body["error"], &rpcErr))
	assert.EqualValues(t, codeInvalidRequest, rpcErr.Code)
	assert.Equal(t, "invalid session", rpcErr.Message)
}

func TestInspectMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		want    messageInfo
		wantErr bool
	}{
		{
			name:    "numeric id call",
			payload: `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
			want:    messageInfo{isCall: true, requestID: "1"},
		},
		{
			name:    "string id call",
			payload: `{"jsonrpc":"2.0","id":"abc","method":"tools/list"}`,
			want:    messageInfo{isCall: true, requestID: "abc"},
		},
		{
			name:    "initialize",
			payload: `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
			want:    messageInfo{isCall: true, isInitialize: true, requestID: "1"},
		},
		{
			name:    "notification",
			payload: `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
			want:    messageInfo{},
		},
		{
			name:    "client response",
			payload: `{"jsonrpc":"2.0","id":3,"result":{}}`,
			want:    messageInfo{},
		},
		{
			name:    "missing version",
			payload: `{"id":1,"method":"tools/list"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			payload: `{nope`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			info, err := inspectMessage([]byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, *info)
		})
	}
}

func TestResponseRequestID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "7", responseRequestID([]byte(`{"jsonrpc":"2.0","id":7,"result":{}}`)))
	assert.Equal(t, "abc", responseRequestID([]byte(`{"jsonrpc":"2.0","id":"abc","result":{}}`)))
	assert.Empty(t, responseRequestID([]byte(`{"jsonrpc":"2.0","method":"notifications/message"}`)))
	assert.Empty(t, responseRequestID([]byte(`{nope`)))
}
