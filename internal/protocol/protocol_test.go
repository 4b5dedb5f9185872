// ABOUTME: Tests for inbound query validation and outbound message encoding
// ABOUTME: Covers malformed JSON, length limits, blocked terms, and heartbeat acks

package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQuery_Valid(t *testing.T) {
	q, err := ParseQuery([]byte(`{"query":"  gaming PC for $1500  ","session_id":"abc"}`), DefaultRules())
	require.NoError(t, err)
	assert.Equal(t, "gaming PC for $1500", q.Text)
	assert.Equal(t, "abc", q.SessionID)
}

func TestParseQuery_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
		field string
	}{
		{"not json", `{query`, ""},
		{"missing query", `{"session_id":"x"}`, "query"},
		{"blank query", `{"query":"   "}`, "query"},
		{"too short", `{"query":"pc"}`, "query"},
		{"too long", `{"query":"` + strings.Repeat("a", 1001) + `"}`, "query"},
		{"blocked term", `{"query":"how to crack windows"}`, "query"},
		{"long session", `{"query":"budget build","session_id":"` + strings.Repeat("s", 200) + `"}`, "session_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseQuery([]byte(tt.input), DefaultRules())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestIsHeartbeatAck(t *testing.T) {
	assert.True(t, IsHeartbeatAck([]byte(`{"type":"heartbeat"}`)))
	assert.True(t, IsHeartbeatAck([]byte(`{"type":"pong"}`)))
	assert.False(t, IsHeartbeatAck([]byte(`{"type":"heartbeat","query":"x"}`)))
	assert.False(t, IsHeartbeatAck([]byte(`{"query":"hello there"}`)))
	assert.False(t, IsHeartbeatAck([]byte(`garbage`)))
}

func TestMessage_EncodeShape(t *testing.T) {
	msg := New(TypeToken, "hel", nil)
	data, err := msg.Encode()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "token", raw["type"])
	assert.Equal(t, "hel", raw["content"])
	assert.Equal(t, map[string]any{}, raw["metadata"], "metadata must encode as an object")

	ts, ok := raw["timestamp"].(string)
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339Nano, ts)
	assert.NoError(t, err)
}

func TestNewError_Code(t *testing.T) {
	msg := NewError(CodeToolError, "search failed")
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, CodeToolError, msg.Code())

	decoded, err := Decode(mustEncode(t, msg))
	require.NoError(t, err)
	assert.Equal(t, CodeToolError, decoded.Code())

	assert.Empty(t, New(TypeLog, "x", nil).Code())
}

func mustEncode(t *testing.T, m *Message) []byte {
	t.Helper()
	data, err := m.Encode()
	require.NoError(t, err)
	return data
}
