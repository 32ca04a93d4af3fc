package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayLoggerWritesJSONAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&LoggerConfig{Level: LogLevelInfo, Format: "json", Output: &buf})

	logger.WithComponent("dispatcher").WithConversation("conv-1", "msg-1").Info("claimed message")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "dispatcher", entry["component"])
	assert.Equal(t, "conv-1", entry["conversation_id"])
	assert.Equal(t, "msg-1", entry["message_id"])
}

func TestRelayLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&LoggerConfig{Level: LogLevelWarn, Format: "text", Output: &buf})

	logger.Debug("should not appear")
	logger.Info("should not appear either")
	assert.Empty(t, buf.String())

	logger.Warn("this one should appear")
	assert.True(t, strings.Contains(buf.String(), "this one should appear"))
}

func TestWithContextDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(&LoggerConfig{Level: LogLevelInfo, Format: "json", Output: &buf})
	child := base.WithContext("agent_id", "coder")

	buf.Reset()
	base.Info("base log")
	var baseEntry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &baseEntry))
	_, hasAgentID := baseEntry["agent_id"]
	assert.False(t, hasAgentID)

	buf.Reset()
	child.Info("child log")
	var childEntry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &childEntry))
	assert.Equal(t, "coder", childEntry["agent_id"])
}

func TestNoOpLoggerDiscardsEverything(t *testing.T) {
	var l Logger = NoOpLogger{}
	l.Debug("x")
	l.Info("y")
	l.Warn("z")
	l.Error("w")
}
