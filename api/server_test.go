package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/agentrelay/config"
	"github.com/agentrelay/agentrelay/conversation"
	"github.com/agentrelay/agentrelay/eventbus"
	"github.com/agentrelay/agentrelay/queue"
)

type apiHarness struct {
	store *queue.Store
	cfg   *config.Provider
	bus   *eventbus.Bus
	srv   *Server
}

func newAPIHarness(t *testing.T, apiKey string) *apiHarness {
	t.Helper()

	store, err := queue.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	dir := t.TempDir()
	cfgPath := dir + "/agents.yaml"
	require.NoError(t, os.WriteFile(cfgPath, []byte("agents: []\n"), 0o644))
	cfg, err := config.New(cfgPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cfg.Close() })

	bus := eventbus.New()
	convMgr := conversation.New(store, bus, func(o *conversation.Options) { o.Workspace = dir })

	srv := New(store, cfg, bus, convMgr, func(o *Options) { o.APIKey = apiKey })

	return &apiHarness{store: store, cfg: cfg, bus: bus, srv: srv}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	rec := httptest.NewRecorder()
	h.srv.engine.ServeHTTP(rec, req)
	return rec
}

func TestPostMessageEnqueuesAndReturnsID(t *testing.T) {
	h := newAPIHarness(t, "")

	rec := h.do(t, http.MethodPost, "/api/message", map[string]any{
		"message": "hello",
		"agent":   "default",
		"channel": "web",
		"sender":  "alice",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp["ok"].(bool))
	assert.NotEmpty(t, resp["messageId"])

	messages, err := h.store.SentMessages(nil, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0].Body, "[web/alice]: hello")
}

func TestPostMessagePublishesMessageEnqueued(t *testing.T) {
	h := newAPIHarness(t, "")

	sub, unsubscribe := h.bus.Subscribe()
	defer unsubscribe()

	rec := h.do(t, http.MethodPost, "/api/message", map[string]any{
		"message": "hello",
		"agent":   "coder",
		"channel": "web",
		"sender":  "alice",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	messageID := resp["messageId"].(string)

	select {
	case ev := <-sub:
		assert.Equal(t, eventbus.MessageEnqueued, ev.Type)
		assert.Equal(t, messageID, ev.MessageID)
		assert.Equal(t, "coder", ev.AgentID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message_enqueued event")
	}
}

func TestAPIKeyRequiredWhenConfigured(t *testing.T) {
	h := newAPIHarness(t, "secret")

	rec := h.do(t, http.MethodGet, "/api/queue/status", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/queue/status", nil, "secret")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestQueueStatusReportsAggregateCounts(t *testing.T) {
	h := newAPIHarness(t, "")

	_, err := h.store.EnqueueMessage(queue.NewMessage{Channel: "web", Sender: "alice", Body: "@default hi"})
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/api/queue/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, float64(1), status["pending"])
}

func TestDeadLetterRetryAndDelete(t *testing.T) {
	h := newAPIHarness(t, "")

	externalID, err := h.store.EnqueueMessage(queue.NewMessage{Channel: "web", Sender: "alice", Body: "@default hi"})
	require.NoError(t, err)
	for i := 0; i < queue.MaxRetries; i++ {
		require.NoError(t, h.store.FailMessage(externalID, assertErr{}))
	}

	rec := h.do(t, http.MethodGet, "/api/queue/dead", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed["messages"].([]any), 1)

	rec = h.do(t, http.MethodPost, "/api/queue/dead/"+externalID+"/retry", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodDelete, "/api/queue/dead/"+externalID, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfigAgentCRUDThroughAPI(t *testing.T) {
	h := newAPIHarness(t, "")

	rec := h.do(t, http.MethodPut, "/api/config/agents", map[string]any{"id": "coder", "provider": "anthropic"}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/config/agents", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	agents := listed["agents"].(map[string]any)
	assert.Contains(t, agents, "coder")

	rec = h.do(t, http.MethodDelete, "/api/config/agents/coder", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
