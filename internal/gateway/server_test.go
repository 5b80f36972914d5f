package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/glm-gateway/internal/config"
	"github.com/nextlevelbuilder/glm-gateway/internal/upstream"
	"github.com/nextlevelbuilder/glm-gateway/internal/wire"
)

// fakeClient replays a fixed queue of responses, one per SendMessage call,
// mirroring the planner package's own test double.
type fakeClient struct {
	responses []string
	calls     int
}

func (f *fakeClient) SendMessage(ctx context.Context, req upstream.SendMessageRequest) (<-chan wire.StreamChunk, error) {
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	ch := make(chan wire.StreamChunk, 1)
	ch <- wire.StreamChunk{Type: wire.ChunkContent, Data: f.responses[idx]}
	close(ch)
	return ch, nil
}

func (f *fakeClient) GetCurrentMessageID(ctx context.Context, chatID string) (string, error) {
	return "", nil
}

type fakeChatStore struct{}

func (fakeChatStore) EnsureChat(_ context.Context, _, _ string) (string, error) {
	return "chat_test", nil
}

func newTestServer(client upstream.Client) *Server {
	cfg := config.Default()
	cfg.ToolLoopLimit = 3
	cfg.PlannerMaxRetries = 1
	return NewServer(cfg, client, fakeChatStore{})
}

func declareTool(name string, properties ...string) wire.ToolDefinition {
	props := map[string]interface{}{}
	for _, p := range properties {
		props[p] = map[string]string{"type": "string"}
	}
	schema, _ := json.Marshal(map[string]interface{}{"type": "object", "properties": props})
	return wire.ToolDefinition{Type: "function", Function: wire.ToolFunctionSchema{Name: name, Parameters: schema}}
}

func postChat(t *testing.T, s *Server, body map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(string(b)))
	req.RemoteAddr = "10.0.0.1:1234"
	w := httptest.NewRecorder()
	s.BuildMux().ServeHTTP(w, req)
	return w
}

func TestHandleChatCompletionsNoToolsReturnsPlainContent(t *testing.T) {
	client := &fakeClient{responses: []string{"Paris is the capital of France."}}
	s := newTestServer(client)

	w := postChat(t, s, map[string]interface{}{
		"model":    "glm-4.6",
		"messages": []map[string]string{{"role": "user", "content": "what's the capital of france?"}},
	})

	require.Equal(t, http.StatusOK, w.Code)
	var resp wire.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.Contains(t, resp.Choices[0].Message.Content.AsText(), "Paris")
}

func TestHandleChatCompletionsPlannerEmitsToolCalls(t *testing.T) {
	client := &fakeClient{responses: []string{
		`{"plan":["read file"],"actions":[{"tool":"read","args":{"path":"README.md"}}],"final":""}`,
	}}
	s := newTestServer(client)

	w := postChat(t, s, map[string]interface{}{
		"model":    "glm-4.6",
		"messages": []map[string]string{{"role": "user", "content": "read the readme"}},
		"tools":    []wire.ToolDefinition{declareTool("read", "path")},
	})

	require.Equal(t, http.StatusOK, w.Code)
	var resp wire.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	require.Len(t, resp.Choices[0].Message.ToolCalls, 1)
	assert.Equal(t, "read", resp.Choices[0].Message.ToolCalls[0].Function.Name)
	assert.Nil(t, resp.Choices[0].Message.ToolCalls[0].Index)
}

func TestHandleChatCompletionsForceToolResultDirectiveUsesRawScan(t *testing.T) {
	client := &fakeClient{responses: []string{
		`[{"name":"read","arguments":{"path":"README.md"}}]`,
	}}
	s := newTestServer(client)

	w := postChat(t, s, map[string]interface{}{
		"model":    "glm-4.6",
		"messages": []map[string]string{{"role": "user", "content": "read it\n/test tool-result"}},
		"tools":    []wire.ToolDefinition{declareTool("read", "path")},
	})

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, client.calls)
	var resp wire.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Choices[0].Message.ToolCalls, 1)
	assert.Equal(t, "read", resp.Choices[0].Message.ToolCalls[0].Function.Name)
}

func TestHandleChatCompletionsConfirmationUnlockReplaysPendingAction(t *testing.T) {
	client := &fakeClient{responses: []string{
		`{"plan":["remove temp file"],"actions":[{"tool":"bash","args":{"command":"rm tmp.txt"}}],"final":""}`,
	}}
	s := newTestServer(client)

	w := postChat(t, s, map[string]interface{}{
		"model":    "glm-4.6",
		"messages": []map[string]string{{"role": "user", "content": "delete tmp.txt"}},
		"tools":    []wire.ToolDefinition{declareTool("bash", "command")},
	})
	require.Equal(t, http.StatusOK, w.Code)
	var first wire.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	require.Len(t, first.Choices[0].Message.ToolCalls, 1)
	pendingID := first.Choices[0].Message.ToolCalls[0].ID
	assert.Equal(t, 1, s.confirms.Len())

	w2 := postChat(t, s, map[string]interface{}{
		"model": "glm-4.6",
		"messages": []map[string]interface{}{
			{"role": "user", "content": "delete tmp.txt"},
			{"role": "assistant", "content": "", "tool_calls": first.Choices[0].Message.ToolCalls},
			{"role": "tool", "tool_call_id": pendingID, "content": "Proceed (Recommended)"},
		},
		"tools": []wire.ToolDefinition{declareTool("bash", "command")},
	})
	require.Equal(t, http.StatusOK, w2.Code)
	var second wire.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &second))
	require.Len(t, second.Choices[0].Message.ToolCalls, 1)
	assert.Equal(t, "bash", second.Choices[0].Message.ToolCalls[0].Function.Name)
	assert.Equal(t, 1, client.calls, "unlock replay must not re-call upstream")
}

func TestHandleChatCompletionsStreamingToolCallsShape(t *testing.T) {
	client := &fakeClient{responses: []string{
		`{"plan":["read file"],"actions":[{"tool":"read","args":{"path":"README.md"}}],"final":""}`,
	}}
	s := newTestServer(client)

	w := postChat(t, s, map[string]interface{}{
		"model":    "glm-4.6",
		"messages": []map[string]string{{"role": "user", "content": "read the readme"}},
		"tools":    []wire.ToolDefinition{declareTool("read", "path")},
		"stream":   true,
	})

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	events := strings.Split(strings.TrimSpace(body), "\n\n")
	require.Len(t, events, 3)
	assert.Contains(t, events[0], `"tool_calls"`)
	assert.Contains(t, events[0], `"role":"assistant"`)
	assert.Contains(t, events[1], `"finish_reason":"tool_calls"`)
	assert.Equal(t, "data: [DONE]", events[2])
}

func TestHandleChatCompletionsRateLimitReturns429(t *testing.T) {
	client := &fakeClient{responses: []string{"hi"}}
	s := newTestServer(client) // burst of 10 by default; exhaust it
	for i := 0; i < 10; i++ {
		postChat(t, s, map[string]interface{}{
			"model":    "glm-4.6",
			"messages": []map[string]string{{"role": "user", "content": "hi"}},
		})
	}
	w := postChat(t, s, map[string]interface{}{
		"model":    "glm-4.6",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestHandleChatCompletionsRejectsEmptyMessages(t *testing.T) {
	s := newTestServer(&fakeClient{})
	w := postChat(t, s, map[string]interface{}{"model": "glm-4.6", "messages": []map[string]string{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleHealthReportsOK(t *testing.T) {
	s := newTestServer(&fakeClient{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.BuildMux().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestStartShutsDownOnContextCancel(t *testing.T) {
	s := newTestServer(&fakeClient{})
	s.cfg.Port = 0 // let the OS pick a free port
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}
