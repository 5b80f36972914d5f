package planner

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/glm-gateway/internal/toolregistry"
	"github.com/nextlevelbuilder/glm-gateway/internal/upstream"
	"github.com/nextlevelbuilder/glm-gateway/internal/wire"
)

// fakeClient replays a fixed queue of responses, one per SendMessage call,
// so tests can exercise retry/nudge behavior deterministically.
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

func declareTool(name string, properties ...string) wire.ToolDefinition {
	props := map[string]interface{}{}
	for _, p := range properties {
		props[p] = map[string]string{"type": "string"}
	}
	schema, _ := json.Marshal(map[string]interface{}{"type": "object", "properties": props})
	return wire.ToolDefinition{Type: "function", Function: wire.ToolFunctionSchema{Name: name, Parameters: schema}}
}

func TestRunEmitsToolCallForSimpleRead(t *testing.T) {
	client := &fakeClient{responses: []string{`{"plan":["read"],"actions":[{"tool":"read","args":{"path":"README.md"}}],"final":""}`}}
	reg := toolregistry.New([]wire.ToolDefinition{declareTool("read", "path")})

	res, err := Run(context.Background(), client, upstream.SendMessageRequest{}, reg, "read the readme", DefaultConfig())
	require.NoError(t, err)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "read", res.ToolCalls[0].Function.Name)
}

func TestRunEmitsContentWhenNoActions(t *testing.T) {
	client := &fakeClient{responses: []string{`{"plan":[],"actions":[],"final":"The capital of France is Paris."}`}}
	reg := toolregistry.New(nil)

	res, err := Run(context.Background(), client, upstream.SendMessageRequest{}, reg, "what is the capital of france", DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "The capital of France is Paris.", res.Content)
	assert.Empty(t, res.ToolCalls)
}

func TestRunRetriesOnInvalidJSONThenSucceeds(t *testing.T) {
	client := &fakeClient{responses: []string{
		"not json at all, sorry",
		`{"plan":[],"actions":[],"final":"done"}`,
	}}
	reg := toolregistry.New(nil)

	res, err := Run(context.Background(), client, upstream.SendMessageRequest{}, reg, "hi", DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 2, client.calls)
	assert.Equal(t, "done", res.Content)
}

func TestRunAbortsWithInvalidJSONAfterRetriesExhausted(t *testing.T) {
	client := &fakeClient{responses: []string{"garbage one", "garbage two", "garbage three"}}
	reg := toolregistry.New(nil)
	cfg := Config{MaxRetries: 1, MaxActionsPerTurn: 3}

	res, err := Run(context.Background(), client, upstream.SendMessageRequest{}, reg, "hi", cfg)
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, wire.ErrInvalidJSON, res.Error.Kind)
}

func TestRunAppliesMutationBoundary(t *testing.T) {
	client := &fakeClient{responses: []string{
		`{"plan":[],"actions":[{"tool":"read","args":{"path":"README.md"}},{"tool":"write","args":{"path":"notes.txt","content":"hi"}}],"final":""}`,
	}}
	reg := toolregistry.New([]wire.ToolDefinition{declareTool("read", "path"), declareTool("write", "path", "content")})

	res, err := Run(context.Background(), client, upstream.SendMessageRequest{}, reg, "read then write", DefaultConfig())
	require.NoError(t, err)
	require.Len(t, res.ToolCalls, 1)
	assert.True(t, res.Truncated)
}

func TestRunRejectsUnknownTool(t *testing.T) {
	client := &fakeClient{responses: []string{`{"plan":[],"actions":[{"tool":"teleport","args":{}}],"final":""}`}}
	reg := toolregistry.New([]wire.ToolDefinition{declareTool("read", "path")})

	res, err := Run(context.Background(), client, upstream.SendMessageRequest{}, reg, "teleport me", DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, wire.ErrUnknownTool, res.Error.Kind)
}

func TestRunDropsTodoActionsWithoutTodoIntent(t *testing.T) {
	client := &fakeClient{responses: []string{
		`{"plan":[],"actions":[{"tool":"todowrite","args":{"todos":[]}}],"final":"noted"}`,
	}}
	reg := toolregistry.New([]wire.ToolDefinition{declareTool("todowrite", "todos")})

	res, err := Run(context.Background(), client, upstream.SendMessageRequest{}, reg, "just chatting", DefaultConfig())
	require.NoError(t, err)
	assert.Empty(t, res.ToolCalls)
	assert.Equal(t, "noted", res.Content)
}

func TestRunBlocksToolCallFailingDeclaredSchemaWithInvalidToolArgsReason(t *testing.T) {
	client := &fakeClient{responses: []string{
		`{"plan":[],"actions":[{"tool":"search","args":{}}],"final":""}`,
	}}
	searchSchema, _ := json.Marshal(map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"query": map[string]string{"type": "string"}},
		"required":   []string{"query"},
	})
	reg := toolregistry.New([]wire.ToolDefinition{
		{Type: "function", Function: wire.ToolFunctionSchema{Name: "search", Parameters: searchSchema}},
	})

	res, err := Run(context.Background(), client, upstream.SendMessageRequest{}, reg, "search for something", DefaultConfig())
	require.NoError(t, err)
	assert.Empty(t, res.ToolCalls)
	assert.Contains(t, res.Content, "invalid_tool_args")
	assert.NotContains(t, res.Content, "missing_path")
}

func TestRunRequiresConfirmationForDangerousShell(t *testing.T) {
	client := &fakeClient{responses: []string{
		`{"plan":[],"actions":[{"tool":"bash","args":{"command":"rm -rf tmp"}}],"final":""}`,
	}}
	reg := toolregistry.New([]wire.ToolDefinition{declareTool("bash", "command")})

	res, err := Run(context.Background(), client, upstream.SendMessageRequest{}, reg, "clean tmp", DefaultConfig())
	require.NoError(t, err)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "question", res.ToolCalls[0].Function.Name)
	require.NotNil(t, res.Pending)
}
