// Package fallback implements the no-planner-envelope paths spec §4.K
// names: plain streaming/non-streaming translation of upstream StreamChunks
// into OpenAI chat.completion(.chunk) shapes, and a raw-tool-call-array
// scan for when tools are declared but the planner envelope wasn't
// attempted. Grounded on the teacher's provider-response translation in
// internal/providers/openai.go, generalized from one vendor's wire shape
// to the gateway's own StreamChunk union.
package fallback

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/glm-gateway/internal/jsonrepair"
	"github.com/nextlevelbuilder/glm-gateway/internal/safety"
	"github.com/nextlevelbuilder/glm-gateway/internal/toolregistry"
	"github.com/nextlevelbuilder/glm-gateway/internal/wire"
)

// Options controls the translation.
type Options struct {
	ID           string
	Model        string
	Created      int64
	IncludeUsage bool
}

// SSEEvent is one already-framed `data: ...\n\n` line, or the sentinel
// `data: [DONE]\n\n`.
type SSEEvent struct {
	Payload []byte
	Done    bool
}

// TranslateStream consumes the upstream chunk channel and yields a
// sequence of SSEEvents: content chunks become `delta.content`, thinking
// chunks become `delta.reasoning_content`, thinking_end is swallowed
// (it carries no payload of its own), and the stream ends with a
// finish_reason="stop" chunk followed by [DONE].
func TranslateStream(chunks <-chan wire.StreamChunk, opts Options) []SSEEvent {
	var events []SSEEvent
	first := true

	emitDelta := func(delta wire.Delta) {
		chunk := wire.ChatCompletionChunk{
			ID: opts.ID, Object: "chat.completion.chunk", Created: opts.Created, Model: opts.Model,
			Choices: []wire.ChunkChoice{{Index: 0, Delta: delta, FinishReason: nil}},
		}
		events = append(events, sseEvent(chunk))
	}

	for chunk := range chunks {
		switch chunk.Type {
		case wire.ChunkContent:
			delta := wire.Delta{Content: chunk.Data}
			if first {
				delta.Role = string(wire.RoleAssistant)
				first = false
			}
			emitDelta(delta)
		case wire.ChunkThinking:
			delta := wire.Delta{ReasoningContent: chunk.Data}
			if first {
				delta.Role = string(wire.RoleAssistant)
				first = false
			}
			emitDelta(delta)
		case wire.ChunkThinkingEnd:
			// swallowed: carries no content of its own
		case wire.ChunkError:
			events = append(events, errorEvent(chunk.Data))
			return events
		case wire.ChunkDone:
		}
	}

	final := wire.ChatCompletionChunk{
		ID: opts.ID, Object: "chat.completion.chunk", Created: opts.Created, Model: opts.Model,
		Choices: []wire.ChunkChoice{{Index: 0, Delta: wire.Delta{}, FinishReason: wire.FinishReason("stop")}},
	}
	if opts.IncludeUsage {
		final.Usage = &wire.Usage{}
	}
	events = append(events, sseEvent(final))
	events = append(events, SSEEvent{Done: true})
	return events
}

// CollectNonStream drains the channel into a single buffered
// chat.completion response, the non-streaming counterpart of
// TranslateStream.
func CollectNonStream(chunks <-chan wire.StreamChunk, opts Options) wire.ChatCompletionResponse {
	var content, reasoning bytes.Buffer
	for chunk := range chunks {
		switch chunk.Type {
		case wire.ChunkContent:
			content.WriteString(chunk.Data)
		case wire.ChunkThinking:
			reasoning.WriteString(chunk.Data)
		}
	}

	raw := content.String()
	msg := wire.Message{Role: wire.RoleAssistant, Content: wire.Content{Raw: &raw}}

	resp := wire.ChatCompletionResponse{
		ID: opts.ID, Object: "chat.completion", Created: opts.Created, Model: opts.Model,
		Choices: []wire.Choice{{Index: 0, Message: msg, FinishReason: wire.FinishReason("stop")}},
	}
	if opts.IncludeUsage {
		resp.Usage = &wire.Usage{}
	}
	return resp
}

func sseEvent(v interface{}) SSEEvent {
	b, err := json.Marshal(v)
	if err != nil {
		return errorEvent(err.Error())
	}
	return SSEEvent{Payload: b}
}

func errorEvent(reason string) SSEEvent {
	b, _ := json.Marshal(map[string]string{"error": reason})
	return SSEEvent{Payload: b}
}

// ScanRawToolCalls is the path spec §4.K names for when tools are
// declared but the planner envelope was never attempted: the raw model
// text is scanned for a bare JSON array of OpenAI-style tool_calls; if
// one parses and survives the raw-mode allowlist, it is deduplicated
// (identical adjacent {name, arguments} pairs collapse to one, per §8
// scenario S5) and returned.
func ScanRawToolCalls(raw string, reg *toolregistry.Registry, allowMutations bool) ([]wire.ToolCall, bool) {
	items, ok := jsonrepair.TryParseModelOutputArray(raw, false)
	if !ok {
		return nil, false
	}

	var calls []wire.ToolCall
	for i, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := obj["name"].(string)
		if name == "" {
			continue
		}
		if _, found := reg.Find(name); !found {
			continue
		}
		args := obj["arguments"]
		argsJSON, err := json.Marshal(args)
		if err != nil {
			continue
		}
		calls = append(calls, wire.ToolCall{
			ID:   fmt.Sprintf("call_raw%d", i),
			Type: "function",
			Function: wire.ToolCallFunction{
				Name:      name,
				Arguments: string(argsJSON),
			},
		})
	}
	if len(calls) == 0 {
		return nil, false
	}

	calls = safety.FilterRawModeAllowlist(calls, allowMutations)
	calls = dedupeAdjacent(calls)
	for i := range calls {
		calls[i].ID = fmt.Sprintf("call_%08x", i+1)
	}
	if len(calls) == 0 {
		return nil, false
	}
	return calls, true
}

func dedupeAdjacent(calls []wire.ToolCall) []wire.ToolCall {
	var out []wire.ToolCall
	for _, c := range calls {
		if n := len(out); n > 0 && out[n-1].Function.Name == c.Function.Name && out[n-1].Function.Arguments == c.Function.Arguments {
			continue
		}
		out = append(out, c)
	}
	return out
}
