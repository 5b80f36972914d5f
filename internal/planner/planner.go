// Package planner drives the per-turn protocol loop: build the prompt,
// call upstream, repair/parse the JSON planner envelope, apply the
// todo-policy filter and mutation boundary, then gate and emit either
// tool_calls or plain content — the Think→Act→Observe shape of the
// teacher's internal/agent.Loop, rebuilt around a structured JSON envelope
// instead of native function-calling.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/glm-gateway/internal/jsonrepair"
	"github.com/nextlevelbuilder/glm-gateway/internal/safety"
	"github.com/nextlevelbuilder/glm-gateway/internal/toolregistry"
	"github.com/nextlevelbuilder/glm-gateway/internal/upstream"
	"github.com/nextlevelbuilder/glm-gateway/internal/wire"
)

// Config carries the PROXY_* knobs spec §6 names that shape a single
// protocol-loop turn.
type Config struct {
	MaxRetries        int  // PROXY_PLANNER_MAX_RETRIES, default 1
	MaxActionsPerTurn int  // PROXY_MAX_ACTIONS_PER_TURN, default 3
	AllowNetworkShell bool // gates network shell commands in the safety gate

	// MaxLoopIterations is PROXY_TOOL_LOOP_LIMIT: a hard ceiling on total
	// upstream calls within one Run (JSON-repair retries plus the single
	// step-7 recovery retry combined), independent of MaxRetries, so a
	// pathological combination of both retry kinds can't loop forever.
	MaxLoopIterations int
}

// DefaultConfig matches spec §6's documented defaults.
func DefaultConfig() Config {
	return Config{MaxRetries: 1, MaxActionsPerTurn: 3, MaxLoopIterations: 3}
}

// Result is one terminal outcome of Run: EmitToolCalls, EmitContent, or
// Error (abort with invalid_json after retries exhausted).
type Result struct {
	ToolCalls []wire.ToolCall
	Content   string
	Error     *wire.GatewayError

	// Pending is set when a gated action requires user confirmation; the
	// caller should stash it (internal/confirm) keyed by the emitted
	// question tool_call's id.
	Pending *safety.PendingAction

	// Truncated reports whether the mutation boundary dropped actions.
	Truncated bool

	// needsRecovery marks the §4.J step 7 case (no actions, no final) so
	// Run can perform its single recovery retry before surfacing an empty
	// content response to the caller.
	needsRecovery bool
}

var todoIntentRe = regexp.MustCompile(`(?i)\b(todo|to-do|checklist|task list)\b`)

// Run executes one turn of the state machine described in spec §4.J:
// Planning → Parsed → Gated → (Emit tool_calls | Emit content | Retry
// Planning). messages is the full transcript to send upstream (system
// prompt already included per §4.F).
func Run(ctx context.Context, client upstream.Client, sendReq upstream.SendMessageRequest, reg *toolregistry.Registry, userText string, cfg Config) (*Result, error) {
	messages := append([]wire.Message{}, sendReq.Messages...)

	var text string
	attempt := 0
	recovered := false
	iterations := 0
	maxIterations := cfg.MaxLoopIterations
	if maxIterations <= 0 {
		maxIterations = DefaultConfig().MaxLoopIterations
	}
	for {
		iterations++
		if iterations > maxIterations {
			return &Result{Error: wire.NewGatewayError(wire.ErrInvalidJSON, "planner loop limit exceeded")}, nil
		}

		out, err := callUpstream(ctx, client, sendReq, messages)
		if err != nil {
			return nil, err
		}
		text = out

		plannerOut, ok := jsonrepair.TryRepairPlannerOutput(text)
		if ok {
			res, gerr := gate(plannerOut, reg, userText, cfg)
			if gerr != nil {
				return res, gerr
			}
			if res.needsRecovery && !recovered {
				recovered = true
				raw := text
				hint := "Your previous response had no actions and no final answer. Respond with either a tool action in \"actions\" or a user-facing answer in \"final\"."
				messages = append(messages,
					wire.Message{Role: wire.RoleAssistant, Content: wire.Content{Raw: &raw}},
					wire.Message{Role: wire.RoleUser, Content: wire.Content{Raw: &hint}},
				)
				sendReq.Messages = messages
				continue
			}
			res.needsRecovery = false
			return res, nil
		}

		attempt++
		if attempt > cfg.MaxRetries {
			return &Result{Error: wire.NewGatewayError(wire.ErrInvalidJSON, "planner output unrepairable after retries")}, nil
		}

		nudge := "Return ONLY valid JSON matching the envelope schema: {\"plan\":[...],\"actions\":[...],\"final\":\"\",\"thought\":\"\"}."
		if attempt == cfg.MaxRetries {
			nudge = "Your previous response was not valid JSON. Return ONLY a single JSON object, no prose, no markdown fences, matching exactly: {\"plan\":[...],\"actions\":[...],\"final\":\"\",\"thought\":\"\"}."
		}
		raw := text
		messages = append(messages,
			wire.Message{Role: wire.RoleAssistant, Content: wire.Content{Raw: &raw}},
			wire.Message{Role: wire.RoleUser, Content: wire.Content{Raw: &nudge}},
		)
		sendReq.Messages = messages
	}
}

// callUpstream drains the upstream stream into a single text blob, per
// spec §4.J step 2: content chunks concatenated, with any captured
// thinking text prepended as a <think>...</think> block.
func callUpstream(ctx context.Context, client upstream.Client, sendReq upstream.SendMessageRequest, messages []wire.Message) (string, error) {
	sendReq.Messages = messages
	ch, err := client.SendMessage(ctx, sendReq)
	if err != nil {
		return "", err
	}

	var content, thinking strings.Builder
	for chunk := range ch {
		switch chunk.Type {
		case wire.ChunkContent:
			content.WriteString(chunk.Data)
		case wire.ChunkThinking:
			thinking.WriteString(chunk.Data)
		case wire.ChunkError:
			return "", wire.NewGatewayError(wire.ErrUpstreamStreamError, chunk.Data)
		case wire.ChunkDone:
		}
	}

	if thinking.Len() == 0 {
		return content.String(), nil
	}
	return "<think>" + thinking.String() + "</think>" + content.String(), nil
}

// GateOutput exposes gate to callers outside the package: the request
// handler reuses it to run a heuristic-inferred action (spec §4.G, invoked
// when the planner itself returned no actions) through the same registry
// resolution, arg normalization, and safety gating as a planner-proposed
// action, rather than duplicating that pipeline.
func GateOutput(out *wire.PlannerOutput, reg *toolregistry.Registry, userText string, cfg Config) (*Result, error) {
	res, err := gate(out, reg, userText, cfg)
	if res != nil {
		res.needsRecovery = false
	}
	return res, err
}

// gate applies §4.J steps 4-9: envelope validation (implicit in the typed
// decode), the todo-policy filter, the mutation boundary, and per-action
// registry resolution + safety gating.
func gate(out *wire.PlannerOutput, reg *toolregistry.Registry, userText string, cfg Config) (*Result, error) {
	actions := out.Actions

	if !todoIntentRe.MatchString(userText) {
		reg = reg.Drop("todowrite", "todoread")
		actions = filterActions(actions, "todowrite", "todoread")
	}

	boundary := safety.ApplyMutationBoundary(actions)
	actions = boundary.Actions

	if len(actions) > cfg.MaxActionsPerTurn {
		actions = actions[:cfg.MaxActionsPerTurn]
		boundary.Truncated = true
	}

	if len(actions) == 0 && strings.TrimSpace(out.Final) == "" {
		return &Result{Content: "", Truncated: boundary.Truncated, needsRecovery: true}, nil
	}
	if len(actions) == 0 {
		return &Result{Content: out.Final, Truncated: boundary.Truncated}, nil
	}

	var toolCalls []wire.ToolCall
	for _, action := range actions {
		info, found := reg.Find(action.Tool)
		if !found {
			return &Result{Error: wire.NewGatewayError(wire.ErrUnknownTool, action.Tool)}, nil
		}

		args := toolregistry.NormalizeArgsForTool(info, action.Args)
		if gwErr := toolregistry.ValidateArgs(info, args); gwErr != nil {
			return &Result{Content: fmt.Sprintf("Blocked unsafe tool call (%s).", gwErr.Kind), Truncated: boundary.Truncated}, nil
		}

		decision := safety.CheckAction(wire.Action{Tool: action.Tool, Args: args}, info.NormName, cfg.AllowNetworkShell)
		if !decision.OK {
			if decision.Pending != nil {
				question := wire.ToolCall{
					ID:   decision.Pending.ID,
					Type: "function",
					Function: wire.ToolCallFunction{
						Name:      "question",
						Arguments: `{"question":"This action requires confirmation. Reply with \"Proceed (Recommended)\" to continue."}`,
					},
				}
				return &Result{ToolCalls: []wire.ToolCall{question}, Pending: decision.Pending, Truncated: boundary.Truncated}, nil
			}
			if decision.Reason == string(wire.ErrMissingPath) || decision.Reason == string(wire.ErrUnsafePath) {
				return &Result{Content: fmt.Sprintf("Blocked unsafe tool call (%s).", decision.Reason), Truncated: boundary.Truncated}, nil
			}
			return &Result{Error: wire.NewGatewayError(wire.ErrorKind(decision.Reason), decision.Reason)}, nil
		}

		argsJSON, err := marshalArgs(args)
		if err != nil {
			return &Result{Error: wire.NewGatewayError(wire.ErrInvalidToolArgs, err.Error())}, nil
		}
		toolCalls = append(toolCalls, wire.ToolCall{
			ID:   "call_" + uuid.NewString()[:8],
			Type: "function",
			Function: wire.ToolCallFunction{
				Name:      info.Tool.Function.Name,
				Arguments: argsJSON,
			},
		})
	}

	return &Result{ToolCalls: toolCalls, Truncated: boundary.Truncated}, nil
}

func filterActions(actions []wire.Action, dropNames ...string) []wire.Action {
	var out []wire.Action
	for _, a := range actions {
		skip := false
		for _, n := range dropNames {
			if strings.EqualFold(a.Tool, n) {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, a)
		}
	}
	return out
}

func marshalArgs(args map[string]interface{}) (string, error) {
	b, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
