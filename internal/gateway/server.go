// Package gateway wires the HTTP surface spec §4.L names around the
// planner/fallback core: parse the OpenAI request, strip directives, pick a
// flow, and write back the right response shape. Grounded on the teacher's
// Server/BuildMux/Start shape (internal/gateway/server.go) — the WebSocket
// RPC surface and every managed-mode handler it carried are gone, since
// this gateway's only contract is POST /v1/chat/completions.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/glm-gateway/internal/compact"
	"github.com/nextlevelbuilder/glm-gateway/internal/config"
	"github.com/nextlevelbuilder/glm-gateway/internal/confirm"
	"github.com/nextlevelbuilder/glm-gateway/internal/fallback"
	"github.com/nextlevelbuilder/glm-gateway/internal/heuristics"
	"github.com/nextlevelbuilder/glm-gateway/internal/planner"
	"github.com/nextlevelbuilder/glm-gateway/internal/prompt"
	"github.com/nextlevelbuilder/glm-gateway/internal/ratelimit"
	"github.com/nextlevelbuilder/glm-gateway/internal/safety"
	"github.com/nextlevelbuilder/glm-gateway/internal/toolregistry"
	"github.com/nextlevelbuilder/glm-gateway/internal/upstream"
	"github.com/nextlevelbuilder/glm-gateway/internal/wire"
)

var tracer = otel.Tracer("glm-gateway/gateway")

// Server serves the gateway's HTTP surface.
type Server struct {
	cfg       *config.Config
	client    upstream.Client
	chatStore upstream.ChatStore

	prompts  *prompt.Cache
	confirms *confirm.Store
	limiter  *ratelimit.Limiter

	httpServer *http.Server
}

// NewServer builds a Server. client and chatStore are the external
// collaborators spec §6 leaves out of scope beyond their method
// signatures.
func NewServer(cfg *config.Config, client upstream.Client, chatStore upstream.ChatStore) *Server {
	return &Server{
		cfg:       cfg,
		client:    client,
		chatStore: chatStore,
		prompts:   prompt.NewCache(),
		confirms:  confirm.New(cfg.ConfirmationTTL),
		limiter:   ratelimit.New(5, 10),
	}
}

// BuildMux registers the gateway's routes.
func (s *Server) BuildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	return mux
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.BuildMux()}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.confirms.Close()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	key := clientKey(r)
	if !s.limiter.Allow(key) {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(s.limiter.Reserve(key).Seconds())+1))
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	var req wire.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Messages) == 0 {
		http.Error(w, "messages must not be empty", http.StatusBadRequest)
		return
	}

	ctx, span := tracer.Start(r.Context(), "gateway.chat_completions",
		trace.WithAttributes(attribute.Int("tool_count", len(req.Tools)), attribute.Bool("stream", req.Stream)))
	defer span.End()

	d, userText := s.extractAndStripDirectives(&req)

	if action, callID, ok := s.checkConfirmationUnlock(req.Messages); ok {
		s.respondToolCalls(w, req, []wire.ToolCall{replayToolCall(callID, action)}, opts(s.cfg, req))
		return
	}

	reg := toolregistry.New(req.Tools)
	if !s.cfg.AllowWebSearch {
		reg = reg.Drop("webfetch", "web_search", "websearch")
	}

	chatID, err := s.chatStore.EnsureChat(ctx, "glm-gateway", req.Model)
	if err != nil {
		s.respondUpstreamError(w, req.Stream, wire.NewGatewayError(wire.ErrUpstreamStreamError, err.Error()))
		return
	}

	compactCfg := s.compactConfig()
	compacted := compact.Compact(req.Messages, compactCfg)
	setContextHeaders(w, compacted.Stats)

	enableThinking := s.cfg.DefaultThinking
	if d.ThinkingOverride != nil {
		enableThinking = *d.ThinkingOverride
	}
	features := map[string]bool{}
	if d.SearchOverride != nil {
		features["web_search"] = *d.SearchOverride
	}
	if d.AutoSearchOverride != nil {
		features["auto_search"] = *d.AutoSearchOverride
	}

	sendReq := upstream.SendMessageRequest{
		ChatID:         chatID,
		Messages:       compacted.Messages,
		EnableThinking: enableThinking,
		IncludeHistory: s.cfg.UseUpstreamHistory && !compactCfg.CompactResetWins,
		Features:       features,
	}

	useFallback := len(reg.Declared()) == 0 || d.ForceToolResult
	if useFallback {
		s.handleFallback(ctx, w, req, sendReq, reg)
		return
	}

	s.handlePlanner(ctx, w, req, sendReq, reg, userText, d)
}

func (s *Server) handlePlanner(ctx context.Context, w http.ResponseWriter, req wire.ChatCompletionRequest, sendReq upstream.SendMessageRequest, reg *toolregistry.Registry, userText string, d directives) {
	systemPrompt := s.prompts.Build(reg.Declared(), prompt.Options{
		ShowArgKeys:  true,
		ExtraSystem:  d.ExtraSystem,
		AllowWebTool: s.cfg.AllowWebSearch,
	})
	raw := systemPrompt
	sendReq.Messages = append([]wire.Message{{Role: wire.RoleSystem, Content: wire.Content{Raw: &raw}}}, sendReq.Messages...)

	plannerCfg := planner.Config{
		MaxRetries:        s.cfg.PlannerMaxRetries,
		MaxActionsPerTurn: s.cfg.MaxActionsPerTurn,
		AllowNetworkShell: s.cfg.AllowWebSearch,
		MaxLoopIterations: s.cfg.ToolLoopLimit,
	}

	res, err := planner.Run(ctx, s.client, sendReq, reg, userText, plannerCfg)
	if err != nil {
		s.respondUpstreamError(w, req.Stream, asGatewayError(err))
		return
	}
	if res.Error != nil {
		s.respondErrorContent(w, req, *res.Error)
		return
	}

	if len(res.ToolCalls) == 0 && res.Content == "" && !d.NoHeuristics {
		if inferred := heuristics.Infer(userText, reg); len(inferred) > 0 {
			if hres, herr := planner.GateOutput(&wire.PlannerOutput{Actions: inferred}, reg, userText, plannerCfg); herr == nil && hres != nil {
				res = hres
			}
		}
	}

	if res.Pending != nil {
		s.confirms.PutAt(res.Pending.ID, res.Pending.Action)
	}

	if len(res.ToolCalls) > 0 {
		s.respondToolCalls(w, req, res.ToolCalls, opts(s.cfg, req))
		return
	}
	s.respondContent(w, req, res.Content)
}

func (s *Server) handleFallback(ctx context.Context, w http.ResponseWriter, req wire.ChatCompletionRequest, sendReq upstream.SendMessageRequest, reg *toolregistry.Registry) {
	ch, err := s.client.SendMessage(ctx, sendReq)
	if err != nil {
		s.respondUpstreamError(w, req.Stream, asGatewayError(err))
		return
	}

	if len(reg.Declared()) == 0 {
		if req.Stream {
			writeSSE(w, fallback.TranslateStream(ch, opts(s.cfg, req)))
			return
		}
		writeJSON(w, fallback.CollectNonStream(ch, opts(s.cfg, req)))
		return
	}

	text, derr := drainText(ch)
	if derr != nil {
		s.respondUpstreamError(w, req.Stream, asGatewayError(derr))
		return
	}
	if calls, ok := fallback.ScanRawToolCalls(text, reg, s.cfg.AllowRawMutations); ok {
		s.respondToolCalls(w, req, calls, opts(s.cfg, req))
		return
	}
	s.respondContent(w, req, text)
}

// respondContent writes a plain-content reply (streaming or buffered) for
// text that's already fully available (planner's final, or a fallback
// raw-scan miss).
func (s *Server) respondContent(w http.ResponseWriter, req wire.ChatCompletionRequest, text string) {
	ch := make(chan wire.StreamChunk, 1)
	ch <- wire.StreamChunk{Type: wire.ChunkContent, Data: text}
	close(ch)

	if req.Stream {
		writeSSE(w, fallback.TranslateStream(ch, opts(s.cfg, req)))
		return
	}
	writeJSON(w, fallback.CollectNonStream(ch, opts(s.cfg, req)))
}

func (s *Server) respondErrorContent(w http.ResponseWriter, req wire.ChatCompletionRequest, gwErr wire.GatewayError) {
	s.respondContent(w, req, fmt.Sprintf("Blocked unsafe tool call (%s).", gwErr.Kind))
}

// respondToolCalls writes the tool_calls shape spec §8 scenario S6 names:
// streaming emits exactly two data events (role+tool_calls, then an empty
// delta with finish_reason="tool_calls"); non-streaming strips the
// transport-only index field.
func (s *Server) respondToolCalls(w http.ResponseWriter, req wire.ChatCompletionRequest, calls []wire.ToolCall, o fallback.Options) {
	if req.Stream {
		indexed := make([]wire.ToolCall, len(calls))
		for i, c := range calls {
			idx := i
			c.Index = &idx
			indexed[i] = c
		}
		first := wire.ChatCompletionChunk{
			ID: o.ID, Object: "chat.completion.chunk", Created: o.Created, Model: o.Model,
			Choices: []wire.ChunkChoice{{Index: 0, Delta: wire.Delta{Role: string(wire.RoleAssistant), ToolCalls: indexed}, FinishReason: nil}},
		}
		last := wire.ChatCompletionChunk{
			ID: o.ID, Object: "chat.completion.chunk", Created: o.Created, Model: o.Model,
			Choices: []wire.ChunkChoice{{Index: 0, Delta: wire.Delta{}, FinishReason: wire.FinishReason("tool_calls")}},
		}
		events := []fallback.SSEEvent{sseEventOf(first), sseEventOf(last), {Done: true}}
		writeSSE(w, events)
		return
	}

	stripped := make([]wire.ToolCall, len(calls))
	for i, c := range calls {
		c.Index = nil
		stripped[i] = c
	}
	resp := wire.ChatCompletionResponse{
		ID: o.ID, Object: "chat.completion", Created: o.Created, Model: o.Model,
		Choices: []wire.Choice{{Index: 0, Message: wire.Message{Role: wire.RoleAssistant, ToolCalls: stripped}, FinishReason: wire.FinishReason("tool_calls")}},
	}
	writeJSON(w, resp)
}

func (s *Server) respondUpstreamError(w http.ResponseWriter, stream bool, gwErr *wire.GatewayError) {
	if gwErr == nil {
		gwErr = wire.NewGatewayError(wire.ErrUpstreamStreamError, "unknown upstream error")
	}
	if !stream {
		http.Error(w, gwErr.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	b, _ := json.Marshal(map[string]string{"error": gwErr.Reason})
	fmt.Fprintf(w, "data: %s\n\n", b)
	fmt.Fprint(w, "data: [DONE]\n\n")
	flush(w)
}

// checkConfirmationUnlock inspects the trailing tool message for the
// "Proceed (Recommended)" reply that unlocks a previously deferred action
// (spec §8 scenario S4), returning the original action and the tool_call id
// it was deferred under.
func (s *Server) checkConfirmationUnlock(messages []wire.Message) (wire.Action, string, bool) {
	if len(messages) == 0 {
		return wire.Action{}, "", false
	}
	last := messages[len(messages)-1]
	if last.Role != wire.RoleTool || last.ToolCallID == "" {
		return wire.Action{}, "", false
	}
	if !safety.UnlocksPendingAction(last.Content.AsText()) {
		return wire.Action{}, "", false
	}
	action, ok := s.confirms.Take(last.ToolCallID)
	if !ok {
		return wire.Action{}, "", false
	}
	return action, last.ToolCallID, true
}

func replayToolCall(callID string, action wire.Action) wire.ToolCall {
	argsJSON, _ := json.Marshal(action.Args)
	return wire.ToolCall{
		ID:   "call_replay_" + callID,
		Type: "function",
		Function: wire.ToolCallFunction{
			Name:      action.Tool,
			Arguments: string(argsJSON),
		},
	}
}

func (s *Server) extractAndStripDirectives(req *wire.ChatCompletionRequest) (directives, string) {
	idx := lastUserMessageIndex(req.Messages)
	if idx < 0 {
		return directives{}, ""
	}
	d, clean := extractDirectives(req.Messages[idx].Content.AsText())
	raw := clean
	req.Messages[idx].Content = wire.Content{Raw: &raw}
	return d, clean
}

func lastUserMessageIndex(messages []wire.Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == wire.RoleUser {
			return i
		}
	}
	return -1
}

func (s *Server) compactConfig() compact.Config {
	return compact.Config{
		MaxTokens:         s.cfg.ContextMaxTokens,
		ReserveTokens:     s.cfg.ContextReserveTokens,
		SafetyMargin:      s.cfg.ContextSafetyMargin,
		RecentMessages:    s.cfg.ContextRecentMessages,
		MinRecentMessages: s.cfg.ContextMinRecentMessages,
		SummaryMaxChars:   s.cfg.ContextSummaryMaxChars,
		ToolMaxLines:      s.cfg.ContextToolMaxLines,
		ToolMaxChars:      s.cfg.ContextToolMaxChars,
		CompactResetWins:  s.cfg.CompactReset,
	}
}

func setContextHeaders(w http.ResponseWriter, stats wire.ContextStats) {
	if stats.DroppedMessages == 0 && !stats.SummaryAdded {
		return
	}
	w.Header().Set("X-Proxy-Context-Used", fmt.Sprintf("%d", stats.UsedTokens))
	w.Header().Set("X-Proxy-Context-Total", fmt.Sprintf("%d", stats.TotalTokens))
	w.Header().Set("X-Proxy-Context-Dropped", fmt.Sprintf("%d", stats.DroppedMessages))
	if stats.SummaryAdded {
		w.Header().Set("X-Proxy-Context-Summary", "1")
	}
}

func opts(cfg *config.Config, req wire.ChatCompletionRequest) fallback.Options {
	return fallback.Options{
		ID:           "chatcmpl-" + fmt.Sprintf("%x", time.Now().UnixNano()),
		Model:        req.Model,
		Created:      time.Now().Unix(),
		IncludeUsage: cfg.IncludeUsage,
	}
}

func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return r.RemoteAddr
}

func drainText(ch <-chan wire.StreamChunk) (string, error) {
	var buf bytes.Buffer
	for chunk := range ch {
		switch chunk.Type {
		case wire.ChunkContent:
			buf.WriteString(chunk.Data)
		case wire.ChunkError:
			return "", wire.NewGatewayError(wire.ErrUpstreamStreamError, chunk.Data)
		}
	}
	return buf.String(), nil
}

func asGatewayError(err error) *wire.GatewayError {
	if gwErr, ok := err.(*wire.GatewayError); ok {
		return gwErr
	}
	return wire.NewGatewayError(wire.ErrUpstreamStreamError, err.Error())
}

func sseEventOf(v interface{}) fallback.SSEEvent {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	return fallback.SSEEvent{Payload: b}
}

func writeSSE(w http.ResponseWriter, events []fallback.SSEEvent) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	for _, e := range events {
		if e.Done {
			fmt.Fprint(w, "data: [DONE]\n\n")
		} else {
			fmt.Fprintf(w, "data: %s\n\n", e.Payload)
		}
		flush(w)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
