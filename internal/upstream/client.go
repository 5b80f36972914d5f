// Package upstream adapts the proprietary conversational backend's HTTP/SSE
// transport to the async-iterable-of-StreamChunk contract the planner and
// fallback flows consume, the way the teacher's internal/providers package
// adapts each LLM vendor's wire format behind a single Provider interface.
package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/glm-gateway/internal/sse"
	"github.com/nextlevelbuilder/glm-gateway/internal/stream"
	"github.com/nextlevelbuilder/glm-gateway/internal/wire"
)

var tracer = otel.Tracer("glm-gateway/upstream")

// SendMessageRequest is the contract spec §4.M names: {chatId, messages,
// enableThinking, includeHistory, parentMessageId, features}.
type SendMessageRequest struct {
	ChatID          string
	Messages        []wire.Message
	EnableThinking  bool
	IncludeHistory  bool
	ParentMessageID string
	Features        map[string]bool
}

// ChatStore is the narrow external collaborator spec §6 leaves out of
// scope: persistent chat creation. Only EnsureChat's signature matters
// here.
type ChatStore interface {
	EnsureChat(ctx context.Context, title, model string) (chatID string, err error)
}

// TokenSource is the other narrow collaborator: opaque bearer-token
// retrieval for the signed upstream request.
type TokenSource interface {
	LoadToken(ctx context.Context) (string, error)
}

// Client is the adapter's public surface.
type Client interface {
	SendMessage(ctx context.Context, req SendMessageRequest) (<-chan wire.StreamChunk, error)
	GetCurrentMessageID(ctx context.Context, chatID string) (string, error)
}

// HTTPClient issues one POST per SendMessage call, negotiates SSE, and
// drives it through the §4.A framer and §4.B/C splitter+dedup to produce
// the typed chunk stream.
type HTTPClient struct {
	BaseURL     string
	HTTPClient  *http.Client
	TokenSource TokenSource
	Model       string
}

// NewHTTPClient returns a Client backed by the given base URL.
func NewHTTPClient(baseURL string, httpClient *http.Client, tokenSource TokenSource, model string) *HTTPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPClient{BaseURL: baseURL, HTTPClient: httpClient, TokenSource: tokenSource, Model: model}
}

type upstreamDelta struct {
	Delta string `json:"delta"`
	Done  bool   `json:"done"`
}

// SendMessage posts the turn and returns a channel of typed StreamChunks.
// The channel is closed once the upstream stream ends (done/error) or ctx
// is cancelled, flushing any open splitter/dedup state first.
func (c *HTTPClient) SendMessage(ctx context.Context, req SendMessageRequest) (<-chan wire.StreamChunk, error) {
	ctx, span := tracer.Start(ctx, "upstream.send_message",
		trace.WithAttributes(
			attribute.String("chat_id", req.ChatID),
			attribute.Bool("enable_thinking", req.EnableThinking),
			attribute.Int("message_count", len(req.Messages)),
		))

	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		span.End()
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		span.End()
		return nil, wire.NewGatewayError(wire.ErrUpstreamStreamError, err.Error())
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		span.End()
		return nil, wire.NewGatewayError(wire.ErrUpstreamStreamError, fmt.Sprintf("upstream status %d", resp.StatusCode))
	}

	out := make(chan wire.StreamChunk)
	go c.pump(ctx, resp.Body, out, span)
	return out, nil
}

func (c *HTTPClient) pump(ctx context.Context, body io.ReadCloser, out chan<- wire.StreamChunk, span trace.Span) {
	defer close(out)
	defer span.End()
	defer body.Close()

	framer := sse.NewFramer()
	splitter := stream.NewSplitter()
	dedup := stream.NewDedup()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	emit := func(chunks []wire.StreamChunk) bool {
		for _, ch := range chunks {
			select {
			case out <- ch:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			finalize(splitter, dedup, emit)
			return
		default:
		}

		payloads := framer.Push(append(scanner.Bytes(), '\n'))
		for _, payload := range payloads {
			if payload == "[DONE]" {
				finalize(splitter, dedup, emit)
				emit([]wire.StreamChunk{{Type: wire.ChunkDone}})
				return
			}
			if !handlePayload(payload, splitter, dedup, emit) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		emit([]wire.StreamChunk{{Type: wire.ChunkError, Data: err.Error()}})
		return
	}

	for _, payload := range framer.Flush() {
		if payload != "[DONE]" {
			handlePayload(payload, splitter, dedup, emit)
		}
	}
	finalize(splitter, dedup, emit)
	emit([]wire.StreamChunk{{Type: wire.ChunkDone}})
}

func handlePayload(payload string, splitter *stream.Splitter, dedup *stream.Dedup, emit func([]wire.StreamChunk) bool) bool {
	delta := payload
	var decoded upstreamDelta
	if json.Unmarshal([]byte(payload), &decoded) == nil && decoded.Delta != "" {
		delta = decoded.Delta
	}
	var out []wire.StreamChunk
	for _, c := range splitter.Push(delta) {
		out = append(out, dedup.Process(c)...)
	}
	return emit(out)
}

func finalize(splitter *stream.Splitter, dedup *stream.Dedup, emit func([]wire.StreamChunk) bool) {
	var out []wire.StreamChunk
	for _, c := range splitter.Finalize() {
		out = append(out, dedup.Process(c)...)
	}
	out = append(out, dedup.Finalize()...)
	emit(out)
}

func (c *HTTPClient) buildRequest(ctx context.Context, req SendMessageRequest) (*http.Request, error) {
	body := map[string]interface{}{
		"chatId":          req.ChatID,
		"model":           c.Model,
		"messages":        req.Messages,
		"enableThinking":  req.EnableThinking,
		"includeHistory":  req.IncludeHistory,
		"parentMessageId": req.ParentMessageID,
		"features":        req.Features,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/stream", strings.NewReader(string(payload)))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	if c.TokenSource != nil {
		token, err := c.TokenSource.LoadToken(ctx)
		if err == nil && token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return httpReq, nil
}

// GetCurrentMessageID returns the branch point for a new turn when
// includeHistory=false.
func (c *HTTPClient) GetCurrentMessageID(ctx context.Context, chatID string) (string, error) {
	url := fmt.Sprintf("%s/chats/%s/current-message", c.BaseURL, chatID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	if c.TokenSource != nil {
		if token, err := c.TokenSource.LoadToken(ctx); err == nil && token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}
	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return "", wire.NewGatewayError(wire.ErrUpstreamStreamError, err.Error())
	}
	defer resp.Body.Close()

	var decoded struct {
		MessageID string `json:"messageId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	return decoded.MessageID, nil
}
