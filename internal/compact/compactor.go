// Package compact fits a message list under a token budget by dropping
// older messages and, when that alone isn't enough, synthesizing a summary
// of what was dropped — the same drop-then-summarize shape the teacher's
// agent loop applies before every upstream turn, generalized to operate on
// plain wire.Message values instead of the teacher's richer turn records.
package compact

import (
	"fmt"
	"math"
	"strings"

	"github.com/nextlevelbuilder/glm-gateway/internal/wire"
)

// Config mirrors spec §4.H's knob set.
type Config struct {
	MaxTokens         int
	ReserveTokens     int
	SafetyMargin      int
	RecentMessages    int
	MinRecentMessages int
	SummaryMaxChars   int
	ToolMaxLines      int
	ToolMaxChars      int

	// CompactResetWins resolves the §9 open question: when both
	// PROXY_COMPACT_RESET and PROXY_USE_GLM_HISTORY are set, the reset wins
	// and the gateway does not ask the upstream to reuse its accumulated
	// history. Compact itself does not read this field.
	CompactResetWins bool
}

// DefaultConfig returns spec-reasonable defaults.
func DefaultConfig() Config {
	return Config{
		MaxTokens:         128000,
		ReserveTokens:      4096,
		SafetyMargin:       1024,
		RecentMessages:     8,
		MinRecentMessages:  2,
		SummaryMaxChars:    1200,
		ToolMaxLines:       200,
		ToolMaxChars:       8000,
	}
}

// Result is the compacted message list plus the stats surfaced via
// X-Proxy-Context-* response headers.
type Result struct {
	Messages []wire.Message
	Stats    wire.ContextStats
}

// EstimateTokens approximates token count as ceil(totalChars / 4) over the
// serialized text of every message.
func EstimateTokens(messages []wire.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content.AsText())
	}
	return int(math.Ceil(float64(chars) / 4.0))
}

// Compact applies the §4.H algorithm: separate system + pinned recent
// messages; if they fit, silently drop the rest; otherwise synthesize a
// summary of what's dropped; if still over budget, shrink the pinned
// window down to MinRecentMessages.
func Compact(messages []wire.Message, cfg Config) Result {
	system, rest := splitSystemPrefix(messages)
	total := EstimateTokens(messages)
	budget := cfg.MaxTokens - cfg.ReserveTokens - cfg.SafetyMargin

	if len(rest) <= cfg.RecentMessages && total <= budget {
		return Result{Messages: messages, Stats: wire.ContextStats{UsedTokens: total, TotalTokens: total}}
	}

	cut := len(rest) - cfg.RecentMessages
	if cut < 0 {
		cut = 0
	}
	pinned := rest[cut:]
	dropped := rest[:cut]

	base := append(append([]wire.Message{}, system...), pinned...)
	if EstimateTokens(base) <= budget {
		used := EstimateTokens(base)
		return Result{
			Messages: base,
			Stats:    wire.ContextStats{UsedTokens: used, TotalTokens: total, DroppedMessages: len(dropped)},
		}
	}

	summary := summarize(dropped, cfg.SummaryMaxChars)
	withSummary := insertAfterSystem(system, summary, pinned)

	droppedCount := len(dropped)
	for EstimateTokens(withSummary) > budget && len(pinned) > cfg.MinRecentMessages {
		pinned = pinned[1:]
		droppedCount++
		withSummary = insertAfterSystem(system, summary, pinned)
	}

	used := EstimateTokens(withSummary)
	return Result{
		Messages: withSummary,
		Stats: wire.ContextStats{
			UsedTokens:      used,
			TotalTokens:     total,
			DroppedMessages: droppedCount,
			SummaryAdded:    true,
		},
	}
}

func splitSystemPrefix(messages []wire.Message) (system, rest []wire.Message) {
	i := 0
	for i < len(messages) && messages[i].Role == wire.RoleSystem {
		i++
	}
	return messages[:i], messages[i:]
}

func insertAfterSystem(system []wire.Message, summary wire.Message, rest []wire.Message) []wire.Message {
	out := make([]wire.Message, 0, len(system)+1+len(rest))
	out = append(out, system...)
	out = append(out, summary)
	out = append(out, rest...)
	return out
}

// summarize builds a single system message enumerating dropped user
// intents and tool outcomes, capped at maxChars.
func summarize(dropped []wire.Message, maxChars int) wire.Message {
	var b strings.Builder
	b.WriteString("Earlier conversation summary (older messages were dropped to fit context):\n")
	for _, m := range dropped {
		text := strings.TrimSpace(m.Content.AsText())
		if text == "" {
			continue
		}
		line := fmt.Sprintf("- [%s] %s\n", m.Role, truncateLine(text, 160))
		if b.Len()+len(line) > maxChars {
			break
		}
		b.WriteString(line)
	}
	summary := b.String()
	if len(summary) > maxChars {
		summary = summary[:maxChars]
	}
	raw := summary
	return wire.Message{Role: wire.RoleSystem, Content: wire.Content{Raw: &raw}}
}

func truncateLine(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// TruncateToolResult middle-elides tool output exceeding ToolMaxLines or
// ToolMaxChars with a "[truncated N chars]" marker.
func TruncateToolResult(content string, cfg Config) string {
	lines := strings.Split(content, "\n")
	if len(lines) <= cfg.ToolMaxLines && len(content) <= cfg.ToolMaxChars {
		return content
	}

	if len(lines) > cfg.ToolMaxLines {
		head := cfg.ToolMaxLines / 2
		tail := cfg.ToolMaxLines - head
		dropped := len(strings.Join(lines[head:len(lines)-tail], "\n"))
		out := append(append([]string{}, lines[:head]...), fmt.Sprintf("[truncated %d chars]", dropped))
		out = append(out, lines[len(lines)-tail:]...)
		content = strings.Join(out, "\n")
	}

	if len(content) > cfg.ToolMaxChars {
		head := cfg.ToolMaxChars / 2
		tail := cfg.ToolMaxChars - head
		marker := fmt.Sprintf("[truncated %d chars]", len(content)-head-tail)
		content = content[:head] + marker + content[len(content)-tail:]
	}
	return content
}
