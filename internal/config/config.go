// Package config loads the gateway's environment-driven configuration,
// following the teacher's Default()/applyEnvOverrides()/envStr pattern
// (internal/config/config_load.go) with the file-based JSON5 layer
// dropped: this gateway has nothing worth persisting to a config file, so
// every knob spec §6 names is env-only.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full set of PROXY_* knobs spec §6 documents.
type Config struct {
	Debug                bool
	NewChatPerRequest     bool
	AllowWebSearch        bool
	ToolLoopLimit         int
	IncludeUsage          bool
	PlannerMaxRetries     int
	MaxActionsPerTurn     int
	AllowRawMutations     bool
	DefaultThinking       bool

	ContextMaxTokens        int
	ContextReserveTokens    int
	ContextSafetyMargin     int
	ContextRecentMessages   int
	ContextMinRecentMessages int
	ContextSummaryMaxChars  int
	ContextToolMaxLines     int
	ContextToolMaxChars     int
	CompactReset            bool
	UseUpstreamHistory       bool

	ConfirmationTTL time.Duration

	Host           string
	Port           int
	UpstreamBaseURL string
	UpstreamModel   string

	OTelEndpoint string
}

// Default returns the documented defaults, matching spec §6's table.
func Default() *Config {
	return &Config{
		Debug:             false,
		NewChatPerRequest: false,
		AllowWebSearch:    false,
		ToolLoopLimit:     3,
		IncludeUsage:      true,
		PlannerMaxRetries: 1,
		MaxActionsPerTurn: 3,
		AllowRawMutations: false,
		DefaultThinking:   true,

		ContextMaxTokens:         128000,
		ContextReserveTokens:     4096,
		ContextSafetyMargin:      1024,
		ContextRecentMessages:    8,
		ContextMinRecentMessages: 2,
		ContextSummaryMaxChars:   1200,
		ContextToolMaxLines:      200,
		ContextToolMaxChars:      8000,
		CompactReset:             false,
		UseUpstreamHistory:       false,

		ConfirmationTTL: 5 * time.Minute,

		Host: "0.0.0.0",
		Port: 8787,

		UpstreamModel: "glm-4.6",
	}
}

// Load builds a Config from Default() overlaid with environment
// variables.
func Load() *Config {
	cfg := Default()
	cfg.applyEnvOverrides()
	return cfg
}

func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = isOn(v)
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	envBool("PROXY_DEBUG", &c.Debug)
	envBool("PROXY_NEW_CHAT_PER_REQUEST", &c.NewChatPerRequest)
	envBool("PROXY_ALLOW_WEB_SEARCH", &c.AllowWebSearch)
	envInt("PROXY_TOOL_LOOP_LIMIT", &c.ToolLoopLimit)
	envBool("PROXY_INCLUDE_USAGE", &c.IncludeUsage)
	envInt("PROXY_PLANNER_MAX_RETRIES", &c.PlannerMaxRetries)
	envInt("PROXY_MAX_ACTIONS_PER_TURN", &c.MaxActionsPerTurn)
	envBool("PROXY_ALLOW_RAW_MUTATIONS", &c.AllowRawMutations)
	envBool("PROXY_DEFAULT_THINKING", &c.DefaultThinking)

	envInt("PROXY_CONTEXT_MAX_TOKENS", &c.ContextMaxTokens)
	envInt("PROXY_CONTEXT_RESERVE_TOKENS", &c.ContextReserveTokens)
	envInt("PROXY_CONTEXT_SAFETY_MARGIN", &c.ContextSafetyMargin)
	envInt("PROXY_CONTEXT_RECENT_MESSAGES", &c.ContextRecentMessages)
	envInt("PROXY_CONTEXT_MIN_RECENT_MESSAGES", &c.ContextMinRecentMessages)
	envInt("PROXY_CONTEXT_SUMMARY_MAX_CHARS", &c.ContextSummaryMaxChars)
	envInt("PROXY_CONTEXT_TOOL_MAX_LINES", &c.ContextToolMaxLines)
	envInt("PROXY_CONTEXT_TOOL_MAX_CHARS", &c.ContextToolMaxChars)
	envBool("PROXY_COMPACT_RESET", &c.CompactReset)
	envBool("PROXY_USE_GLM_HISTORY", &c.UseUpstreamHistory)

	envDuration("PROXY_CONFIRMATION_TTL", &c.ConfirmationTTL)

	envStr("PROXY_HOST", &c.Host)
	envInt("PROXY_PORT", &c.Port)
	envStr("PROXY_UPSTREAM_BASE_URL", &c.UpstreamBaseURL)
	envStr("PROXY_UPSTREAM_MODEL", &c.UpstreamModel)

	envStr("PROXY_OTEL_ENDPOINT", &c.OTelEndpoint)
}

// isOn parses the "1"/"0" and "on"/"off" spellings spec §6 allows for
// boolean toggles.
func isOn(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "on", "true", "yes":
		return true
	default:
		return false
	}
}
