package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withEnv(t *testing.T, kv map[string]string, fn func()) {
	t.Helper()
	for k, v := range kv {
		old, had := os.LookupEnv(k)
		os.Setenv(k, v)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			} else {
				os.Unsetenv(k)
			}
		})
	}
	fn()
}

func TestDefaultMatchesDocumentedDefaults(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.Debug)
	assert.Equal(t, 3, cfg.ToolLoopLimit)
	assert.True(t, cfg.IncludeUsage)
	assert.Equal(t, 1, cfg.PlannerMaxRetries)
	assert.Equal(t, 3, cfg.MaxActionsPerTurn)
	assert.False(t, cfg.AllowRawMutations)
	assert.True(t, cfg.DefaultThinking)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	withEnv(t, map[string]string{
		"PROXY_DEBUG":                 "on",
		"PROXY_TOOL_LOOP_LIMIT":       "5",
		"PROXY_ALLOW_WEB_SEARCH":      "1",
		"PROXY_PLANNER_MAX_RETRIES":   "2",
		"PROXY_CONFIRMATION_TTL":      "90s",
	}, func() {
		cfg := Load()
		assert.True(t, cfg.Debug)
		assert.Equal(t, 5, cfg.ToolLoopLimit)
		assert.True(t, cfg.AllowWebSearch)
		assert.Equal(t, 2, cfg.PlannerMaxRetries)
		assert.Equal(t, 90*time.Second, cfg.ConfirmationTTL)
	})
}

func TestLoadLeavesDefaultsWhenUnset(t *testing.T) {
	withEnv(t, map[string]string{}, func() {
		cfg := Load()
		require.Equal(t, Default().ToolLoopLimit, cfg.ToolLoopLimit)
	})
}

func TestIsOnRecognizesAllSpellings(t *testing.T) {
	for _, v := range []string{"1", "on", "ON", "true", "yes"} {
		assert.True(t, isOn(v), v)
	}
	for _, v := range []string{"0", "off", "false", "", "no"} {
		assert.False(t, isOn(v), v)
	}
}
