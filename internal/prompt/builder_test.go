package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/glm-gateway/internal/wire"
)

func TestBuildIncludesAllowedToolsAndExamples(t *testing.T) {
	c := NewCache()
	tools := []wire.ToolDefinition{{Function: wire.ToolFunctionSchema{Name: "read", Description: "reads a file"}}}
	out := c.Build(tools, Options{})
	assert.Contains(t, out, "Allowed tools:")
	assert.Contains(t, out, "read: reads a file")
	assert.Contains(t, out, `"plan"`)
}

func TestBuildCachesByToolIdentity(t *testing.T) {
	c := NewCache()
	tools := []wire.ToolDefinition{{Function: wire.ToolFunctionSchema{Name: "read"}}}
	a := c.Build(tools, Options{})
	b := c.Build(tools, Options{})
	assert.Equal(t, a, b)
}

func TestBuildCacheIsBounded(t *testing.T) {
	c := NewCache()
	for i := 0; i < cacheBound+5; i++ {
		tools := []wire.ToolDefinition{{Function: wire.ToolFunctionSchema{Name: strings.Repeat("t", i+1)}}}
		c.Build(tools, Options{})
	}
	require.LessOrEqual(t, c.lru.Len(), cacheBound)
}

func TestTruncateHeadTail(t *testing.T) {
	s := strings.Repeat("x", 1000)
	out := truncateHeadTail(s, 100)
	assert.Contains(t, out, "...[truncated]...")
	assert.Less(t, len(out), len(s))
}
