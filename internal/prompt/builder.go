// Package prompt assembles the planner's system message: the preamble
// defining the JSON envelope, the allowed-tools catalog, and static safety
// guidance, cached per (tool-list identity, extra-system) pair.
package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nextlevelbuilder/glm-gateway/internal/wire"
)

const cacheBound = 8 // observed bound, spec §9

const preamble = `You are operating a tool-using assistant. Respond with a single JSON object of the shape:
{"plan": ["..."], "actions": [{"tool": "...", "args": {...}, "why": "...", "expect": "...", "safety": {"risk": "low|medium|high", "notes": "..."}}], "final": "...", "thought": "..."}
Emit ONLY this JSON object, nothing before or after it. "actions" may be an empty array when no tool call is needed; in that case "final" carries your answer to the user.`

const guidance = `Tool selection: prefer the narrowest tool that satisfies the request; never invent a tool name not in the Allowed tools list.
Mutation confirmation boundary: at most one mutating action (write, edit, apply_patch, run/bash/shell, delete, mkdir, mv) may be proposed per turn; if more are needed, propose the first and explain the rest in "plan".
Path safety: never propose an absolute path, a path containing "..", a path under .ssh/.git, or any .env/credential-like file.
You may also emit an explicit single-tool call outside the envelope using the syntax: % tool_name arg1=val1 arg2=val2`

const exampleOne = `{"plan":["read the requested file"],"actions":[{"tool":"read","args":{"path":"README.md"},"why":"user asked to see the file"}],"final":"","thought":"straightforward read"}`
const exampleTwo = `{"plan":["answer directly, no tool needed"],"actions":[],"final":"The capital of France is Paris.","thought":""}`

const maxParamSchemaChars = 400
const maxExtraSystemChars = 2000

// Cache memoizes built system prompts by (tool signature, extra system
// text), bounded the way the teacher bounds its planner-prompt cache.
type Cache struct {
	lru *lru.Cache[string, string]
}

// NewCache returns a bounded prompt cache.
func NewCache() *Cache {
	c, _ := lru.New[string, string](cacheBound)
	return &Cache{lru: c}
}

// Options controls the args-vs-schema rendering choice per tool entry.
type Options struct {
	ShowArgKeys  bool
	ExtraSystem  string
	AllowWebTool bool
}

// Build returns the cached or freshly-assembled system prompt for tools.
func (c *Cache) Build(tools []wire.ToolDefinition, opts Options) string {
	key := cacheKey(tools, opts)
	if v, ok := c.lru.Get(key); ok {
		return v
	}
	built := build(tools, opts)
	c.lru.Add(key, built)
	return built
}

func cacheKey(tools []wire.ToolDefinition, opts Options) string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Function.Name
	}
	sort.Strings(names)
	h := sha256.New()
	h.Write([]byte(strings.Join(names, ",")))
	h.Write([]byte{0})
	h.Write([]byte(opts.ExtraSystem))
	h.Write([]byte{0})
	if opts.ShowArgKeys {
		h.Write([]byte{1})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func build(tools []wire.ToolDefinition, opts Options) string {
	var b strings.Builder
	b.WriteString(preamble)
	b.WriteString("\n\n")

	b.WriteString("Allowed tools:\n")
	for _, t := range tools {
		b.WriteString("- ")
		b.WriteString(t.Function.Name)
		b.WriteString(": ")
		b.WriteString(t.Function.Description)
		if opts.ShowArgKeys {
			keys := propertyKeys(t)
			if len(keys) > 0 {
				b.WriteString(" args: ")
				b.WriteString(strings.Join(keys, ", "))
			}
		} else if len(t.Function.Parameters) > 0 {
			b.WriteString(" schema: ")
			b.WriteString(truncateHeadTail(string(t.Function.Parameters), maxParamSchemaChars))
		}
		b.WriteString("\n")
	}

	if opts.ExtraSystem != "" {
		b.WriteString("\n")
		b.WriteString(truncateHeadTail(opts.ExtraSystem, maxExtraSystemChars))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(guidance)
	b.WriteString("\n\n")

	b.WriteString("Example (tool call):\n")
	b.WriteString(exampleOne)
	b.WriteString("\n\nExample (direct answer):\n")
	b.WriteString(exampleTwo)

	return b.String()
}

func propertyKeys(t wire.ToolDefinition) []string {
	if len(t.Function.Parameters) == 0 {
		return nil
	}
	var schema struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(t.Function.Parameters, &schema); err != nil {
		return nil
	}
	keys := make([]string, 0, len(schema.Properties))
	for k := range schema.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// truncateHeadTail keeps the first 70% and the last 30% of max bytes of s
// when s exceeds max, joined by an elision marker, matching spec §4.F's
// "truncated head-70% + tail" param-schema rendering.
func truncateHeadTail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	headLen := max * 7 / 10
	tailLen := max - headLen
	return fmt.Sprintf("%s...[truncated]...%s", s[:headLen], s[len(s)-tailLen:])
}
