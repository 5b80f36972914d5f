// Package toolregistry normalizes a client's declared tool array, resolves
// lookups tolerant of naming aliases, and coerces tool-specific argument
// shapes the way the teacher's policy/alias layer does for its own fixed
// tool set — generalized here to whatever tools the client declares.
package toolregistry

import (
	"encoding/json"
	"strings"

	"github.com/nextlevelbuilder/glm-gateway/internal/wire"
)

// Info is one registry entry: the declaration plus precomputed lookup
// metadata.
type Info struct {
	Tool         wire.ToolDefinition
	NormName     string
	PropertyKeys []string
	Required     []string
}

// Registry is built fresh per request from the client's declared tools.
type Registry struct {
	entries []Info
}

// New builds a Registry from the client's tool declarations.
func New(tools []wire.ToolDefinition) *Registry {
	r := &Registry{}
	for _, t := range tools {
		r.entries = append(r.entries, buildInfo(t))
	}
	return r
}

func buildInfo(t wire.ToolDefinition) Info {
	info := Info{
		Tool:     t,
		NormName: normalizeName(t.Function.Name),
	}
	if len(t.Function.Parameters) > 0 {
		var schema struct {
			Properties map[string]json.RawMessage `json:"properties"`
			Required   []string                   `json:"required"`
		}
		if err := json.Unmarshal(t.Function.Parameters, &schema); err == nil {
			for k := range schema.Properties {
				info.PropertyKeys = append(info.PropertyKeys, k)
			}
			info.Required = schema.Required
		}
	}
	return info
}

// normalizeName lowercases a tool name and strips `_`/`-`, the normalized
// form every lookup compares against.
func normalizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "_", "")
	name = strings.ReplaceAll(name, "-", "")
	return name
}

// Find resolves name against the registry: an exact normName match first,
// then substring containment in either direction, to tolerate client
// aliases such as write/write_file or run/run_shell.
func (r *Registry) Find(name string) (Info, bool) {
	norm := normalizeName(name)
	for _, e := range r.entries {
		if e.NormName == norm {
			return e, true
		}
	}
	for _, e := range r.entries {
		if norm == "" || e.NormName == "" {
			continue
		}
		if strings.Contains(e.NormName, norm) || strings.Contains(norm, e.NormName) {
			return e, true
		}
	}
	return Info{}, false
}

// Declared returns every registered tool declaration, in declaration order.
func (r *Registry) Declared() []wire.ToolDefinition {
	out := make([]wire.ToolDefinition, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Tool
	}
	return out
}

// Drop returns a new Registry with tool declarations whose normalized name
// matches any of names removed. Used by the protocol loop's todo-policy
// filter (spec §4.J step 5).
func (r *Registry) Drop(names ...string) *Registry {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[normalizeName(n)] = true
	}
	out := &Registry{}
	for _, e := range r.entries {
		if !drop[e.NormName] {
			out.entries = append(out.entries, e)
		}
	}
	return out
}

// HasAny reports whether any declared tool's normalized name matches one of
// names.
func (r *Registry) HasAny(names ...string) bool {
	for _, n := range names {
		if _, ok := r.Find(n); ok {
			return true
		}
	}
	return false
}

// pickArgKey chooses the first candidate present in the declared property
// keys, falling back to the first declared key if none match.
func pickArgKey(info Info, candidates []string) string {
	for _, c := range candidates {
		for _, k := range info.PropertyKeys {
			if k == c {
				return c
			}
		}
	}
	if len(info.PropertyKeys) > 0 {
		return info.PropertyKeys[0]
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return ""
}

// PickArgKey exposes pickArgKey for callers outside the package (the
// heuristic inferrers build args against the same declared-key choice).
func PickArgKey(info Info, candidates ...string) string {
	return pickArgKey(info, candidates)
}

// NormalizeArgsForTool applies the tool-specific coercions spec §4.E names:
// todowrite item defaults, write/edit path aliasing, and shell cmd/command
// aliasing.
func NormalizeArgsForTool(info Info, args map[string]interface{}) map[string]interface{} {
	if args == nil {
		args = map[string]interface{}{}
	}
	switch info.NormName {
	case "todowrite":
		normalizeTodoWrite(args)
	case "write", "edit":
		normalizeWriteEdit(info, args)
	default:
		if isShellTool(info.NormName) {
			normalizeShell(info, args)
		}
	}
	return args
}

func normalizeTodoWrite(args map[string]interface{}) {
	raw, ok := args["todos"]
	if !ok {
		return
	}
	items, ok := raw.([]interface{})
	if !ok {
		return
	}
	for _, it := range items {
		item, ok := it.(map[string]interface{})
		if !ok {
			continue
		}
		if _, ok := item["content"]; !ok || item["content"] == "" {
			item["content"] = firstNonEmpty(item, "title", "text")
		}
		if _, ok := item["status"].(string); !ok {
			item["status"] = "todo"
		}
		if _, ok := item["priority"]; !ok {
			item["priority"] = "medium"
		}
	}
}

func firstNonEmpty(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func normalizeWriteEdit(info Info, args map[string]interface{}) {
	key := pickArgKey(info, []string{"path", "filePath"})
	if key == "" {
		return
	}
	other := "filePath"
	if key == "filePath" {
		other = "path"
	}
	if _, ok := args[key]; !ok {
		if v, ok := args[other]; ok {
			args[key] = v
		}
	}
}

// defaultSchemaValidator backs the package-level ValidateArgs so callers
// that only have an Info/args pair (the planner's gating path) don't need
// to carry a validator instance through. Its compiled-schema cache is
// shared across the process, keyed by tool name + raw schema bytes, so
// repeated calls for the same client's declared tools don't recompile.
var defaultSchemaValidator = NewSchemaValidator()

// ValidateArgs rejects the one case spec §4.E calls out explicitly — a
// write call with both an empty content and an empty path — then, as a
// secondary pass, validates the normalized args against the tool's own
// declared JSON-Schema parameters via SchemaValidator, so a client-supplied
// schema with its own required/type constraints is honored even when it
// names nothing spec §4.E calls out by name.
func ValidateArgs(info Info, args map[string]interface{}) *wire.GatewayError {
	if info.NormName == "write" {
		content, _ := args["content"].(string)
		path, _ := args["path"].(string)
		filePath, _ := args["filePath"].(string)
		if content == "" && path == "" && filePath == "" {
			return wire.NewGatewayError(wire.ErrInvalidToolArgs, "write requires content or path")
		}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil
	}
	if schemaErr := defaultSchemaValidator.Validate(info, string(argsJSON)); schemaErr != nil {
		return wire.NewGatewayError(wire.ErrInvalidToolArgs, schemaErr.Error())
	}
	return nil
}

func isShellTool(normName string) bool {
	switch normName {
	case "run", "runshell", "exec", "bash", "shell":
		return true
	}
	return false
}

func normalizeShell(info Info, args map[string]interface{}) {
	key := pickArgKey(info, []string{"command", "cmd"})
	if key == "" {
		return
	}
	other := "cmd"
	if key == "cmd" {
		other = "command"
	}
	if _, ok := args[key]; !ok {
		if v, ok := args[other]; ok {
			args[key] = v
		}
	}
}
