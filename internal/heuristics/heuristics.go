// Package heuristics maps natural-language user text to explicit tool
// calls when the planner envelope is bypassed or returns no actions.
// Deliberately conservative: each inferrer fires on a narrow pattern and
// returns at most one action, never a guess dressed up as certainty.
package heuristics

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/shlex"

	"github.com/nextlevelbuilder/glm-gateway/internal/safety"
	"github.com/nextlevelbuilder/glm-gateway/internal/toolregistry"
	"github.com/nextlevelbuilder/glm-gateway/internal/wire"
)

// Infer runs every inferrer in order and returns the first match. Each
// inferrer independently decides whether its trigger pattern applies; at
// most one tool call is ever produced, matching spec §4.G's "single-element
// or null" contract for every inferrer.
func Infer(text string, reg *toolregistry.Registry) []wire.Action {
	if action, ok := InferExplicit(text, reg); ok {
		return action
	}
	if action, ok := InferRead(text, reg); ok {
		return action
	}
	if action, ok := InferWrite(text, reg); ok {
		return action
	}
	if action, ok := InferList(text, reg); ok {
		return action
	}
	if action, ok := InferPatch(text, reg); ok {
		return action
	}
	if action, ok := InferRun(text, reg); ok {
		return action
	}
	return nil
}

var explicitLineRe = regexp.MustCompile(`(?m)^\s*%\s*([A-Za-z0-9_-]+)\s*[:\-]?\s*(.*)$`)

var defaultArgKeyCandidates = []string{"url", "path", "filePath", "query", "input", "text", "command", "cmd", "pattern"}

// InferExplicit handles the "% tool_name args..." syntax the prompt builder
// advertises as an escape hatch.
func InferExplicit(text string, reg *toolregistry.Registry) ([]wire.Action, bool) {
	m := explicitLineRe.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	info, ok := reg.Find(m[1])
	if !ok {
		return nil, false
	}
	rest := strings.TrimSpace(m[2])

	var args map[string]interface{}
	if rest != "" && (rest[0] == '{' || rest[0] == '[') {
		if err := json.Unmarshal([]byte(rest), &args); err == nil {
			return []wire.Action{{Tool: info.Tool.Function.Name, Args: args}}, true
		}
	}
	if kv, ok := parseKeyValuePairs(rest); ok {
		return []wire.Action{{Tool: info.Tool.Function.Name, Args: kv}}, true
	}

	key := toolregistry.PickArgKey(info, defaultArgKeyCandidates...)
	if key == "" {
		return nil, false
	}
	return []wire.Action{{Tool: info.Tool.Function.Name, Args: map[string]interface{}{key: rest}}}, true
}

var kvPairRe = regexp.MustCompile(`(\w+)=("([^"]*)"|\S*)`)

func parseKeyValuePairs(rest string) (map[string]interface{}, bool) {
	matches := kvPairRe.FindAllStringSubmatch(rest, -1)
	if len(matches) == 0 {
		return nil, false
	}
	out := map[string]interface{}{}
	for _, m := range matches {
		val := m[2]
		if m[3] != "" {
			val = m[3]
		}
		out[m[1]] = val
	}
	return out, true
}

var readVerbRe = regexp.MustCompile(`(?i)\b(read|open|show|cat|print|display)\b`)
var searchVerbRe = regexp.MustCompile(`(?i)\b(search|find)\b`)
var filePathRe = regexp.MustCompile(`([\w./-]+\.[A-Za-z0-9]{1,8})\b`)

// InferRead fires on read-ish verbs (or search/find when no shell tool is
// declared) when a plausible file path can be extracted from the text.
func InferRead(text string, reg *toolregistry.Registry) ([]wire.Action, bool) {
	triggered := readVerbRe.MatchString(text)
	if !triggered && searchVerbRe.MatchString(text) && !reg.HasAny("bash", "shell", "run") {
		triggered = true
	}
	if !triggered {
		return nil, false
	}

	info, ok := reg.Find("read")
	if !ok {
		return nil, false
	}

	m := filePathRe.FindString(text)
	if m == "" {
		return nil, false
	}
	if safety.IsUnsafePathInput(m) || safety.IsSensitivePath(m) {
		return nil, false
	}

	key := toolregistry.PickArgKey(info, "path", "filePath")
	return []wire.Action{{Tool: info.Tool.Function.Name, Args: map[string]interface{}{key: m}}}, true
}

var createFileWithContentRe = regexp.MustCompile(`(?i)create\s+(?:a\s+)?file\s+([\w./-]+)\s+with\s+content\s+(.+)$`)
var writeToFileRe = regexp.MustCompile(`(?i)write\s+(.+?)\s+to\s+([\w./-]+)$`)
var saveFileContentRe = regexp.MustCompile(`(?i)save\s+([\w./-]+)\s+content\s+(.+)$`)
var bareCreateFileRe = regexp.MustCompile(`(?i)create\s+file\s+([\w./-]+)$`)

// InferWrite fires only on the narrow create/write/save patterns spec §4.G
// names explicitly; anything else falls through rather than guess at
// write intent.
func InferWrite(text string, reg *toolregistry.Registry) ([]wire.Action, bool) {
	info, ok := reg.Find("write")
	if !ok {
		return nil, false
	}
	text = strings.TrimSpace(text)

	var path, content string
	switch {
	case createFileWithContentRe.MatchString(text):
		m := createFileWithContentRe.FindStringSubmatch(text)
		path, content = m[1], m[2]
	case writeToFileRe.MatchString(text):
		m := writeToFileRe.FindStringSubmatch(text)
		content, path = m[1], m[2]
	case saveFileContentRe.MatchString(text):
		m := saveFileContentRe.FindStringSubmatch(text)
		path, content = m[1], m[2]
	case bareCreateFileRe.MatchString(text):
		m := bareCreateFileRe.FindStringSubmatch(text)
		path, content = m[1], ""
	default:
		return nil, false
	}

	if safety.IsUnsafePathInput(path) || safety.IsSensitivePath(path) {
		return nil, false
	}

	pathKey := toolregistry.PickArgKey(info, "path", "filePath")
	args := map[string]interface{}{pathKey: path, "content": content}
	return []wire.Action{{Tool: info.Tool.Function.Name, Args: args}}, true
}

var listTriggerRe = regexp.MustCompile(`(?i)\b(list files|directory contents|\bls\b)\b`)
var listDirRe = regexp.MustCompile(`(?i)\b(?:in|of)\s+([\w./-]+)`)

// InferList fires on directory-listing phrasing; when a glob tool is
// declared it builds a recursive glob instead of a bare directory listing.
func InferList(text string, reg *toolregistry.Registry) ([]wire.Action, bool) {
	if !listTriggerRe.MatchString(text) {
		return nil, false
	}
	dir := "."
	if m := listDirRe.FindStringSubmatch(text); m != nil {
		dir = m[1]
	}
	if safety.IsUnsafePathInput(dir) {
		return nil, false
	}

	if info, ok := reg.Find("glob"); ok {
		globPattern := strings.TrimSuffix(dir, "/") + "/**/*"
		if !doublestar.ValidatePattern(globPattern) {
			return nil, false
		}
		key := toolregistry.PickArgKey(info, "pattern", "path")
		return []wire.Action{{Tool: info.Tool.Function.Name, Args: map[string]interface{}{key: globPattern}}}, true
	}

	if info, ok := reg.Find("list"); ok {
		key := toolregistry.PickArgKey(info, "path")
		return []wire.Action{{Tool: info.Tool.Function.Name, Args: map[string]interface{}{key: dir}}}, true
	}
	return nil, false
}

var fencedDiffRe = regexp.MustCompile("(?s)```diff\\n(.*?)\\n?```")
var beginPatchRe = regexp.MustCompile(`(?s)\*\*\* Begin Patch\n(.*?)\n\*\*\* End Patch`)
var diffFileHeaderRe = regexp.MustCompile(`(?m)^---\s+(?:a/)?(\S+)`)

// InferPatch extracts a fenced diff or apply_patch-style block and converts
// it to an edit tool call when the hunk has both removed and added lines,
// otherwise passes the raw patch to apply_patch when declared.
func InferPatch(text string, reg *toolregistry.Registry) ([]wire.Action, bool) {
	var patch string
	if m := fencedDiffRe.FindStringSubmatch(text); m != nil {
		patch = m[1]
	} else if m := beginPatchRe.FindStringSubmatch(text); m != nil {
		patch = m[1]
	} else {
		return nil, false
	}

	hasMinus, hasPlus := false, false
	var oldLines, newLines []string
	for _, line := range strings.Split(patch, "\n") {
		switch {
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			hasMinus = true
			oldLines = append(oldLines, strings.TrimPrefix(line, "-"))
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			hasPlus = true
			newLines = append(newLines, strings.TrimPrefix(line, "+"))
		}
	}

	if info, ok := reg.Find("edit"); ok && hasMinus && hasPlus {
		path := ""
		if m := diffFileHeaderRe.FindStringSubmatch(patch); m != nil {
			path = m[1]
		}
		pathKey := toolregistry.PickArgKey(info, "path", "filePath")
		args := map[string]interface{}{
			pathKey:      path,
			"oldString": strings.Join(oldLines, "\n"),
			"newString": strings.Join(newLines, "\n"),
		}
		return []wire.Action{{Tool: info.Tool.Function.Name, Args: args}}, true
	}

	if info, ok := reg.Find("apply_patch"); ok {
		return []wire.Action{{Tool: info.Tool.Function.Name, Args: map[string]interface{}{"patch": patch}}}, true
	}
	return nil, false
}

var fencedShellRe = regexp.MustCompile("(?s)```(?:sh|shell|bash)?\\n(.*?)\\n?```")
var inlineBacktickRe = regexp.MustCompile("`([^`]+)`")
var englishGrepRe = regexp.MustCompile(`(?i)(?:search|grep|find)\s+for\s+["']?([\w.*-]+)["']?\s+in\s+([\w./-]+)`)
var englishMkdirRe = regexp.MustCompile(`(?i)(?:create|make)\s+(?:a\s+)?(?:directory|folder)\s+([\w./-]+)`)
var englishRmRe = regexp.MustCompile(`(?i)(?:remove|delete)\s+(?:the\s+)?file\s+([\w./-]+)`)
var englishMvRe = regexp.MustCompile(`(?i)(?:move|rename)\s+([\w./-]+)\s+to\s+([\w./-]+)`)

// InferRun accepts an explicit shell block, or synthesizes one of a handful
// of common commands from narrow English phrasing. Every synthesized
// argument is shell-escaped before being joined into the final command
// string, and the assembled command is still run back through the deny
// pattern check — a heuristic is never trusted to be safe by construction.
func InferRun(text string, reg *toolregistry.Registry) ([]wire.Action, bool) {
	info, ok := reg.Find("run")
	if !ok {
		if info, ok = reg.Find("bash"); !ok {
			return nil, false
		}
	}

	var cmd string
	if m := fencedShellRe.FindStringSubmatch(text); m != nil {
		cmd = strings.TrimSpace(m[1])
	} else if m := inlineBacktickRe.FindStringSubmatch(text); m != nil {
		cmd = strings.TrimSpace(m[1])
	} else if m := englishGrepRe.FindStringSubmatch(text); m != nil {
		cmd = joinShell("rg", m[1], m[2])
	} else if m := englishMkdirRe.FindStringSubmatch(text); m != nil {
		cmd = joinShell("mkdir", "-p", m[1])
	} else if m := englishRmRe.FindStringSubmatch(text); m != nil {
		cmd = joinShell("rm", m[1])
	} else if m := englishMvRe.FindStringSubmatch(text); m != nil {
		cmd = joinShell("mv", m[1], m[2])
	} else {
		return nil, false
	}

	if cmd == "" {
		return nil, false
	}
	if safety.MatchesDenylist(cmd) {
		return nil, false
	}

	key := toolregistry.PickArgKey(info, "command", "cmd")
	return []wire.Action{{Tool: info.Tool.Function.Name, Args: map[string]interface{}{key: cmd}}}, true
}

// joinShell shell-escapes each argument (parsing it through shlex first so
// any already-quoted phrase the model produced round-trips as one token)
// and joins them into a single command string.
func joinShell(argv ...string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		tokens, err := shlex.Split(a)
		if err != nil || len(tokens) != 1 {
			parts[i] = shellQuote(a)
			continue
		}
		parts[i] = shellQuote(tokens[0])
	}
	return strings.Join(parts, " ")
}

var safeUnquotedRe = regexp.MustCompile(`^[A-Za-z0-9_\-./]+$`)

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if safeUnquotedRe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
