// Package jsonrepair locates and coerces the first JSON object or array in
// noisy model output, applying progressively more aggressive repairs until
// it parses or the repair budget is exhausted.
package jsonrepair

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/glm-gateway/internal/wire"
)

var fencedBlockRe = regexp.MustCompile("(?s)```[A-Za-z0-9_-]*\\n(.*?)\\n?```")
var lineCommentRe = regexp.MustCompile(`(?m)//[^\n]*$`)
var blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
var trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)

// StripFencedCodeBlocks removes the first ```lang\n...\n``` block wrapper,
// returning the inner text if present, else the input unchanged.
func StripFencedCodeBlocks(raw string) string {
	if m := fencedBlockRe.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	return raw
}

// ExtractFirstJSONObject returns the first balanced {...} substring of raw,
// honoring string and backslash-escape state so braces inside string
// literals are ignored.
func ExtractFirstJSONObject(raw string) (string, bool) {
	return extractBalanced(raw, '{', '}')
}

// ExtractFirstJSONArray returns the first balanced [...] substring of raw,
// honoring string/escape state, for raw tool-call arrays.
func ExtractFirstJSONArray(raw string) (string, bool) {
	return extractBalanced(raw, '[', ']')
}

func extractBalanced(raw string, open, close byte) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if start == -1 {
			if c == open {
				start = i
				depth = 1
				inString = false
				escaped = false
			}
			continue
		}
		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return raw[start : i+1], true
			}
		}
	}
	return "", false
}

// repairs is the ordered list of progressively aggressive fixups applied to
// a candidate JSON substring between parse attempts.
var repairs = []func(string) string{
	func(s string) string { return blockCommentRe.ReplaceAllString(s, "") },
	func(s string) string { return lineCommentRe.ReplaceAllString(s, "") },
	func(s string) string { return trailingCommaRe.ReplaceAllString(s, "$1") },
	escapeBareNewlinesInStrings,
	escapeNewlinesInArgumentsValue,
}

// TryParseModelOutput extracts and parses the first JSON object in raw. Only
// when raw contains no object at all is the first JSON array tried, and an
// array never decodes into the map result, so that case reports false
// (TryParseModelOutputArray parses arrays). In strict mode the entire trimmed
// input must equal the extracted candidate.
func TryParseModelOutput(raw string, strict bool) (map[string]interface{}, bool) {
	raw = StripFencedCodeBlocks(raw)
	trimmed := strings.TrimSpace(raw)

	candidate, ok := ExtractFirstJSONObject(raw)
	if !ok {
		if arr, ok2 := ExtractFirstJSONArray(raw); ok2 {
			if strict && strings.TrimSpace(arr) != trimmed {
				return nil, false
			}
			return tryParseWithRepairs(arr)
		}
		return nil, false
	}
	if strict && strings.TrimSpace(candidate) != trimmed {
		return nil, false
	}
	return tryParseWithRepairs(candidate)
}

// TryParseModelOutputArray is the array-shaped counterpart, used for raw
// tool-call payloads.
func TryParseModelOutputArray(raw string, strict bool) ([]interface{}, bool) {
	raw = StripFencedCodeBlocks(raw)
	trimmed := strings.TrimSpace(raw)

	candidate, ok := ExtractFirstJSONArray(raw)
	if !ok {
		return nil, false
	}
	if strict && strings.TrimSpace(candidate) != trimmed {
		return nil, false
	}
	s := candidate
	var out []interface{}
	if json.Unmarshal([]byte(s), &out) == nil {
		return out, true
	}
	for _, repair := range repairs {
		s = repair(s)
		if json.Unmarshal([]byte(s), &out) == nil {
			return out, true
		}
	}
	return nil, false
}

func tryParseWithRepairs(candidate string) (map[string]interface{}, bool) {
	s := candidate
	var out map[string]interface{}
	if json.Unmarshal([]byte(s), &out) == nil {
		return out, true
	}
	for _, repair := range repairs {
		s = repair(s)
		if json.Unmarshal([]byte(s), &out) == nil {
			return out, true
		}
	}
	return nil, false
}

// escapeBareNewlinesInStrings rewrites literal newlines/carriage returns
// found inside string literals to their escaped form, since a raw newline
// inside a JSON string is invalid.
func escapeBareNewlinesInStrings(s string) string {
	var b strings.Builder
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				b.WriteByte(c)
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
				b.WriteByte(c)
			case '"':
				inString = false
				b.WriteByte(c)
			case '\n':
				b.WriteString(`\n`)
			case '\r':
				b.WriteString(`\r`)
			default:
				b.WriteByte(c)
			}
			continue
		}
		if c == '"' {
			inString = true
		}
		b.WriteByte(c)
	}
	return b.String()
}

var argumentsValueRe = regexp.MustCompile(`(?s)("arguments"\s*:\s*")(.*?)("(?:\s*[,}]))`)

// escapeNewlinesInArgumentsValue specifically rewrites literal newlines
// within the value of an "arguments" string key, the single field most
// prone to carrying multi-line free text straight from the model.
func escapeNewlinesInArgumentsValue(s string) string {
	return argumentsValueRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := argumentsValueRe.FindStringSubmatch(m)
		if sub == nil {
			return m
		}
		body := strings.ReplaceAll(sub[2], "\r\n", `\n`)
		body = strings.ReplaceAll(body, "\n", `\n`)
		body = strings.ReplaceAll(body, "\r", `\r`)
		return sub[1] + body + sub[3]
	})
}

var widestObjectWithKeyRe = regexp.MustCompile(`\{`)

// TryRepairPlannerOutput additionally tolerates a planner envelope wrapped
// in prose by locating the widest balanced object whose top-level keys
// include "plan" or "actions".
func TryRepairPlannerOutput(raw string) (*wire.PlannerOutput, bool) {
	raw = StripFencedCodeBlocks(raw)

	if obj, ok := TryParseModelOutput(raw, false); ok {
		if looksLikePlannerObject(obj) {
			if out, ok := decodePlannerOutput(obj); ok {
				return out, true
			}
		}
	}

	// Scan every '{' as a candidate start and keep the widest balanced
	// object whose keys include plan or actions.
	var best string
	for _, loc := range widestObjectWithKeyRe.FindAllStringIndex(raw, -1) {
		candidate, ok := extractBalanced(raw[loc[0]:], '{', '}')
		if !ok {
			continue
		}
		obj, ok := tryParseWithRepairs(candidate)
		if !ok || !looksLikePlannerObject(obj) {
			continue
		}
		if len(candidate) > len(best) {
			best = candidate
		}
	}
	if best == "" {
		return nil, false
	}
	obj, ok := tryParseWithRepairs(best)
	if !ok {
		return nil, false
	}
	return decodePlannerOutput(obj)
}

func looksLikePlannerObject(obj map[string]interface{}) bool {
	_, hasPlan := obj["plan"]
	_, hasActions := obj["actions"]
	return hasPlan || hasActions
}

func decodePlannerOutput(obj map[string]interface{}) (*wire.PlannerOutput, bool) {
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, false
	}
	var out wire.PlannerOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false
	}
	return &out, true
}
