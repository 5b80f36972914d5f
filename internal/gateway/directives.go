package gateway

import (
	"regexp"
	"strings"
)

// directives is what the request handler extracts from the latest user
// message per spec §4.L / §6 before it ever reaches the planner: test-only
// overrides, an extra system directive, and feature toggles. Matched lines
// are stripped from the text that's actually sent upstream.
type directives struct {
	ExtraSystem        string
	ForceToolResult    bool
	NoHeuristics       bool
	ThinkingOverride   *bool
	SearchOverride     *bool
	AutoSearchOverride *bool
}

var (
	systemDirectiveRe  = regexp.MustCompile(`(?m)^\s*/system\s+(.*)$`)
	testToolLoopRe     = regexp.MustCompile(`(?im)^\s*/test\s+tool-(?:loop|result)\s*$`)
	testNoHeuristicsRe = regexp.MustCompile(`(?im)^\s*/test\s+no-heuristics\s*$`)
	thinkingToggleRe   = regexp.MustCompile(`(?im)^\s*/thinking\s+(on|off)\s*$`)
	searchToggleRe     = regexp.MustCompile(`(?im)^\s*/search\s+(on|off)\s*$`)
	autoSearchToggleRe = regexp.MustCompile(`(?im)^\s*/auto_search\s+(on|off)\s*$`)
)

// extractDirectives scans text for the directive lines spec §4.L/§6 name,
// returning the parsed directives plus text with every matched line
// removed.
func extractDirectives(text string) (directives, string) {
	var d directives

	if m := systemDirectiveRe.FindStringSubmatch(text); m != nil {
		d.ExtraSystem = strings.TrimSpace(m[1])
		text = systemDirectiveRe.ReplaceAllString(text, "")
	}
	if testToolLoopRe.MatchString(text) {
		d.ForceToolResult = true
		text = testToolLoopRe.ReplaceAllString(text, "")
	}
	if testNoHeuristicsRe.MatchString(text) {
		d.NoHeuristics = true
		text = testNoHeuristicsRe.ReplaceAllString(text, "")
	}
	if m := thinkingToggleRe.FindStringSubmatch(text); m != nil {
		v := m[1] == "on"
		d.ThinkingOverride = &v
		text = thinkingToggleRe.ReplaceAllString(text, "")
	}
	if m := searchToggleRe.FindStringSubmatch(text); m != nil {
		v := m[1] == "on"
		d.SearchOverride = &v
		text = searchToggleRe.ReplaceAllString(text, "")
	}
	if m := autoSearchToggleRe.FindStringSubmatch(text); m != nil {
		v := m[1] == "on"
		d.AutoSearchOverride = &v
		text = autoSearchToggleRe.ReplaceAllString(text, "")
	}

	return d, strings.TrimSpace(text)
}
