package safety

import (
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/glm-gateway/internal/wire"
)

var mutationSet = map[string]bool{
	"write": true, "edit": true, "applypatch": true, "bash": true,
	"shell": true, "delete": true, "remove": true, "mkdir": true,
	"mv": true, "move": true,
}

// isRunTool matches any run* normalized name (run, runshell, run_foo, ...).
func isRunTool(normName string) bool {
	return strings.HasPrefix(normName, "run")
}

func isMutation(normName string) bool {
	return mutationSet[normName] || isRunTool(normName)
}

var rawModeAllowlist = map[string]bool{
	"question": true, "read": true, "list": true, "glob": true,
	"grep": true, "task": true, "search": true, "rg": true,
	"ripgrep": true, "todoread": true, "todowrite": true,
	"webfetch": true, "websearch": true,
}

func normalize(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "_", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}

// MutationBoundaryResult is the outcome of applying spec §4.I's
// single-mutation-per-turn rule.
type MutationBoundaryResult struct {
	Actions   []wire.Action
	Truncated bool
}

// ApplyMutationBoundary keeps only the first action when the list contains
// any mutating action, marking the result truncated if anything was dropped;
// a list with no mutation is returned unchanged.
func ApplyMutationBoundary(actions []wire.Action) MutationBoundaryResult {
	var hasMutation bool
	for _, a := range actions {
		if isMutation(normalize(a.Tool)) {
			hasMutation = true
			break
		}
	}
	if !hasMutation {
		return MutationBoundaryResult{Actions: actions}
	}

	return MutationBoundaryResult{Actions: actions[:1], Truncated: len(actions) > 1}
}

// FilterRawModeAllowlist drops tool calls, parsed from a raw JSON array
// rather than the planner envelope, whose normalized name is outside the
// raw-mode allowlist — unless allowMutations (PROXY_ALLOW_RAW_MUTATIONS) is
// set.
func FilterRawModeAllowlist(calls []wire.ToolCall, allowMutations bool) []wire.ToolCall {
	if allowMutations {
		return calls
	}
	var out []wire.ToolCall
	for _, c := range calls {
		if rawModeAllowlist[normalize(c.Function.Name)] {
			out = append(out, c)
		}
	}
	return out
}

// PendingAction is what the confirmation flow stashes for a dangerous-but-
// allowed shell call, to be replayed once the caller confirms.
type PendingAction struct {
	ID     string
	Action wire.Action
}

// ConfirmationResult is the outcome of checking a single action against the
// shell/confirmation sub-policy.
type ConfirmationResult struct {
	OK      bool
	Reason  string
	Pending *PendingAction // non-nil when a confirmation tool call should be synthesized
}

// CheckAction evaluates one action against the path, shell, and
// confirmation sub-policies. allowNetwork controls whether shell network
// commands pass; it plays no role for non-shell tools.
func CheckAction(action wire.Action, normName string, allowNetwork bool) ConfirmationResult {
	if isShellLike(normName) {
		cmd, _ := extractCommand(action.Args)
		// Denylist always wins, even over a pending confirmation.
		if MatchesDenylist(cmd) {
			return ConfirmationResult{OK: false, Reason: string(wire.ErrUnsafeShell)}
		}
		// Confirmation-pattern commands (rm/mv/chmod/kill) are a distinct
		// "risky but confirmable" category that sits outside the plain
		// allowlist by design — check it before the stricter allowlist
		// gate so these don't get rejected outright as "not allowed".
		if shellNeedsConfirmation(cmd) {
			return ConfirmationResult{
				OK:     false,
				Reason: string(wire.ErrConfirmationRequired),
				Pending: &PendingAction{
					ID:     "call_" + uuid.NewString()[:8],
					Action: action,
				},
			}
		}
		decision := CheckShell(cmd, allowNetwork)
		if !decision.Allowed {
			return ConfirmationResult{OK: false, Reason: decision.Reason}
		}
		return ConfirmationResult{OK: true}
	}

	if path, ok := extractPath(action.Args); ok {
		if IsUnsafePathInput(path) {
			return ConfirmationResult{OK: false, Reason: string(wire.ErrUnsafePath)}
		}
		if IsSensitivePath(path) {
			return ConfirmationResult{OK: false, Reason: string(wire.ErrUnsafePath)}
		}
	}
	return ConfirmationResult{OK: true}
}

func isShellLike(normName string) bool {
	return normName == "bash" || normName == "shell" || isRunTool(normName)
}

func extractCommand(args map[string]interface{}) (string, bool) {
	for _, k := range []string{"command", "cmd"} {
		if v, ok := args[k].(string); ok {
			return v, true
		}
	}
	return "", false
}

func extractPath(args map[string]interface{}) (string, bool) {
	for _, k := range []string{"path", "filePath"} {
		if v, ok := args[k].(string); ok {
			return v, true
		}
	}
	return "", false
}

// shellNeedsConfirmation flags shell commands that are allowed but still
// dangerous enough to require an explicit user confirmation before running.
var confirmationPatterns = []string{"rm ", "mv ", "chmod ", "kill "}

func shellNeedsConfirmation(cmd string) bool {
	for _, p := range confirmationPatterns {
		if strings.Contains(cmd, p) {
			return true
		}
	}
	return false
}

// UnlocksPendingAction reports whether a tool message's text answers a
// pending confirmation, tolerating both the plain "Proceed (Recommended)"
// phrase and the richer "User has answered your questions: ... =
// \"Proceed (Recommended)\"" shape some clients wrap it in.
func UnlocksPendingAction(toolMessageText string) bool {
	return strings.Contains(strings.ToLower(toolMessageText), "proceed (recommended)")
}
