package safety

import "regexp"

// denyPatterns is the spec's named denylist core, grounded on the teacher's
// much larger internal/tools/shell.go defaultDenyPatterns set — the subset
// spec §4.I calls out by name, kept as a standalone regexp list so it can
// grow without touching the allowlist/network logic around it.
var denyPatterns = []*regexp.Regexp{
	// Catastrophic targets only: root, home, a wildcard, or no target at
	// all. A scoped "rm -rf tmp" is left to the confirmation path below —
	// denylist always wins, but it should win against wipeouts, not every
	// recursive delete.
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\s+(/|~|\*|/\*)(\s|$)`),
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\s*$`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\b(curl|wget)\b.*\|\s*(ba)?sh\b`), // piped shell-eval
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),             // fork bomb
}

var defaultAllowedCommands = map[string]bool{
	"rg": true, "grep": true, "ls": true, "cat": true, "head": true,
	"tail": true, "echo": true, "pwd": true, "wc": true, "find": true,
	"tree": true, "stat": true, "file": true,
}

var networkCommands = map[string]bool{
	"curl": true, "wget": true, "git": true, "npm": true, "pip": true,
	"yarn": true, "pnpm": true, "ssh": true, "scp": true, "nc": true,
}

// ShellDecision is the outcome of checking a proposed command.
type ShellDecision struct {
	Allowed bool
	Reason  string // populated when !Allowed
}

// MatchesDenylist reports whether command matches any of the named-core
// dangerous patterns, independent of the allowlist. The heuristic run/shell
// inferrer uses this alone — it already only ever synthesizes a narrow,
// known command shape, so the broader "unknown commands are rejected"
// allowlist rule (meant for arbitrary model-proposed shell calls) does not
// apply to it.
func MatchesDenylist(command string) bool {
	for _, re := range denyPatterns {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

// CheckShell applies the allowlist/denylist policy. Denylist always wins.
// Commands outside the allowlist are rejected unless they start a network
// tool that allowNetwork explicitly permits.
func CheckShell(command string, allowNetwork bool) ShellDecision {
	if MatchesDenylist(command) {
		return ShellDecision{Allowed: false, Reason: "unsafe_shell"}
	}

	first := firstToken(command)
	if defaultAllowedCommands[first] {
		return ShellDecision{Allowed: true}
	}
	if networkCommands[first] {
		if allowNetwork {
			return ShellDecision{Allowed: true}
		}
		return ShellDecision{Allowed: false, Reason: "unsafe_shell"}
	}
	return ShellDecision{Allowed: false, Reason: "unsafe_shell"}
}

func firstToken(command string) string {
	i := 0
	for i < len(command) && command[i] == ' ' {
		i++
	}
	j := i
	for j < len(command) && command[j] != ' ' {
		j++
	}
	return command[i:j]
}
