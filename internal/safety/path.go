// Package safety implements the gate §4.I enforces post-parse, pre-emit:
// path, shell, mutation-boundary, raw-mode-allowlist, and confirmation
// policy. The gateway never touches a filesystem itself (tool execution is
// out of scope per spec §1) — these are pure string-level predicates over a
// proposed action's arguments, the same judgment the teacher's
// internal/tools/filesystem.go and shell.go apply before ever opening a
// file or forking a process.
package safety

import (
	"path/filepath"
	"strings"
)

var sensitiveBasenames = map[string]bool{
	".npmrc":     true,
	".pypirc":    true,
	".netrc":     true,
	"id_rsa":     true,
	"id_ed25519": true,
}

var credentialTokens = map[string]bool{
	"api": true, "access": true, "secret": true, "private": true,
	"ssh": true, "gpg": true, "signing": true, "encryption": true,
}

var envAllowedSuffixes = []string{"example", "sample", "template", "dist"}

// IsUnsafePathInput rejects empty, NUL-containing, ~-prefixed, absolute
// (POSIX, UNC, or Windows-drive), or ..-traversing paths.
func IsUnsafePathInput(p string) bool {
	if p == "" {
		return true
	}
	if strings.ContainsRune(p, 0) {
		return true
	}
	if strings.HasPrefix(p, "~") {
		return true
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\\`) {
		return true
	}
	if isWindowsDrivePath(p) {
		return true
	}
	if pathTraverses(p) {
		return true
	}
	return false
}

func isWindowsDrivePath(p string) bool {
	if len(p) < 2 {
		return false
	}
	c := p[0]
	return p[1] == ':' && ((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z'))
}

func pathTraverses(p string) bool {
	normalized := filepath.ToSlash(p)
	for _, seg := range strings.Split(normalized, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// IsSensitivePath rejects well-known credential/config paths: .ssh/*,
// .git/*, .env (except example|sample|template|dist variants), .npmrc,
// .pypirc, .netrc, id_rsa, id_ed25519, and basenames whose tokens combine a
// credential-flavored word with "key"/"keys".
func IsSensitivePath(p string) bool {
	normalized := strings.ToLower(filepath.ToSlash(p))
	segments := strings.Split(normalized, "/")
	for _, seg := range segments {
		if seg == ".ssh" || seg == ".git" {
			return true
		}
	}

	base := segments[len(segments)-1]
	if base == ".env" {
		return true
	}
	if strings.HasPrefix(base, ".env.") {
		suffix := strings.TrimPrefix(base, ".env.")
		for _, allowed := range envAllowedSuffixes {
			if suffix == allowed {
				return false
			}
		}
		return true
	}
	if sensitiveBasenames[base] {
		return true
	}

	return looksLikeCredentialName(base)
}

func looksLikeCredentialName(base string) bool {
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	hasKeyWord := false
	hasCredentialToken := false
	for _, tok := range splitNameTokens(stem) {
		if tok == "key" || tok == "keys" {
			hasKeyWord = true
		}
		if credentialTokens[tok] {
			hasCredentialToken = true
		}
	}
	return hasKeyWord && hasCredentialToken
}

func splitNameTokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == '-' || r == '_' || r == '.' || r == ' '
	})
}
