// Package stream turns upstream text deltas into a typed thinking/content
// event stream (the §4.B splitter) and removes the duplicate reasoning text
// the upstream tends to re-emit as content (the §4.C dedup/strip filter).
package stream

import (
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/glm-gateway/internal/wire"
)

var tagNameRe = regexp.MustCompile(`^</?\s*([A-Za-z0-9:-]+)`)
var unfinishedTagRe = regexp.MustCompile(`(?i)^</?\s*(details|think)`)

// Splitter tracks `<think>`/`<details>` tag state across chunks and emits
// typed thinking/content events. It does not validate tag balance beyond a
// single level: a `<think>` nested inside `<details>` is treated as text,
// matching the upstream's own loose tagging.
type Splitter struct {
	pending    string
	inThinking bool
}

// NewSplitter returns a Splitter starting outside any thinking block.
func NewSplitter() *Splitter {
	return &Splitter{}
}

// Push appends text and returns the events it completes. An in-progress tag
// (`<` without a matching `>`) is held in pending state across calls.
func (s *Splitter) Push(text string) []wire.StreamChunk {
	s.pending += text
	var out []wire.StreamChunk

	for {
		idx := strings.IndexByte(s.pending, '<')
		if idx == -1 {
			if s.pending != "" {
				out = append(out, s.emit(s.pending))
				s.pending = ""
			}
			break
		}
		if idx > 0 {
			out = append(out, s.emit(s.pending[:idx]))
			s.pending = s.pending[idx:]
		}

		closeIdx := strings.IndexByte(s.pending, '>')
		if closeIdx == -1 {
			// Incomplete tag — hold it all for the next Push.
			break
		}
		tag := s.pending[:closeIdx+1]
		s.pending = s.pending[closeIdx+1:]

		m := tagNameRe.FindStringSubmatch(tag)
		if m == nil {
			out = append(out, s.emit(tag))
			continue
		}
		name := strings.ToLower(m[1])
		if name != "think" && name != "details" {
			out = append(out, s.emit(tag))
			continue
		}
		closing := strings.HasPrefix(tag, "</")
		if closing {
			if s.inThinking {
				s.inThinking = false
				out = append(out, wire.StreamChunk{Type: wire.ChunkThinkingEnd})
			}
		} else if s.inThinking {
			// Already inside a thinking block: a nested opening tag is text.
			out = append(out, s.emit(tag))
		} else {
			s.inThinking = true
		}
	}
	return out
}

// Finalize flushes residual pending state at upstream close: unless the
// residue still looks like an unterminated think/details tag, it is emitted
// as data; a trailing thinking_end is emitted if still mid-thinking.
func (s *Splitter) Finalize() []wire.StreamChunk {
	var out []wire.StreamChunk
	if s.pending != "" {
		residue := strings.ToLower(s.pending)
		unfinished := unfinishedTagRe.MatchString(s.pending)
		for _, prefix := range []string{"<think", "</think", "<details", "</details"} {
			if len(residue) > 1 && strings.HasPrefix(prefix, residue) {
				unfinished = true
			}
		}
		if !unfinished {
			out = append(out, s.emit(s.pending))
		}
		s.pending = ""
	}
	if s.inThinking {
		s.inThinking = false
		out = append(out, wire.StreamChunk{Type: wire.ChunkThinkingEnd})
	}
	return out
}

func (s *Splitter) emit(text string) wire.StreamChunk {
	if s.inThinking {
		return wire.StreamChunk{Type: wire.ChunkThinking, Data: text}
	}
	return wire.StreamChunk{Type: wire.ChunkContent, Data: text}
}
