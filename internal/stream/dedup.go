package stream

import (
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/glm-gateway/internal/wire"
)

const dedupeSoftCap = 4000
const replayMinLen = 50

var headingBlockRe = regexp.MustCompile(`(?is)^\s*(?:Thought Process:|Thinking:)\s*\n(.*?)\n\s*\n`)
var headingPrefixRe = regexp.MustCompile(`(?is)^\s*(?:Thought Process:|Thinking:)?\s*>?\s*`)
var strayMarkersReplacer = strings.NewReplacer(
	"<think>", "", "</think>", "",
	"<details>", "", "</details>", "",
	`true">`, "",
)

// Dedup suppresses reasoning text the upstream re-sends verbatim across
// successive thinking chunks, and strips any "Thought Process:" prelude the
// upstream echoes back into the final content once thinking ends.
type Dedup struct {
	prevSegment   string
	curSegment    strings.Builder
	replayIdx     int
	dedupePending bool
	pendingThink  string
	contentAccum  strings.Builder
}

// NewDedup returns an empty Dedup filter.
func NewDedup() *Dedup {
	return &Dedup{}
}

// Process feeds one splitter-emitted chunk and returns zero or more chunks
// to forward downstream.
func (d *Dedup) Process(chunk wire.StreamChunk) []wire.StreamChunk {
	switch chunk.Type {
	case wire.ChunkThinking:
		return d.processThinking(chunk.Data)
	case wire.ChunkThinkingEnd:
		return d.processThinkingEnd()
	case wire.ChunkContent:
		return d.processContent(chunk.Data)
	default:
		return []wire.StreamChunk{chunk}
	}
}

// Finalize flushes any content still buffered behind the dedupe-pending gate
// once the upstream stream ends.
func (d *Dedup) Finalize() []wire.StreamChunk {
	if !d.dedupePending {
		return nil
	}
	buffered := d.contentAccum.String()
	d.contentAccum.Reset()
	d.dedupePending = false
	stripped, _ := stripThoughtProcess(buffered, d.pendingThink)
	if stripped == "" {
		return nil
	}
	return []wire.StreamChunk{{Type: wire.ChunkContent, Data: stripped}}
}

func (d *Dedup) processThinking(raw string) []wire.StreamChunk {
	sanitized := sanitizeThinking(raw)
	if sanitized == "" {
		return nil
	}

	if len(d.prevSegment) > replayMinLen && d.replayIdx < len(d.prevSegment) {
		i := 0
		for i < len(sanitized) && d.replayIdx < len(d.prevSegment) && sanitized[i] == d.prevSegment[d.replayIdx] {
			i++
			d.replayIdx++
		}
		if i > 0 {
			sanitized = sanitized[i:]
		}
		if sanitized == "" {
			return nil
		}
		// Divergence: stop tracking replay for this run, emit the remainder.
		d.replayIdx = len(d.prevSegment)
	}

	d.curSegment.WriteString(sanitized)
	return []wire.StreamChunk{{Type: wire.ChunkThinking, Data: sanitized}}
}

func (d *Dedup) processThinkingEnd() []wire.StreamChunk {
	accumulated := d.curSegment.String()
	d.curSegment.Reset()
	d.prevSegment = accumulated
	d.replayIdx = 0

	out := []wire.StreamChunk{{Type: wire.ChunkThinkingEnd}}
	if accumulated != "" {
		d.dedupePending = true
		d.pendingThink = accumulated
	}
	return out
}

func (d *Dedup) processContent(raw string) []wire.StreamChunk {
	if !d.dedupePending {
		return []wire.StreamChunk{{Type: wire.ChunkContent, Data: raw}}
	}

	d.contentAccum.WriteString(raw)
	buffered := d.contentAccum.String()

	if len(buffered) > dedupeSoftCap {
		d.dedupePending = false
		d.contentAccum.Reset()
		return []wire.StreamChunk{{Type: wire.ChunkContent, Data: buffered}}
	}

	stripped, pending := stripThoughtProcess(buffered, d.pendingThink)
	if pending {
		return nil
	}
	d.dedupePending = false
	d.contentAccum.Reset()
	if stripped == "" {
		return nil
	}
	return []wire.StreamChunk{{Type: wire.ChunkContent, Data: stripped}}
}

func sanitizeThinking(raw string) string {
	s := strayMarkersReplacer.Replace(raw)
	return strings.TrimLeft(s, " \t\n\r")
}

// stripThoughtProcess removes an echoed reasoning prelude from buffered
// content. pending=true means the caller should keep buffering: the
// thinking text may still be arriving as a prefix of content.
func stripThoughtProcess(content, thinkingText string) (string, bool) {
	if m := headingBlockRe.FindStringIndex(content); m != nil {
		return stripLeadingQuote(content[m[1]:]), false
	}

	if thinkingText != "" {
		prefix := headingPrefixRe.FindString(content)
		rest := content[len(prefix):]
		if strings.HasPrefix(rest, thinkingText) {
			return stripLeadingQuote(rest[len(thinkingText):]), false
		}
		if len(rest) < len(thinkingText) && strings.HasPrefix(thinkingText, rest) {
			return content, true
		}
	}

	return stripLeadingQuote(content), false
}

func stripLeadingQuote(content string) string {
	lines := strings.Split(content, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(strings.TrimSpace(lines[i]), ">") {
		i++
	}
	return strings.TrimLeft(strings.Join(lines[i:], "\n"), "\n")
}
