package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/glm-gateway/internal/wire"
)

func feed(d *Dedup, chunks ...wire.StreamChunk) []wire.StreamChunk {
	var out []wire.StreamChunk
	for _, c := range chunks {
		out = append(out, d.Process(c)...)
	}
	return out
}

func TestDedupPassesThroughWithoutThinking(t *testing.T) {
	d := NewDedup()
	out := feed(d, wire.StreamChunk{Type: wire.ChunkContent, Data: "hello"})
	require.Len(t, out, 1)
	assert.Equal(t, "hello", out[0].Data)
}

func TestDedupSanitizesStrayMarkers(t *testing.T) {
	d := NewDedup()
	out := feed(d, wire.StreamChunk{Type: wire.ChunkThinking, Data: "<think>  reasoning here"})
	require.Len(t, out, 1)
	assert.Equal(t, "reasoning here", out[0].Data)
}

func TestDedupStripsThoughtProcessHeading(t *testing.T) {
	d := NewDedup()
	longThought := strings.Repeat("x", 60)
	feed(d, wire.StreamChunk{Type: wire.ChunkThinking, Data: longThought})
	feed(d, wire.StreamChunk{Type: wire.ChunkThinkingEnd})

	body := "Thought Process:\nsome reasoning block\n\nActual answer here."
	out := feed(d, wire.StreamChunk{Type: wire.ChunkContent, Data: body})
	require.Len(t, out, 1)
	assert.Equal(t, "Actual answer here.", out[0].Data)
}

func TestDedupStripsEchoedThinkingPrefix(t *testing.T) {
	d := NewDedup()
	thought := strings.Repeat("a", 60)
	feed(d, wire.StreamChunk{Type: wire.ChunkThinking, Data: thought})
	feed(d, wire.StreamChunk{Type: wire.ChunkThinkingEnd})

	out := feed(d, wire.StreamChunk{Type: wire.ChunkContent, Data: thought + "final answer"})
	require.Len(t, out, 1)
	assert.Equal(t, "final answer", out[0].Data)
}

func TestDedupReplaySwallowsOverlappingSegment(t *testing.T) {
	d := NewDedup()
	long := strings.Repeat("z", 80)
	feed(d, wire.StreamChunk{Type: wire.ChunkThinking, Data: long})
	feed(d, wire.StreamChunk{Type: wire.ChunkThinkingEnd})

	// New thinking run starts by re-sending the same prefix, then diverges.
	out := feed(d, wire.StreamChunk{Type: wire.ChunkThinking, Data: long + "NEWSTUFF"})
	require.Len(t, out, 1)
	assert.Equal(t, "NEWSTUFF", out[0].Data)
}

func TestDedupSoftCapFlushesWithoutStrip(t *testing.T) {
	d := NewDedup()
	thought := strings.Repeat("a", 60)
	feed(d, wire.StreamChunk{Type: wire.ChunkThinking, Data: thought})
	feed(d, wire.StreamChunk{Type: wire.ChunkThinkingEnd})

	big := strings.Repeat("q", dedupeSoftCap+1)
	out := feed(d, wire.StreamChunk{Type: wire.ChunkContent, Data: big})
	require.Len(t, out, 1)
	assert.Equal(t, big, out[0].Data)
}

func TestDedupThinkingEndWithoutPriorThinkingStillEmits(t *testing.T) {
	d := NewDedup()
	out := feed(d, wire.StreamChunk{Type: wire.ChunkThinkingEnd})
	require.Len(t, out, 1)
	assert.Equal(t, wire.ChunkThinkingEnd, out[0].Type)
	assert.False(t, d.dedupePending)
}
