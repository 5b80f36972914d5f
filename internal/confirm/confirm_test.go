package confirm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/glm-gateway/internal/wire"
)

func TestPutTakeRoundTrip(t *testing.T) {
	s := New(DefaultTTL)
	defer s.Close()

	id := s.Put(wire.Action{Tool: "shell", Args: map[string]interface{}{"command": "rm file"}})
	assert.True(t, s.Peek(id))

	action, ok := s.Take(id)
	require.True(t, ok)
	assert.Equal(t, "shell", action.Tool)

	_, ok = s.Take(id)
	assert.False(t, ok, "a taken entry cannot be taken twice")
}

func TestTakeUnknownID(t *testing.T) {
	s := New(DefaultTTL)
	defer s.Close()

	_, ok := s.Take("call_does-not-exist")
	assert.False(t, ok)
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	s := New(20 * time.Millisecond)
	defer s.Close()

	id := s.Put(wire.Action{Tool: "write"})
	time.Sleep(40 * time.Millisecond)

	assert.False(t, s.Peek(id))
	_, ok := s.Take(id)
	assert.False(t, ok)
}

func TestSweepEvictsExpiredEntries(t *testing.T) {
	s := New(10 * time.Millisecond)
	defer s.Close()

	s.Put(wire.Action{Tool: "write"})
	require.Equal(t, 1, s.Len())

	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, 0, s.Len(), "background sweep should evict expired entries without a Take call")
}

func TestPutAtUsesCallerSuppliedID(t *testing.T) {
	s := New(DefaultTTL)
	defer s.Close()

	s.PutAt("call_abc123", wire.Action{Tool: "bash", Args: map[string]interface{}{"command": "rm -rf tmp"}})

	action, ok := s.Take("call_abc123")
	require.True(t, ok)
	assert.Equal(t, "bash", action.Tool)
}

func TestCloseIsIdempotent(t *testing.T) {
	s := New(DefaultTTL)
	s.Close()
	assert.NotPanics(t, func() { s.Close() })
}
