package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/glm-gateway/internal/wire"
)

func TestApplyMutationBoundaryKeepsOnlyFirstAction(t *testing.T) {
	actions := []wire.Action{
		{Tool: "read", Args: map[string]interface{}{"path": "README.md"}},
		{Tool: "write", Args: map[string]interface{}{"path": "notes.txt", "content": "hi"}},
	}
	res := ApplyMutationBoundary(actions)
	require.Len(t, res.Actions, 1)
	assert.True(t, res.Truncated)
}

func TestApplyMutationBoundaryDropsSecondMutation(t *testing.T) {
	actions := []wire.Action{
		{Tool: "write", Args: map[string]interface{}{"path": "a.txt", "content": "x"}},
		{Tool: "write", Args: map[string]interface{}{"path": "b.txt", "content": "y"}},
	}
	res := ApplyMutationBoundary(actions)
	require.Len(t, res.Actions, 1)
	assert.True(t, res.Truncated)
	assert.Equal(t, "a.txt", res.Actions[0].Args["path"])
}

func TestFilterRawModeAllowlist(t *testing.T) {
	calls := []wire.ToolCall{
		{Function: wire.ToolCallFunction{Name: "read"}},
		{Function: wire.ToolCallFunction{Name: "write"}},
	}
	out := FilterRawModeAllowlist(calls, false)
	require.Len(t, out, 1)
	assert.Equal(t, "read", out[0].Function.Name)

	out2 := FilterRawModeAllowlist(calls, true)
	assert.Len(t, out2, 2)
}

func TestCheckActionDeniesDangerousShell(t *testing.T) {
	action := wire.Action{Tool: "bash", Args: map[string]interface{}{"command": "rm -rf /"}}
	res := CheckAction(action, "bash", false)
	assert.False(t, res.OK)
	assert.Nil(t, res.Pending, "a catastrophic target must deny outright, never fall through to confirmation")
	assert.Equal(t, "unsafe_shell", res.Reason)
}

func TestCheckActionRequiresConfirmationForAllowedButRisky(t *testing.T) {
	action := wire.Action{Tool: "bash", Args: map[string]interface{}{"command": "mv a b"}}
	res := CheckAction(action, "bash", false)
	assert.False(t, res.OK)
	require.NotNil(t, res.Pending)
	assert.Equal(t, "confirmation_required", res.Reason)
}

func TestCheckActionRequiresConfirmationForScopedRecursiveDelete(t *testing.T) {
	// Matches spec §8 scenario S4: a recursive delete scoped to a
	// relative path is confirmable, not an outright denial — only
	// catastrophic targets (/, ~, *) hit the hard denylist.
	action := wire.Action{Tool: "bash", Args: map[string]interface{}{"command": "rm -rf tmp"}}
	res := CheckAction(action, "bash", false)
	assert.False(t, res.OK)
	require.NotNil(t, res.Pending)
	assert.Equal(t, "confirmation_required", res.Reason)
}

func TestCheckActionRejectsUnsafePath(t *testing.T) {
	action := wire.Action{Tool: "read", Args: map[string]interface{}{"path": "../../etc/passwd"}}
	res := CheckAction(action, "read", false)
	assert.False(t, res.OK)
}

func TestUnlocksPendingAction(t *testing.T) {
	assert.True(t, UnlocksPendingAction("Proceed (Recommended)"))
	assert.True(t, UnlocksPendingAction(`User has answered your questions: "X" = "Proceed (Recommended)"`))
	assert.False(t, UnlocksPendingAction("no thanks"))
}
