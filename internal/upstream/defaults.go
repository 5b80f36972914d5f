package upstream

import (
	"context"
	"os"

	"github.com/google/uuid"
)

// EphemeralChatStore satisfies ChatStore without any persistence: spec §6
// places chat/session persistence out of scope ("none are in scope beyond
// the method signatures"), so the default wiring just mints a fresh chat id
// per call. A deployment that needs real chat continuity supplies its own
// ChatStore implementation instead.
type EphemeralChatStore struct{}

func (EphemeralChatStore) EnsureChat(_ context.Context, _, _ string) (string, error) {
	return "chat_" + uuid.NewString(), nil
}

// EnvTokenSource reads a static bearer token from an environment variable,
// the simplest TokenSource that satisfies the collaborator contract without
// implementing a real credential exchange (also out of scope per spec §6).
type EnvTokenSource struct {
	EnvVar string
}

func (s EnvTokenSource) LoadToken(_ context.Context) (string, error) {
	return os.Getenv(s.EnvVar), nil
}
