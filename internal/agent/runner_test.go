package agent

import (
	"context"
	"testing"
	"time"

	"agentsync/internal/config"
	"agentsync/internal/models"
	"agentsync/internal/sessionstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(t *testing.T, store sessionstore.Store, owner string) *models.Session {
	t.Helper()
	session, err := store.Create(context.Background(), owner, nil)
	require.NoError(t, err)
	return session
}

func TestMockRunnerEchoes(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	session := newSession(t, store, "u1")
	runner := NewMockRunner(store, "", 0)

	err := runner.Run(context.Background(), RunRequest{
		SessionID: session.ID, UserID: "u1", MessageID: "m1", Message: "hello",
	})
	require.NoError(t, err)

	snap, err := store.Get(context.Background(), "u1", session.ID)
	require.NoError(t, err)
	require.Len(t, snap.Events, 2)
	assert.Equal(t, "m1", snap.Events[0].ID)
	assert.Equal(t, models.RoleUser, snap.Events[0].Role)
	assert.Equal(t, "You said: hello", snap.Events[1].Content)
	assert.Equal(t, "assistant", snap.Events[1].Agent)
	assert.Less(t, snap.Events[0].Sequence, snap.Events[1].Sequence)
}

func TestMockRunnerFailure(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	session := newSession(t, store, "u1")
	runner := NewMockRunner(store, "bot", 0)

	err := runner.Run(context.Background(), RunRequest{
		SessionID: session.ID, UserID: "u1", MessageID: "m1", Message: "/fail now",
	})
	require.Error(t, err)

	snap, err := store.Get(context.Background(), "u1", session.ID)
	require.NoError(t, err)
	assert.Len(t, snap.Events, 1, "the user message stays recorded")
}

func TestMockRunnerHonoursContext(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	session := newSession(t, store, "u1")
	runner := NewMockRunner(store, "bot", time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := runner.Run(ctx, RunRequest{SessionID: session.ID, UserID: "u1", MessageID: "m1", Message: "hi"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDuplicateMessageID(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	session := newSession(t, store, "u1")
	runner := NewMockRunner(store, "bot", 0)
	req := RunRequest{SessionID: session.ID, UserID: "u1", MessageID: "m1", Message: "hi"}

	require.NoError(t, runner.Run(context.Background(), req))
	assert.ErrorIs(t, runner.Run(context.Background(), req), ErrDuplicateMessage)
}

func TestNewSelectsBackend(t *testing.T) {
	store := sessionstore.NewMemoryStore()

	r, err := New(context.Background(), &config.Config{Agent: config.AgentConfig{Backend: "mock"}}, store)
	require.NoError(t, err)
	assert.IsType(t, &MockRunner{}, r)

	r, err = New(context.Background(), &config.Config{Agent: config.AgentConfig{Backend: "http", URL: "http://agent.local"}}, store)
	require.NoError(t, err)
	assert.IsType(t, &HTTPRunner{}, r)

	_, err = New(context.Background(), &config.Config{Agent: config.AgentConfig{Backend: "model", Provider: "openai"}}, store)
	assert.Error(t, err, "unconfigured provider")

	_, err = New(context.Background(), &config.Config{Agent: config.AgentConfig{Backend: "carrier-pigeon"}}, store)
	assert.Error(t, err)
}

func TestNewChatModelRejectsUnknownProvider(t *testing.T) {
	_, err := NewChatModel(context.Background(), "nope", "m", config.ProviderConfig{APIKey: "k"})
	assert.Error(t, err)
	_, err = NewChatModel(context.Background(), "openai", "m", config.ProviderConfig{})
	assert.Error(t, err)
}
