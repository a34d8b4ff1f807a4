package agent

import (
	"context"
	"errors"
	"sync"
	"testing"

	"agentsync/internal/models"
	"agentsync/internal/sessionstore"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChatModel struct {
	mu      sync.Mutex
	replies []string
	err     error
	inputs  [][]*schema.Message
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, input)
	if f.err != nil {
		return nil, f.err
	}
	reply := ""
	if len(f.replies) > 0 {
		reply = f.replies[0]
		f.replies = f.replies[1:]
	}
	return schema.AssistantMessage(reply, nil), nil
}

func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := f.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (f *fakeChatModel) WithTools(_ []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return f, nil
}

func TestModelRunnerRecordsReplyAndTitle(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	session := newSession(t, store, "u1")
	chat := &fakeChatModel{replies: []string{"Hi there!", "\"Greeting exchange\""}}

	runner, err := NewModelRunner(context.Background(), store, chat, ModelRunnerOptions{
		Name:         "helper",
		SystemPrompt: "be nice",
		Titles:       NewTitleGenerator(chat),
	})
	require.NoError(t, err)

	err = runner.Run(context.Background(), RunRequest{SessionID: session.ID, UserID: "u1", MessageID: "m1", Message: "hello"})
	require.NoError(t, err)

	snap, err := store.Get(context.Background(), "u1", session.ID)
	require.NoError(t, err)
	require.Len(t, snap.Events, 2)
	assert.Equal(t, "Hi there!", snap.Events[1].Content)
	assert.Equal(t, "helper", snap.Events[1].Agent)
	assert.Equal(t, "Greeting exchange", snap.Session.Title)

	first := chat.inputs[0]
	require.Len(t, first, 2)
	assert.Equal(t, schema.System, first[0].Role)
	assert.Equal(t, schema.User, first[1].Role)
	assert.Equal(t, "hello", first[1].Content)
}

func TestModelRunnerKeepsExistingTitle(t *testing.T) {
	ctx := context.Background()
	store := sessionstore.NewMemoryStore()
	session := newSession(t, store, "u1")
	require.NoError(t, store.Rename(ctx, "u1", session.ID, "Mine"))
	chat := &fakeChatModel{replies: []string{"ok"}}

	runner, err := NewModelRunner(ctx, store, chat, ModelRunnerOptions{Titles: NewTitleGenerator(chat)})
	require.NoError(t, err)
	require.NoError(t, runner.Run(ctx, RunRequest{SessionID: session.ID, UserID: "u1", MessageID: "m1", Message: "hello"}))

	snap, err := store.Get(ctx, "u1", session.ID)
	require.NoError(t, err)
	assert.Equal(t, "Mine", snap.Session.Title)
	assert.Len(t, chat.inputs, 1, "no title request")
}

func TestModelRunnerErrors(t *testing.T) {
	ctx := context.Background()
	store := sessionstore.NewMemoryStore()
	session := newSession(t, store, "u1")

	failing, err := NewModelRunner(ctx, store, &fakeChatModel{err: errors.New("quota")}, ModelRunnerOptions{})
	require.NoError(t, err)
	err = failing.Run(ctx, RunRequest{SessionID: session.ID, UserID: "u1", MessageID: "m1", Message: "a"})
	assert.ErrorContains(t, err, "quota")

	empty, err := NewModelRunner(ctx, store, &fakeChatModel{replies: []string{"  "}}, ModelRunnerOptions{})
	require.NoError(t, err)
	err = empty.Run(ctx, RunRequest{SessionID: session.ID, UserID: "u1", MessageID: "m2", Message: "b"})
	assert.Error(t, err)

	snap, err := store.Get(ctx, "u1", session.ID)
	require.NoError(t, err)
	for _, ev := range snap.Events {
		assert.Equal(t, models.RoleUser, ev.Role)
	}
}

func TestCleanTitle(t *testing.T) {
	assert.Equal(t, "Trip plans", CleanTitle("  \"Trip plans\" \n"))
	long := CleanTitle(string(make([]rune, 150)))
	assert.LessOrEqual(t, len([]rune(long)), 100)
}
