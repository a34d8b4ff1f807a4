package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"agentsync/internal/agent"
	"agentsync/internal/api"
	"agentsync/internal/auth"
	"agentsync/internal/config"
	"agentsync/internal/dispatch"
	"agentsync/internal/errchan"
	"agentsync/internal/models"
	"agentsync/internal/reconcile"
	"agentsync/internal/sessionstore"
	"agentsync/internal/storage"
	"agentsync/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, delay time.Duration) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := storage.Open("sqlite3", cfg)
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db, "sqlite3"))

	store := sessionstore.NewMemoryStore()
	notices := errchan.NewMemoryChannel()
	disp, err := dispatch.New(dispatch.Options{
		Runner:    agent.NewMockRunner(store, "assistant", delay),
		Scheduler: worker.NewScheduler(worker.Config{MinWorkers: 1, MaxWorkers: 2, QueueSize: 8}),
		Reporter:  notices,
	})
	require.NoError(t, err)
	h, err := api.NewHandler(api.Options{
		Store:      store,
		Dispatcher: disp,
		Notices:    notices,
		Auth:       auth.NewService(db, nil, time.Hour),
		Users:      auth.NewUsers(db),
	})
	require.NoError(t, err)

	srv := httptest.NewServer(h.NewRouter())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = disp.Shutdown(ctx)
		db.Close()
	})
	return srv
}

func loggedIn(t *testing.T, srv *httptest.Server, name string) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = c.Register(ctx, name, "pass1234")
	require.NoError(t, err)
	user, err := c.Login(ctx, name, "pass1234")
	require.NoError(t, err)
	assert.Equal(t, user.ID, c.UserID())
	return c
}

func TestClientViewConfirmsOptimisticMessage(t *testing.T) {
	srv := newServer(t, 100*time.Millisecond)
	c := loggedIn(t, srv, "viewer")
	ctx := context.Background()

	session, err := c.CreateSession(ctx, nil)
	require.NoError(t, err)

	view := reconcile.NewView(c, reconcile.Options{Interval: 20 * time.Millisecond, MaxWait: 5 * time.Second})
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- view.Run(runCtx) }()
	t.Cleanup(func() {
		view.Close()
		cancel()
		<-done
	})

	require.NoError(t, view.Open(ctx, session.ID))
	msg, err := view.AddOptimistic(ctx, reconcile.NewOptimistic("hello", time.Now()))
	require.NoError(t, err)
	require.True(t, msg.Pending)

	ack, err := c.Run(ctx, session.ID, msg.Content, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, ack.MessageID)

	require.Eventually(t, func() bool {
		st, err := view.State(ctx)
		if err != nil || len(st.Messages) != 2 {
			return false
		}
		return !st.Messages[0].Pending && st.Status == reconcile.StatusIdle
	}, 3*time.Second, 20*time.Millisecond)

	st, err := view.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, st.Messages[0].ID)
	assert.Equal(t, "You said: hello", st.Messages[1].Content)
}

func TestClientChatHistoryAndDelete(t *testing.T) {
	srv := newServer(t, 0)
	c := loggedIn(t, srv, "historian")
	ctx := context.Background()

	ack, err := c.Chat(ctx, "", "plan a trip", "")
	require.NoError(t, err)
	assert.True(t, ack.IsNewSession)
	require.NoError(t, c.RenameSession(ctx, ack.SessionID, "Trip"))

	h, err := c.History(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, h.Sessions.Today, 1)
	assert.Equal(t, "Trip", h.Sessions.Today[0].Title)
	assert.False(t, h.HasMore)

	require.NoError(t, c.DeleteSession(ctx, ack.SessionID))
	// deleting again is not an error
	require.NoError(t, c.DeleteSession(ctx, ack.SessionID))

	_, err = c.FetchSession(ctx, ack.SessionID)
	assert.ErrorIs(t, err, reconcile.ErrSessionNotFound)
}

func TestClientErrors(t *testing.T) {
	srv := newServer(t, 0)
	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.CreateSession(ctx, nil)
	assert.ErrorIs(t, err, ErrUnauthorized)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "UNAUTHORIZED", apiErr.Code)

	_, err = c.Login(ctx, "nobody", "pass1234")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = New(Config{})
	assert.Error(t, err)
}

func TestClientRetriesWhileBusy(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"busy","code":"BUSY"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"session_id":"s1","message_id":"m1","task_id":"t1","timestamp":1}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, BusyRetry: 5 * time.Second})
	require.NoError(t, err)
	ack, err := c.Run(context.Background(), "s1", "hi", "m1")
	require.NoError(t, err)
	assert.Equal(t, models.Ack{Success: true, SessionID: "s1", MessageID: "m1", TaskID: "t1", Timestamp: 1}, ack)
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(0)
	c, err = New(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = c.Run(context.Background(), "s1", "hi", "m1")
	assert.ErrorIs(t, err, ErrBusy)
}
