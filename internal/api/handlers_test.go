package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"agentsync/internal/agent"
	"agentsync/internal/auth"
	"agentsync/internal/config"
	"agentsync/internal/dispatch"
	"agentsync/internal/errchan"
	"agentsync/internal/models"
	"agentsync/internal/sessionstore"
	"agentsync/internal/storage"
	"agentsync/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	router  *gin.Engine
	store   *sessionstore.MemoryStore
	notices *errchan.MemoryChannel
	disp    *dispatch.Dispatcher
}

type serverOptions struct {
	runner    func(store sessionstore.Store) agent.Runner
	scheduler dispatch.Scheduler
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := storage.Open("sqlite3", cfg)
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db, "sqlite3"))
	t.Cleanup(func() { db.Close() })

	store := sessionstore.NewMemoryStore()
	var runner agent.Runner = agent.NewMockRunner(store, "assistant", 0)
	if opts.runner != nil {
		runner = opts.runner(store)
	}
	sched := opts.scheduler
	if sched == nil {
		sched = worker.NewScheduler(worker.Config{MinWorkers: 2, MaxWorkers: 4, QueueSize: 16})
	}
	notices := errchan.NewMemoryChannel()
	disp, err := dispatch.New(dispatch.Options{
		Runner:    runner,
		Scheduler: sched,
		Reporter:  notices,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = disp.Shutdown(ctx)
	})

	h, err := NewHandler(Options{
		Store:      store,
		Dispatcher: disp,
		Notices:    notices,
		Auth:       auth.NewService(db, nil, time.Hour),
		Users:      auth.NewUsers(db),
	})
	require.NoError(t, err)
	return &testServer{router: h.NewRouter(), store: store, notices: notices, disp: disp}
}

func (s *testServer) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

// login registers a user and returns its id and bearer token.
func (s *testServer) login(t *testing.T, username string) (string, string) {
	t.Helper()
	creds := map[string]string{"username": username, "password": "pass1234"}
	rec := s.do(t, http.MethodPost, "/api/users/register", creds, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/users/login", creds, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		ID        string `json:"id"`
		AuthToken string `json:"auth_token"`
	}
	decode(t, rec, &body)
	require.NotEmpty(t, body.AuthToken)
	return body.ID, body.AuthToken
}

func (s *testServer) newSession(t *testing.T, token string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/sessions", nil, token)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var body struct {
		Session models.Session `json:"session"`
	}
	decode(t, rec, &body)
	return body.Session.ID
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	decode(t, rec, &body)
	return body.Code
}

func TestRunHelloEndToEnd(t *testing.T) {
	const delay = 300 * time.Millisecond
	srv := newTestServer(t, serverOptions{runner: func(store sessionstore.Store) agent.Runner {
		return agent.NewMockRunner(store, "assistant", delay)
	}})

	userID, token := srv.login(t, "hello-user")
	sessionID := srv.newSession(t, token)

	start := time.Now()
	rec := srv.do(t, http.MethodPost, "/api/run", map[string]string{
		"user_id":    userID,
		"session_id": sessionID,
		"message":    "hello",
		"message_id": "m-hello",
	}, token)
	elapsed := time.Since(start)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Less(t, elapsed, delay, "ack must not wait for the agent")

	var ack runResponse
	decode(t, rec, &ack)
	assert.True(t, ack.Success)
	assert.Equal(t, sessionID, ack.SessionID)
	assert.Equal(t, "m-hello", ack.MessageID)
	assert.NotEmpty(t, ack.TaskID)
	assert.NotZero(t, ack.Timestamp)

	var view sessionResponse
	require.Eventually(t, func() bool {
		rec := srv.do(t, http.MethodGet, "/api/sessions/"+sessionID, nil, token)
		if rec.Code != http.StatusOK {
			return false
		}
		view = sessionResponse{}
		decode(t, rec, &view)
		return len(view.Messages) == 2
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, "m-hello", view.Messages[0].ID)
	assert.Equal(t, models.MessageUser, view.Messages[0].Type)
	assert.Equal(t, "hello", view.Messages[0].Content)
	assert.Equal(t, models.MessageModel, view.Messages[1].Type)
	assert.Equal(t, "You said: hello", view.Messages[1].Content)
	assert.Len(t, view.Events, 2)
	assert.Empty(t, view.Notices)

	rec = srv.do(t, http.MethodGet, "/api/tasks/"+ack.TaskID, nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	var info dispatch.Info
	decode(t, rec, &info)
	assert.Equal(t, dispatch.StateCompleted, info.State)
}

func TestRunValidationAndAuthorization(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	userID, token := srv.login(t, "validator")
	sessionID := srv.newSession(t, token)

	rec := srv.do(t, http.MethodPost, "/api/run", map[string]string{"user_id": userID, "session_id": sessionID, "message": "hi"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = srv.do(t, http.MethodPost, "/api/run", map[string]string{"user_id": userID, "session_id": sessionID}, token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidRequest, errorCode(t, rec))

	rec = srv.do(t, http.MethodPost, "/api/run", map[string]string{"user_id": "someone-else", "session_id": sessionID, "message": "hi"}, token)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, codeForbidden, errorCode(t, rec))

	rec = srv.do(t, http.MethodPost, "/api/run", map[string]string{"user_id": userID, "session_id": "missing", "message": "hi"}, token)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, codeNotFound, errorCode(t, rec))
}

func TestRunBusy(t *testing.T) {
	srv := newTestServer(t, serverOptions{scheduler: rejectingScheduler{}})

	userID, token := srv.login(t, "busy")
	sessionID := srv.newSession(t, token)
	rec := srv.do(t, http.MethodPost, "/api/run", map[string]string{"user_id": userID, "session_id": sessionID, "message": "hi"}, token)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, codeBusy, errorCode(t, rec))
}

func TestChatCreatesSession(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	_, token := srv.login(t, "chatter")

	rec := srv.do(t, http.MethodPost, "/api/chat", map[string]string{"message": "first"}, token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var first chatResponse
	decode(t, rec, &first)
	assert.True(t, first.IsNewSession)
	assert.NotEmpty(t, first.SessionID)

	rec = srv.do(t, http.MethodPost, "/api/chat", map[string]string{"session_id": first.SessionID, "message": "second"}, token)
	require.Equal(t, http.StatusOK, rec.Code)
	var second chatResponse
	decode(t, rec, &second)
	assert.False(t, second.IsNewSession)
	assert.Equal(t, first.SessionID, second.SessionID)

	rec = srv.do(t, http.MethodPost, "/api/chat", map[string]string{"message": "  "}, token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFailedRunDeliversNoticeOnce(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	userID, token := srv.login(t, "unlucky")
	sessionID := srv.newSession(t, token)

	rec := srv.do(t, http.MethodPost, "/api/run", map[string]string{"user_id": userID, "session_id": sessionID, "message": "/fail now"}, token)
	require.Equal(t, http.StatusOK, rec.Code)
	var ack runResponse
	decode(t, rec, &ack)
	info, err := srv.disp.Wait(context.Background(), ack.TaskID)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StateFailed, info.State)

	// the notice is reported right after the task finishes
	var list historyResponse
	require.Eventually(t, func() bool {
		rec := srv.do(t, http.MethodGet, "/api/sessions", nil, token)
		list = historyResponse{}
		decode(t, rec, &list)
		return len(list.Notices) > 0
	}, time.Second, 10*time.Millisecond)
	require.Len(t, list.Notices, 1)
	assert.Equal(t, sessionID, list.Notices[0].SessionID)
	assert.Equal(t, models.ChatLink(sessionID), list.Notices[0].Link)

	rec = srv.do(t, http.MethodGet, "/api/notices", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	var again struct {
		Notices []models.Notice `json:"notices"`
	}
	decode(t, rec, &again)
	assert.Empty(t, again.Notices)
}

func TestSessionLifecycle(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	_, token := srv.login(t, "owner")
	_, otherToken := srv.login(t, "intruder")
	sessionID := srv.newSession(t, token)

	rec := srv.do(t, http.MethodGet, "/api/sessions/"+sessionID, nil, otherToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = srv.do(t, http.MethodPatch, "/api/sessions/"+sessionID, map[string]string{"title": "  Trip plans  "}, token)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, http.MethodGet, "/api/sessions", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	var list historyResponse
	decode(t, rec, &list)
	require.Len(t, list.Sessions.Today, 1)
	assert.Equal(t, "Trip plans", list.Sessions.Today[0].Title)
	assert.False(t, list.HasMore)

	rec = srv.do(t, http.MethodDelete, "/api/sessions/"+sessionID, nil, token)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = srv.do(t, http.MethodDelete, "/api/sessions/"+sessionID, nil, token)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, codeNotFound, errorCode(t, rec))

	rec = srv.do(t, http.MethodGet, "/api/sessions/"+sessionID, nil, token)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSessionsPaginates(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	_, token := srv.login(t, "pager")
	for i := 0; i < 3; i++ {
		srv.newSession(t, token)
	}

	rec := srv.do(t, http.MethodGet, "/api/sessions?limit=2", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	var page historyResponse
	decode(t, rec, &page)
	assert.True(t, page.HasMore)
	assert.Equal(t, 3, page.Total)

	rec = srv.do(t, http.MethodGet, "/api/sessions?offset=2&limit=2", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &page)
	assert.False(t, page.HasMore)

	rec = srv.do(t, http.MethodGet, "/api/sessions?offset=-1", nil, token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogoutRevokesToken(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	_, token := srv.login(t, "leaver")

	rec := srv.do(t, http.MethodGet, "/api/users/me", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, http.MethodPost, "/api/logout", nil, token)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = srv.do(t, http.MethodGet, "/api/users/me", nil, token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeleteUserRemovesSessions(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	userID, token := srv.login(t, "goner")
	srv.newSession(t, token)

	rec := srv.do(t, http.MethodDelete, "/api/users/me", nil, token)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	sessions, err := srv.store.List(context.Background(), userID)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	rec = srv.do(t, http.MethodPost, "/api/users/login", map[string]string{"username": "goner", "password": "pass1234"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterRejectsDuplicateUsername(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	srv.login(t, "twin")
	rec := srv.do(t, http.MethodPost, "/api/users/register", map[string]string{"username": "twin", "password": "pass1234"}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

type rejectingScheduler struct{}

func (rejectingScheduler) Submit(worker.Job) error { return worker.ErrDispatcherBusy }
func (rejectingScheduler) CancelUser(string) int   { return 0 }
func (rejectingScheduler) Stop()                   {}
