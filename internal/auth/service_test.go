package auth

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"agentsync/internal/config"
	"agentsync/internal/redis"
	"agentsync/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthIssueValidateRevoke(t *testing.T) {
	db := openTestDB(t)
	userID := insertUser(t, db, "alice")
	ctx := context.Background()

	svc := NewService(db, nil, time.Hour)
	token, err := svc.IssueToken(ctx, userID)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	got, err := svc.ValidateToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, userID, got)

	require.NoError(t, svc.RevokeToken(ctx, token))
	_, err = svc.ValidateToken(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	token2, err := svc.IssueToken(ctx, userID)
	require.NoError(t, err)
	require.NoError(t, svc.RevokeUserTokens(ctx, userID))
	_, err = svc.ValidateToken(ctx, token2)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthValidateExpiredToken(t *testing.T) {
	db := openTestDB(t)
	userID := insertUser(t, db, "bob")
	ctx := context.Background()

	svc := NewService(db, nil, 10*time.Millisecond)
	token, err := svc.IssueToken(ctx, userID)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	_, err = svc.ValidateToken(ctx, token)
	assert.ErrorIs(t, err, ErrTokenExpired)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM user_tokens WHERE token = ?`, token).Scan(&count))
	assert.Zero(t, count, "expired token should be purged")
}

func TestAuthRejectsBlankUser(t *testing.T) {
	svc := NewService(openTestDB(t), nil, time.Hour)
	_, err := svc.IssueToken(context.Background(), " ")
	assert.Error(t, err)
	_, err = svc.ValidateToken(context.Background(), "")
	assert.Error(t, err)
}

func TestAuthTokenCacheUsesRedis(t *testing.T) {
	cache := redis.NewTestClient(t)
	db := openTestDB(t)
	userID := insertUser(t, db, "carol")
	ctx := context.Background()

	svc := NewService(db, cache, time.Hour)
	token, err := svc.IssueToken(ctx, userID)
	require.NoError(t, err)

	got, err := cache.Get(ctx, redisTokenPrefix+token)
	require.NoError(t, err)
	assert.Equal(t, userID, got)

	// the cached entry answers even when the row is gone
	_, err = db.Exec(`DELETE FROM user_tokens WHERE token = ?`, token)
	require.NoError(t, err)
	got, err = svc.ValidateToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, userID, got)

	require.NoError(t, svc.RevokeToken(ctx, token))
	_, err = cache.Get(ctx, redisTokenPrefix+token)
	assert.ErrorIs(t, err, redis.ErrCacheMiss)
	_, err = svc.ValidateToken(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddlewareAcceptsBearerAndCookie(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := openTestDB(t)
	userID := insertUser(t, db, "dave")
	svc := NewService(db, nil, time.Hour)
	token, err := svc.IssueToken(context.Background(), userID)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/me", svc.Middleware(), func(c *gin.Context) {
		id, ok := UserIDFromContext(c)
		require.True(t, ok)
		c.String(http.StatusOK, id)
	})

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, userID, w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: svc.AuthCookieName(), Value: token})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"UNAUTHORIZED"`)
}

func TestCSRFMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := NewService(openTestDB(t), nil, time.Hour)
	r := gin.New()
	r.Use(svc.CSRFMiddleware())
	r.POST("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	cases := []struct {
		name   string
		method string
		setup  func(*http.Request)
		want   int
	}{
		{"get is exempt", http.MethodGet, func(*http.Request) {}, http.StatusNoContent},
		{"bearer is exempt", http.MethodPost, func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") }, http.StatusNoContent},
		{"missing token", http.MethodPost, func(*http.Request) {}, http.StatusForbidden},
		{"mismatch", http.MethodPost, func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: svc.CSRFCookieName(), Value: "a"})
			r.Header.Set(svc.CSRFHeaderName(), "b")
		}, http.StatusForbidden},
		{"match", http.MethodPost, func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: svc.CSRFCookieName(), Value: "a"})
			r.Header.Set(svc.CSRFHeaderName(), "a")
		}, http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/x", nil)
			tc.setup(req)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.want, w.Code)
		})
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db, "sqlite3"))
	t.Cleanup(func() { db.Close() })
	return db
}

func insertUser(t *testing.T, db *sql.DB, name string) string {
	t.Helper()
	user, err := NewUsers(db).Register(context.Background(), name, "secret-password")
	require.NoError(t, err)
	return user.ID
}
