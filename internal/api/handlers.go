// Package api exposes the dispatcher, the session store and the error
// channel over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"agentsync/internal/auth"
	"agentsync/internal/dispatch"
	"agentsync/internal/errchan"
	"agentsync/internal/logging"
	"agentsync/internal/models"
	"agentsync/internal/sessionstore"

	"github.com/gin-gonic/gin"
)

// Dispatcher is the part of dispatch.Dispatcher the handlers use.
type Dispatcher interface {
	Submit(ctx context.Context, req dispatch.SubmitRequest) (models.Ack, error)
	Task(userID, taskID string) (dispatch.Info, error)
	CancelUser(userID string) int
	CancelSession(ctx context.Context, sessionID string) int
}

type Options struct {
	Store      sessionstore.Store
	Dispatcher Dispatcher
	Notices    errchan.Channel
	Auth       *auth.Service
	Users      *auth.Users
	// Location is used for history buckets and fallback titles.
	Location *time.Location
	Now      func() time.Time
}

// Handler wires HTTP routes to the sync core.
type Handler struct {
	store    sessionstore.Store
	dispatch Dispatcher
	notices  errchan.Channel
	auth     *auth.Service
	users    *auth.Users
	loc      *time.Location
	now      func() time.Time
}

func NewHandler(opts Options) (*Handler, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("api requires a session store")
	case opts.Dispatcher == nil:
		return nil, errors.New("api requires a dispatcher")
	case opts.Auth == nil || opts.Users == nil:
		return nil, errors.New("api requires auth")
	}
	if opts.Notices == nil {
		opts.Notices = errchan.NewMemoryChannel()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Handler{
		store:    opts.Store,
		dispatch: opts.Dispatcher,
		notices:  opts.Notices,
		auth:     opts.Auth,
		users:    opts.Users,
		loc:      opts.Location,
		now:      opts.Now,
	}, nil
}

// NewRouter returns a gin engine with logging, recovery and every route.
func (h *Handler) NewRouter() *gin.Engine {
	router := gin.New()
	router.Use(logging.GinLogger(), gin.Recovery())
	h.RegisterRoutes(router)
	return router
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)

	authed := api.Group("")
	authed.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	authed.GET("/users/me", h.currentUser)
	authed.DELETE("/users/me", h.deleteUser)
	authed.POST("/logout", h.logoutUser)

	authed.POST("/run", h.run)
	authed.POST("/chat", h.chat)
	authed.GET("/sessions", h.listSessions)
	authed.POST("/sessions", h.createSession)
	authed.GET("/sessions/:session_id", h.getSession)
	authed.PATCH("/sessions/:session_id", h.renameSession)
	authed.DELETE("/sessions/:session_id", h.deleteSession)
	authed.GET("/notices", h.takeNotices)
	authed.GET("/tasks/:task_id", h.getTask)
}

func (h *Handler) authorizedUserID(c *gin.Context) (string, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, codeUnauthorized, "authorization required")
		return "", false
	}
	return userID, true
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidRequest, "invalid request body")
		return
	}
	user, err := h.users.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUsernameTaken) {
			respondError(c, http.StatusConflict, codeInvalidRequest, err.Error())
			return
		}
		respondError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidRequest, "invalid request body")
		return
	}
	user, err := h.users.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			respondError(c, http.StatusUnauthorized, codeUnauthorized, err.Error())
			return
		}
		h.fail(c, err)
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		h.fail(c, err)
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
		"csrf_token": csrfToken,
	})
}

func (h *Handler) currentUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	user, err := h.users.Get(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *Handler) logoutUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	h.dispatch.CancelUser(userID)
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		if err := h.auth.RevokeToken(c.Request.Context(), authToken); err != nil {
			logging.Warn().Err(err).Str("user_id", userID).Msg("revoke token on logout")
		}
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

// deleteUser removes the account together with its sessions and tokens.
func (h *Handler) deleteUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	h.dispatch.CancelUser(userID)
	sessions, err := h.store.List(ctx, userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	for _, s := range sessions {
		if err := h.store.Delete(ctx, userID, s.ID); err != nil && !errors.Is(err, sessionstore.ErrNotFound) {
			h.fail(c, err)
			return
		}
	}
	if err := h.auth.RevokeUserTokens(ctx, userID); err != nil {
		h.fail(c, err)
		return
	}
	if err := h.users.Delete(ctx, userID); err != nil {
		h.fail(c, err)
		return
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		http.SetCookie(c.Writer, &http.Cookie{
			Name:     name,
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

// pendingNotices drains the user's notices. A failing error channel must
// not fail the response that carries them.
func (h *Handler) pendingNotices(ctx context.Context, userID string) []models.Notice {
	notices, err := h.notices.Take(ctx, userID)
	if err != nil {
		logging.Warn().Err(err).Str("user_id", userID).Msg("take notices")
	}
	if notices == nil {
		notices = []models.Notice{}
	}
	return notices
}
