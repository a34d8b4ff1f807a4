package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"agentsync/internal/dispatch"
	"agentsync/internal/history"
	"agentsync/internal/logging"
	"agentsync/internal/models"
	"agentsync/internal/reconcile"

	"github.com/gin-gonic/gin"
)

const maxTitleRunes = 100

type runRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	MessageID string `json:"message_id"`
}

type runResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	TaskID    string `json:"task_id"`
	Timestamp int64  `json:"timestamp"`
}

// run acknowledges a message for an existing session. The agent reply is
// only visible through later session fetches.
func (h *Handler) run(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidRequest, "invalid request body")
		return
	}
	submit := dispatch.SubmitRequest{
		SessionID: strings.TrimSpace(req.SessionID),
		UserID:    strings.TrimSpace(req.UserID),
		Message:   req.Message,
		MessageID: strings.TrimSpace(req.MessageID),
	}
	if err := dispatch.Validate(submit); err != nil {
		h.fail(c, err)
		return
	}
	if submit.UserID != userID {
		respondError(c, http.StatusForbidden, codeForbidden, "user mismatch")
		return
	}
	ctx := c.Request.Context()
	if _, err := h.store.Get(ctx, userID, submit.SessionID); err != nil {
		h.fail(c, err)
		return
	}
	ack, err := h.dispatch.Submit(ctx, submit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, runResponse{
		Success:   ack.Success,
		Message:   "Message accepted",
		SessionID: ack.SessionID,
		MessageID: ack.MessageID,
		TaskID:    ack.TaskID,
		Timestamp: ack.Timestamp,
	})
}

type chatRequest struct {
	SessionID string         `json:"session_id"`
	Message   string         `json:"message"`
	MessageID string         `json:"message_id"`
	State     map[string]any `json:"state"`
}

type chatResponse struct {
	Success      bool   `json:"success"`
	SessionID    string `json:"session_id"`
	IsNewSession bool   `json:"is_new_session"`
	MessageID    string `json:"message_id"`
	TaskID       string `json:"task_id"`
	Timestamp    int64  `json:"timestamp"`
}

// chat dispatches a message, creating the session first when none is given.
func (h *Handler) chat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		h.fail(c, &dispatch.ValidationError{Fields: []string{"message"}})
		return
	}
	ctx := c.Request.Context()
	sessionID := strings.TrimSpace(req.SessionID)
	isNew := sessionID == ""
	if isNew {
		session, err := h.store.Create(ctx, userID, req.State)
		if err != nil {
			h.fail(c, err)
			return
		}
		sessionID = session.ID
	} else if _, err := h.store.Get(ctx, userID, sessionID); err != nil {
		h.fail(c, err)
		return
	}

	ack, err := h.dispatch.Submit(ctx, dispatch.SubmitRequest{
		SessionID: sessionID,
		UserID:    userID,
		Message:   req.Message,
		MessageID: strings.TrimSpace(req.MessageID),
	})
	if err != nil {
		if isNew {
			if derr := h.store.Delete(ctx, userID, sessionID); derr != nil {
				logging.Warn().Err(derr).Str("session_id", sessionID).Msg("drop session after rejected message")
			}
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, chatResponse{
		Success:      ack.Success,
		SessionID:    ack.SessionID,
		IsNewSession: isNew,
		MessageID:    ack.MessageID,
		TaskID:       ack.TaskID,
		Timestamp:    ack.Timestamp,
	})
}

type sessionResponse struct {
	Session  *models.Session  `json:"session"`
	Events   []*models.Event  `json:"events"`
	Messages []models.Message `json:"messages"`
	Notices  []models.Notice  `json:"notices"`
}

func (h *Handler) getSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	snap, err := h.store.Get(ctx, userID, c.Param("session_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	events := snap.Events
	if events == nil {
		events = []*models.Event{}
	}
	messages := reconcile.FromEvents(snap.Session, events)
	if messages == nil {
		messages = []models.Message{}
	}
	c.JSON(http.StatusOK, sessionResponse{
		Session:  snap.Session,
		Events:   events,
		Messages: messages,
		Notices:  h.pendingNotices(ctx, userID),
	})
}

type createSessionRequest struct {
	State map[string]any `json:"state"`
}

func (h *Handler) createSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req createSessionRequest
	// the body is optional
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, codeInvalidRequest, "invalid request body")
			return
		}
	}
	session, err := h.store.Create(c.Request.Context(), userID, req.State)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": session})
}

// deleteSession removes the session and stops its outstanding runs.
func (h *Handler) deleteSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	sessionID := c.Param("session_id")
	if err := h.store.Delete(ctx, userID, sessionID); err != nil {
		h.fail(c, err)
		return
	}
	if n := h.dispatch.CancelSession(ctx, sessionID); n > 0 {
		logging.Info().Str("session_id", sessionID).Int("tasks", n).Msg("canceled runs of deleted session")
	}
	c.Status(http.StatusNoContent)
}

type renameRequest struct {
	Title string `json:"title"`
}

func (h *Handler) renameSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidRequest, "invalid request body")
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		h.fail(c, &dispatch.ValidationError{Fields: []string{"title"}})
		return
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		title = strings.TrimSpace(string([]rune(title)[:maxTitleRunes]))
	}
	if err := h.store.Rename(c.Request.Context(), userID, c.Param("session_id"), title); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("session_id"), "title": title})
}

type sessionSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

type historyBuckets struct {
	Today     []sessionSummary `json:"today"`
	Yesterday []sessionSummary `json:"yesterday"`
	ThisWeek  []sessionSummary `json:"this_week"`
	Older     []sessionSummary `json:"older"`
}

type historyResponse struct {
	Sessions historyBuckets  `json:"sessions"`
	Total    int             `json:"total"`
	HasMore  bool            `json:"has_more"`
	Notices  []models.Notice `json:"notices"`
}

// listSessions pages the user's sessions and groups the page by day.
func (h *Handler) listSessions(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset", 0)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", history.DefaultPageSize)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	sessions, err := h.store.List(ctx, userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	page, hasMore := history.Page(sessions, offset, limit)
	buckets := history.Group(page, h.now(), h.loc)
	c.JSON(http.StatusOK, historyResponse{
		Sessions: historyBuckets{
			Today:     h.summaries(buckets.Today),
			Yesterday: h.summaries(buckets.Yesterday),
			ThisWeek:  h.summaries(buckets.ThisWeek),
			Older:     h.summaries(buckets.Older),
		},
		Total:   len(sessions),
		HasMore: hasMore,
		Notices: h.pendingNotices(ctx, userID),
	})
}

func (h *Handler) summaries(sessions []*models.Session) []sessionSummary {
	out := make([]sessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionSummary{
			ID:           s.ID,
			Title:        history.DisplayTitle(s, h.loc),
			CreatedAt:    s.CreatedAt,
			LastActiveAt: s.LastActiveAt,
		})
	}
	return out
}

func queryInt(c *gin.Context, key string, def int) (int, bool) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		respondError(c, http.StatusBadRequest, codeInvalidRequest, "invalid "+key)
		return 0, false
	}
	return v, true
}

func (h *Handler) takeNotices(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"notices": h.pendingNotices(c.Request.Context(), userID)})
}

func (h *Handler) getTask(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	info, err := h.dispatch.Task(userID, c.Param("task_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}
