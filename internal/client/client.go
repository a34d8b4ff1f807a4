// Package client talks to the agentsync HTTP API. It implements
// reconcile.Fetcher so a View can poll sessions through it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"agentsync/internal/logging"
	"agentsync/internal/models"
	"agentsync/internal/reconcile"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 4096
)

var (
	ErrBusy         = errors.New("server busy")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrBusy:
		return e.Status == http.StatusTooManyRequests || e.Code == "BUSY"
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// BusyRetry bounds how long Run and Chat retry while the server
	// answers busy. Zero disables retries.
	BusyRetry  time.Duration
	HTTPClient *http.Client
}

type Client struct {
	base      string
	http      *http.Client
	busyRetry time.Duration

	mu     sync.RWMutex
	token  string
	userID string
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("client requires a base url")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{base: base, http: hc, busyRetry: cfg.BusyRetry, token: cfg.Token}, nil
}

// UserID is the id of the logged in user, if any.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) Register(ctx context.Context, username, password string) (*models.User, error) {
	var user models.User
	err := c.do(ctx, http.MethodPost, "/api/users/register",
		map[string]string{"username": username, "password": password}, &user)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Login authenticates and keeps the bearer token for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (*models.User, error) {
	var resp struct {
		models.User
		AuthToken string `json:"auth_token"`
	}
	err := c.do(ctx, http.MethodPost, "/api/users/login",
		map[string]string{"username": username, "password": password}, &resp)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.token = resp.AuthToken
	c.userID = resp.ID
	c.mu.Unlock()
	return &resp.User, nil
}

func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/api/logout", nil, nil)
	c.mu.Lock()
	c.token, c.userID = "", ""
	c.mu.Unlock()
	return err
}

func (c *Client) CreateSession(ctx context.Context, state map[string]any) (*models.Session, error) {
	var resp struct {
		Session *models.Session `json:"session"`
	}
	var body any
	if state != nil {
		body = map[string]any{"state": state}
	}
	if err := c.do(ctx, http.MethodPost, "/api/sessions", body, &resp); err != nil {
		return nil, err
	}
	return resp.Session, nil
}

// FetchSession implements reconcile.Fetcher.
func (c *Client) FetchSession(ctx context.Context, sessionID string) (*reconcile.Snapshot, error) {
	var snap reconcile.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID), nil, &snap)
	if errors.Is(err, ErrNotFound) {
		return nil, reconcile.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// DeleteSession removes a session. A session that is already gone counts
// as deleted.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	err := c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(sessionID), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) RenameSession(ctx context.Context, sessionID, title string) error {
	return c.do(ctx, http.MethodPatch, "/api/sessions/"+url.PathEscape(sessionID),
		map[string]string{"title": title}, nil)
}

// Run submits a message to an existing session.
func (c *Client) Run(ctx context.Context, sessionID, message, messageID string) (models.Ack, error) {
	var ack models.Ack
	body := map[string]string{
		"user_id":    c.UserID(),
		"session_id": sessionID,
		"message":    message,
		"message_id": messageID,
	}
	err := c.retryBusy(ctx, func() error {
		return c.do(ctx, http.MethodPost, "/api/run", body, &ack)
	})
	return ack, err
}

type ChatAck struct {
	models.Ack
	IsNewSession bool `json:"is_new_session"`
}

// Chat submits a message, letting the server create the session when
// sessionID is empty.
func (c *Client) Chat(ctx context.Context, sessionID, message, messageID string) (ChatAck, error) {
	var ack ChatAck
	body := map[string]string{
		"session_id": sessionID,
		"message":    message,
		"message_id": messageID,
	}
	err := c.retryBusy(ctx, func() error {
		return c.do(ctx, http.MethodPost, "/api/chat", body, &ack)
	})
	return ack, err
}

type SessionSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

type History struct {
	Sessions struct {
		Today     []SessionSummary `json:"today"`
		Yesterday []SessionSummary `json:"yesterday"`
		ThisWeek  []SessionSummary `json:"this_week"`
		Older     []SessionSummary `json:"older"`
	} `json:"sessions"`
	Total   int             `json:"total"`
	HasMore bool            `json:"has_more"`
	Notices []models.Notice `json:"notices"`
}

func (c *Client) History(ctx context.Context, offset, limit int) (*History, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var h History
	if err := c.do(ctx, http.MethodGet, "/api/sessions?"+q.Encode(), nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) Notices(ctx context.Context) ([]models.Notice, error) {
	var resp struct {
		Notices []models.Notice `json:"notices"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/notices", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Notices, nil
}

// retryBusy repeats fn with exponential backoff while the server is busy.
// The message id makes a repeated submission safe.
func (c *Client) retryBusy(ctx context.Context, fn func() error) error {
	if c.busyRetry <= 0 {
		return fn()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxElapsedTime = c.busyRetry
	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !errors.Is(err, ErrBusy) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		logging.Debug().Err(err).Dur("retry_in", wait).Msg("server busy")
	})
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			apiErr.Message, apiErr.Code = e.Error, e.Code
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
