package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agentsync/internal/logging"
	"agentsync/internal/models"
	"agentsync/internal/sessionstore"
)

const maxErrorBody = 512

type HTTPRunnerConfig struct {
	// BaseURL is the agent server root, or the ":query" resource URL of a
	// hosted agent engine when Engine is set.
	BaseURL string
	AppName string
	Engine  bool
	Timeout time.Duration
	Client  *http.Client
}

// HTTPRunner forwards a message to a remote agent server and copies the
// agent's reply events into the local session store.
type HTTPRunner struct {
	store   sessionstore.Store
	cfg     HTTPRunnerConfig
	client  *http.Client
	baseURL string
}

func NewHTTPRunner(store sessionstore.Store, cfg HTTPRunnerConfig) (*HTTPRunner, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("agent url is required for the http backend")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid agent url: %w", err)
	}
	if cfg.AppName == "" {
		cfg.AppName = "app"
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPRunner{store: store, cfg: cfg, client: client, baseURL: base}, nil
}

// remoteEvent is the subset of an agent server event the runner reads.
type remoteEvent struct {
	ID      string `json:"id"`
	Author  string `json:"author"`
	Content *struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"content"`
	Actions *struct {
		StateDelta map[string]any `json:"stateDelta"`
	} `json:"actions"`
}

func (e *remoteEvent) text() string {
	if e.Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range e.Content.Parts {
		b.WriteString(part.Text)
	}
	return strings.TrimSpace(b.String())
}

func (r *HTTPRunner) Run(ctx context.Context, req RunRequest) error {
	if err := recordUserMessage(ctx, r.store, req); err != nil {
		return err
	}

	var (
		endpoint string
		payload  any
	)
	if r.cfg.Engine {
		endpoint = r.streamQueryURL()
		payload = map[string]any{
			"class_method": "stream_query",
			"input": map[string]any{
				"user_id":    req.UserID,
				"session_id": req.SessionID,
				"message":    req.Message,
			},
		}
	} else {
		if err := r.ensureRemoteSession(ctx, req); err != nil {
			return err
		}
		endpoint = r.baseURL + "/run"
		payload = map[string]any{
			"app_name":   r.cfg.AppName,
			"user_id":    req.UserID,
			"session_id": req.SessionID,
			"new_message": map[string]any{
				"role":  "user",
				"parts": []map[string]string{{"text": req.Message}},
			},
			"streaming": false,
			"state":     map[string]any{"user_id": req.UserID},
		}
	}

	body, err := r.post(ctx, endpoint, payload)
	if err != nil {
		return err
	}
	events, err := parseRemoteEvents(body)
	if err != nil {
		return err
	}
	return r.storeReplies(ctx, req, events)
}

func (r *HTTPRunner) streamQueryURL() string {
	if strings.HasSuffix(r.baseURL, ":query") {
		return strings.TrimSuffix(r.baseURL, ":query") + ":streamQuery"
	}
	if strings.HasSuffix(r.baseURL, ":streamQuery") {
		return r.baseURL
	}
	return r.baseURL + ":streamQuery"
}

// ensureRemoteSession creates the mirror session on the agent server. A
// session that already exists there is fine.
func (r *HTTPRunner) ensureRemoteSession(ctx context.Context, req RunRequest) error {
	endpoint := fmt.Sprintf("%s/apps/%s/users/%s/sessions/%s", r.baseURL,
		url.PathEscape(r.cfg.AppName), url.PathEscape(req.UserID), url.PathEscape(req.SessionID))
	raw, err := json.Marshal(map[string]any{"state": map[string]any{"user_id": req.UserID}})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("create remote session: %w", err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusConflict || strings.Contains(strings.ToLower(string(msg)), "already exists") {
		return nil
	}
	return fmt.Errorf("create remote session: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
}

func (r *HTTPRunner) post(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal agent request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agent request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read agent response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, fmt.Errorf("agent request failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// parseRemoteEvents accepts a JSON array of events or one event per line,
// optionally in server-sent "data:" framing.
func parseRemoteEvents(body []byte) ([]*remoteEvent, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var events []*remoteEvent
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("decode agent events: %w", err)
		}
		return events, nil
	}

	var events []*remoteEvent
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if line == "" || line == "[DONE]" {
			continue
		}
		var ev remoteEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return nil, fmt.Errorf("decode agent event: %w", err)
		}
		events = append(events, &ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read agent events: %w", err)
	}
	return events, nil
}

func (r *HTTPRunner) storeReplies(ctx context.Context, req RunRequest, events []*remoteEvent) error {
	replies := 0
	for _, ev := range events {
		if ev == nil || ev.Author == "user" {
			continue
		}
		if ev.Actions != nil && len(ev.Actions.StateDelta) > 0 {
			if err := r.store.MergeState(ctx, req.SessionID, ev.Actions.StateDelta); err != nil {
				return fmt.Errorf("merge agent state: %w", err)
			}
		}
		text := ev.text()
		if text == "" {
			continue
		}
		_, err := r.store.AppendEvent(ctx, &models.Event{
			ID:        ev.ID,
			SessionID: req.SessionID,
			Role:      models.RoleAgent,
			Agent:     ev.Author,
			Content:   text,
		})
		if errors.Is(err, sessionstore.ErrDuplicateEvent) {
			logging.Debug().Str("event_id", ev.ID).Msg("agent event already stored")
			replies++
			continue
		}
		if err != nil {
			return fmt.Errorf("record agent event: %w", err)
		}
		replies++
	}
	if replies == 0 {
		return errors.New("agent returned no reply")
	}
	return nil
}
