package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	DocumentChunkSizeDefault = 1000
	DocumentChunkSizeMin     = 500
	DocumentChunkSizeMax     = 2000
	DocumentRateLimit        = 3
	DocumentRateWindow       = time.Minute
	WebSearchHTTPTimeout     = 10 * time.Second
)

type toolSessionContextKey struct{}

type toolSession struct {
	UserID    string
	SessionID string
}

// toolRateLimiter is a sliding window limiter keyed by an arbitrary string.
type toolRateLimiter struct {
	limit  int
	window time.Duration
	mu     sync.Mutex
	hits   map[string][]time.Time
	now    func() time.Time
}

func newToolRateLimiter(limit int, window time.Duration) *toolRateLimiter {
	return &toolRateLimiter{limit: limit, window: window, hits: make(map[string][]time.Time), now: time.Now}
}

func (l *toolRateLimiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	queue := l.hits[key]
	cutoff := now.Add(-l.window)
	idx := 0
	for _, t := range queue {
		if t.After(cutoff) {
			break
		}
		idx++
	}
	queue = queue[idx:]
	if len(queue) >= l.limit {
		l.hits[key] = queue
		return false
	}
	l.hits[key] = append(queue, now)
	return true
}

// WithToolSession tags ctx with the run's user and session so tools can
// rate limit per conversation.
func WithToolSession(ctx context.Context, userID, sessionID string) context.Context {
	if userID == "" || sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, toolSessionContextKey{}, toolSession{UserID: userID, SessionID: sessionID})
}

func ToolSessionFromContext(ctx context.Context) (userID, sessionID string, ok bool) {
	meta, ok := ctx.Value(toolSessionContextKey{}).(toolSession)
	if !ok {
		return "", "", false
	}
	return meta.UserID, meta.SessionID, true
}

func (w *webSearchTool) fetchURL(ctx context.Context, target string) (string, error) {
	if w.httpClient == nil {
		w.httpClient = &http.Client{Timeout: WebSearchHTTPTimeout}
	}

	parsed, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("unsupported url scheme")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "agentsync-websearch/1.0")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch url: %s", resp.Status)
	}

	const maxBodySize = 512 * 1024
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func looksLikeURL(input string) bool {
	lower := strings.ToLower(input)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// chunkText splits text into rune chunks and returns the requested one,
// clamping the index into range.
func chunkText(text string, index, size int) (segment string, chunk, total int) {
	if size <= 0 || size > DocumentChunkSizeMax {
		size = DocumentChunkSizeDefault
	}
	if size < DocumentChunkSizeMin {
		size = DocumentChunkSizeMin
	}
	runes := []rune(text)
	total = (len(runes) + size - 1) / size
	if total == 0 {
		return "", 0, 0
	}
	if index < 0 {
		index = 0
	}
	if index >= total {
		index = total - 1
	}
	start := index * size
	end := min(start+size, len(runes))
	return string(runes[start:end]), index, total
}
