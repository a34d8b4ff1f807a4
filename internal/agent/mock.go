package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentsync/internal/models"
	"agentsync/internal/sessionstore"
)

// MockRunner answers every message by echoing it, after an optional delay.
// Messages starting with "/fail" make the run fail, which is handy for
// exercising the error channel without a real agent.
type MockRunner struct {
	store sessionstore.Store
	name  string
	delay time.Duration
}

func NewMockRunner(store sessionstore.Store, name string, delay time.Duration) *MockRunner {
	if name == "" {
		name = "assistant"
	}
	return &MockRunner{store: store, name: name, delay: delay}
}

func (m *MockRunner) Run(ctx context.Context, req RunRequest) error {
	if err := recordUserMessage(ctx, m.store, req); err != nil {
		return err
	}
	if m.delay > 0 {
		timer := time.NewTimer(m.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if strings.HasPrefix(strings.TrimSpace(req.Message), "/fail") {
		return errors.New("mock agent failure requested")
	}
	_, err := m.store.AppendEvent(ctx, &models.Event{
		SessionID: req.SessionID,
		Role:      models.RoleAgent,
		Agent:     m.name,
		Content:   fmt.Sprintf("You said: %s", req.Message),
	})
	return err
}
