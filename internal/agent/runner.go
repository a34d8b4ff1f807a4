// Package agent produces replies for dispatched messages. A Runner writes
// the user message and every agent reply into the session store; the
// caller only learns whether the run succeeded.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentsync/internal/config"
	"agentsync/internal/models"
	"agentsync/internal/sessionstore"
)

// ErrDuplicateMessage means the user message id was already recorded, so
// the submission is a repeat of one that has been handled.
var ErrDuplicateMessage = errors.New("message already recorded")

type RunRequest struct {
	SessionID   string
	UserID      string
	MessageID   string
	Message     string
	SubmittedAt time.Time
}

type Runner interface {
	Run(ctx context.Context, req RunRequest) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req RunRequest) error

func (f RunnerFunc) Run(ctx context.Context, req RunRequest) error { return f(ctx, req) }

// recordUserMessage appends the user's message under the id the client
// already holds, which is what lets the client replace its optimistic copy.
func recordUserMessage(ctx context.Context, store sessionstore.Store, req RunRequest) error {
	created := req.SubmittedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := store.AppendEvent(ctx, &models.Event{
		ID:        req.MessageID,
		SessionID: req.SessionID,
		Role:      models.RoleUser,
		Content:   req.Message,
		CreatedAt: created,
	})
	if errors.Is(err, sessionstore.ErrDuplicateEvent) {
		return ErrDuplicateMessage
	}
	if err != nil {
		return fmt.Errorf("record user message: %w", err)
	}
	return nil
}

// New builds the runner selected by cfg.Agent.Backend.
func New(ctx context.Context, cfg *config.Config, store sessionstore.Store) (Runner, error) {
	ac := cfg.Agent
	switch strings.ToLower(ac.Backend) {
	case "mock", "":
		return NewMockRunner(store, ac.Name, time.Duration(ac.MockDelayMs)*time.Millisecond), nil
	case "http":
		return NewHTTPRunner(store, HTTPRunnerConfig{
			BaseURL: ac.URL,
			AppName: ac.AppName,
			Engine:  ac.Engine,
			Timeout: cfg.RunTimeout(),
		})
	case "model":
		provCfg, ok := cfg.Providers[ac.Provider]
		if !ok {
			return nil, fmt.Errorf("provider %s not configured", ac.Provider)
		}
		modelName := ac.Model
		if modelName == "" {
			modelName = provCfg.Model
		}
		chatModel, err := NewChatModel(ctx, ac.Provider, modelName, provCfg)
		if err != nil {
			return nil, err
		}
		return NewModelRunner(ctx, store, chatModel, ModelRunnerOptions{
			Name:   ac.Name,
			Tools:  InitTools(ctx, ac.Documents),
			Titles: NewTitleGenerator(chatModel),
		})
	default:
		return nil, fmt.Errorf("unknown agent backend: %s", ac.Backend)
	}
}
