package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"agentsync/internal/logging"
	"agentsync/internal/models"
	"agentsync/internal/sessionstore"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
)

type generateFunc func(ctx context.Context, input []*schema.Message) (*schema.Message, error)

type ModelRunnerOptions struct {
	// Name is written as the author of every reply.
	Name         string
	SystemPrompt string
	Tools        []tool.BaseTool
	// Titles names untitled sessions after their first reply. Optional.
	Titles *TitleGenerator
}

// ModelRunner answers with an in-process eino chat model, going through a
// react agent when tools are configured.
type ModelRunner struct {
	store    sessionstore.Store
	name     string
	system   string
	generate generateFunc
	titles   *TitleGenerator
}

func NewModelRunner(ctx context.Context, store sessionstore.Store, chatModel model.ToolCallingChatModel, opts ModelRunnerOptions) (*ModelRunner, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}
	if opts.Name == "" {
		opts.Name = "assistant"
	}
	r := &ModelRunner{
		store:    store,
		name:     opts.Name,
		system:   opts.SystemPrompt,
		generate: func(ctx context.Context, in []*schema.Message) (*schema.Message, error) { return chatModel.Generate(ctx, in) },
		titles:   opts.Titles,
	}
	if len(opts.Tools) > 0 {
		reactAgent, err := react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel: chatModel,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: opts.Tools,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("init react agent: %w", err)
		}
		r.generate = func(ctx context.Context, in []*schema.Message) (*schema.Message, error) {
			return reactAgent.Generate(ctx, in)
		}
	}
	return r, nil
}

func (r *ModelRunner) Run(ctx context.Context, req RunRequest) error {
	if err := recordUserMessage(ctx, r.store, req); err != nil {
		return err
	}
	snap, err := r.store.Get(ctx, req.UserID, req.SessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	ctx = WithToolSession(ctx, req.UserID, req.SessionID)
	reply, err := r.generate(ctx, r.convertEvents(snap.Events))
	if err != nil {
		return fmt.Errorf("generate reply: %w", err)
	}
	content := strings.TrimSpace(reply.Content)
	if content == "" {
		return errors.New("model returned an empty reply")
	}
	agentEvent, err := r.store.AppendEvent(ctx, &models.Event{
		SessionID: req.SessionID,
		Role:      models.RoleAgent,
		Agent:     r.name,
		Content:   content,
	})
	if err != nil {
		return fmt.Errorf("record reply: %w", err)
	}

	if r.titles != nil && strings.TrimSpace(snap.Session.Title) == "" {
		r.nameSession(ctx, req, append(snap.Events, agentEvent))
	}
	return nil
}

// nameSession is best effort; a failed title never fails the run.
func (r *ModelRunner) nameSession(ctx context.Context, req RunRequest, events []*models.Event) {
	title, err := r.titles.Generate(ctx, events)
	if err != nil {
		logging.Warn().Err(err).Str("session_id", req.SessionID).Msg("session title generation failed")
		return
	}
	if title == "" {
		return
	}
	if err := r.store.Rename(ctx, req.UserID, req.SessionID, title); err != nil {
		logging.Warn().Err(err).Str("session_id", req.SessionID).Msg("rename session failed")
	}
}

func (r *ModelRunner) convertEvents(events []*models.Event) []*schema.Message {
	messages := make([]*schema.Message, 0, len(events)+1)
	if r.system != "" {
		messages = append(messages, schema.SystemMessage(r.system))
	}
	for _, ev := range events {
		if strings.TrimSpace(ev.Content) == "" {
			continue
		}
		role := schema.Assistant
		if ev.Role == models.RoleUser {
			role = schema.User
		}
		messages = append(messages, &schema.Message{Role: role, Content: ev.Content})
	}
	return messages
}
