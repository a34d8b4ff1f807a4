package agent

import (
	"context"
	"fmt"
	"strings"

	"agentsync/internal/models"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const maxTitleRunes = 100

const titlePrompt = "You are a conversation title generator. " +
	"Based on the dialogue between the user and the AI, generate a concise and accurate title for the conversation. " +
	"The title should be at most six words and summarize the main topic of the conversation. " +
	"Output only the title; do not include any additional content."

// TitleGenerator names a session after its first exchange.
type TitleGenerator struct {
	chatModel model.BaseChatModel
}

func NewTitleGenerator(chatModel model.BaseChatModel) *TitleGenerator {
	return &TitleGenerator{chatModel: chatModel}
}

// Generate returns an empty title when there is nothing to summarise.
func (g *TitleGenerator) Generate(ctx context.Context, events []*models.Event) (string, error) {
	var conversation strings.Builder
	for _, ev := range events {
		if strings.TrimSpace(ev.Content) == "" {
			continue
		}
		if ev.Role == models.RoleUser {
			fmt.Fprintf(&conversation, "User: %s\n", ev.Content)
		} else {
			fmt.Fprintf(&conversation, "Assistant: %s\n", ev.Content)
		}
	}
	if conversation.Len() == 0 {
		return "", nil
	}

	resp, err := g.chatModel.Generate(ctx, []*schema.Message{
		schema.SystemMessage(titlePrompt),
		schema.UserMessage("Please generate a clean title using following conversation messages:\n\n" + conversation.String()),
	})
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}
	return CleanTitle(resp.Content), nil
}

// CleanTitle trims whitespace and wrapping quotes and caps the length.
func CleanTitle(title string) string {
	title = strings.TrimSpace(title)
	title = strings.Trim(title, "\"'`")
	title = strings.TrimSpace(title)
	if runes := []rune(title); len(runes) > maxTitleRunes {
		title = strings.TrimSpace(string(runes[:maxTitleRunes]))
	}
	return title
}
