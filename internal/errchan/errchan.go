// Package errchan stores one-shot failure notices for users. A notice is
// returned by exactly one Take and never shown again.
package errchan

import (
	"context"
	"errors"
	"strings"
	"time"

	"agentsync/internal/models"

	"github.com/google/uuid"
)

// Channel is implemented by the redis and memory backends.
type Channel interface {
	Report(ctx context.Context, notice models.Notice) error
	Take(ctx context.Context, userID string) ([]models.Notice, error)
}

// Reporter is the write side used by the dispatcher.
type Reporter interface {
	Report(ctx context.Context, notice models.Notice) error
}

func prepare(notice models.Notice, now time.Time) (models.Notice, error) {
	if strings.TrimSpace(notice.UserID) == "" {
		return notice, errors.New("notice user_id required")
	}
	if notice.ID == "" {
		notice.ID = uuid.NewString()
	}
	if notice.Link == "" && notice.SessionID != "" {
		notice.Link = models.ChatLink(notice.SessionID)
	}
	if notice.Message == "" {
		notice.Message = "The assistant could not answer your message."
	}
	if notice.CreatedAt.IsZero() {
		notice.CreatedAt = now.UTC()
	}
	return notice, nil
}
