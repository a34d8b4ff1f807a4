// Package sessionstore holds sessions and their append-only event logs.
package sessionstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"agentsync/internal/models"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrNotFound is returned for unknown sessions and for sessions owned by
	// another user.
	ErrNotFound = errors.New("session not found")
	// ErrDuplicateEvent is returned when an event id was already appended.
	ErrDuplicateEvent = errors.New("event already exists")
)

// Store is the narrow persistence contract the sync core depends on.
type Store interface {
	Create(ctx context.Context, ownerID string, state map[string]any) (*models.Session, error)
	Get(ctx context.Context, ownerID, sessionID string) (*models.Snapshot, error)
	List(ctx context.Context, ownerID string) ([]*models.Session, error)
	Delete(ctx context.Context, ownerID, sessionID string) error
	Rename(ctx context.Context, ownerID, sessionID, title string) error
	// AppendEvent assigns the next sequence number of the session and stores
	// the event. A missing ID is filled with a ULID.
	AppendEvent(ctx context.Context, event *models.Event) (*models.Event, error)
	// MergeState shallow-merges delta into the session state.
	MergeState(ctx context.Context, sessionID string, delta map[string]any) error
}

// prepareEvent validates an event and fills the fields the caller may omit.
func prepareEvent(event *models.Event, now time.Time) (*models.Event, error) {
	if event == nil {
		return nil, errors.New("event required")
	}
	if strings.TrimSpace(event.SessionID) == "" {
		return nil, errors.New("event session_id required")
	}
	ev := *event
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.Role == "" {
		ev.Role = models.RoleAgent
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	return &ev, nil
}

func cloneState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}
