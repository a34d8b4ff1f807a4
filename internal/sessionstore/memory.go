package sessionstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"agentsync/internal/models"

	"github.com/google/uuid"
)

type memorySession struct {
	session models.Session
	events  []*models.Event
	nextSeq int64
}

// MemoryStore is an in-process Store used by tests and the mock backend.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	eventIDs map[string]struct{}
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memorySession),
		eventIDs: make(map[string]struct{}),
		now:      time.Now,
	}
}

func (m *MemoryStore) Create(_ context.Context, ownerID string, state map[string]any) (*models.Session, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, errors.New("owner_id is required")
	}
	now := m.now().UTC()
	ms := &memorySession{session: models.Session{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		CreatedAt:    now,
		LastActiveAt: now,
		State:        cloneState(state),
	}}
	m.mu.Lock()
	m.sessions[ms.session.ID] = ms
	m.mu.Unlock()
	out := ms.session
	return &out, nil
}

func (m *MemoryStore) Get(_ context.Context, ownerID, sessionID string) (*models.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.sessions[sessionID]
	if !ok || ms.session.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	session := ms.session
	session.State = cloneState(ms.session.State)
	events := make([]*models.Event, 0, len(ms.events))
	for _, ev := range ms.events {
		copied := *ev
		events = append(events, &copied)
	}
	return &models.Snapshot{Session: &session, Events: events}, nil
}

func (m *MemoryStore) List(_ context.Context, ownerID string) ([]*models.Session, error) {
	m.mu.RLock()
	out := make([]*models.Session, 0)
	for _, ms := range m.sessions {
		if ms.session.OwnerID != ownerID {
			continue
		}
		session := ms.session
		session.State = cloneState(ms.session.State)
		out = append(out, &session)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActiveAt.After(out[j].LastActiveAt)
	})
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, ownerID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[sessionID]
	if !ok || ms.session.OwnerID != ownerID {
		return ErrNotFound
	}
	for _, ev := range ms.events {
		delete(m.eventIDs, ev.ID)
	}
	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStore) Rename(_ context.Context, ownerID, sessionID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[sessionID]
	if !ok || ms.session.OwnerID != ownerID {
		return ErrNotFound
	}
	ms.session.Title = title
	return nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, event *models.Event) (*models.Event, error) {
	ev, err := prepareEvent(event, m.now())
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.eventIDs[ev.ID]; dup {
		return nil, ErrDuplicateEvent
	}
	ms, ok := m.sessions[ev.SessionID]
	if !ok {
		return nil, ErrNotFound
	}
	ms.nextSeq++
	ev.Sequence = ms.nextSeq
	ms.events = append(ms.events, ev)
	ms.session.LastActiveAt = ev.CreatedAt
	m.eventIDs[ev.ID] = struct{}{}
	out := *ev
	return &out, nil
}

func (m *MemoryStore) MergeState(_ context.Context, sessionID string, delta map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if ms.session.State == nil {
		ms.session.State = map[string]any{}
	}
	for k, v := range delta {
		ms.session.State[k] = v
	}
	return nil
}
