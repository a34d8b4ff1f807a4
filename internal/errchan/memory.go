package errchan

import (
	"context"
	"sync"
	"time"

	"agentsync/internal/models"
)

type MemoryChannel struct {
	mu      sync.Mutex
	notices map[string][]models.Notice
}

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{notices: make(map[string][]models.Notice)}
}

func (m *MemoryChannel) Report(_ context.Context, notice models.Notice) error {
	n, err := prepare(notice, time.Now())
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.notices[n.UserID] = append(m.notices[n.UserID], n)
	m.mu.Unlock()
	return nil
}

func (m *MemoryChannel) Take(_ context.Context, userID string) ([]models.Notice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.notices[userID]
	delete(m.notices, userID)
	if out == nil {
		out = []models.Notice{}
	}
	return out, nil
}
