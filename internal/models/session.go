package models

import "time"

// Session is a conversation owned by one user. Its events live in the
// session store and are fetched alongside it.
type Session struct {
	ID           string         `json:"id"`
	OwnerID      string         `json:"owner_id"`
	Title        string         `json:"title"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActiveAt time.Time      `json:"last_active_at"`
	State        map[string]any `json:"state,omitempty"`
}

// Snapshot is the authoritative view of a session at fetch time.
type Snapshot struct {
	Session *Session `json:"session"`
	Events  []*Event `json:"events"`
}
