package models

import "time"

type MessageType string

const (
	MessageUser  MessageType = "user"
	MessageModel MessageType = "model"
)

// Message is the client-side view of an event. Pending marks an optimistic
// local message that the store has not confirmed yet.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	Agent     string      `json:"agent,omitempty"`
	Sources   []Source    `json:"sources,omitempty"`
	Pending   bool        `json:"pending,omitempty"`
	Sequence  int64       `json:"sequence,omitempty"`
}

// Source is a citation collected by research agents in the session state.
type Source struct {
	ID              string   `json:"id"`
	URL             string   `json:"url"`
	Title           string   `json:"title"`
	Domain          string   `json:"domain,omitempty"`
	SupportedClaims []string `json:"supported_claims,omitempty"`
}
