package models

import "time"

// Notice is a one-shot error report for a user, delivered at most once.
type Notice struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Message   string    `json:"message"`
	Link      string    `json:"link"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatLink is the deep link of a session view.
func ChatLink(sessionID string) string {
	return "/chat/" + sessionID
}

// Ack is returned by the dispatcher once a message has been accepted.
type Ack struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	TaskID    string `json:"task_id"`
	Timestamp int64  `json:"timestamp"`
}
