package reconcile

import (
	"time"

	"agentsync/internal/models"

	"github.com/oklog/ulid/v2"
)

// Conversation is the plain, single-owner form of a session's message list.
type Conversation struct {
	SessionID string
	Messages  []models.Message
}

// NewOptimistic builds a pending user message, generating an id when the
// caller has none.
func NewOptimistic(content string, now time.Time) models.Message {
	return models.Message{
		ID:        ulid.Make().String(),
		Type:      models.MessageUser,
		Content:   content,
		Timestamp: now,
		Agent:     string(models.RoleUser),
		Pending:   true,
	}
}

// AddOptimistic appends msg as pending and returns the stored copy. A
// message whose id is already listed, pending or confirmed, is returned as
// is and nothing is added.
func (c *Conversation) AddOptimistic(msg models.Message) (models.Message, bool) {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if i := c.index(msg.ID); i >= 0 {
		return c.Messages[i], false
	}
	if msg.Type == "" {
		msg.Type = models.MessageUser
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msg.Pending = true
	c.Messages = append(c.Messages, msg)
	return msg, true
}

// RemoveOptimistic drops the pending message with the given id. Confirmed
// messages are left alone.
func (c *Conversation) RemoveOptimistic(id string) bool {
	i := c.index(id)
	if i < 0 || !c.Messages[i].Pending {
		return false
	}
	c.Messages = append(c.Messages[:i:i], c.Messages[i+1:]...)
	return true
}

func (c *Conversation) index(id string) int {
	for i, m := range c.Messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (c *Conversation) Apply(server []models.Message) {
	c.Messages = Reconcile(c.Messages, server)
}

func (c *Conversation) Outstanding() bool {
	return Outstanding(c.Messages)
}
