// Package reconcile merges a client's optimistic message list with the
// authoritative event log of a session.
package reconcile

import (
	"slices"
	"sort"
	"strings"

	"agentsync/internal/models"
)

// DefaultSourceAgents are the agents whose replies carry the session's
// collected sources.
var DefaultSourceAgents = []string{"report_composer", "section_researcher", "enhanced_search_executor"}

const defaultAgentName = "agent"

// FromEvents converts a session's events into messages, skipping events
// without text.
func FromEvents(session *models.Session, events []*models.Event) []models.Message {
	var sources []models.Source
	if session != nil {
		sources = SourcesFromState(session.State)
	}
	messages := make([]models.Message, 0, len(events))
	for _, ev := range events {
		if ev == nil {
			continue
		}
		content := strings.TrimSpace(ev.Content)
		if content == "" {
			continue
		}
		msg := models.Message{
			ID:        ev.ID,
			Type:      models.MessageModel,
			Content:   content,
			Timestamp: ev.CreatedAt,
			Agent:     ev.Agent,
			Sequence:  ev.Sequence,
		}
		if ev.Role == models.RoleUser {
			msg.Type = models.MessageUser
		}
		if msg.Agent == "" {
			msg.Agent = defaultAgentName
			if ev.Role == models.RoleUser {
				msg.Agent = string(models.RoleUser)
			}
		}
		if len(sources) > 0 && ev.Role != models.RoleUser && slices.Contains(DefaultSourceAgents, ev.Agent) {
			msg.Sources = sources
		}
		messages = append(messages, msg)
	}
	return messages
}

// SourcesFromState reads the citations research agents keep under
// state["sources"], keyed by short id. Entries without a URL are skipped.
func SourcesFromState(state map[string]any) []models.Source {
	raw, ok := state["sources"].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	shortIDs, _ := state["url_to_short_id"].(map[string]any)

	sources := make([]models.Source, 0, len(raw))
	for key, value := range raw {
		entry, ok := value.(map[string]any)
		if !ok {
			continue
		}
		src := models.Source{
			ID:     stringField(entry, "id"),
			URL:    stringField(entry, "url"),
			Title:  stringField(entry, "title"),
			Domain: stringField(entry, "domain"),
		}
		if src.URL == "" {
			continue
		}
		if src.ID == "" {
			if short, ok := shortIDs[src.URL].(string); ok && short != "" {
				src.ID = short
			} else {
				src.ID = key
			}
		}
		if src.Title == "" {
			src.Title = src.URL
		}
		claims, ok := entry["supported_claims"].([]any)
		if !ok {
			claims, _ = entry["supportedClaims"].([]any)
		}
		for _, c := range claims {
			if s, ok := c.(string); ok {
				src.SupportedClaims = append(src.SupportedClaims, s)
			}
		}
		sources = append(sources, src)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].ID < sources[j].ID })
	return sources
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

// Reconcile merges local messages with a server snapshot.
//
// Server messages win: the first occurrence of each id replaces any local
// message with that id and is never pending. Local pending messages the
// server has not confirmed follow the confirmed ones in their local order.
// Confirmed local messages absent from the snapshot are dropped. Applying
// the same snapshot twice yields the same list.
func Reconcile(local, server []models.Message) []models.Message {
	seen := make(map[string]struct{}, len(server)+len(local))
	merged := make([]models.Message, 0, len(server)+len(local))
	for _, msg := range server {
		if _, dup := seen[msg.ID]; dup {
			continue
		}
		seen[msg.ID] = struct{}{}
		msg.Pending = false
		merged = append(merged, msg)
	}
	sortConfirmed(merged)

	for _, msg := range local {
		if !msg.Pending {
			continue
		}
		if _, dup := seen[msg.ID]; dup {
			continue
		}
		seen[msg.ID] = struct{}{}
		merged = append(merged, msg)
	}
	return merged
}

// sortConfirmed orders by store sequence when every message has one and by
// timestamp otherwise, breaking ties by id.
func sortConfirmed(msgs []models.Message) {
	bySequence := true
	for _, m := range msgs {
		if m.Sequence <= 0 {
			bySequence = false
			break
		}
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if bySequence && a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		if !bySequence && !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})
}

// Outstanding reports whether an exchange is still in flight: a message is
// pending, or the user spoke last.
func Outstanding(msgs []models.Message) bool {
	if len(msgs) == 0 {
		return false
	}
	for _, m := range msgs {
		if m.Pending {
			return true
		}
	}
	return msgs[len(msgs)-1].Type == models.MessageUser
}
