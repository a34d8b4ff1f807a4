// Package history arranges a user's sessions for the history sidebar.
package history

import (
	"sort"
	"strings"
	"time"

	"agentsync/internal/models"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Buckets partitions sessions by the calendar day of their last activity.
type Buckets struct {
	Today     []*models.Session `json:"today"`
	Yesterday []*models.Session `json:"yesterday"`
	ThisWeek  []*models.Session `json:"this_week"`
	Older     []*models.Session `json:"older"`
}

func (b Buckets) Len() int {
	return len(b.Today) + len(b.Yesterday) + len(b.ThisWeek) + len(b.Older)
}

// Group places every session in exactly one bucket. Days are counted in loc,
// so a session active at 23:59 is "yesterday" at 00:05. Activity in the
// future, from clock skew, counts as today.
func Group(sessions []*models.Session, now time.Time, loc *time.Location) Buckets {
	if loc == nil {
		loc = time.UTC
	}
	today := startOfDay(now, loc)

	b := Buckets{
		Today:     []*models.Session{},
		Yesterday: []*models.Session{},
		ThisWeek:  []*models.Session{},
		Older:     []*models.Session{},
	}
	for _, s := range sessions {
		if s == nil {
			continue
		}
		switch days := daysBetween(startOfDay(s.LastActiveAt, loc), today); {
		case days <= 0:
			b.Today = append(b.Today, s)
		case days == 1:
			b.Yesterday = append(b.Yesterday, s)
		case days <= 7:
			b.ThisWeek = append(b.ThisWeek, s)
		default:
			b.Older = append(b.Older, s)
		}
	}
	for _, bucket := range [][]*models.Session{b.Today, b.Yesterday, b.ThisWeek, b.Older} {
		sortByActivity(bucket)
	}
	return b
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// daysBetween counts calendar days, so DST shifts do not matter.
func daysBetween(from, to time.Time) int {
	fy, fm, fd := from.Date()
	ty, tm, td := to.Date()
	a := time.Date(fy, fm, fd, 0, 0, 0, 0, time.UTC)
	b := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

// sortByActivity orders most recently active first, ties by id.
func sortByActivity(sessions []*models.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if !a.LastActiveAt.Equal(b.LastActiveAt) {
			return a.LastActiveAt.After(b.LastActiveAt)
		}
		return a.ID < b.ID
	})
}

// Page returns one page of sessions, most recently active first, and
// whether more sessions follow it.
func Page(sessions []*models.Session, offset, limit int) ([]*models.Session, bool) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	sorted := make([]*models.Session, 0, len(sessions))
	for _, s := range sessions {
		if s != nil {
			sorted = append(sorted, s)
		}
	}
	sortByActivity(sorted)

	if offset >= len(sorted) {
		return []*models.Session{}, false
	}
	end := min(offset+limit, len(sorted))
	return sorted[offset:end], end < len(sorted)
}

// DisplayTitle returns the stored title, or one built from the session's
// last activity in loc.
func DisplayTitle(s *models.Session, loc *time.Location) string {
	if s == nil {
		return ""
	}
	if title := strings.TrimSpace(s.Title); title != "" {
		return title
	}
	if loc == nil {
		loc = time.UTC
	}
	at := s.LastActiveAt
	if at.IsZero() {
		at = s.CreatedAt
	}
	return "Session from " + at.In(loc).Format("Jan 2, 3:04 PM")
}
