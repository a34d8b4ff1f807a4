package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentsync/internal/models"

	"github.com/google/uuid"
)

// SQLStore persists sessions in the sessions and events tables created by
// storage.Migrate. It works with both sqlite3 and mysql.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

func (s *SQLStore) Create(ctx context.Context, ownerID string, state map[string]any) (*models.Session, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, errors.New("owner_id is required")
	}
	if state == nil {
		state = map[string]any{}
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode session state: %w", err)
	}
	now := s.now().UTC()
	session := &models.Session{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		CreatedAt:    now,
		LastActiveAt: now,
		State:        state,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, owner_id, title, state, next_seq, created_at, last_active_at) VALUES (?, ?, '', ?, 0, ?, ?)`,
		session.ID, ownerID, string(raw), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

func (s *SQLStore) Get(ctx context.Context, ownerID, sessionID string) (*models.Snapshot, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, state, created_at, last_active_at FROM sessions WHERE id = ? AND owner_id = ?`,
		sessionID, ownerID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, sequence, role, agent, content, created_at FROM events WHERE session_id = ? ORDER BY sequence ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.Event, 0)
	for rows.Next() {
		ev := new(models.Event)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Sequence, &ev.Role, &ev.Agent, &ev.Content, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return &models.Snapshot{Session: session, Events: events}, nil
}

// List returns the owner's sessions ordered by last activity.
func (s *SQLStore) List(ctx context.Context, ownerID string) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, title, state, created_at, last_active_at FROM sessions WHERE owner_id = ? ORDER BY last_active_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*models.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// Delete removes a session and its events.
func (s *SQLStore) Delete(ctx context.Context, ownerID, sessionID string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND owner_id = ?`, sessionID, ownerID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete session: %w", err)
	}
	return nil
}

func (s *SQLStore) Rename(ctx context.Context, ownerID, sessionID, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ? WHERE id = ? AND owner_id = ?`,
		title, sessionID, ownerID,
	)
	if err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	// mysql reports changed rows, so an unchanged title also lands here
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM sessions WHERE id = ? AND owner_id = ?)`, sessionID, ownerID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("verify session: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

// AppendEvent bumps the session counter and inserts the event in one
// transaction so concurrent writers never share a sequence number.
func (s *SQLStore) AppendEvent(ctx context.Context, event *models.Event) (_ *models.Event, err error) {
	ev, err := prepareEvent(event, s.now())
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var exists bool
	if err = tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM events WHERE id = ?)`, ev.ID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check event: %w", err)
	}
	if exists {
		err = ErrDuplicateEvent
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET next_seq = next_seq + 1, last_active_at = ? WHERE id = ?`,
		ev.CreatedAt, ev.SessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("advance sequence: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		err = ErrNotFound
		return nil, err
	}
	if err = tx.QueryRowContext(ctx, `SELECT next_seq FROM sessions WHERE id = ?`, ev.SessionID).Scan(&ev.Sequence); err != nil {
		return nil, fmt.Errorf("read sequence: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO events (id, session_id, sequence, role, agent, content, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SessionID, ev.Sequence, ev.Role, ev.Agent, ev.Content, ev.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit event: %w", err)
	}
	return ev, nil
}

func (s *SQLStore) MergeState(ctx context.Context, sessionID string, delta map[string]any) (err error) {
	if len(delta) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var raw string
	if err = tx.QueryRowContext(ctx, `SELECT state FROM sessions WHERE id = ?`, sessionID).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrNotFound
			return err
		}
		return fmt.Errorf("read state: %w", err)
	}
	state := map[string]any{}
	if raw != "" {
		if err = json.Unmarshal([]byte(raw), &state); err != nil {
			return fmt.Errorf("decode state: %w", err)
		}
	}
	for k, v := range delta {
		state[k] = v
	}
	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `UPDATE sessions SET state = ? WHERE id = ?`, string(encoded), sessionID); err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		session models.Session
		raw     string
	)
	if err := row.Scan(&session.ID, &session.OwnerID, &session.Title, &raw, &session.CreatedAt, &session.LastActiveAt); err != nil {
		return nil, err
	}
	session.State = map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &session.State); err != nil {
			return nil, fmt.Errorf("decode session state: %w", err)
		}
	}
	return &session, nil
}
