package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/batchismo/batchismo/internal/domain"
)

const sessionColumns = `id, key, model, status, kind, parent_id, label, task, token_input, token_output, created_at, updated_at`

// CreateSession creates a main session under the given key.
// Returns domain.ErrConflictingKey when the key is taken.
func (s *Store) CreateSession(ctx context.Context, key, model string) (*domain.Session, error) {
	now := time.Now().UTC()
	sess := &domain.Session{
		ID:        uuid.New(),
		Key:       key,
		Model:     model,
		Status:    domain.SessionActive,
		Kind:      domain.KindMain,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, key, model, status, kind, token_input, token_output, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'main', 0, 0, ?, ?)`,
		sess.ID.String(), key, model, sess.Status, formatTime(now), formatTime(now))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("%w: %q", domain.ErrConflictingKey, key)
		}
		return nil, storeErr(err)
	}
	return sess, nil
}

// CreateWorkerSession creates a worker session under its parent. Worker
// keys are derived from the session id and never collide with user keys.
func (s *Store) CreateWorkerSession(ctx context.Context, parentID uuid.UUID, model, label, task string) (*domain.Session, error) {
	now := time.Now().UTC()
	id := uuid.New()
	key := "worker:" + id.String()[:8]
	sess := &domain.Session{
		ID:        id,
		Key:       key,
		Model:     model,
		Status:    domain.SessionActive,
		Kind:      domain.KindWorker,
		ParentID:  parentID,
		Label:     label,
		Task:      task,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, key, model, status, kind, parent_id, label, task, subagent_status, token_input, token_output, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'worker', ?, ?, ?, ?, 0, 0, ?, ?)`,
		id.String(), key, model, sess.Status, parentID.String(), label, task,
		domain.SubagentRunning, formatTime(now), formatTime(now))
	if err != nil {
		return nil, storeErr(err)
	}
	return sess, nil
}

// GetSession fetches a session by id. Returns nil when absent.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	return s.querySession(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id.String())
}

// GetSessionByKey fetches a session by its stable key. Returns nil when absent.
func (s *Store) GetSessionByKey(ctx context.Context, key string) (*domain.Session, error) {
	return s.querySession(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE key = ?`, key)
}

// GetOrCreateMain returns the main session, creating it on first use.
func (s *Store) GetOrCreateMain(ctx context.Context, model string) (*domain.Session, error) {
	sess, err := s.GetSessionByKey(ctx, domain.MainSessionKey)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}
	return s.CreateSession(ctx, domain.MainSessionKey, model)
}

// ListSessions returns all main sessions ordered by creation time.
func (s *Store) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE kind = 'main' ORDER BY created_at ASC`)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, storeErr(rows.Err())
}

// RenameSession changes a session's key. The main session cannot be renamed.
func (s *Store) RenameSession(ctx context.Context, id uuid.UUID, newKey string) error {
	if newKey == domain.MainSessionKey {
		return fmt.Errorf("%w: key %q is reserved", domain.ErrInvalidInput, newKey)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET key = ?, updated_at = ? WHERE id = ? AND key != ?`,
		newKey, formatTime(time.Now().UTC()), id.String(), domain.MainSessionKey)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %q", domain.ErrConflictingKey, newKey)
		}
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: session not found or protected", domain.ErrInvalidInput)
	}
	return nil
}

// DeleteSession removes a session and its messages. The main session is
// protected at the gateway layer.
func (s *Store) DeleteSession(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id.String())
	return storeErr(err)
}

// SetSessionStatus updates the lifecycle status of a session.
func (s *Store) SetSessionStatus(ctx context.Context, id uuid.UUID, status domain.SessionStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(time.Now().UTC()), id.String())
	return storeErr(err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) querySession(ctx context.Context, query string, arg any) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, query, arg)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var id string
	var parentID, label, task sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&id, &sess.Key, &sess.Model, &sess.Status, &sess.Kind,
		&parentID, &label, &task, &sess.TokenInput, &sess.TokenOutput, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storeErr(err)
	}

	sess.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, storeErr(err)
	}
	if parentID.Valid && parentID.String != "" {
		sess.ParentID, _ = uuid.Parse(parentID.String)
	}
	sess.Label = label.String
	sess.Task = task.String
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
