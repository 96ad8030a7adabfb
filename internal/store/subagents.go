package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/batchismo/batchismo/internal/domain"
)

// UpdateSubagentState transitions a worker's lifecycle state. Terminal
// states additionally stamp the completion time and optional summary.
func (s *Store) UpdateSubagentState(ctx context.Context, id uuid.UUID, state domain.SubagentState, summary string) error {
	now := formatTime(time.Now().UTC())
	if state.Terminal() {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET subagent_status = ?, summary = ?, status = ?, updated_at = ?
			WHERE id = ? AND kind = 'worker'`,
			state, nullable(summary), sessionStatusFor(state), now, id.String())
		return storeErr(err)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET subagent_status = ?, updated_at = ? WHERE id = ? AND kind = 'worker'`,
		state, now, id.String())
	return storeErr(err)
}

func sessionStatusFor(state domain.SubagentState) domain.SessionStatus {
	switch state {
	case domain.SubagentCompleted:
		return domain.SessionCompleted
	case domain.SubagentFailed, domain.SubagentCancelled:
		return domain.SessionFailed
	}
	return domain.SessionActive
}

// ListSubagents returns the worker records for a parent session, newest
// first. A zero parent id lists all workers.
func (s *Store) ListSubagents(ctx context.Context, parentID uuid.UUID) ([]domain.SubagentInfo, error) {
	query := `
		SELECT id, key, parent_id, label, task, subagent_status, created_at, updated_at, summary, token_input, token_output
		FROM sessions WHERE kind = 'worker'`
	args := []any{}
	if parentID != uuid.Nil {
		query += ` AND parent_id = ?`
		args = append(args, parentID.String())
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var out []domain.SubagentInfo
	for rows.Next() {
		var info domain.SubagentInfo
		var id, parent string
		var label, task, state, summary sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&id, &info.SessionKey, &parent, &label, &task, &state,
			&createdAt, &updatedAt, &summary, &info.TokenInput, &info.TokenOutput); err != nil {
			return nil, storeErr(err)
		}
		info.SessionID, _ = uuid.Parse(id)
		info.ParentSessionID, _ = uuid.Parse(parent)
		info.Label = label.String
		info.Task = task.String
		info.State = domain.SubagentState(state.String)
		info.Summary = summary.String
		info.StartedAt = parseTime(createdAt)
		if info.State.Terminal() {
			done := parseTime(updatedAt)
			info.CompletedAt = &done
		}
		out = append(out, info)
	}
	return out, storeErr(rows.Err())
}
