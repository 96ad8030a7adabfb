package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/batchismo/batchismo/internal/domain"
)

// AppendUserMessage persists a user message at the tail of the session.
func (s *Store) AppendUserMessage(ctx context.Context, sessionID uuid.UUID, content string) (*domain.Message, error) {
	msg := domain.NewUserMessage(sessionID, content)
	if err := s.appendMessage(ctx, s.db, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// AppendMessage persists an already-built message at the tail of the session.
func (s *Store) AppendMessage(ctx context.Context, msg *domain.Message) error {
	return s.appendMessage(ctx, s.db, msg)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) appendMessage(ctx context.Context, db execer, msg *domain.Message) error {
	callsJSON, err := json.Marshal(orEmptyCalls(msg.ToolCalls))
	if err != nil {
		return storeErr(err)
	}
	resultsJSON, err := json.Marshal(orEmptyResults(msg.ToolResults))
	if err != nil {
		return storeErr(err)
	}

	var seq int64
	if err := db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`,
		msg.SessionID.String()).Scan(&seq); err != nil {
		return storeErr(err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, tool_calls_json, tool_results_json, token_input, token_output, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID.String(), msg.SessionID.String(), msg.Role, msg.Content,
		string(callsJSON), string(resultsJSON), msg.TokenInput, msg.TokenOutput,
		formatTime(msg.CreatedAt), seq)
	if err != nil {
		return storeErr(err)
	}

	for _, tc := range msg.ToolCalls {
		result, isErr := matchResult(msg.ToolResults, tc.ID)
		if _, err := db.ExecContext(ctx, `
			INSERT INTO tool_calls (id, message_id, session_id, tool_name, input_json, result_text, is_error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			tc.ID, msg.ID.String(), msg.SessionID.String(), tc.Name, string(tc.Input),
			result, isErr, formatTime(msg.CreatedAt)); err != nil {
			return storeErr(err)
		}
	}
	return nil
}

// FinalizeTurn atomically appends the assistant message (with its tool
// calls and results) and advances the session's running token counters.
// Returns domain.ErrStoreBusy when another writer holds the session lock.
func (s *Store) FinalizeTurn(ctx context.Context, sessionID uuid.UUID, msg *domain.Message, tokenIn, tokenOut int64) error {
	lock := s.sessionLock(sessionID)
	if !lock.TryLock() {
		return fmt.Errorf("%w: session %s", domain.ErrStoreBusy, sessionID)
	}
	defer lock.Unlock()

	msg.TokenInput = &tokenIn
	msg.TokenOutput = &tokenOut

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err)
	}
	defer tx.Rollback()

	if err := s.appendMessage(ctx, tx, msg); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET token_input = token_input + ?, token_output = token_output + ?, status = ?, updated_at = ?
		WHERE id = ?`,
		tokenIn, tokenOut, domain.SessionIdle, formatTime(time.Now().UTC()), sessionID.String()); err != nil {
		return storeErr(err)
	}
	return storeErr(tx.Commit())
}

// ListMessages returns the session's messages in append order.
func (s *Store) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, tool_calls_json, tool_results_json, token_input, token_output, created_at
		FROM messages WHERE session_id = ? ORDER BY seq ASC`, sessionID.String())
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var msg domain.Message
		var id, sid, callsJSON, resultsJSON, createdAt string
		var tokenIn, tokenOut sql.NullInt64
		if err := rows.Scan(&id, &sid, &msg.Role, &msg.Content, &callsJSON, &resultsJSON,
			&tokenIn, &tokenOut, &createdAt); err != nil {
			return nil, storeErr(err)
		}
		msg.ID, _ = uuid.Parse(id)
		msg.SessionID, _ = uuid.Parse(sid)
		if err := json.Unmarshal([]byte(callsJSON), &msg.ToolCalls); err != nil {
			return nil, storeErr(err)
		}
		if err := json.Unmarshal([]byte(resultsJSON), &msg.ToolResults); err != nil {
			return nil, storeErr(err)
		}
		if tokenIn.Valid {
			msg.TokenInput = &tokenIn.Int64
		}
		if tokenOut.Valid {
			msg.TokenOutput = &tokenOut.Int64
		}
		msg.CreatedAt = parseTime(createdAt)
		out = append(out, msg)
	}
	return out, storeErr(rows.Err())
}

// UsageStats aggregates token usage across all sessions.
type UsageStats struct {
	TotalInput   int64 `json:"total_input"`
	TotalOutput  int64 `json:"total_output"`
	SessionCount int64 `json:"session_count"`
	MessageCount int64 `json:"message_count"`
}

// GetUsageStats returns aggregate token usage.
func (s *Store) GetUsageStats(ctx context.Context) (*UsageStats, error) {
	var stats UsageStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(token_input), 0), COALESCE(SUM(token_output), 0), COUNT(*),
		       (SELECT COUNT(*) FROM messages)
		FROM sessions`).Scan(&stats.TotalInput, &stats.TotalOutput, &stats.SessionCount, &stats.MessageCount)
	if err != nil {
		return nil, storeErr(err)
	}
	return &stats, nil
}

func matchResult(results []domain.ToolResult, callID string) (string, bool) {
	for _, r := range results {
		if r.ToolCallID == callID {
			return r.Content, r.IsError
		}
	}
	return "", false
}

func orEmptyCalls(c []domain.ToolCall) []domain.ToolCall {
	if c == nil {
		return []domain.ToolCall{}
	}
	return c
}

func orEmptyResults(r []domain.ToolResult) []domain.ToolResult {
	if r == nil {
		return []domain.ToolResult{}
	}
	return r
}
