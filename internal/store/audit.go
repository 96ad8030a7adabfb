package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/batchismo/batchismo/internal/domain"
)

// InsertAuditLog appends an audit entry. Best-effort callers may ignore the
// returned error; persistence failures here never fail a turn.
func (s *Store) InsertAuditLog(ctx context.Context, entry domain.AuditEntry) error {
	if entry.EventID == "" {
		entry.EventID = ulid.Make().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (event_id, ts, session_id, level, category, event, summary, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EventID, formatTime(entry.Timestamp), nullable(entry.SessionID),
		entry.Level, entry.Category, entry.Event, entry.Summary, nullable(entry.DetailJSON))
	return storeErr(err)
}

// QueryAuditLog returns entries matching the filter, newest first.
func (s *Store) QueryAuditLog(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	query := `SELECT id, event_id, ts, session_id, level, category, event, summary, detail_json FROM audit_log WHERE 1=1`
	args := []any{}
	if filter.Level != "" {
		query += ` AND level = ?`
		args = append(args, filter.Level)
	}
	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, filter.Category)
	}
	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if !filter.Since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, formatTime(filter.Since))
	}
	query += ` ORDER BY id DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var ts string
		var sessionID, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.EventID, &ts, &sessionID, &e.Level, &e.Category,
			&e.Event, &e.Summary, &detail); err != nil {
			return nil, storeErr(err)
		}
		e.Timestamp = parseTime(ts)
		e.SessionID = sessionID.String
		e.DetailJSON = detail.String
		out = append(out, e)
	}
	return out, storeErr(rows.Err())
}

// RecordObservation appends a behavioral observation.
func (s *Store) RecordObservation(ctx context.Context, kind domain.ObservationKind, key, value, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO observations (ts, session_id, kind, key, value, count)
		VALUES (?, ?, ?, ?, ?, 1)`,
		formatTime(time.Now().UTC()), nullable(sessionID), kind, key, nullable(value))
	return storeErr(err)
}

// ListObservations returns observations of a kind, newest first.
func (s *Store) ListObservations(ctx context.Context, kind domain.ObservationKind, limit int) ([]domain.Observation, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, session_id, kind, key, value, count
		FROM observations WHERE kind = ? ORDER BY id DESC LIMIT ?`, kind, limit)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var out []domain.Observation
	for rows.Next() {
		var o domain.Observation
		var ts string
		var sessionID, value sql.NullString
		if err := rows.Scan(&o.ID, &ts, &sessionID, &o.Kind, &o.Key, &value, &o.Count); err != nil {
			return nil, storeErr(err)
		}
		o.Timestamp = parseTime(ts)
		o.SessionID = sessionID.String
		o.Value = value.String
		out = append(out, o)
	}
	return out, storeErr(rows.Err())
}
