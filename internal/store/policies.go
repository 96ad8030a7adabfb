package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/batchismo/batchismo/internal/domain"
	"github.com/batchismo/batchismo/internal/policy"
)

// PutPolicy stores a rule exactly as entered. Idempotent with respect to
// (path, access, recursive): re-adding an identical rule is a no-op that
// returns the existing row.
func (s *Store) PutPolicy(ctx context.Context, rule policy.PathPolicy) (policy.PathPolicy, error) {
	if !rule.Access.Valid() {
		return rule, fmt.Errorf("%w: unknown access level %q", domain.ErrInvalidInput, rule.Access)
	}
	if rule.Path == "" {
		return rule, fmt.Errorf("%w: empty policy path", domain.ErrInvalidInput)
	}

	var existing int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM path_policies WHERE path = ? AND access = ? AND recursive = ?`,
		rule.Path, rule.Access, rule.Recursive).Scan(&existing)
	if err == nil {
		rule.ID = existing
		return rule, nil
	}
	if err != sql.ErrNoRows {
		return rule, storeErr(err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO path_policies (path, access, recursive, description, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rule.Path, rule.Access, rule.Recursive, nullable(rule.Description), formatTime(time.Now().UTC()))
	if err != nil {
		return rule, storeErr(err)
	}
	rule.ID, _ = res.LastInsertId()
	return rule, nil
}

// DeletePolicy removes a rule by id.
func (s *Store) DeletePolicy(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM path_policies WHERE id = ?`, id)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: no policy with id %d", domain.ErrInvalidInput, id)
	}
	return nil
}

// ListPolicies returns all rules in insertion order.
func (s *Store) ListPolicies(ctx context.Context) ([]policy.PathPolicy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, path, access, recursive, description FROM path_policies ORDER BY id ASC`)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var out []policy.PathPolicy
	for rows.Next() {
		var p policy.PathPolicy
		var desc sql.NullString
		if err := rows.Scan(&p.ID, &p.Path, &p.Access, &p.Recursive, &desc); err != nil {
			return nil, storeErr(err)
		}
		p.Description = desc.String
		out = append(out, p)
	}
	return out, storeErr(rows.Err())
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
