package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/eugener/elrond/internal"
)

const sessionCols = `id, user_id, name, parent_id, branch_point_id, created_at, updated_at`

// CreateSession inserts a new session.
func (s *Store) CreateSession(ctx context.Context, sess *gateway.Session) error {
	now := sess.CreatedAt.UTC().Format(time.RFC3339Nano)
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, name, parent_id, branch_point_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.Name, nullStr(sess.ParentID), nullInt(sess.BranchPointID),
		now, now,
	)
	return err
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*gateway.Session, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns a user's sessions with message counts, most recently
// updated first.
func (s *Store) ListSessions(ctx context.Context, userID string, offset, limit int) ([]*gateway.SessionSummary, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT s.id, s.user_id, s.name, s.parent_id, s.branch_point_id, s.created_at, s.updated_at,
		        COUNT(m.id)
		 FROM sessions s LEFT JOIN messages m ON m.session_id = s.id
		 WHERE s.user_id = ?
		 GROUP BY s.id
		 ORDER BY s.updated_at DESC
		 LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.SessionSummary
	for rows.Next() {
		var sum gateway.SessionSummary
		var parentID sql.NullString
		var branchPoint sql.NullInt64
		var createdAt, updatedAt string
		if err := rows.Scan(&sum.ID, &sum.UserID, &sum.Name, &parentID, &branchPoint,
			&createdAt, &updatedAt, &sum.MessageCount); err != nil {
			return nil, err
		}
		sum.ParentID = parentID.String
		sum.BranchPointID = branchPoint.Int64
		if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
			sum.CreatedAt = *t
		}
		if t := parseTime(sql.NullString{String: updatedAt, Valid: true}); t != nil {
			sum.UpdatedAt = *t
		}
		out = append(out, &sum)
	}
	return out, rows.Err()
}

// RenameSession updates the display name and the updated_at timestamp.
func (s *Store) RenameSession(ctx context.Context, id, name string, at time.Time) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE sessions SET name = ?, updated_at = ? WHERE id = ?`,
		name, at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "session")
}

// DeleteSession removes a session; the messages FK cascades.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "session")
}

// BranchSession inserts the child session and copies the parent's message
// prefix up to and including atMessageID, all in one transaction.
func (s *Store) BranchSession(ctx context.Context, child *gateway.Session, atMessageID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := child.CreatedAt.UTC().Format(time.RFC3339Nano)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, user_id, name, parent_id, branch_point_id, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			child.ID, child.UserID, child.Name, nullStr(child.ParentID), atMessageID, now, now,
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, id, role, content, provider, model,
			                       input_tokens, output_tokens, total_tokens, error, created_at, edited_at)
			 SELECT ?, id, role, content, provider, model,
			        input_tokens, output_tokens, total_tokens, error, created_at, edited_at
			 FROM messages WHERE session_id = ? AND id <= ?
			 ORDER BY id`,
			child.ID, child.ParentID, atMessageID,
		)
		return err
	})
}

func scanSession(row *sql.Row) (*gateway.Session, error) {
	var sess gateway.Session
	var parentID sql.NullString
	var branchPoint sql.NullInt64
	var createdAt, updatedAt string
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Name, &parentID, &branchPoint, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	sess.ParentID = parentID.String
	sess.BranchPointID = branchPoint.Int64
	if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		sess.CreatedAt = *t
	}
	if t := parseTime(sql.NullString{String: updatedAt, Valid: true}); t != nil {
		sess.UpdatedAt = *t
	}
	return &sess, nil
}

func nullInt(n int64) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: n, Valid: true}
}
