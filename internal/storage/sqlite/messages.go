package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/eugener/elrond/internal"
)

const messageCols = `session_id, id, role, content, provider, model,
 input_tokens, output_tokens, total_tokens, error, created_at, edited_at`

// AppendMessage assigns the next per-session ID, inserts the message, and
// bumps the session's updated_at. The whole operation is one transaction so
// a failure leaves no partial state.
func (s *Store) AppendMessage(ctx context.Context, m *gateway.Message) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// The single-writer connection serializes this read-modify-write.
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(id), 0) + 1 FROM messages WHERE session_id = ?`,
			m.SessionID,
		).Scan(&id)
		if err != nil {
			return err
		}

		createdAt := m.CreatedAt.UTC().Format(time.RFC3339Nano)
		var inTok, outTok, totTok sql.NullInt64
		if m.Usage != nil {
			inTok = sql.NullInt64{Int64: int64(m.Usage.InputTokens), Valid: true}
			outTok = sql.NullInt64{Int64: int64(m.Usage.OutputTokens), Valid: true}
			totTok = sql.NullInt64{Int64: int64(m.Usage.TotalTokens), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, id, role, content, provider, model,
			                       input_tokens, output_tokens, total_tokens, error, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.SessionID, id, m.Role, m.Content, nullStr(m.Provider), nullStr(m.Model),
			inTok, outTok, totTok, nullStr(m.Error), createdAt,
		); err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx,
			`UPDATE sessions SET updated_at = ? WHERE id = ?`, createdAt, m.SessionID)
		if err != nil {
			return err
		}
		return checkRowsAffected(result, "session")
	})
	if err != nil {
		return 0, err
	}
	m.ID = id
	return id, nil
}

// GetMessage retrieves one message.
func (s *Store) GetMessage(ctx context.Context, sessionID string, messageID int64) (*gateway.Message, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE session_id = ? AND id = ?`,
		sessionID, messageID)
	return scanMessage(row)
}

// ListMessages returns messages in ID order, optionally after a given ID.
// limit <= 0 means no limit.
func (s *Store) ListMessages(ctx context.Context, sessionID string, afterID int64, limit int) ([]*gateway.Message, error) {
	if limit <= 0 {
		limit = -1 // SQLite: LIMIT -1 means unlimited
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE session_id = ? AND id > ? ORDER BY id LIMIT ?`,
		sessionID, afterID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// EditMessage replaces content and stamps edited_at. The session's
// updated_at moves too, in the same transaction.
func (s *Store) EditMessage(ctx context.Context, sessionID string, messageID int64, content string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ts := at.UTC().Format(time.RFC3339Nano)
		result, err := tx.ExecContext(ctx,
			`UPDATE messages SET content = ?, edited_at = ? WHERE session_id = ? AND id = ?`,
			content, ts, sessionID, messageID)
		if err != nil {
			return err
		}
		if err := checkRowsAffected(result, "message"); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET updated_at = ? WHERE id = ?`, ts, sessionID)
		return err
	})
}

// DeleteMessagesFrom removes the message and all messages after it in the
// session. The conversation is a causal chain; anything after the deleted
// message is invalid.
func (s *Store) DeleteMessagesFrom(ctx context.Context, sessionID string, messageID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE session_id = ? AND id >= ?`,
			sessionID, messageID)
		if err != nil {
			return err
		}
		if err := checkRowsAffected(result, "message"); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET updated_at = ? WHERE id = ?`,
			time.Now().UTC().Format(time.RFC3339Nano), sessionID)
		return err
	})
}

func scanMessage(row scanner) (*gateway.Message, error) {
	var m gateway.Message
	var provider, model, errMsg, editedAt sql.NullString
	var inTok, outTok, totTok sql.NullInt64
	var createdAt string
	err := row.Scan(&m.SessionID, &m.ID, &m.Role, &m.Content, &provider, &model,
		&inTok, &outTok, &totTok, &errMsg, &createdAt, &editedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	m.Provider = provider.String
	m.Model = model.String
	m.Error = errMsg.String
	if totTok.Valid {
		m.Usage = &gateway.TokenUsage{
			InputTokens:  int(inTok.Int64),
			OutputTokens: int(outTok.Int64),
			TotalTokens:  int(totTok.Int64),
		}
	}
	if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		m.CreatedAt = *t
	}
	m.EditedAt = parseTime(editedAt)
	return &m, nil
}
