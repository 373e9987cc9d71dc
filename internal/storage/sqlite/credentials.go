package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/eugener/elrond/internal"
)

// PutCredential inserts or replaces the encrypted provider key for a user.
func (s *Store) PutCredential(ctx context.Context, userID, provider string, ciphertext []byte) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_credentials (user_id, provider, ciphertext, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, provider) DO UPDATE SET ciphertext = excluded.ciphertext`,
		userID, provider, ciphertext, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// GetCredential returns the ciphertext for a (user, provider) pair.
func (s *Store) GetCredential(ctx context.Context, userID, provider string) ([]byte, error) {
	var ct []byte
	err := s.read.QueryRowContext(ctx,
		`SELECT ciphertext FROM api_credentials WHERE user_id = ? AND provider = ?`,
		userID, provider,
	).Scan(&ct)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return ct, nil
}

// ListCredentials returns stored-key metadata for a user. Never plaintext.
func (s *Store) ListCredentials(ctx context.Context, userID string) ([]gateway.CredentialInfo, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT provider, last_used_at FROM api_credentials
		 WHERE user_id = ? ORDER BY provider`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.CredentialInfo
	for rows.Next() {
		var info gateway.CredentialInfo
		var lastUsed sql.NullString
		if err := rows.Scan(&info.Provider, &lastUsed); err != nil {
			return nil, err
		}
		info.HasKey = true
		info.LastUsedAt = parseTime(lastUsed)
		out = append(out, info)
	}
	return out, rows.Err()
}

// DeleteCredential removes a stored provider key.
func (s *Store) DeleteCredential(ctx context.Context, userID, provider string) error {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM api_credentials WHERE user_id = ? AND provider = ?`,
		userID, provider)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "credential")
}

// TouchCredentialUsed updates the last_used_at timestamp.
func (s *Store) TouchCredentialUsed(ctx context.Context, userID, provider string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_credentials SET last_used_at = ? WHERE user_id = ? AND provider = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), userID, provider)
	return err
}
