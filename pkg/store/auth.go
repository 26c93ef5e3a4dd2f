package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/llmlb/gateway/internal/gwerrors"
	"github.com/llmlb/gateway/pkg/models"
)

// CreateUser inserts a new user row.
func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, is_admin, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		u.ID, u.Username, u.PasswordHash, u.IsAdmin, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return gwerrors.ErrAlreadyExists
		}
		return fmt.Errorf("%w: insert user: %v", gwerrors.ErrStorage, err)
	}
	return nil
}

// GetUserByUsername looks up a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, is_admin, created_at FROM users WHERE username = $1`, username)
	return scanUser(row)
}

// GetUser looks up a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, is_admin, created_at FROM users WHERE id = $1`, id)
	return scanUser(row)
}

type userScanner interface {
	Scan(dest ...any) error
}

func scanUser(row userScanner) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, gwerrors.ErrNotFound
		}
		return nil, fmt.Errorf("%w: scan user: %v", gwerrors.ErrStorage, err)
	}
	return &u, nil
}

// CreateAPIKey inserts a new API key row.
func (s *Store) CreateAPIKey(ctx context.Context, k *models.APIKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, key_hash, owner, scope, created_at, last_used_at, revoked_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		k.ID, k.KeyHash, k.Owner, string(k.Scope), k.CreatedAt, k.LastUsedAt, k.RevokedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return gwerrors.ErrAlreadyExists
		}
		return fmt.Errorf("%w: insert api_key: %v", gwerrors.ErrStorage, err)
	}
	return nil
}

// GetAPIKeyByHash looks up a key by its hash, as computed by the caller
// from the plaintext bearer token.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	var k models.APIKey
	var scope string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, key_hash, owner, scope, created_at, last_used_at, revoked_at
		FROM api_keys WHERE key_hash = $1`, hash).
		Scan(&k.ID, &k.KeyHash, &k.Owner, &scope, &k.CreatedAt, &k.LastUsedAt, &k.RevokedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, gwerrors.ErrNotFound
		}
		return nil, fmt.Errorf("%w: scan api_key: %v", gwerrors.ErrStorage, err)
	}
	k.Scope = models.APIKeyScope(scope)
	return &k, nil
}

// TouchAPIKey updates last_used_at to now, best-effort accounting for a
// successful authentication.
func (s *Store) TouchAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: touch api_key: %v", gwerrors.ErrStorage, err)
	}
	return nil
}

// RevokeAPIKey marks a key revoked; subsequent authentications fail.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("%w: revoke api_key: %v", gwerrors.ErrStorage, err)
	}
	return ignoreZeroRows(res)
}

// ListAPIKeys returns every key owned by owner, newest first. Owner empty
// lists every key (admin view).
func (s *Store) ListAPIKeys(ctx context.Context, owner string) ([]*models.APIKey, error) {
	query := `SELECT id, key_hash, owner, scope, created_at, last_used_at, revoked_at FROM api_keys`
	args := []any{}
	if owner != "" {
		query += ` WHERE owner = $1`
		args = append(args, owner)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list api_keys: %v", gwerrors.ErrStorage, err)
	}
	defer rows.Close()

	var out []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		var scope string
		if err := rows.Scan(&k.ID, &k.KeyHash, &k.Owner, &scope, &k.CreatedAt, &k.LastUsedAt, &k.RevokedAt); err != nil {
			return nil, fmt.Errorf("%w: scan api_key: %v", gwerrors.ErrStorage, err)
		}
		k.Scope = models.APIKeyScope(scope)
		out = append(out, &k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate api_keys: %v", gwerrors.ErrStorage, err)
	}
	return out, nil
}

// CreateInvitationCode inserts a new invitation code row.
func (s *Store) CreateInvitationCode(ctx context.Context, i *models.InvitationCode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invitation_codes (id, code_hash, created_at, expires_at, used_at, used_by)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		i.ID, i.CodeHash, i.CreatedAt, i.ExpiresAt, i.UsedAt, i.UsedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return gwerrors.ErrAlreadyExists
		}
		return fmt.Errorf("%w: insert invitation_code: %v", gwerrors.ErrStorage, err)
	}
	return nil
}

// GetInvitationCodeByHash looks up an invitation by the SHA-256 hash of its
// plaintext code.
func (s *Store) GetInvitationCodeByHash(ctx context.Context, hash string) (*models.InvitationCode, error) {
	var i models.InvitationCode
	err := s.db.QueryRowContext(ctx, `
		SELECT id, code_hash, created_at, expires_at, used_at, used_by
		FROM invitation_codes WHERE code_hash = $1`, hash).
		Scan(&i.ID, &i.CodeHash, &i.CreatedAt, &i.ExpiresAt, &i.UsedAt, &i.UsedBy)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, gwerrors.ErrNotFound
		}
		return nil, fmt.Errorf("%w: scan invitation_code: %v", gwerrors.ErrStorage, err)
	}
	return &i, nil
}

// MarkInvitationUsed atomically redeems an invitation, failing if it has
// already been used (rows_affected guards the race between two concurrent
// signups racing the same code).
func (s *Store) MarkInvitationUsed(ctx context.Context, id, usedBy string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE invitation_codes SET used_at = now(), used_by = $2
		WHERE id = $1 AND used_at IS NULL`, id, usedBy)
	if err != nil {
		return fmt.Errorf("%w: mark invitation used: %v", gwerrors.ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", gwerrors.ErrStorage, err)
	}
	if n == 0 {
		return gwerrors.NewValidationError("invitation_code", "invitation code already used")
	}
	return nil
}
