package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/lms-auth-api/internal/models"
)

const refreshTokenColumns = `id, user_id, token_hash, expires_at, created_at, revoked, revoked_at, ip_address, user_agent`

// RefreshTokenRepository persists refresh token sessions.
type RefreshTokenRepository struct {
	db *sqlx.DB
}

// NewRefreshTokenRepository constructs the repository.
func NewRefreshTokenRepository(db *sqlx.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

// Create stores a refresh token record and sets its generated identifier.
func (r *RefreshTokenRepository) Create(ctx context.Context, token *models.RefreshToken) error {
	if err := insertRefreshToken(ctx, r.db, token); err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// FindByHash returns the token stored under the digest regardless of its state.
func (r *RefreshTokenRepository) FindByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	query := r.db.Rebind(`SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE token_hash = ? LIMIT 1`)
	var token models.RefreshToken
	if err := r.db.GetContext(ctx, &token, query, tokenHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &token, nil
}

// Revoke marks a single token as revoked. It returns sql.ErrNoRows when the
// token is unknown or was already revoked.
func (r *RefreshTokenRepository) Revoke(ctx context.Context, id int64, revokedAt time.Time) error {
	if err := revokeRefreshToken(ctx, r.db, id, revokedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// Rotate revokes the presented token and stores its successor in one
// transaction. When another caller already consumed the token the
// transaction is rolled back and sql.ErrNoRows is returned.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, currentID int64, revokedAt time.Time, next *models.RefreshToken) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotate refresh token: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = revokeRefreshToken(ctx, tx, currentID, revokedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return fmt.Errorf("rotate refresh token: %w", err)
	}
	if err = insertRefreshToken(ctx, tx, next); err != nil {
		return fmt.Errorf("rotate refresh token: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit rotate refresh token: %w", err)
	}
	return nil
}

// RevokeAllForUser revokes every active token owned by the user and returns the count.
func (r *RefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID int64, revokedAt time.Time) (int64, error) {
	query := r.db.Rebind(`UPDATE refresh_tokens SET revoked = TRUE, revoked_at = ? WHERE user_id = ? AND revoked = FALSE`)
	result, err := r.db.ExecContext(ctx, query, revokedAt, userID)
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check revoked refresh tokens: %w", err)
	}
	return rows, nil
}

// DeleteStale removes tokens that expired before expiredBefore or were revoked before revokedBefore.
func (r *RefreshTokenRepository) DeleteStale(ctx context.Context, expiredBefore, revokedBefore time.Time) (int64, error) {
	query := r.db.Rebind(`DELETE FROM refresh_tokens WHERE expires_at < ? OR (revoked = TRUE AND revoked_at < ?)`)
	result, err := r.db.ExecContext(ctx, query, expiredBefore, revokedBefore)
	if err != nil {
		return 0, fmt.Errorf("delete stale refresh tokens: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check deleted refresh tokens: %w", err)
	}
	return rows, nil
}

func insertRefreshToken(ctx context.Context, db sqlx.ExtContext, token *models.RefreshToken) error {
	query := db.Rebind(`INSERT INTO refresh_tokens (user_id, token_hash, expires_at, created_at, revoked, ip_address, user_agent) VALUES (?, ?, ?, ?, FALSE, ?, ?) RETURNING id`)
	return db.QueryRowxContext(ctx, query,
		token.UserID, token.TokenHash, token.ExpiresAt, token.CreatedAt, token.IPAddress, token.UserAgent,
	).Scan(&token.ID)
}

func revokeRefreshToken(ctx context.Context, db sqlx.ExtContext, id int64, revokedAt time.Time) error {
	query := db.Rebind(`UPDATE refresh_tokens SET revoked = TRUE, revoked_at = ? WHERE id = ? AND revoked = FALSE`)
	result, err := db.ExecContext(ctx, query, revokedAt, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
