package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/pkg/utils"
)

// TokenRepository stores one OAuth credential per (user, platform).
// Secrets are encrypted at rest and decrypted on read.
type TokenRepository interface {
	Get(ctx context.Context, userID int64, platform models.Platform) (*models.OAuthToken, error)
	Upsert(ctx context.Context, token *models.OAuthToken) error
	Remove(ctx context.Context, userID int64, platform models.Platform) error
	ListByUser(ctx context.Context, userID int64) ([]*models.OAuthToken, error)
	// ListExpiring returns tokens with a non-zero expiry at or before cutoff.
	ListExpiring(ctx context.Context, cutoff time.Time) ([]*models.OAuthToken, error)
}

const tokenColumns = `user_id, platform, account_id, account_name, access_token, refresh_token,
	expires_at, created_at, updated_at`

type tokenRepository struct {
	db     *sql.DB
	cipher *utils.TokenCipher
}

func NewTokenRepository(db *sql.DB, cipher *utils.TokenCipher) TokenRepository {
	return &tokenRepository{db: db, cipher: cipher}
}

func (r *tokenRepository) Get(ctx context.Context, userID int64, platform models.Platform) (*models.OAuthToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM oauth_tokens WHERE user_id = $1 AND platform = $2`
	token, err := r.scan(r.db.QueryRowContext(ctx, query, userID, string(platform)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NewNotFound("token")
		}
		slog.Info(err.Error())
		return nil, err
	}
	return token, nil
}

func (r *tokenRepository) Upsert(ctx context.Context, token *models.OAuthToken) error {
	access, err := r.cipher.Encrypt(token.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := r.cipher.Encrypt(token.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	query := `
		INSERT INTO oauth_tokens (user_id, platform, account_id, account_name, access_token, refresh_token, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, platform) DO UPDATE SET
			account_id = COALESCE(NULLIF(EXCLUDED.account_id, ''), oauth_tokens.account_id),
			account_name = COALESCE(NULLIF(EXCLUDED.account_name, ''), oauth_tokens.account_name),
			access_token = EXCLUDED.access_token,
			refresh_token = COALESCE(NULLIF(EXCLUDED.refresh_token, ''), oauth_tokens.refresh_token),
			expires_at = EXCLUDED.expires_at,
			updated_at = CURRENT_TIMESTAMP
	`
	_, err = r.db.ExecContext(ctx, query,
		token.UserID,
		string(token.Platform),
		token.AccountID,
		token.AccountName,
		access,
		refresh,
		nullableTime(token.ExpiresAt),
	)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *tokenRepository) Remove(ctx context.Context, userID int64, platform models.Platform) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE user_id = $1 AND platform = $2`, userID, string(platform))
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	if affected == 0 {
		return models.NewNotFound("token")
	}
	return nil
}

func (r *tokenRepository) ListByUser(ctx context.Context, userID int64) ([]*models.OAuthToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM oauth_tokens WHERE user_id = $1 ORDER BY platform`
	return r.list(ctx, query, userID)
}

func (r *tokenRepository) ListExpiring(ctx context.Context, cutoff time.Time) ([]*models.OAuthToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM oauth_tokens
		WHERE expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at ASC`
	return r.list(ctx, query, cutoff)
}

func (r *tokenRepository) list(ctx context.Context, query string, args ...any) ([]*models.OAuthToken, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var tokens []*models.OAuthToken
	for rows.Next() {
		token, err := r.scan(rows)
		if err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return tokens, nil
}

func (r *tokenRepository) scan(row rowScanner) (*models.OAuthToken, error) {
	var (
		token     models.OAuthToken
		platform  string
		access    string
		refresh   string
		expiresAt sql.NullTime
	)
	err := row.Scan(&token.UserID, &platform, &token.AccountID, &token.AccountName,
		&access, &refresh, &expiresAt, &token.CreatedAt, &token.UpdatedAt)
	if err != nil {
		return nil, err
	}
	token.Platform = models.Platform(platform)
	if expiresAt.Valid {
		token.ExpiresAt = expiresAt.Time
	}

	if token.AccessToken, err = r.cipher.Decrypt(access); err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	if token.RefreshToken, err = r.cipher.Decrypt(refresh); err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}
	return &token, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
