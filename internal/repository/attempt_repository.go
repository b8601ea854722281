package repository

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/maheshrc27/postflow/internal/models"
)

// AttemptRepository is the append-only audit log of platform calls.
type AttemptRepository interface {
	Create(ctx context.Context, attempt *models.PublishAttempt) (int64, error)
	ListByPost(ctx context.Context, postID string) ([]*models.PublishAttempt, error)
}

type attemptRepository struct {
	db *sql.DB
}

func NewAttemptRepository(db *sql.DB) AttemptRepository {
	return &attemptRepository{db: db}
}

func (r *attemptRepository) Create(ctx context.Context, a *models.PublishAttempt) (int64, error) {
	query := `
		INSERT INTO publish_attempts (post_id, user_id, platform, outcome, error_kind, error_message, platform_post_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	var id int64
	err := r.db.QueryRowContext(ctx, query,
		a.PostID,
		a.UserID,
		string(a.Platform),
		string(a.Outcome),
		string(a.ErrorKind),
		a.ErrorMessage,
		a.PlatformPostID,
	).Scan(&id)
	if err != nil {
		slog.Info(err.Error())
		return 0, err
	}
	return id, nil
}

func (r *attemptRepository) ListByPost(ctx context.Context, postID string) ([]*models.PublishAttempt, error) {
	query := `
		SELECT id, post_id, user_id, platform, outcome, error_kind, error_message, platform_post_id, created_at
		FROM publish_attempts
		WHERE post_id = $1
		ORDER BY id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, postID)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var attempts []*models.PublishAttempt
	for rows.Next() {
		var (
			a        models.PublishAttempt
			platform string
			outcome  string
			kind     string
		)
		err := rows.Scan(&a.ID, &a.PostID, &a.UserID, &platform, &outcome, &kind,
			&a.ErrorMessage, &a.PlatformPostID, &a.CreatedAt)
		if err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		a.Platform = models.Platform(platform)
		a.Outcome = models.AttemptOutcome(outcome)
		a.ErrorKind = models.ErrorKind(kind)
		attempts = append(attempts, &a)
	}
	if err := rows.Err(); err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return attempts, nil
}
