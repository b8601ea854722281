package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/maheshrc27/postflow/internal/models"
)

// PostRepository persists posts through their lifecycle. Every status
// transition goes through CompareAndUpdate so concurrent writers serialize
// on the stored record rather than on in-process locks.
type PostRepository interface {
	Create(ctx context.Context, post *models.Post) (*models.Post, error)
	GetByID(ctx context.Context, id string) (*models.Post, error)
	Update(ctx context.Context, id string, patch models.PostPatch) (*models.Post, error)
	// CompareAndUpdate applies patch only if cond holds. It returns a
	// conflict error when the record exists but the condition failed.
	CompareAndUpdate(ctx context.Context, id string, cond models.PostCondition, patch models.PostPatch) (*models.Post, error)
	// FindDue returns scheduled posts with scheduled_for <= now, oldest
	// first. It only reads, so overlapping calls are safe. limit <= 0
	// returns every due post.
	FindDue(ctx context.Context, now time.Time, limit int) ([]*models.Post, error)
	List(ctx context.Context, filter models.PostFilter) ([]*models.Post, error)
	// ListPendingMediaCleanup returns terminal posts whose blob was not
	// confirmed deleted.
	ListPendingMediaCleanup(ctx context.Context, limit int) ([]*models.Post, error)
	Delete(ctx context.Context, id string) error
}

const postColumns = `id, user_id, content, media_url, media_type, platforms, post_type, status,
	scheduled_for, published_at, platform_post_ids, publish_handles, failure_kind, failure_reason,
	attempts, last_error, claim_token, claim_expires_at, media_deleted_at, created_at, updated_at`

type postRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostRepository(db *sql.DB) PostRepository {
	return &postRepository{db: db, now: time.Now}
}

func (r *postRepository) Create(ctx context.Context, post *models.Post) (*models.Post, error) {
	if post.ID == "" {
		post.ID = uuid.NewString()
	}
	ids, err := marshalPostIDs(post.PlatformPostIDs)
	if err != nil {
		return nil, err
	}
	handles, err := marshalPostIDs(post.PublishHandles)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO posts (id, user_id, content, media_url, media_type, platforms, post_type, status,
			scheduled_for, published_at, platform_post_ids, publish_handles, failure_kind, failure_reason,
			attempts, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12::jsonb, $13, $14, $15, $16)
		RETURNING ` + postColumns

	row := r.db.QueryRowContext(ctx, query,
		post.ID,
		post.UserID,
		post.Content,
		post.MediaURL,
		post.MediaType,
		pq.Array(post.Platforms.Strings()),
		string(post.PostType),
		string(post.Status),
		post.ScheduledFor,
		post.PublishedAt,
		ids,
		handles,
		string(post.FailureKind),
		post.FailureReason,
		post.Attempts,
		post.LastError,
	)
	created, err := scanPost(row)
	if err != nil {
		slog.Info(err.Error())
		return nil, fmt.Errorf("insert post: %w", err)
	}
	return created, nil
}

func (r *postRepository) GetByID(ctx context.Context, id string) (*models.Post, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, models.NewNotFound("post")
	}

	row := r.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id)
	post, err := scanPost(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NewNotFound("post")
		}
		slog.Info(err.Error())
		return nil, fmt.Errorf("select post: %w", err)
	}
	return post, nil
}

func (r *postRepository) Update(ctx context.Context, id string, patch models.PostPatch) (*models.Post, error) {
	return r.CompareAndUpdate(ctx, id, models.PostCondition{}, patch)
}

func (r *postRepository) CompareAndUpdate(ctx context.Context, id string, cond models.PostCondition, patch models.PostPatch) (*models.Post, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, models.NewNotFound("post")
	}

	args := []any{id}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	sets, err := patchClauses(patch, r.now(), arg)
	if err != nil {
		return nil, err
	}

	where := []string{"id = $1"}
	if cond.Status != "" {
		where = append(where, "status = "+arg(string(cond.Status)))
	}
	if cond.ClaimToken != "" {
		where = append(where, "claim_token = "+arg(cond.ClaimToken))
	}
	if cond.ClaimFreeAt != nil {
		where = append(where, "(claim_token IS NULL OR claim_expires_at < "+arg(*cond.ClaimFreeAt)+")")
	}

	query := fmt.Sprintf(`UPDATE posts SET %s WHERE %s RETURNING %s`,
		strings.Join(sets, ", "), strings.Join(where, " AND "), postColumns)

	post, err := scanPost(r.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return post, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		slog.Info(err.Error())
		return nil, fmt.Errorf("update post: %w", err)
	}

	// Distinguish a missing record from a failed guard.
	if _, getErr := r.GetByID(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, models.NewConflict("post changed concurrently")
}

func patchClauses(patch models.PostPatch, now time.Time, arg func(any) string) ([]string, error) {
	var sets []string
	if patch.Status != nil {
		sets = append(sets, "status = "+arg(string(*patch.Status)))
	}
	if patch.PublishedAt != nil {
		sets = append(sets, "published_at = "+arg(*patch.PublishedAt))
	}
	if patch.PlatformPostIDs != nil {
		ids, err := marshalPostIDs(patch.PlatformPostIDs)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "platform_post_ids = "+arg(ids)+"::jsonb")
	}
	if patch.PublishHandles != nil {
		handles, err := marshalPostIDs(patch.PublishHandles)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "publish_handles = "+arg(handles)+"::jsonb")
	}
	if patch.FailureKind != nil {
		sets = append(sets, "failure_kind = "+arg(string(*patch.FailureKind)))
	}
	if patch.FailureReason != nil {
		sets = append(sets, "failure_reason = "+arg(*patch.FailureReason))
	}
	if patch.Attempts != nil {
		sets = append(sets, "attempts = "+arg(*patch.Attempts))
	}
	if patch.LastError != nil {
		sets = append(sets, "last_error = "+arg(*patch.LastError))
	}
	if patch.ClearClaim {
		sets = append(sets, "claim_token = NULL", "claim_expires_at = NULL")
	}
	if patch.ClaimToken != nil {
		sets = append(sets, "claim_token = "+arg(*patch.ClaimToken))
	}
	if patch.ClaimExpiresAt != nil {
		sets = append(sets, "claim_expires_at = "+arg(*patch.ClaimExpiresAt))
	}
	if patch.MediaDeletedAt != nil {
		sets = append(sets, "media_deleted_at = "+arg(*patch.MediaDeletedAt))
	}
	sets = append(sets, "updated_at = "+arg(now))
	return sets, nil
}

func (r *postRepository) FindDue(ctx context.Context, now time.Time, limit int) ([]*models.Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts
		WHERE status = $1 AND scheduled_for <= $2
		ORDER BY scheduled_for ASC`
	args := []any{string(models.PostStatusScheduled), now}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	return r.query(ctx, query, args...)
}

func (r *postRepository) List(ctx context.Context, filter models.PostFilter) ([]*models.Post, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.UserID != 0 {
		where = append(where, "user_id = "+arg(filter.UserID))
	}
	if filter.Status != "" {
		where = append(where, "status = "+arg(string(filter.Status)))
	}
	if filter.Platform != "" {
		where = append(where, arg(string(filter.Platform))+" = ANY(platforms)")
	}

	query := `SELECT ` + postColumns + ` FROM posts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	if filter.OrderByScheduled {
		query += ` ORDER BY scheduled_for ASC NULLS LAST, created_at ASC`
	} else {
		query += ` ORDER BY created_at DESC`
	}
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}
	return r.query(ctx, query, args...)
}

func (r *postRepository) ListPendingMediaCleanup(ctx context.Context, limit int) ([]*models.Post, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + postColumns + ` FROM posts
		WHERE status IN ($1, $2) AND media_url <> '' AND media_deleted_at IS NULL
		ORDER BY updated_at ASC
		LIMIT $3`
	return r.query(ctx, query, string(models.PostStatusPublished), string(models.PostStatusFailed), limit)
}

func (r *postRepository) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return models.NewNotFound("post")
	}
	result, err := r.db.ExecContext(ctx, `DELETE FROM posts WHERE id = $1`, id)
	if err != nil {
		slog.Info(err.Error())
		return fmt.Errorf("delete post: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	if affected == 0 {
		return models.NewNotFound("post")
	}
	return nil
}

func (r *postRepository) query(ctx context.Context, query string, args ...any) ([]*models.Post, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Info(err.Error())
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer rows.Close()

	var posts []*models.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			slog.Info(err.Error())
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		slog.Info(err.Error())
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return posts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (*models.Post, error) {
	var (
		post           models.Post
		platforms      pq.StringArray
		postType       string
		status         string
		failureKind    string
		ids            []byte
		handles        []byte
		claimToken     sql.NullString
		scheduledFor   sql.NullTime
		publishedAt    sql.NullTime
		claimExpiresAt sql.NullTime
		mediaDeletedAt sql.NullTime
	)
	err := row.Scan(
		&post.ID,
		&post.UserID,
		&post.Content,
		&post.MediaURL,
		&post.MediaType,
		&platforms,
		&postType,
		&status,
		&scheduledFor,
		&publishedAt,
		&ids,
		&handles,
		&failureKind,
		&post.FailureReason,
		&post.Attempts,
		&post.LastError,
		&claimToken,
		&claimExpiresAt,
		&mediaDeletedAt,
		&post.CreatedAt,
		&post.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	post.Platforms = make(models.PlatformSet, len(platforms))
	for i, p := range platforms {
		post.Platforms[i] = models.Platform(p)
	}
	post.PostType = models.PostType(postType)
	post.Status = models.PostStatus(status)
	post.FailureKind = models.ErrorKind(failureKind)
	post.ClaimToken = claimToken.String
	post.ScheduledFor = nullTime(scheduledFor)
	post.PublishedAt = nullTime(publishedAt)
	post.ClaimExpiresAt = nullTime(claimExpiresAt)
	post.MediaDeletedAt = nullTime(mediaDeletedAt)

	if len(ids) > 0 {
		if err := json.Unmarshal(ids, &post.PlatformPostIDs); err != nil {
			return nil, fmt.Errorf("decode platform_post_ids: %w", err)
		}
	}
	if len(handles) > 0 {
		if err := json.Unmarshal(handles, &post.PublishHandles); err != nil {
			return nil, fmt.Errorf("decode publish_handles: %w", err)
		}
	}
	return &post, nil
}

func marshalPostIDs(ids map[models.Platform]string) (string, error) {
	if ids == nil {
		return "{}", nil
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode platform_post_ids: %w", err)
	}
	return string(b), nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
