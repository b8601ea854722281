package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/maheshrc27/postflow/internal/metrics"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/internal/storage"
)

// MediaJanitor deletes the blobs of terminal posts and stamps
// media_deleted_at once the object is gone.
type MediaJanitor struct {
	posts   repository.PostRepository
	store   storage.ObjectStore
	metrics metrics.Recorder
	now     func() time.Time
}

func NewMediaJanitor(posts repository.PostRepository, store storage.ObjectStore, rec metrics.Recorder) *MediaJanitor {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &MediaJanitor{posts: posts, store: store, metrics: rec, now: time.Now}
}

// Release deletes the post's blob. A failed delete is left for Sweep and
// reported as false.
func (j *MediaJanitor) Release(ctx context.Context, post *models.Post) bool {
	if post.MediaURL == "" || post.MediaDeletedAt != nil {
		return true
	}

	if err := j.store.Delete(ctx, post.MediaURL); err != nil {
		j.metrics.RecordMediaCleanup(false)
		slog.Warn("media delete failed, will retry on next sweep",
			"post_id", post.ID, "media_url", post.MediaURL, "error", err)
		return false
	}
	j.metrics.RecordMediaCleanup(true)

	now := j.now()
	if post.ID != "" {
		if _, err := j.posts.Update(ctx, post.ID, models.PostPatch{MediaDeletedAt: &now}); err != nil {
			// the blob is gone; a later sweep deletes again, which is a no-op
			slog.Warn("failed to mark media deleted", "post_id", post.ID, "error", err)
		}
	}
	post.MediaDeletedAt = &now
	return true
}

// Sweep retries blob deletion for terminal posts whose media is still
// present. It returns the number of blobs released.
func (j *MediaJanitor) Sweep(ctx context.Context, limit int) int {
	posts, err := j.posts.ListPendingMediaCleanup(ctx, limit)
	if err != nil {
		slog.Error("media sweep query failed", "error", err)
		return 0
	}

	released := 0
	for _, post := range posts {
		if ctx.Err() != nil {
			break
		}
		if j.Release(ctx, post) {
			released++
		}
	}
	if released > 0 {
		slog.Info("media sweep released blobs", "count", released)
	}
	return released
}
