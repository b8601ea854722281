package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/maheshrc27/postflow/internal/models"
)

// HandlePublishPostTask reconciles the post named by the task. Failures are
// recorded on the post by the processor and retried by the polling loop, so
// the task itself is never retried.
func (q *Queue) HandlePublishPostTask(ctx context.Context, task *asynq.Task) error {
	var payload PublishPostPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.PostID == "" {
		return fmt.Errorf("missing post id: %w", asynq.SkipRetry)
	}

	post, err := q.processor.ProcessPost(ctx, payload.PostID)
	switch {
	case err == nil:
		slog.Info("post processed from queue", "post_id", post.ID, "status", post.Status)
	case models.IsKind(err, models.KindConflict), models.IsKind(err, models.KindNotFound):
		slog.Debug("queued post already handled", "post_id", payload.PostID, "error", err)
	default:
		slog.Warn("queued publish did not complete", "post_id", payload.PostID, "error", err)
	}
	return nil
}

// Mux routes task types to their handlers.
func (q *Queue) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypePublishPost, q.HandlePublishPostTask)
	return mux
}
