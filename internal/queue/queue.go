package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

func newPublishTask(postID string) (*asynq.Task, error) {
	payload, err := json.Marshal(PublishPostPayload{PostID: postID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypePublishPost, payload), nil
}

// EnqueuePost asks a worker to reconcile postID at the given time. The task
// id is derived from the post, so enqueuing the same post twice is a no-op.
func (q *Queue) EnqueuePost(ctx context.Context, postID string, at time.Time) error {
	task, err := newPublishTask(postID)
	if err != nil {
		return err
	}

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}

	info, err := q.client.EnqueueContext(ctx, task,
		asynq.ProcessIn(delay),
		asynq.MaxRetry(0),
		asynq.TaskID(TaskTypePublishPost+":"+postID),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	slog.Info("task scheduled", "task_id", info.ID, "post_id", postID, "delay", delay)
	return nil
}
