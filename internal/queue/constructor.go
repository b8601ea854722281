package queue

import (
	"context"

	"github.com/hibiken/asynq"

	"github.com/maheshrc27/postflow/internal/models"
)

// Processor reconciles one post; the scheduler implements it.
type Processor interface {
	ProcessPost(ctx context.Context, id string) (*models.Post, error)
}

type Queue struct {
	client    *asynq.Client
	processor Processor
}

// NewQueue returns a queue that enqueues through client and handles tasks
// with processor. Either may be nil when only one side is used.
func NewQueue(client *asynq.Client, processor Processor) *Queue {
	return &Queue{
		client:    client,
		processor: processor,
	}
}

const TaskTypePublishPost = "post:publish"

type PublishPostPayload struct {
	PostID string `json:"post_id"`
}
