package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"

	"github.com/maheshrc27/postflow/internal/models"
)

type fakeProcessor struct {
	ids []string
	err error
}

func (f *fakeProcessor) ProcessPost(_ context.Context, id string) (*models.Post, error) {
	f.ids = append(f.ids, id)
	if f.err != nil {
		return nil, f.err
	}
	return &models.Post{ID: id, Status: models.PostStatusPublished}, nil
}

func TestNewPublishTaskPayload(t *testing.T) {
	task, err := newPublishTask("abc")
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	if task.Type() != TaskTypePublishPost {
		t.Fatalf("type = %s", task.Type())
	}
	var payload PublishPostPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.PostID != "abc" {
		t.Fatalf("post id = %q", payload.PostID)
	}
}

func TestHandlePublishPostTaskCallsProcessor(t *testing.T) {
	p := &fakeProcessor{}
	q := NewQueue(nil, p)

	task, _ := newPublishTask("abc")
	if err := q.HandlePublishPostTask(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(p.ids) != 1 || p.ids[0] != "abc" {
		t.Fatalf("processed = %v", p.ids)
	}
}

func TestHandlePublishPostTaskNeverRetries(t *testing.T) {
	for _, err := range []error{
		models.NewConflict("claimed"),
		models.NewNotFound("post"),
		models.NewTransient(models.PlatformInstagram, errors.New("502")),
	} {
		q := NewQueue(nil, &fakeProcessor{err: err})
		task, _ := newPublishTask("abc")
		if got := q.HandlePublishPostTask(context.Background(), task); got != nil {
			t.Fatalf("processor error %v should not fail the task, got %v", err, got)
		}
	}
}

func TestHandlePublishPostTaskBadPayload(t *testing.T) {
	q := NewQueue(nil, &fakeProcessor{})
	task := asynq.NewTask(TaskTypePublishPost, []byte("not json"))

	err := q.HandlePublishPostTask(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("err = %v, want SkipRetry", err)
	}
}
