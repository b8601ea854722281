package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maheshrc27/postflow/internal/metrics"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/platform"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/internal/scheduler"
	"github.com/maheshrc27/postflow/internal/storage"
)

// Media is an uploaded file as received from the client.
type Media struct {
	Body        io.Reader
	ContentType string
	Filename    string
}

// PostInput is a publish or schedule request after form parsing.
type PostInput struct {
	UserID       int64              `validate:"required"`
	Content      string             `validate:"required"`
	Platforms    models.PlatformSet `validate:"required,min=1"`
	PostType     models.PostType
	Media        *Media
	ScheduledFor *time.Time
}

// Enqueuer schedules a precise-time reconciliation of one post. The polling
// loop stays authoritative, so enqueue failures are only logged.
type Enqueuer interface {
	EnqueuePost(ctx context.Context, postID string, at time.Time) error
}

// Reconciler publishes a scheduled post through the claim-guarded path.
type Reconciler interface {
	PublishNow(ctx context.Context, id string) (*models.Post, error)
}

type PostService interface {
	Publish(ctx context.Context, in PostInput) (*models.Post, error)
	Schedule(ctx context.Context, in PostInput) (*models.Post, error)
	Get(ctx context.Context, userID int64, id string) (*models.Post, error)
	List(ctx context.Context, filter models.PostFilter) ([]*models.Post, error)
	ListScheduled(ctx context.Context, userID int64) ([]*models.Post, error)
	PublishNow(ctx context.Context, userID int64, id string) (*models.Post, error)
	Cancel(ctx context.Context, userID int64, id string) error
	Attempts(ctx context.Context, userID int64, id string) ([]*models.PublishAttempt, error)
}

type PostServiceConfig struct {
	UploadTimeout time.Duration
	ClaimLease    time.Duration
}

type postService struct {
	cfg        PostServiceConfig
	posts      repository.PostRepository
	attempts   repository.AttemptRepository
	store      storage.ObjectStore
	sessions   *platform.SessionManager
	dispatcher *scheduler.Dispatcher
	janitor    *scheduler.MediaJanitor
	reconciler Reconciler
	queue      Enqueuer
	metrics    metrics.Recorder
	now        func() time.Time
}

// NewPostService wires the publish and schedule paths. queue may be nil
// when Redis is not configured.
func NewPostService(
	cfg PostServiceConfig,
	posts repository.PostRepository,
	attempts repository.AttemptRepository,
	store storage.ObjectStore,
	sessions *platform.SessionManager,
	dispatcher *scheduler.Dispatcher,
	janitor *scheduler.MediaJanitor,
	reconciler Reconciler,
	queue Enqueuer,
	rec metrics.Recorder,
) PostService {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &postService{
		cfg:        cfg,
		posts:      posts,
		attempts:   attempts,
		store:      store,
		sessions:   sessions,
		dispatcher: dispatcher,
		janitor:    janitor,
		reconciler: reconciler,
		queue:      queue,
		metrics:    rec,
		now:        time.Now,
	}
}

// Publish delivers a post right away. The post is persisted as published or
// failed for audit; a failure is returned with its classified kind and is
// never retried. A publish the platform accepted but is still processing is
// persisted as scheduled and due, so the scheduler completes it.
func (s *postService) Publish(ctx context.Context, in PostInput) (*models.Post, error) {
	if err := s.validate(in, false); err != nil {
		return nil, err
	}

	pool := s.sessions.NewPool()
	defer pool.Release()
	if err := s.checkAccounts(ctx, pool, in); err != nil {
		return nil, err
	}

	post, err := s.upload(ctx, in)
	if err != nil {
		return nil, err
	}
	post.ID = uuid.NewString()
	post.Status = models.PostStatusDraft

	out := s.dispatcher.Dispatch(ctx, pool, post, false)

	now := s.now()
	post.PlatformPostIDs = out.PostIDs
	post.PublishHandles = out.Handles
	post.Attempts = 1
	failure := out.Terminal()
	if failure == nil {
		failure = out.FirstError()
	}
	switch {
	case failure == nil:
		post.Status = models.PostStatusPublished
		post.PublishedAt = &now
	case out.InProgress():
		// The platform is still pulling the media. The scheduler finishes the
		// status check, and the blob stays until it does.
		post.Status = models.PostStatusScheduled
		post.ScheduledFor = &now
		post.LastError = failure.Error()
		failure = nil
	default:
		post.Status = models.PostStatusFailed
		post.FailureKind = models.KindOf(failure)
		post.FailureReason = failure.Error()
		post.LastError = failure.Error()
	}

	created, err := s.posts.Create(ctx, post)
	if err != nil {
		slog.Error("failed to persist published post",
			"post_id", post.ID, "status", post.Status, "platform_post_ids", post.PlatformPostIDs, "error", err)
		post.ID = ""
		s.janitor.Release(ctx, post)
		if failure != nil {
			return post, failure
		}
		return post, nil
	}
	for _, a := range out.Attempts {
		if _, err := s.attempts.Create(ctx, a); err != nil {
			slog.Warn("failed to record publish attempt", "post_id", a.PostID, "error", err)
		}
	}

	s.metrics.RecordTransition(string(created.Status))
	if created.Status == models.PostStatusScheduled {
		slog.Info("post accepted, waiting for the platform to finish",
			"post_id", created.ID, "handles", created.PublishHandles)
		return created, nil
	}
	s.janitor.Release(ctx, created)

	if failure != nil {
		return created, failure
	}
	slog.Info("post published", "post_id", created.ID, "platforms", created.Platforms.Strings())
	return created, nil
}

// Schedule uploads the media now and persists the post for the scheduler.
func (s *postService) Schedule(ctx context.Context, in PostInput) (*models.Post, error) {
	if err := s.validate(in, true); err != nil {
		return nil, err
	}

	pool := s.sessions.NewPool()
	defer pool.Release()
	if err := s.checkAccounts(ctx, pool, in); err != nil {
		return nil, err
	}

	post, err := s.upload(ctx, in)
	if err != nil {
		return nil, err
	}
	post.Status = models.PostStatusScheduled
	post.ScheduledFor = in.ScheduledFor

	created, err := s.posts.Create(ctx, post)
	if err != nil {
		if derr := s.store.Delete(context.WithoutCancel(ctx), post.MediaURL); derr != nil {
			slog.Error("failed to delete media of unsaved post", "media_url", post.MediaURL, "error", derr)
		}
		return nil, err
	}
	s.metrics.RecordTransition(string(created.Status))

	if s.queue != nil {
		if err := s.queue.EnqueuePost(ctx, created.ID, *created.ScheduledFor); err != nil {
			slog.Warn("failed to enqueue post, polling will pick it up", "post_id", created.ID, "error", err)
		}
	}

	slog.Info("post scheduled", "post_id", created.ID, "scheduled_for", created.ScheduledFor)
	return created, nil
}

// validate checks the request in the order callers see errors: content,
// platforms, post type, media, then schedule time.
func (s *postService) validate(in PostInput, scheduled bool) error {
	in.Content = strings.TrimSpace(in.Content)
	if err := validateStruct(in); err != nil {
		return err
	}

	postType := in.PostType
	if postType == "" {
		postType = models.PostTypePost
	}
	for _, p := range in.Platforms {
		if !p.Supports(postType) {
			return models.NewUnsupportedPostType(fmt.Sprintf("%s on %s", postType, p))
		}
	}

	if in.Media == nil || in.Media.Body == nil {
		for _, p := range in.Platforms {
			if p.RequiresMedia() {
				return models.NewInvalidRequest(fmt.Sprintf("media required for %s", p))
			}
		}
	}

	if scheduled {
		if in.ScheduledFor == nil {
			return models.NewInvalidRequest("scheduled time required")
		}
		if !in.ScheduledFor.After(s.now()) {
			return models.NewInvalidRequest("scheduled time must be in the future")
		}
	}
	return nil
}

func (s *postService) checkAccounts(ctx context.Context, sessions scheduler.SessionSource, in PostInput) error {
	for _, p := range in.Platforms {
		if _, err := sessions.Acquire(ctx, in.UserID, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *postService) upload(ctx context.Context, in PostInput) (*models.Post, error) {
	postType := in.PostType
	if postType == "" {
		postType = models.PostTypePost
	}
	post := &models.Post{
		UserID:    in.UserID,
		Content:   strings.TrimSpace(in.Content),
		Platforms: in.Platforms,
		PostType:  postType,
	}
	if in.Media == nil || in.Media.Body == nil {
		return post, nil
	}

	uploadCtx, cancel := context.WithTimeout(ctx, s.cfg.UploadTimeout)
	defer cancel()

	obj, err := s.store.Upload(uploadCtx, in.Media.Body, in.Media.ContentType, in.Media.Filename)
	if err != nil {
		return nil, err
	}
	post.MediaURL = obj.URL
	post.MediaType = obj.ContentType
	return post, nil
}

func (s *postService) Get(ctx context.Context, userID int64, id string) (*models.Post, error) {
	post, err := s.posts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if post.UserID != userID {
		return nil, models.NewNotFound("post")
	}
	return post, nil
}

func (s *postService) List(ctx context.Context, filter models.PostFilter) ([]*models.Post, error) {
	posts, err := s.posts.List(ctx, filter)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return posts, nil
}

func (s *postService) ListScheduled(ctx context.Context, userID int64) ([]*models.Post, error) {
	return s.List(ctx, models.PostFilter{
		UserID:           userID,
		Status:           models.PostStatusScheduled,
		OrderByScheduled: true,
	})
}

// PublishNow publishes one of the caller's scheduled posts immediately.
func (s *postService) PublishNow(ctx context.Context, userID int64, id string) (*models.Post, error) {
	post, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if post.Status != models.PostStatusScheduled {
		return nil, models.NewConflict(fmt.Sprintf("post is %s", post.Status))
	}
	return s.reconciler.PublishNow(ctx, id)
}

// Cancel removes a post. A scheduled post is claimed first so it cannot be
// cancelled while a publish is in flight.
func (s *postService) Cancel(ctx context.Context, userID int64, id string) error {
	post, err := s.Get(ctx, userID, id)
	if err != nil {
		return err
	}

	if post.Status == models.PostStatusScheduled {
		now := s.now()
		token := uuid.NewString()
		post, err = s.posts.CompareAndUpdate(ctx, id,
			models.PostCondition{Status: models.PostStatusScheduled, ClaimFreeAt: &now},
			models.PostPatch{ClaimToken: &token, ClaimExpiresAt: models.TimePtr(now.Add(s.cfg.ClaimLease))},
		)
		if err != nil {
			if models.IsKind(err, models.KindConflict) {
				return models.NewConflict("post is being published")
			}
			return err
		}
	}

	if post.MediaURL != "" && post.MediaDeletedAt == nil {
		if err := s.store.Delete(ctx, post.MediaURL); err != nil {
			s.metrics.RecordMediaCleanup(false)
			if post.ClaimToken != "" {
				if _, uerr := s.posts.CompareAndUpdate(ctx, id,
					models.PostCondition{ClaimToken: post.ClaimToken},
					models.PostPatch{ClearClaim: true},
				); uerr != nil {
					slog.Warn("failed to release cancel claim", "post_id", id, "error", uerr)
				}
			}
			return err
		}
		s.metrics.RecordMediaCleanup(true)
	}

	if err := s.posts.Delete(ctx, id); err != nil {
		return err
	}
	slog.Info("post deleted", "post_id", id, "status", post.Status)
	return nil
}

func (s *postService) Attempts(ctx context.Context, userID int64, id string) ([]*models.PublishAttempt, error) {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	return s.attempts.ListByPost(ctx, id)
}
