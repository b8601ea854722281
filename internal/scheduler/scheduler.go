// Package scheduler reconciles due posts against the platforms. A tick finds
// every scheduled post whose time has come, claims it, publishes it and moves
// it to a terminal state or leaves it for a bounded retry.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron"

	"github.com/maheshrc27/postflow/internal/metrics"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/platform"
	"github.com/maheshrc27/postflow/internal/repository"
)

type Config struct {
	Interval    time.Duration
	ClaimLease  time.Duration
	MaxAttempts int
	// MaxAge bounds retries by time past scheduled_for.
	MaxAge      time.Duration
	Concurrency int
	BatchSize   int
}

// TickResult summarizes one reconciliation tick.
type TickResult struct {
	Skipped   bool
	Due       int
	Published int
	Failed    int
	Retrying  int
	// Contended counts posts another caller had already claimed.
	Contended int
	Released  int
}

type Scheduler struct {
	cfg        Config
	posts      repository.PostRepository
	attempts   repository.AttemptRepository
	sessions   *platform.SessionManager
	dispatcher *Dispatcher
	janitor    *MediaJanitor
	lock       RunLock
	metrics    metrics.Recorder
	now        func() time.Time
}

func New(
	cfg Config,
	posts repository.PostRepository,
	attempts repository.AttemptRepository,
	sessions *platform.SessionManager,
	dispatcher *Dispatcher,
	janitor *MediaJanitor,
	lock RunLock,
	rec metrics.Recorder,
) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if lock == nil {
		lock = &LocalLock{}
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Scheduler{
		cfg:        cfg,
		posts:      posts,
		attempts:   attempts,
		sessions:   sessions,
		dispatcher: dispatcher,
		janitor:    janitor,
		lock:       lock,
		metrics:    rec,
		now:        time.Now,
	}
}

// Start runs Tick every cfg.Interval until stop is called.
func (s *Scheduler) Start(ctx context.Context) (stop func(), err error) {
	c := cron.New()
	spec := "@every " + s.cfg.Interval.String()
	if err := c.AddFunc(spec, func() {
		if _, err := s.Tick(ctx); err != nil {
			slog.Error("scheduler tick failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule tick %q: %w", spec, err)
	}
	c.Start()
	slog.Info("scheduler started", "interval", s.cfg.Interval)
	return c.Stop, nil
}

// Tick runs one reconciliation pass. It returns Skipped when the previous
// tick still holds the run lock.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	var result TickResult

	release, ok, err := s.lock.TryAcquire(ctx)
	if err != nil {
		return result, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		s.metrics.RecordTickSkipped()
		slog.Info("previous tick still running, skipping")
		result.Skipped = true
		return result, nil
	}
	defer release()

	start := s.now()
	due, err := s.posts.FindDue(ctx, start, s.cfg.BatchSize)
	if err != nil {
		return result, fmt.Errorf("find due posts: %w", err)
	}
	result.Due = len(due)

	pool := s.sessions.NewPool()
	defer pool.Release()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	semaphore := make(chan struct{}, s.cfg.Concurrency)

	for _, post := range due {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(post *models.Post) {
			defer wg.Done()
			defer func() { <-semaphore }()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("panic while processing post", "post_id", post.ID, "panic", r)
				}
			}()

			updated, err := s.run(ctx, pool, post.ID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case models.IsKind(err, models.KindConflict):
				result.Contended++
			case updated == nil:
			case updated.Status == models.PostStatusPublished:
				result.Published++
			case updated.Status == models.PostStatusFailed:
				result.Failed++
			default:
				result.Retrying++
			}
		}(post)
	}
	wg.Wait()

	result.Released = s.janitor.Sweep(ctx, s.cfg.BatchSize)
	s.metrics.RecordTick(s.now().Sub(start), len(due))

	if result.Due > 0 {
		slog.Info("scheduler tick finished",
			"due", result.Due,
			"published", result.Published,
			"failed", result.Failed,
			"retrying", result.Retrying,
			"contended", result.Contended,
		)
	}
	return result, nil
}

// ProcessPost reconciles one post if it is due. It is the entry point for
// the queue fast path; a post that is not due is returned unchanged.
func (s *Scheduler) ProcessPost(ctx context.Context, id string) (*models.Post, error) {
	post, err := s.posts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !post.IsDue(s.now()) {
		return post, nil
	}
	return s.run(ctx, s.sessions, id)
}

// PublishNow publishes a scheduled post immediately through the same claim
// as a tick. The returned error is the failure that kept the post from
// being published, if any.
func (s *Scheduler) PublishNow(ctx context.Context, id string) (*models.Post, error) {
	return s.run(ctx, s.sessions, id)
}

func (s *Scheduler) run(ctx context.Context, sessions SessionSource, id string) (*models.Post, error) {
	claimed, err := s.claim(ctx, id)
	if err != nil {
		if models.IsKind(err, models.KindConflict) {
			slog.Debug("post already claimed or transitioned", "post_id", id)
		}
		return nil, err
	}

	out := s.dispatcher.Dispatch(ctx, sessions, claimed, true)
	s.recordAttempts(ctx, out.Attempts)
	return s.settle(ctx, claimed, out)
}

func (s *Scheduler) claim(ctx context.Context, id string) (*models.Post, error) {
	now := s.now()
	token := uuid.NewString()
	return s.posts.CompareAndUpdate(ctx, id,
		models.PostCondition{Status: models.PostStatusScheduled, ClaimFreeAt: &now},
		models.PostPatch{
			ClaimToken:     &token,
			ClaimExpiresAt: models.TimePtr(now.Add(s.cfg.ClaimLease)),
		},
	)
}

func (s *Scheduler) settle(ctx context.Context, claimed *models.Post, out *Outcome) (*models.Post, error) {
	now := s.now()
	attempts := claimed.Attempts + 1
	patch := models.PostPatch{
		PlatformPostIDs: out.PostIDs,
		PublishHandles:  out.Handles,
		Attempts:        &attempts,
		ClearClaim:      true,
	}

	failure := out.FirstError()
	switch terminal := out.Terminal(); {
	case out.Complete():
		patch.Status = models.StatusPtr(models.PostStatusPublished)
		patch.PublishedAt = &now
		patch.LastError = models.StringPtr("")
	case terminal != nil:
		failure = terminal
		e := models.AsError(terminal)
		patch.Status = models.StatusPtr(models.PostStatusFailed)
		patch.FailureKind = models.KindPtr(e.Kind)
		patch.FailureReason = models.StringPtr(terminal.Error())
		patch.LastError = models.StringPtr(terminal.Error())
	case s.exhausted(claimed, attempts, now):
		patch.Status = models.StatusPtr(models.PostStatusFailed)
		patch.FailureKind = models.KindPtr(models.KindTransient)
		patch.FailureReason = models.StringPtr(fmt.Sprintf("gave up after %d attempts: %v", attempts, failure))
		patch.LastError = models.StringPtr(failure.Error())
	default:
		patch.LastError = models.StringPtr(failure.Error())
	}

	updated, err := s.posts.CompareAndUpdate(ctx, claimed.ID,
		models.PostCondition{Status: models.PostStatusScheduled, ClaimToken: claimed.ClaimToken},
		patch,
	)
	if err != nil {
		slog.Error("failed to record publish outcome",
			"post_id", claimed.ID, "platform_post_ids", out.PostIDs, "error", err)
		return nil, err
	}

	if updated.Status.IsTerminal() {
		if len(out.Handles) > 0 {
			slog.Warn("post ended with platform publishes still running",
				"post_id", updated.ID, "handles", out.Handles)
		}
		s.metrics.RecordTransition(string(updated.Status))
		s.janitor.Release(ctx, updated)
		slog.Info("post reached terminal state",
			"post_id", updated.ID, "status", updated.Status, "attempts", updated.Attempts)
	} else {
		slog.Info("post will be retried",
			"post_id", updated.ID, "attempts", updated.Attempts, "error", failure)
	}

	if updated.Status == models.PostStatusPublished {
		return updated, nil
	}
	return updated, failure
}

func (s *Scheduler) exhausted(post *models.Post, attempts int, now time.Time) bool {
	if s.cfg.MaxAttempts > 0 && attempts >= s.cfg.MaxAttempts {
		return true
	}
	if s.cfg.MaxAge > 0 && post.ScheduledFor != nil && now.Sub(*post.ScheduledFor) > s.cfg.MaxAge {
		return true
	}
	return false
}

func (s *Scheduler) recordAttempts(ctx context.Context, attempts []*models.PublishAttempt) {
	for _, a := range attempts {
		if _, err := s.attempts.Create(ctx, a); err != nil {
			slog.Warn("failed to record publish attempt",
				"post_id", a.PostID, "platform", a.Platform, "error", err)
		}
	}
}
