package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/maheshrc27/postflow/internal/metrics"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/platform"
)

// SessionSource hands out platform sessions. Both *platform.SessionManager
// and *platform.SessionPool satisfy it.
type SessionSource interface {
	Acquire(ctx context.Context, userID int64, p models.Platform) (*platform.Session, error)
}

type sessionInvalidator interface {
	Invalidate(userID int64, p models.Platform, err error)
}

// Outcome is the result of delivering one post to its pending platforms.
type Outcome struct {
	PostIDs map[models.Platform]string
	// Handles are publishes the platforms accepted but have not finished.
	Handles  map[models.Platform]string
	Failures map[models.Platform]error
	Attempts []*models.PublishAttempt

	order []models.Platform
}

func (o *Outcome) Complete() bool {
	return len(o.Failures) == 0
}

// Terminal returns the first failure that must not be retried.
func (o *Outcome) Terminal() error {
	for _, p := range o.order {
		if err := o.Failures[p]; !retryable(err) {
			return err
		}
	}
	return nil
}

// InProgress reports whether every failure is a publish still running on
// its platform.
func (o *Outcome) InProgress() bool {
	if len(o.order) == 0 {
		return false
	}
	for _, p := range o.order {
		if o.Handles[p] == "" || models.HandleOf(o.Failures[p]) == "" {
			return false
		}
	}
	return true
}

// retryable reports whether reconciliation may try err again. Internal
// errors come from our own infrastructure (token store, database) and are
// retried within the same attempt and age bounds as transient ones.
func retryable(err error) bool {
	return models.IsRetryable(err) || models.IsKind(err, models.KindInternal)
}

// FirstError returns the first failure in platform order.
func (o *Outcome) FirstError() error {
	if len(o.order) == 0 {
		return nil
	}
	return o.Failures[o.order[0]]
}

// Dispatcher sends a post to every platform that has no external id yet.
type Dispatcher struct {
	registry *platform.Registry
	timeout  time.Duration
	metrics  metrics.Recorder
	now      func() time.Time
}

func NewDispatcher(registry *platform.Registry, timeout time.Duration, rec metrics.Recorder) *Dispatcher {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Dispatcher{registry: registry, timeout: timeout, metrics: rec, now: time.Now}
}

// Dispatch publishes post to its pending platforms one after another. When
// retrying is false, retryable failures are recorded as final attempts.
func (d *Dispatcher) Dispatch(ctx context.Context, sessions SessionSource, post *models.Post, retrying bool) *Outcome {
	out := &Outcome{
		PostIDs:  make(map[models.Platform]string, len(post.Platforms)),
		Handles:  make(map[models.Platform]string, len(post.PublishHandles)),
		Failures: make(map[models.Platform]error),
	}
	for p, id := range post.PlatformPostIDs {
		out.PostIDs[p] = id
	}
	for p, h := range post.PublishHandles {
		out.Handles[p] = h
	}

	for _, p := range post.PendingPlatforms() {
		attempt := &models.PublishAttempt{
			PostID:    post.ID,
			UserID:    post.UserID,
			Platform:  p,
			CreatedAt: d.now(),
		}

		id, err := d.publishOne(ctx, sessions, post, p, out.Handles[p])
		if err != nil {
			out.Failures[p] = err
			out.order = append(out.order, p)

			kind := models.KindOf(err)
			handle := models.HandleOf(err)
			switch {
			case handle != "":
				out.Handles[p] = handle
			case !retryable(err):
				delete(out.Handles, p)
			}

			attempt.Outcome = models.AttemptFailed
			if handle != "" || (retrying && retryable(err)) {
				attempt.Outcome = models.AttemptRetrying
			}
			attempt.ErrorKind = kind
			attempt.ErrorMessage = err.Error()
			d.metrics.RecordPublish(string(p), "failed", string(kind))
		} else {
			out.PostIDs[p] = id
			delete(out.Handles, p)
			attempt.Outcome = models.AttemptSucceeded
			attempt.PlatformPostID = id
			d.metrics.RecordPublish(string(p), "succeeded", "")
		}
		out.Attempts = append(out.Attempts, attempt)
	}
	return out
}

func (d *Dispatcher) publishOne(ctx context.Context, sessions SessionSource, post *models.Post, p models.Platform, handle string) (string, error) {
	session, err := sessions.Acquire(ctx, post.UserID, p)
	if err != nil {
		return "", err
	}
	pub, err := d.registry.Publisher(p)
	if err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := d.now()
	req := platform.RequestFor(post)
	req.Handle = handle
	id, err := pub.Publish(callCtx, session, req)
	d.metrics.RecordPublishLatency(string(p), d.now().Sub(start))
	if err == nil {
		return id, nil
	}

	err = classify(p, err)
	if models.IsKind(err, models.KindAuthExpired) {
		if inv, ok := sessions.(sessionInvalidator); ok {
			inv.Invalidate(post.UserID, p, err)
		}
	}
	slog.Warn("publish failed",
		"post_id", post.ID,
		"platform", p,
		"kind", models.KindOf(err),
		"error", err,
	)
	return "", err
}

// classify makes sure every failure carries a kind. Publishers already
// classify; deadline and cancellation errors are the exceptions.
func classify(p models.Platform, err error) error {
	var e *models.Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return models.NewTransient(p, err)
	}
	return models.NewInternal(err)
}
