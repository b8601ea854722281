package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/platform"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/internal/storage"
)

type stubPublisher struct {
	platform models.Platform
	delay    time.Duration
	calls    atomic.Int32

	mu  sync.Mutex
	err error
}

func (s *stubPublisher) Platform() models.Platform { return s.platform }

func (s *stubPublisher) Publish(ctx context.Context, _ *platform.Session, _ platform.Request) (string, error) {
	n := s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%d", s.platform, n), nil
}

func (s *stubPublisher) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

type panicPublisher struct{ platform models.Platform }

func (p panicPublisher) Platform() models.Platform { return p.platform }

func (p panicPublisher) Publish(context.Context, *platform.Session, platform.Request) (string, error) {
	panic("boom")
}

type countingRefresher struct{ calls atomic.Int32 }

func (r *countingRefresher) Refresh(_ context.Context, t *models.OAuthToken) (*models.OAuthToken, error) {
	r.calls.Add(1)
	return &models.OAuthToken{AccessToken: "fresh", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type fixture struct {
	posts    *repository.MemoryPostRepository
	attempts *repository.MemoryAttemptRepository
	tokens   *repository.MemoryTokenRepository
	store    *storage.MemoryStore
	registry *platform.Registry
	sched    *Scheduler
	now      time.Time
}

func newFixture(t *testing.T, cfg Config, pubs ...platform.Publisher) *fixture {
	t.Helper()
	t.Setenv("TMPDIR", t.TempDir())

	f := &fixture{
		posts:    repository.NewMemoryPostRepository(),
		attempts: repository.NewMemoryAttemptRepository(),
		tokens:   repository.NewMemoryTokenRepository(),
		store:    storage.NewMemoryStore(1 << 20),
		registry: platform.NewRegistry(),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	for _, p := range pubs {
		f.registry.Register(p, nil)
	}

	if cfg.ClaimLease == 0 {
		cfg.ClaimLease = time.Minute
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 24 * time.Hour
	}

	clock := func() time.Time { return f.now }
	sessions := platform.NewSessionManager(f.tokens, f.registry)
	dispatcher := NewDispatcher(f.registry, time.Second, nil)
	dispatcher.now = clock
	janitor := NewMediaJanitor(f.posts, f.store, nil)
	janitor.now = clock
	f.sched = New(cfg, f.posts, f.attempts, sessions, dispatcher, janitor, nil, nil)
	f.sched.now = clock
	return f
}

func (f *fixture) connect(t *testing.T, userID int64, p models.Platform) {
	t.Helper()
	err := f.tokens.Upsert(context.Background(), &models.OAuthToken{
		UserID:      userID,
		Platform:    p,
		AccountID:   "acct",
		AccessToken: "token",
	})
	if err != nil {
		t.Fatalf("upsert token: %v", err)
	}
}

func (f *fixture) schedule(t *testing.T, at time.Time, platforms ...models.Platform) *models.Post {
	t.Helper()
	ctx := context.Background()
	obj, err := f.store.Upload(ctx, bytes.NewReader(pngBytes()), "image/png", "a.png")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	post, err := f.posts.Create(ctx, &models.Post{
		UserID:       1,
		Content:      "hello",
		MediaURL:     obj.URL,
		MediaType:    obj.ContentType,
		Platforms:    models.PlatformSet(platforms),
		PostType:     models.PostTypePost,
		Status:       models.PostStatusScheduled,
		ScheduledFor: &at,
	})
	if err != nil {
		t.Fatalf("create post: %v", err)
	}
	return post
}

func (f *fixture) get(t *testing.T, id string) *models.Post {
	t.Helper()
	post, err := f.posts.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get post: %v", err)
	}
	return post
}

func pngBytes() []byte {
	return append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 512)...)
}

func TestTickPublishesDuePostAndDeletesBlob(t *testing.T) {
	ig := &stubPublisher{platform: models.PlatformInstagram}
	f := newFixture(t, Config{Concurrency: 2}, ig)
	f.connect(t, 1, models.PlatformInstagram)

	post := f.schedule(t, f.now.Add(time.Hour), models.PlatformInstagram)
	f.now = f.now.Add(2 * time.Hour)

	res, err := f.sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Due != 1 || res.Published != 1 {
		t.Fatalf("result = %+v", res)
	}

	got := f.get(t, post.ID)
	if got.Status != models.PostStatusPublished {
		t.Fatalf("status = %s", got.Status)
	}
	if got.PlatformPostIDs[models.PlatformInstagram] != "instagram-1" {
		t.Fatalf("platform ids = %v", got.PlatformPostIDs)
	}
	if got.PublishedAt == nil || got.MediaDeletedAt == nil {
		t.Fatalf("published_at=%v media_deleted_at=%v", got.PublishedAt, got.MediaDeletedAt)
	}
	if got.ClaimToken != "" {
		t.Fatal("claim should be cleared")
	}
	if f.store.Exists(post.MediaURL) {
		t.Fatal("blob should be deleted")
	}

	attempts, _ := f.attempts.ListByPost(context.Background(), post.ID)
	if len(attempts) != 1 || attempts[0].Outcome != models.AttemptSucceeded {
		t.Fatalf("attempts = %+v", attempts)
	}
}

func TestTickSkipsPostsNotYetDue(t *testing.T) {
	ig := &stubPublisher{platform: models.PlatformInstagram}
	f := newFixture(t, Config{Concurrency: 1}, ig)
	f.connect(t, 1, models.PlatformInstagram)
	post := f.schedule(t, f.now.Add(time.Hour), models.PlatformInstagram)

	res, err := f.sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Due != 0 || ig.calls.Load() != 0 {
		t.Fatalf("result = %+v calls = %d", res, ig.calls.Load())
	}
	if got := f.get(t, post.ID); got.Status != models.PostStatusScheduled {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestTickAuthExpiredFailsWithoutRetry(t *testing.T) {
	ig := &stubPublisher{platform: models.PlatformInstagram}
	ig.fail(models.NewAuthExpired(models.PlatformInstagram, errors.New("code 190")))
	f := newFixture(t, Config{Concurrency: 1}, ig)
	f.connect(t, 1, models.PlatformInstagram)

	first := f.schedule(t, f.now.Add(-time.Minute), models.PlatformInstagram)
	second := f.schedule(t, f.now.Add(-time.Minute), models.PlatformInstagram)

	res, err := f.sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Failed != 2 {
		t.Fatalf("result = %+v", res)
	}
	// the rejected session is shared by the tick, so the second post never
	// reaches the platform
	if ig.calls.Load() != 1 {
		t.Fatalf("publisher calls = %d, want 1", ig.calls.Load())
	}

	for _, id := range []string{first.ID, second.ID} {
		got := f.get(t, id)
		if got.Status != models.PostStatusFailed || got.FailureKind != models.KindAuthExpired {
			t.Fatalf("post %s: status=%s kind=%s", id, got.Status, got.FailureKind)
		}
		if f.store.Exists(got.MediaURL) {
			t.Fatalf("post %s: blob should be deleted", id)
		}
	}

	res, _ = f.sched.Tick(context.Background())
	if res.Due != 0 {
		t.Fatalf("failed posts must not be retried, due = %d", res.Due)
	}
}

func TestTickRetriesTransientUntilAttemptBound(t *testing.T) {
	ig := &stubPublisher{platform: models.PlatformInstagram}
	ig.fail(models.NewTransient(models.PlatformInstagram, errors.New("503")))
	f := newFixture(t, Config{Concurrency: 1, MaxAttempts: 3}, ig)
	f.connect(t, 1, models.PlatformInstagram)
	post := f.schedule(t, f.now.Add(-time.Minute), models.PlatformInstagram)

	for i := 1; i <= 2; i++ {
		res, err := f.sched.Tick(context.Background())
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if res.Retrying != 1 {
			t.Fatalf("tick %d result = %+v", i, res)
		}
		got := f.get(t, post.ID)
		if got.Status != models.PostStatusScheduled || got.Attempts != i || got.LastError == "" {
			t.Fatalf("tick %d: status=%s attempts=%d last_error=%q", i, got.Status, got.Attempts, got.LastError)
		}
		if !f.store.Exists(post.MediaURL) {
			t.Fatalf("tick %d: blob must survive a retry", i)
		}
	}

	res, _ := f.sched.Tick(context.Background())
	if res.Failed != 1 {
		t.Fatalf("final result = %+v", res)
	}
	got := f.get(t, post.ID)
	if got.Status != models.PostStatusFailed || got.FailureKind != models.KindTransient {
		t.Fatalf("status=%s kind=%s", got.Status, got.FailureKind)
	}
	if f.store.Exists(post.MediaURL) {
		t.Fatal("blob should be deleted once retries are exhausted")
	}

	attempts, _ := f.attempts.ListByPost(context.Background(), post.ID)
	if len(attempts) != 3 {
		t.Fatalf("attempts = %d", len(attempts))
	}
}

func TestTickGivesUpPastMaxAge(t *testing.T) {
	ig := &stubPublisher{platform: models.PlatformInstagram}
	ig.fail(models.NewTransient(models.PlatformInstagram, errors.New("timeout")))
	f := newFixture(t, Config{Concurrency: 1, MaxAttempts: 100, MaxAge: time.Hour}, ig)
	f.connect(t, 1, models.PlatformInstagram)
	post := f.schedule(t, f.now.Add(-2*time.Hour), models.PlatformInstagram)

	if _, err := f.sched.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := f.get(t, post.ID); got.Status != models.PostStatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestTickMultiPlatformOnlyRetriesPendingPlatforms(t *testing.T) {
	ig := &stubPublisher{platform: models.PlatformInstagram}
	tt := &stubPublisher{platform: models.PlatformTiktok}
	tt.fail(models.NewTransient(models.PlatformTiktok, errors.New("502")))
	f := newFixture(t, Config{Concurrency: 1}, ig, tt)
	f.connect(t, 1, models.PlatformInstagram)
	f.connect(t, 1, models.PlatformTiktok)
	post := f.schedule(t, f.now.Add(-time.Minute), models.PlatformInstagram, models.PlatformTiktok)

	if _, err := f.sched.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got := f.get(t, post.ID)
	if got.Status != models.PostStatusScheduled || got.PlatformPostIDs[models.PlatformInstagram] == "" {
		t.Fatalf("status=%s ids=%v", got.Status, got.PlatformPostIDs)
	}

	tt.fail(nil)
	if _, err := f.sched.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got = f.get(t, post.ID)
	if got.Status != models.PostStatusPublished {
		t.Fatalf("status = %s", got.Status)
	}
	if ig.calls.Load() != 1 {
		t.Fatalf("instagram published %d times", ig.calls.Load())
	}
	if len(got.PlatformPostIDs) != 2 {
		t.Fatalf("ids = %v", got.PlatformPostIDs)
	}
}

func TestTickIsolatesPanickingPost(t *testing.T) {
	tt := &stubPublisher{platform: models.PlatformTiktok}
	f := newFixture(t, Config{Concurrency: 1}, panicPublisher{platform: models.PlatformInstagram}, tt)
	f.connect(t, 1, models.PlatformInstagram)
	f.connect(t, 1, models.PlatformTiktok)

	f.schedule(t, f.now.Add(-2*time.Minute), models.PlatformInstagram)
	ok := f.schedule(t, f.now.Add(-time.Minute), models.PlatformTiktok)

	res, err := f.sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Published != 1 {
		t.Fatalf("result = %+v", res)
	}
	if got := f.get(t, ok.ID); got.Status != models.PostStatusPublished {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestTickRefreshesSessionOncePerUser(t *testing.T) {
	ig := &stubPublisher{platform: models.PlatformInstagram}
	refresher := &countingRefresher{}
	f := newFixture(t, Config{Concurrency: 4})
	f.registry.Register(ig, refresher)

	err := f.tokens.Upsert(context.Background(), &models.OAuthToken{
		UserID:       1,
		Platform:     models.PlatformInstagram,
		AccountID:    "acct",
		AccessToken:  "stale",
		RefreshToken: "r",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	for i := 0; i < 5; i++ {
		f.schedule(t, f.now.Add(-time.Minute), models.PlatformInstagram)
	}

	res, err := f.sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Published != 5 {
		t.Fatalf("result = %+v", res)
	}
	if refresher.calls.Load() != 1 {
		t.Fatalf("refresh calls = %d, want 1", refresher.calls.Load())
	}
}

func TestTickSkippedWhileLockHeld(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 1})
	lock := &LocalLock{}
	f.sched.lock = lock

	release, ok, _ := lock.TryAcquire(context.Background())
	if !ok {
		t.Fatal("expected to acquire lock")
	}
	defer release()

	res, err := f.sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !res.Skipped {
		t.Fatal("tick should be skipped while the lock is held")
	}
}

// A tick and a manual trigger race on the same post.
func TestConcurrentTickAndPublishNowPublishOnce(t *testing.T) {
	ig := &stubPublisher{platform: models.PlatformInstagram, delay: 50 * time.Millisecond}
	f := newFixture(t, Config{Concurrency: 2}, ig)
	f.connect(t, 1, models.PlatformInstagram)
	post := f.schedule(t, f.now.Add(-time.Minute), models.PlatformInstagram)

	var (
		wg      sync.WaitGroup
		tickRes TickResult
		nowErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		tickRes, _ = f.sched.Tick(context.Background())
	}()
	go func() {
		defer wg.Done()
		_, nowErr = f.sched.PublishNow(context.Background(), post.ID)
	}()
	wg.Wait()

	if ig.calls.Load() != 1 {
		t.Fatalf("publisher calls = %d, want exactly 1", ig.calls.Load())
	}
	got := f.get(t, post.ID)
	if got.Status != models.PostStatusPublished || len(got.PlatformPostIDs) != 1 {
		t.Fatalf("status=%s ids=%v", got.Status, got.PlatformPostIDs)
	}

	tickWon := tickRes.Published == 1
	manualWon := nowErr == nil
	if tickWon == manualWon {
		t.Fatalf("exactly one caller should publish: tick=%+v manual err=%v", tickRes, nowErr)
	}
	if tickWon && !models.IsKind(nowErr, models.KindConflict) {
		t.Fatalf("manual trigger should observe a conflict, got %v", nowErr)
	}
}

func TestExpiredClaimIsRecovered(t *testing.T) {
	ig := &stubPublisher{platform: models.PlatformInstagram}
	f := newFixture(t, Config{Concurrency: 1, ClaimLease: time.Minute}, ig)
	f.connect(t, 1, models.PlatformInstagram)
	post := f.schedule(t, f.now.Add(-time.Minute), models.PlatformInstagram)

	// a crashed worker left its claim behind
	if _, err := f.sched.claim(context.Background(), post.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	res, _ := f.sched.Tick(context.Background())
	if res.Contended != 1 || ig.calls.Load() != 0 {
		t.Fatalf("live claim must be respected: %+v", res)
	}

	f.now = f.now.Add(2 * time.Minute)
	res, _ = f.sched.Tick(context.Background())
	if res.Published != 1 {
		t.Fatalf("expired claim should be taken over: %+v", res)
	}
}

func TestProcessPostIgnoresPostNotDue(t *testing.T) {
	ig := &stubPublisher{platform: models.PlatformInstagram}
	f := newFixture(t, Config{Concurrency: 1}, ig)
	f.connect(t, 1, models.PlatformInstagram)
	post := f.schedule(t, f.now.Add(time.Hour), models.PlatformInstagram)

	got, err := f.sched.ProcessPost(context.Background(), post.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if got.Status != models.PostStatusScheduled || ig.calls.Load() != 0 {
		t.Fatalf("status=%s calls=%d", got.Status, ig.calls.Load())
	}

	f.now = f.now.Add(2 * time.Hour)
	got, err = f.sched.ProcessPost(context.Background(), post.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if got.Status != models.PostStatusPublished {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestProcessPostMissingPost(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 1})
	_, err := f.sched.ProcessPost(context.Background(), "missing")
	if !models.IsKind(err, models.KindNotFound) {
		t.Fatalf("err = %v", err)
	}
}

type flakyTokens struct {
	*repository.MemoryTokenRepository
	failures atomic.Int32
}

func (f *flakyTokens) Get(ctx context.Context, userID int64, p models.Platform) (*models.OAuthToken, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("select token: driver: bad connection")
	}
	return f.MemoryTokenRepository.Get(ctx, userID, p)
}

func TestTickRetriesAfterTokenStoreFailure(t *testing.T) {
	ig := &stubPublisher{platform: models.PlatformInstagram}
	f := newFixture(t, Config{Concurrency: 1}, ig)
	f.connect(t, 1, models.PlatformInstagram)

	tokens := &flakyTokens{MemoryTokenRepository: f.tokens}
	tokens.failures.Store(1)
	f.sched.sessions = platform.NewSessionManager(tokens, f.registry)

	post := f.schedule(t, f.now.Add(-time.Minute), models.PlatformInstagram)

	res, err := f.sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Retrying != 1 {
		t.Fatalf("result = %+v", res)
	}
	got := f.get(t, post.ID)
	if got.Status != models.PostStatusScheduled || got.Attempts != 1 {
		t.Fatalf("status = %s attempts = %d", got.Status, got.Attempts)
	}
	if !f.store.Exists(post.MediaURL) {
		t.Fatal("blob must survive a store outage")
	}
	if ig.calls.Load() != 0 {
		t.Fatalf("publisher calls = %d", ig.calls.Load())
	}

	f.now = f.now.Add(time.Minute)
	if _, err := f.sched.Tick(context.Background()); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if got := f.get(t, post.ID); got.Status != models.PostStatusPublished {
		t.Fatalf("status after recovery = %s", got.Status)
	}
}

func TestTickInternalErrorsStayBounded(t *testing.T) {
	ig := &stubPublisher{platform: models.PlatformInstagram}
	ig.fail(models.NewInternal(errors.New("unexpected response")))
	f := newFixture(t, Config{Concurrency: 1, MaxAttempts: 2}, ig)
	f.connect(t, 1, models.PlatformInstagram)
	post := f.schedule(t, f.now.Add(-time.Minute), models.PlatformInstagram)

	for i := 0; i < 2; i++ {
		if _, err := f.sched.Tick(context.Background()); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		f.now = f.now.Add(time.Minute)
	}

	got := f.get(t, post.ID)
	if got.Status != models.PostStatusFailed || got.Attempts != 2 {
		t.Fatalf("status = %s attempts = %d", got.Status, got.Attempts)
	}
	if ig.calls.Load() != 2 {
		t.Fatalf("publisher calls = %d, want 2", ig.calls.Load())
	}
}

// resumingPublisher reports the first publish as still processing and
// completes it once it is handed its handle back.
type resumingPublisher struct {
	platform models.Platform
	mu       sync.Mutex
	handles  []string
}

func (r *resumingPublisher) Platform() models.Platform { return r.platform }

func (r *resumingPublisher) Publish(_ context.Context, _ *platform.Session, req platform.Request) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles = append(r.handles, req.Handle)
	if req.Handle == "" {
		return "", models.NewInProgress(r.platform, "pub-1")
	}
	return "7301", nil
}

func TestTickKeepsBlobUntilPlatformFinishes(t *testing.T) {
	tt := &resumingPublisher{platform: models.PlatformTiktok}
	f := newFixture(t, Config{Concurrency: 1}, tt)
	f.connect(t, 1, models.PlatformTiktok)
	post := f.schedule(t, f.now.Add(-time.Minute), models.PlatformTiktok)

	if _, err := f.sched.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got := f.get(t, post.ID)
	if got.Status != models.PostStatusScheduled {
		t.Fatalf("status = %s, want scheduled while the platform is processing", got.Status)
	}
	if got.PublishHandles[models.PlatformTiktok] != "pub-1" {
		t.Fatalf("handles = %v", got.PublishHandles)
	}
	if !f.store.Exists(post.MediaURL) {
		t.Fatal("blob deleted while the platform was still pulling it")
	}

	f.now = f.now.Add(time.Minute)
	if _, err := f.sched.Tick(context.Background()); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	got = f.get(t, post.ID)
	if got.Status != models.PostStatusPublished || got.PlatformPostIDs[models.PlatformTiktok] != "7301" {
		t.Fatalf("post = %+v", got)
	}
	if len(got.PublishHandles) != 0 {
		t.Fatalf("handles not cleared: %v", got.PublishHandles)
	}
	if f.store.Exists(post.MediaURL) {
		t.Fatal("blob should be deleted after publish")
	}
	if len(tt.handles) != 2 || tt.handles[0] != "" || tt.handles[1] != "pub-1" {
		t.Fatalf("handles passed to publisher = %q", tt.handles)
	}
}
