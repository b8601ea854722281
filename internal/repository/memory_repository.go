package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maheshrc27/postflow/internal/models"
)

// MemoryPostRepository keeps posts in a map guarded by a mutex. It honours
// the same conditional update contract as the postgres store, so the
// scheduler behaves identically against either.
type MemoryPostRepository struct {
	mu    sync.Mutex
	posts map[string]*models.Post
	now   func() time.Time
}

func NewMemoryPostRepository() *MemoryPostRepository {
	return &MemoryPostRepository{posts: make(map[string]*models.Post), now: time.Now}
}

func (r *MemoryPostRepository) Create(_ context.Context, post *models.Post) (*models.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := post.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if _, exists := r.posts[stored.ID]; exists {
		return nil, models.NewConflict("post already exists")
	}
	now := r.now()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.posts[stored.ID] = stored
	return stored.Clone(), nil
}

func (r *MemoryPostRepository) GetByID(_ context.Context, id string) (*models.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	post, ok := r.posts[id]
	if !ok {
		return nil, models.NewNotFound("post")
	}
	return post.Clone(), nil
}

func (r *MemoryPostRepository) Update(ctx context.Context, id string, patch models.PostPatch) (*models.Post, error) {
	return r.CompareAndUpdate(ctx, id, models.PostCondition{}, patch)
}

func (r *MemoryPostRepository) CompareAndUpdate(_ context.Context, id string, cond models.PostCondition, patch models.PostPatch) (*models.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	post, ok := r.posts[id]
	if !ok {
		return nil, models.NewNotFound("post")
	}
	if !cond.Matches(post) {
		return nil, models.NewConflict("post changed concurrently")
	}
	patch.Apply(post, r.now())
	return post.Clone(), nil
}

func (r *MemoryPostRepository) FindDue(_ context.Context, now time.Time, limit int) ([]*models.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*models.Post
	for _, post := range r.posts {
		if post.IsDue(now) {
			due = append(due, post.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].ScheduledFor.Before(*due[j].ScheduledFor)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *MemoryPostRepository) List(_ context.Context, filter models.PostFilter) ([]*models.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var posts []*models.Post
	for _, post := range r.posts {
		if filter.Matches(post) {
			posts = append(posts, post.Clone())
		}
	}
	if filter.OrderByScheduled {
		sort.Slice(posts, func(i, j int) bool {
			a, b := posts[i].ScheduledFor, posts[j].ScheduledFor
			switch {
			case a == nil && b == nil:
				return posts[i].CreatedAt.Before(posts[j].CreatedAt)
			case a == nil:
				return false
			case b == nil:
				return true
			}
			return a.Before(*b)
		})
	} else {
		sort.Slice(posts, func(i, j int) bool {
			return posts[i].CreatedAt.After(posts[j].CreatedAt)
		})
	}
	if filter.Limit > 0 && len(posts) > filter.Limit {
		posts = posts[:filter.Limit]
	}
	return posts, nil
}

func (r *MemoryPostRepository) ListPendingMediaCleanup(_ context.Context, limit int) ([]*models.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var posts []*models.Post
	for _, post := range r.posts {
		if post.Status.IsTerminal() && post.MediaURL != "" && post.MediaDeletedAt == nil {
			posts = append(posts, post.Clone())
		}
	}
	sort.Slice(posts, func(i, j int) bool {
		return posts[i].UpdatedAt.Before(posts[j].UpdatedAt)
	})
	if limit > 0 && len(posts) > limit {
		posts = posts[:limit]
	}
	return posts, nil
}

func (r *MemoryPostRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.posts[id]; !ok {
		return models.NewNotFound("post")
	}
	delete(r.posts, id)
	return nil
}

type tokenKey struct {
	userID   int64
	platform models.Platform
}

// MemoryTokenRepository stores tokens in plaintext; it never leaves the process.
type MemoryTokenRepository struct {
	mu     sync.Mutex
	tokens map[tokenKey]*models.OAuthToken
	now    func() time.Time
}

func NewMemoryTokenRepository() *MemoryTokenRepository {
	return &MemoryTokenRepository{tokens: make(map[tokenKey]*models.OAuthToken), now: time.Now}
}

func (r *MemoryTokenRepository) Get(_ context.Context, userID int64, platform models.Platform) (*models.OAuthToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.tokens[tokenKey{userID, platform}]
	if !ok {
		return nil, models.NewNotFound("token")
	}
	c := *token
	return &c, nil
}

func (r *MemoryTokenRepository) Upsert(_ context.Context, token *models.OAuthToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := tokenKey{token.UserID, token.Platform}
	now := r.now()
	stored := *token
	if existing, ok := r.tokens[key]; ok {
		stored.CreatedAt = existing.CreatedAt
		if stored.AccountID == "" {
			stored.AccountID = existing.AccountID
		}
		if stored.AccountName == "" {
			stored.AccountName = existing.AccountName
		}
		if stored.RefreshToken == "" {
			stored.RefreshToken = existing.RefreshToken
		}
	} else {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	r.tokens[key] = &stored
	return nil
}

func (r *MemoryTokenRepository) Remove(_ context.Context, userID int64, platform models.Platform) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := tokenKey{userID, platform}
	if _, ok := r.tokens[key]; !ok {
		return models.NewNotFound("token")
	}
	delete(r.tokens, key)
	return nil
}

func (r *MemoryTokenRepository) ListByUser(_ context.Context, userID int64) ([]*models.OAuthToken, error) {
	return r.filter(func(t *models.OAuthToken) bool { return t.UserID == userID }), nil
}

func (r *MemoryTokenRepository) ListExpiring(_ context.Context, cutoff time.Time) ([]*models.OAuthToken, error) {
	return r.filter(func(t *models.OAuthToken) bool {
		return !t.ExpiresAt.IsZero() && !t.ExpiresAt.After(cutoff)
	}), nil
}

func (r *MemoryTokenRepository) filter(keep func(*models.OAuthToken) bool) []*models.OAuthToken {
	r.mu.Lock()
	defer r.mu.Unlock()

	var tokens []*models.OAuthToken
	for _, token := range r.tokens {
		if keep(token) {
			c := *token
			tokens = append(tokens, &c)
		}
	}
	sort.Slice(tokens, func(i, j int) bool {
		if tokens[i].UserID != tokens[j].UserID {
			return tokens[i].UserID < tokens[j].UserID
		}
		return tokens[i].Platform < tokens[j].Platform
	})
	return tokens
}

type MemoryAttemptRepository struct {
	mu       sync.Mutex
	attempts []*models.PublishAttempt
	now      func() time.Time
}

func NewMemoryAttemptRepository() *MemoryAttemptRepository {
	return &MemoryAttemptRepository{now: time.Now}
}

func (r *MemoryAttemptRepository) Create(_ context.Context, a *models.PublishAttempt) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *a
	stored.ID = int64(len(r.attempts) + 1)
	stored.CreatedAt = r.now()
	r.attempts = append(r.attempts, &stored)
	return stored.ID, nil
}

func (r *MemoryAttemptRepository) ListByPost(_ context.Context, postID string) ([]*models.PublishAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.PublishAttempt
	for _, a := range r.attempts {
		if a.PostID == postID {
			c := *a
			out = append(out, &c)
		}
	}
	return out, nil
}

var (
	_ PostRepository    = (*MemoryPostRepository)(nil)
	_ TokenRepository   = (*MemoryTokenRepository)(nil)
	_ AttemptRepository = (*MemoryAttemptRepository)(nil)
)
