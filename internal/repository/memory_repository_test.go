package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
)

func scheduledPost(at time.Time) *models.Post {
	return &models.Post{
		UserID:       1,
		Content:      "hello",
		MediaURL:     "https://cdn.example.com/a.jpg",
		Platforms:    models.PlatformSet{models.PlatformInstagram},
		PostType:     models.PostTypePost,
		Status:       models.PostStatusScheduled,
		ScheduledFor: &at,
	}
}

func TestMemoryFindDueReturnsExactlyDueSet(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryPostRepository()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	past, _ := repo.Create(ctx, scheduledPost(now.Add(-time.Hour)))
	exact, _ := repo.Create(ctx, scheduledPost(now))
	if _, err := repo.Create(ctx, scheduledPost(now.Add(time.Second))); err != nil {
		t.Fatalf("create future: %v", err)
	}
	published := scheduledPost(now.Add(-2 * time.Hour))
	published.Status = models.PostStatusPublished
	if _, err := repo.Create(ctx, published); err != nil {
		t.Fatalf("create published: %v", err)
	}

	due, err := repo.FindDue(ctx, now, 0)
	if err != nil {
		t.Fatalf("find due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %d posts, want 2", len(due))
	}
	if due[0].ID != past.ID || due[1].ID != exact.ID {
		t.Fatalf("due order = %s,%s", due[0].ID, due[1].ID)
	}
}

func TestMemoryCompareAndUpdateConflict(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryPostRepository()
	post, _ := repo.Create(ctx, scheduledPost(time.Now()))

	_, err := repo.CompareAndUpdate(ctx, post.ID,
		models.PostCondition{Status: models.PostStatusDraft},
		models.PostPatch{Status: models.StatusPtr(models.PostStatusPublished)})
	if !models.IsKind(err, models.KindConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}

	_, err = repo.CompareAndUpdate(ctx, "missing", models.PostCondition{}, models.PostPatch{})
	if !models.IsKind(err, models.KindNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestMemoryClaimHasSingleWinner(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryPostRepository()
	now := time.Now()
	post, _ := repo.Create(ctx, scheduledPost(now.Add(-time.Minute)))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token := string(rune('a' + i))
			_, err := repo.CompareAndUpdate(ctx, post.ID,
				models.PostCondition{Status: models.PostStatusScheduled, ClaimFreeAt: &now},
				models.PostPatch{ClaimToken: &token, ClaimExpiresAt: models.TimePtr(now.Add(time.Minute))})
			if err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("claims won = %d, want 1", wins.Load())
	}
}

func TestMemoryExpiredClaimCanBeTaken(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryPostRepository()
	now := time.Now()
	post, _ := repo.Create(ctx, scheduledPost(now.Add(-time.Minute)))

	stale := now.Add(-time.Second)
	if _, err := repo.Update(ctx, post.ID, models.PostPatch{
		ClaimToken:     models.StringPtr("old"),
		ClaimExpiresAt: &stale,
	}); err != nil {
		t.Fatalf("seed claim: %v", err)
	}

	got, err := repo.CompareAndUpdate(ctx, post.ID,
		models.PostCondition{Status: models.PostStatusScheduled, ClaimFreeAt: &now},
		models.PostPatch{ClaimToken: models.StringPtr("new")})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got.ClaimToken != "new" {
		t.Fatalf("claim token = %q", got.ClaimToken)
	}
}

func TestMemoryPendingMediaCleanup(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryPostRepository()

	failed := scheduledPost(time.Now())
	failed.Status = models.PostStatusFailed
	failedPost, _ := repo.Create(ctx, failed)

	cleaned := scheduledPost(time.Now())
	cleaned.Status = models.PostStatusPublished
	cleaned.MediaDeletedAt = models.TimePtr(time.Now())
	repo.Create(ctx, cleaned)

	repo.Create(ctx, scheduledPost(time.Now()))

	pending, err := repo.ListPendingMediaCleanup(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != failedPost.ID {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryPostRepository()
	post, _ := repo.Create(ctx, scheduledPost(time.Now()))

	post.Content = "mutated"
	got, _ := repo.GetByID(ctx, post.ID)
	if got.Content != "hello" {
		t.Fatalf("stored content changed to %q", got.Content)
	}
}

func TestMemoryTokenUpsertKeepsRefreshToken(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryTokenRepository()

	err := repo.Upsert(ctx, &models.OAuthToken{
		UserID: 7, Platform: models.PlatformTiktok, AccountID: "acc",
		AccessToken: "a1", RefreshToken: "r1",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := repo.Upsert(ctx, &models.OAuthToken{UserID: 7, Platform: models.PlatformTiktok, AccessToken: "a2"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := repo.Get(ctx, 7, models.PlatformTiktok)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccessToken != "a2" || got.RefreshToken != "r1" || got.AccountID != "acc" {
		t.Fatalf("token = %+v", got)
	}

	if _, err := repo.Get(ctx, 7, models.PlatformYoutube); !models.IsKind(err, models.KindNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestMemoryTokenListExpiring(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryTokenRepository()
	now := time.Now()

	repo.Upsert(ctx, &models.OAuthToken{UserID: 1, Platform: models.PlatformInstagram, AccessToken: "x", ExpiresAt: now.Add(time.Minute)})
	repo.Upsert(ctx, &models.OAuthToken{UserID: 1, Platform: models.PlatformTiktok, AccessToken: "y", ExpiresAt: now.Add(time.Hour)})
	repo.Upsert(ctx, &models.OAuthToken{UserID: 2, Platform: models.PlatformInstagram, AccessToken: "z"})

	expiring, err := repo.ListExpiring(ctx, now.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(expiring) != 1 || expiring[0].Platform != models.PlatformInstagram {
		t.Fatalf("expiring = %+v", expiring)
	}
}
