package job

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/maheshrc27/postflow/internal/metrics"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository"
)

// TokenRefresher refreshes and stores one token. platform.SessionManager
// implements it.
type TokenRefresher interface {
	CanRefresh(token *models.OAuthToken) bool
	RefreshToken(ctx context.Context, token *models.OAuthToken) (*models.OAuthToken, error)
}

type TokenRefreshJob struct {
	tokens    repository.TokenRepository
	refresher TokenRefresher
	metrics   metrics.Recorder
	window    time.Duration
	limit     int
	now       func() time.Time
}

func NewTokenRefreshJob(tokens repository.TokenRepository, refresher TokenRefresher, rec metrics.Recorder) *TokenRefreshJob {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &TokenRefreshJob{
		tokens:    tokens,
		refresher: refresher,
		metrics:   rec,
		window:    30 * time.Minute,
		limit:     10,
		now:       time.Now,
	}
}

// RefreshTokens refreshes every token that expires within the next 30
// minutes and returns how many were refreshed.
func (c *TokenRefreshJob) RefreshTokens(ctx context.Context) int {
	cutoff := c.now().Add(c.window)

	tokens, err := c.tokens.ListExpiring(ctx, cutoff)
	if err != nil {
		slog.Info(err.Error())
		return 0
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		refreshed int
	)
	semaphore := make(chan struct{}, c.limit)

	for _, token := range tokens {
		if !c.refresher.CanRefresh(token) {
			continue
		}

		wg.Add(1)
		semaphore <- struct{}{}

		go func(token *models.OAuthToken) {
			defer wg.Done()
			defer func() { <-semaphore }()

			_, err := c.refresher.RefreshToken(ctx, token)
			c.metrics.RecordTokenRefresh(string(token.Platform), err == nil)
			if err != nil {
				slog.Info("unable to refresh token",
					"user_id", token.UserID,
					"platform", token.Platform,
					"kind", models.KindOf(err),
					"error", err,
				)
				return
			}

			mu.Lock()
			refreshed++
			mu.Unlock()
		}(token)
	}

	wg.Wait()
	if refreshed > 0 {
		slog.Info("tokens refreshed", "count", refreshed, "expiring", len(tokens))
	}
	return refreshed
}
