package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository"
)

// Session is an authenticated handle for one (user, platform) pair.
type Session struct {
	UserID      int64
	Platform    models.Platform
	AccountID   string
	AccessToken string
	ExpiresAt   time.Time
}

var errNoRefresher = errors.New("platform has no refresher")

// SessionManager turns stored tokens into sessions, refreshing tokens that
// are about to expire.
type SessionManager struct {
	tokens   repository.TokenRepository
	registry *Registry
	now      func() time.Time
	// skew is how early before expiry a token is refreshed.
	skew time.Duration
}

func NewSessionManager(tokens repository.TokenRepository, registry *Registry) *SessionManager {
	return &SessionManager{tokens: tokens, registry: registry, now: time.Now, skew: 5 * time.Minute}
}

// Acquire returns a usable session. A missing token is AccountNotConnected;
// an expired token that cannot be refreshed is AuthExpired.
func (m *SessionManager) Acquire(ctx context.Context, userID int64, platform models.Platform) (*Session, error) {
	token, err := m.tokens.Get(ctx, userID, platform)
	if err != nil {
		if models.IsKind(err, models.KindNotFound) {
			return nil, models.NewAccountNotConnected(platform)
		}
		slog.Warn("failed to load token", "user_id", userID, "platform", platform, "error", err)
		return nil, models.NewTransient(platform, fmt.Errorf("load token: %w", err))
	}

	now := m.now()
	if token.ExpiresWithin(now, m.skew) {
		expired := token.ExpiresWithin(now, 0)
		refreshed, err := m.RefreshToken(ctx, token)
		switch {
		case err == nil:
			token = refreshed
		case errors.Is(err, errNoRefresher):
			if expired {
				return nil, models.NewAuthExpired(platform, errors.New("token expired"))
			}
		case !expired && models.IsRetryable(err):
			slog.Warn("token refresh failed, using current token",
				"user_id", userID, "platform", platform, "error", err)
		default:
			return nil, err
		}
	}

	return &Session{
		UserID:      userID,
		Platform:    platform,
		AccountID:   token.AccountID,
		AccessToken: token.AccessToken,
		ExpiresAt:   token.ExpiresAt,
	}, nil
}

// RefreshToken refreshes token through its platform refresher and stores
// the result.
func (m *SessionManager) RefreshToken(ctx context.Context, token *models.OAuthToken) (*models.OAuthToken, error) {
	refresher, ok := m.registry.Refresher(token.Platform)
	if !ok {
		return nil, errNoRefresher
	}

	refreshed, err := refresher.Refresh(ctx, token)
	if err != nil {
		return nil, err
	}
	refreshed.UserID = token.UserID
	refreshed.Platform = token.Platform
	if refreshed.AccountID == "" {
		refreshed.AccountID = token.AccountID
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = token.RefreshToken
	}

	if err := m.tokens.Upsert(ctx, refreshed); err != nil {
		return nil, models.NewTransient(token.Platform, fmt.Errorf("store refreshed token: %w", err))
	}
	return refreshed, nil
}

// CanRefresh reports whether token can be refreshed in the background.
// Most platforms need a refresh token; a refresher that renews the access
// token itself says so through RefreshesAccessToken.
func (m *SessionManager) CanRefresh(token *models.OAuthToken) bool {
	refresher, ok := m.registry.Refresher(token.Platform)
	if !ok {
		return false
	}
	if r, ok := refresher.(interface{ RefreshesAccessToken() bool }); ok && r.RefreshesAccessToken() {
		return true
	}
	return token.RefreshToken != ""
}

// NewPool starts a session scope for one reconciliation tick.
func (m *SessionManager) NewPool() *SessionPool {
	return &SessionPool{manager: m, entries: make(map[sessionKey]*poolEntry)}
}

type sessionKey struct {
	userID   int64
	platform models.Platform
}

type poolEntry struct {
	once    sync.Once
	session *Session
	err     error
}

// SessionPool acquires each (user, platform) session at most once and
// shares it, or its error, with every post in the tick.
type SessionPool struct {
	manager *SessionManager
	mu      sync.Mutex
	entries map[sessionKey]*poolEntry
}

func (p *SessionPool) Acquire(ctx context.Context, userID int64, platform models.Platform) (*Session, error) {
	key := sessionKey{userID, platform}

	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok {
		e = &poolEntry{}
		p.entries[key] = e
	}
	p.mu.Unlock()

	e.once.Do(func() {
		e.session, e.err = p.manager.Acquire(ctx, userID, platform)
	})
	return e.session, e.err
}

// Invalidate records that the platform rejected the session, so later posts
// in the tick fail fast with the same error.
func (p *SessionPool) Invalidate(userID int64, platform models.Platform, err error) {
	e := &poolEntry{err: err}
	e.once.Do(func() {})

	p.mu.Lock()
	p.entries[sessionKey{userID, platform}] = e
	p.mu.Unlock()
}

// Release drops every cached session and credential.
func (p *SessionPool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, e := range p.entries {
		if e.session != nil {
			e.session.AccessToken = ""
		}
		delete(p.entries, key)
	}
}
