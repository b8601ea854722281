package models

import "time"

// OAuthToken is the credential for one (user, platform) pair. At most one
// exists per pair; writes are upserts.
type OAuthToken struct {
	UserID       int64     `db:"user_id" json:"owner_id"`
	Platform     Platform  `db:"platform" json:"platform"`
	AccountID    string    `db:"account_id" json:"account_id"`
	AccountName  string    `db:"account_name" json:"account_name,omitempty"`
	AccessToken  string    `db:"access_token" json:"-"`
	RefreshToken string    `db:"refresh_token" json:"-"`
	ExpiresAt    time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// ExpiresWithin reports whether the token is expired or will be within d.
// A zero ExpiresAt means the platform issued a non-expiring token.
func (t *OAuthToken) ExpiresWithin(now time.Time, d time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !t.ExpiresAt.After(now.Add(d))
}
