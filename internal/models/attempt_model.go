package models

import "time"

type AttemptOutcome string

const (
	AttemptSucceeded AttemptOutcome = "succeeded"
	AttemptFailed    AttemptOutcome = "failed"
	AttemptRetrying  AttemptOutcome = "retrying"
)

// PublishAttempt is one platform call made for a post, kept for audit.
type PublishAttempt struct {
	ID             int64          `db:"id" json:"id"`
	PostID         string         `db:"post_id" json:"post_id"`
	UserID         int64          `db:"user_id" json:"owner_id"`
	Platform       Platform       `db:"platform" json:"platform"`
	Outcome        AttemptOutcome `db:"outcome" json:"outcome"`
	ErrorKind      ErrorKind      `db:"error_kind" json:"error_kind,omitempty"`
	ErrorMessage   string         `db:"error_message" json:"error_message,omitempty"`
	PlatformPostID string         `db:"platform_post_id" json:"platform_post_id,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}
