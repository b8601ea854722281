package models

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

type PostStatus string

const (
	PostStatusDraft     PostStatus = "draft"
	PostStatusScheduled PostStatus = "scheduled"
	PostStatusPublished PostStatus = "published"
	PostStatusFailed    PostStatus = "failed"
)

// IsTerminal reports whether no further automatic transition happens from s.
func (s PostStatus) IsTerminal() bool {
	return s == PostStatusPublished || s == PostStatusFailed
}

func ParsePostStatus(v string) (PostStatus, error) {
	switch s := PostStatus(strings.ToLower(strings.TrimSpace(v))); s {
	case PostStatusDraft, PostStatusScheduled, PostStatusPublished, PostStatusFailed:
		return s, nil
	}
	return "", NewInvalidRequest(fmt.Sprintf("unknown status: %s", v))
}

type PostType string

const (
	PostTypePost  PostType = "post"
	PostTypeStory PostType = "story"
	PostTypeReel  PostType = "reel"
)

// ParsePostType treats an empty value as a regular feed post.
func ParsePostType(v string) (PostType, error) {
	switch t := PostType(strings.ToLower(strings.TrimSpace(v))); t {
	case "":
		return PostTypePost, nil
	case PostTypePost, PostTypeStory, PostTypeReel:
		return t, nil
	}
	return "", NewUnsupportedPostType(v)
}

type Post struct {
	ID              string              `db:"id" json:"id"`
	UserID          int64               `db:"user_id" json:"owner_id"`
	Content         string              `db:"content" json:"content"`
	MediaURL        string              `db:"media_url" json:"media_url,omitempty"`
	MediaType       string              `db:"media_type" json:"media_type,omitempty"`
	Platforms       PlatformSet         `db:"platforms" json:"platforms"`
	PostType        PostType            `db:"post_type" json:"post_type"`
	Status          PostStatus          `db:"status" json:"status"`
	ScheduledFor    *time.Time          `db:"scheduled_for" json:"scheduled_for,omitempty"`
	PublishedAt     *time.Time          `db:"published_at" json:"published_at,omitempty"`
	PlatformPostIDs map[Platform]string `db:"platform_post_ids" json:"platform_post_ids,omitempty"`
	// PublishHandles holds platform-side handles of publishes that were
	// accepted but not finished yet (TikTok publish ids, Instagram containers).
	PublishHandles map[Platform]string `db:"publish_handles" json:"publish_handles,omitempty"`
	FailureKind    ErrorKind           `db:"failure_kind" json:"failure_kind,omitempty"`
	FailureReason  string              `db:"failure_reason" json:"failure_reason,omitempty"`
	Attempts       int                 `db:"attempts" json:"attempts"`
	LastError      string              `db:"last_error" json:"last_error,omitempty"`
	ClaimToken     string              `db:"claim_token" json:"-"`
	ClaimExpiresAt *time.Time          `db:"claim_expires_at" json:"-"`
	MediaDeletedAt *time.Time          `db:"media_deleted_at" json:"media_deleted_at,omitempty"`
	CreatedAt      time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time           `db:"updated_at" json:"updated_at"`
}

// PendingPlatforms returns the targets that have no external post id yet.
func (p *Post) PendingPlatforms() []Platform {
	var pending []Platform
	for _, platform := range p.Platforms {
		if p.PlatformPostIDs[platform] == "" {
			pending = append(pending, platform)
		}
	}
	return pending
}

// HasVideo reports whether the attached media is a video.
func (p *Post) HasVideo() bool {
	return IsVideoMedia(p.MediaType)
}

func IsVideoMedia(contentType string) bool {
	return strings.HasPrefix(contentType, "video/")
}

// IsDue reports whether a scheduled post should be reconciled at now.
func (p *Post) IsDue(now time.Time) bool {
	return p.Status == PostStatusScheduled && p.ScheduledFor != nil && !p.ScheduledFor.After(now)
}

// Clone returns a deep copy so stores never hand out shared state.
func (p *Post) Clone() *Post {
	c := *p
	c.Platforms = slices.Clone(p.Platforms)
	c.PlatformPostIDs = cloneIDs(p.PlatformPostIDs)
	c.PublishHandles = cloneIDs(p.PublishHandles)
	c.ScheduledFor = cloneTime(p.ScheduledFor)
	c.PublishedAt = cloneTime(p.PublishedAt)
	c.ClaimExpiresAt = cloneTime(p.ClaimExpiresAt)
	c.MediaDeletedAt = cloneTime(p.MediaDeletedAt)
	return &c
}

func cloneIDs(ids map[Platform]string) map[Platform]string {
	if ids == nil {
		return nil
	}
	c := make(map[Platform]string, len(ids))
	for k, v := range ids {
		c[k] = v
	}
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// PostPatch is a partial update. Nil fields are left unchanged.
type PostPatch struct {
	Status          *PostStatus
	PublishedAt     *time.Time
	PlatformPostIDs map[Platform]string
	PublishHandles  map[Platform]string
	FailureKind     *ErrorKind
	FailureReason   *string
	Attempts        *int
	LastError       *string
	// ClearClaim drops claim_token and claim_expires_at.
	ClearClaim     bool
	ClaimToken     *string
	ClaimExpiresAt *time.Time
	MediaDeletedAt *time.Time
}

// Apply mutates p in place with the non-nil fields of the patch.
func (patch PostPatch) Apply(p *Post, now time.Time) {
	if patch.Status != nil {
		p.Status = *patch.Status
	}
	if patch.PublishedAt != nil {
		p.PublishedAt = cloneTime(patch.PublishedAt)
	}
	if patch.PlatformPostIDs != nil {
		p.PlatformPostIDs = cloneIDs(patch.PlatformPostIDs)
	}
	if patch.PublishHandles != nil {
		p.PublishHandles = cloneIDs(patch.PublishHandles)
	}
	if patch.FailureKind != nil {
		p.FailureKind = *patch.FailureKind
	}
	if patch.FailureReason != nil {
		p.FailureReason = *patch.FailureReason
	}
	if patch.Attempts != nil {
		p.Attempts = *patch.Attempts
	}
	if patch.LastError != nil {
		p.LastError = *patch.LastError
	}
	if patch.ClearClaim {
		p.ClaimToken = ""
		p.ClaimExpiresAt = nil
	}
	if patch.ClaimToken != nil {
		p.ClaimToken = *patch.ClaimToken
	}
	if patch.ClaimExpiresAt != nil {
		p.ClaimExpiresAt = cloneTime(patch.ClaimExpiresAt)
	}
	if patch.MediaDeletedAt != nil {
		p.MediaDeletedAt = cloneTime(patch.MediaDeletedAt)
	}
	p.UpdatedAt = now
}

// PostCondition guards a conditional update. Zero fields are not checked.
type PostCondition struct {
	Status PostStatus
	// ClaimToken must equal the stored claim.
	ClaimToken string
	// ClaimFreeAt requires no claim, or a claim whose lease expired before it.
	ClaimFreeAt *time.Time
}

// Matches evaluates the condition against the current record.
func (c PostCondition) Matches(p *Post) bool {
	if c.Status != "" && p.Status != c.Status {
		return false
	}
	if c.ClaimToken != "" && p.ClaimToken != c.ClaimToken {
		return false
	}
	if c.ClaimFreeAt != nil && p.ClaimToken != "" {
		if p.ClaimExpiresAt != nil && p.ClaimExpiresAt.Before(*c.ClaimFreeAt) {
			return true
		}
		return false
	}
	return true
}

type PostFilter struct {
	UserID   int64
	Status   PostStatus
	Platform Platform
	// OrderByScheduled sorts by scheduled_for ascending instead of newest first.
	OrderByScheduled bool
	Limit            int
}

// Matches reports whether p satisfies every set field of the filter.
func (f PostFilter) Matches(p *Post) bool {
	if f.UserID != 0 && p.UserID != f.UserID {
		return false
	}
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.Platform != "" && !p.Platforms.Contains(f.Platform) {
		return false
	}
	return true
}

func StatusPtr(s PostStatus) *PostStatus { return &s }
func KindPtr(k ErrorKind) *ErrorKind     { return &k }
func StringPtr(s string) *string         { return &s }
func TimePtr(t time.Time) *time.Time     { return &t }
