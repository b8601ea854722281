// Package platform talks to the external social platforms. Every
// publisher translates platform error shapes into models.ErrorKind so
// callers never inspect a platform response.
package platform

import (
	"context"
	"fmt"

	"github.com/maheshrc27/postflow/internal/models"
)

// Request describes one post to deliver to one platform.
type Request struct {
	PostID    string
	Caption   string
	MediaURL  string
	MediaType string
	PostType  models.PostType
	// Handle resumes a publish a previous attempt left in progress.
	Handle string
}

func RequestFor(post *models.Post) Request {
	return Request{
		PostID:    post.ID,
		Caption:   post.Content,
		MediaURL:  post.MediaURL,
		MediaType: post.MediaType,
		PostType:  post.PostType,
	}
}

func (r Request) isVideo() bool {
	return models.IsVideoMedia(r.MediaType)
}

// Publisher delivers a post and returns the platform's id for it. A publish
// the platform accepted but has not finished fails with a retryable error
// carrying its handle (models.HandleOf); the caller passes it back in
// Request.Handle on the next attempt.
type Publisher interface {
	Platform() models.Platform
	Publish(ctx context.Context, session *Session, req Request) (string, error)
}

// Refresher exchanges a token's refresh credential for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, token *models.OAuthToken) (*models.OAuthToken, error)
}

// Registry resolves the publisher and refresher for a platform.
type Registry struct {
	publishers map[models.Platform]Publisher
	refreshers map[models.Platform]Refresher
}

func NewRegistry() *Registry {
	return &Registry{
		publishers: make(map[models.Platform]Publisher),
		refreshers: make(map[models.Platform]Refresher),
	}
}

func (r *Registry) Register(p Publisher, refresher Refresher) {
	r.publishers[p.Platform()] = p
	if refresher != nil {
		r.refreshers[p.Platform()] = refresher
	}
}

func (r *Registry) Publisher(p models.Platform) (Publisher, error) {
	pub, ok := r.publishers[p]
	if !ok {
		return nil, models.NewInternal(fmt.Errorf("no publisher registered for %s", p))
	}
	return pub, nil
}

func (r *Registry) Refresher(p models.Platform) (Refresher, bool) {
	ref, ok := r.refreshers[p]
	return ref, ok
}
