package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/transfer"
)

// Graph API codes that mean the token or its permissions are gone.
var instagramAuthCodes = map[int]struct{}{
	10: {}, 102: {}, 190: {},
}

var instagramTransientCodes = map[int]struct{}{
	1: {}, 2: {}, 4: {}, 17: {}, 32: {}, 341: {}, 613: {}, 9007: {},
}

var instagramMediaCodes = map[int]struct{}{
	352: {}, 9004: {}, 36000: {}, 36001: {}, 36003: {}, 36004: {},
}

var instagramMediaSubcodes = map[int]struct{}{
	2207004: {}, 2207005: {}, 2207009: {}, 2207026: {}, 2207052: {},
}

// InstagramPublisher publishes through the Instagram Graph API: a media
// container is created first and then published.
type InstagramPublisher struct {
	client       *http.Client
	baseURL      string
	pollInterval time.Duration
	maxPolls     int
}

func NewInstagramPublisher(cfg config.Instagram, client *http.Client) *InstagramPublisher {
	p := &InstagramPublisher{
		client:       client,
		baseURL:      strings.TrimRight(cfg.GraphURL, "/") + "/" + cfg.APIVersion,
		pollInterval: cfg.PollInterval,
		maxPolls:     cfg.MaxPolls,
	}
	if p.pollInterval <= 0 {
		p.pollInterval = 2 * time.Second
	}
	if p.maxPolls <= 0 {
		p.maxPolls = 30
	}
	return p
}

func (p *InstagramPublisher) Platform() models.Platform { return models.PlatformInstagram }

// Publish creates a container, or resumes req.Handle, and publishes it.
// Retryable failures after the container exists carry the container id so
// the next attempt reuses it.
func (p *InstagramPublisher) Publish(ctx context.Context, s *Session, req Request) (string, error) {
	params, err := containerParams(req)
	if err != nil {
		return "", err
	}

	containerID := req.Handle
	if containerID == "" {
		containerID, err = p.CreateContainer(ctx, s, params)
		if err != nil {
			return "", withPhase(err, models.PhaseContainer)
		}
	}

	if req.isVideo() {
		if err := p.waitForContainer(ctx, s, containerID); err != nil {
			return "", p.phaseTwoFailure(req, containerID, err)
		}
	}

	mediaID, err := p.PublishContainer(ctx, s, containerID)
	if err != nil {
		return "", p.phaseTwoFailure(req, containerID, err)
	}
	return mediaID, nil
}

func (p *InstagramPublisher) phaseTwoFailure(req Request, containerID string, err error) error {
	if models.IsRetryable(err) {
		slog.Warn("instagram container not published yet, will resume",
			"post_id", req.PostID,
			"container_id", containerID,
			"error", err)
		return withHandle(withPhase(err, models.PhasePublish), containerID)
	}
	slog.Error("instagram container created but publish failed",
		"post_id", req.PostID,
		"container_id", containerID,
		"kind", models.KindOf(err),
		"error", err)
	return withPhase(err, models.PhasePublish)
}

// containerParams picks the container payload for the post type.
func containerParams(req Request) (map[string]any, error) {
	params := map[string]any{}
	video := req.isVideo()

	switch req.PostType {
	case models.PostTypePost:
		if video {
			params["media_type"] = "REELS"
			params["video_url"] = req.MediaURL
			params["share_to_feed"] = true
		} else {
			params["image_url"] = req.MediaURL
		}
		params["caption"] = req.Caption
	case models.PostTypeReel:
		if !video {
			return nil, models.NewInvalidMedia(models.PlatformInstagram, "reels require a video")
		}
		params["media_type"] = "REELS"
		params["video_url"] = req.MediaURL
		params["caption"] = req.Caption
	case models.PostTypeStory:
		params["media_type"] = "STORIES"
		if video {
			params["video_url"] = req.MediaURL
		} else {
			params["image_url"] = req.MediaURL
		}
	default:
		return nil, models.NewUnsupportedPostType(string(req.PostType))
	}
	return params, nil
}

// CreateContainer stages media on the platform and returns the container id.
func (p *InstagramPublisher) CreateContainer(ctx context.Context, s *Session, params map[string]any) (string, error) {
	payload := make(map[string]any, len(params)+1)
	for k, v := range params {
		payload[k] = v
	}
	payload["access_token"] = s.AccessToken

	resp, err := doJSON(ctx, p.client, models.PlatformInstagram, http.MethodPost,
		fmt.Sprintf("%s/%s/media", p.baseURL, s.AccountID), payload, nil)
	if err != nil {
		return "", err
	}
	if !resp.ok() {
		return "", classifyInstagram(resp)
	}

	var result transfer.InstagramContainerResponse
	if err := json.Unmarshal(resp.body, &result); err != nil || result.ID == "" {
		return "", models.NewTransient(models.PlatformInstagram, errors.New("no container id returned"))
	}
	return result.ID, nil
}

// PublishContainer finalizes a container and returns the media id.
func (p *InstagramPublisher) PublishContainer(ctx context.Context, s *Session, containerID string) (string, error) {
	payload := map[string]string{
		"creation_id":  containerID,
		"access_token": s.AccessToken,
	}

	resp, err := doJSON(ctx, p.client, models.PlatformInstagram, http.MethodPost,
		fmt.Sprintf("%s/%s/media_publish", p.baseURL, s.AccountID), payload, nil)
	if err != nil {
		return "", err
	}
	if !resp.ok() {
		return "", classifyInstagram(resp)
	}

	var result transfer.InstagramPublishResponse
	if err := json.Unmarshal(resp.body, &result); err != nil || result.ID == "" {
		return "", models.NewPermanentRejection(models.PlatformInstagram, "no media id returned")
	}
	return result.ID, nil
}

// waitForContainer polls a video container until it can be published.
func (p *InstagramPublisher) waitForContainer(ctx context.Context, s *Session, containerID string) error {
	q := url.Values{}
	q.Set("fields", "status_code,status")
	q.Set("access_token", s.AccessToken)
	statusURL := fmt.Sprintf("%s/%s?%s", p.baseURL, containerID, q.Encode())

	for i := 0; i < p.maxPolls; i++ {
		resp, err := doJSON(ctx, p.client, models.PlatformInstagram, http.MethodGet, statusURL, nil, nil)
		if err != nil {
			return err
		}
		if !resp.ok() {
			return classifyInstagram(resp)
		}

		var status transfer.InstagramContainerStatus
		if err := json.Unmarshal(resp.body, &status); err != nil {
			return models.NewTransient(models.PlatformInstagram, fmt.Errorf("decode container status: %w", err))
		}

		switch status.StatusCode {
		case "FINISHED", "PUBLISHED":
			return nil
		case "ERROR":
			return models.NewInvalidMedia(models.PlatformInstagram, "media processing failed: "+status.Status)
		case "EXPIRED":
			return models.NewPermanentRejection(models.PlatformInstagram, "container expired before publish")
		}

		if err := sleepCtx(ctx, p.pollInterval); err != nil {
			break
		}
	}
	return models.NewInProgress(models.PlatformInstagram, containerID)
}

func classifyInstagram(resp apiResponse) error {
	var body transfer.InstagramErrorResponse
	_ = json.Unmarshal(resp.body, &body)
	e := body.Error

	msg := e.ErrorUserMsg
	if msg == "" {
		msg = e.Message
	}
	if msg == "" {
		msg = fmt.Sprintf("unexpected status %d", resp.status)
	}
	cause := fmt.Errorf("graph api %d (code %d/%d): %s", resp.status, e.Code, e.ErrorSubcode, e.Message)

	if _, ok := instagramAuthCodes[e.Code]; ok || resp.status == http.StatusUnauthorized || (e.Code >= 200 && e.Code < 300) {
		return models.NewAuthExpired(models.PlatformInstagram, cause)
	}
	if _, ok := instagramTransientCodes[e.Code]; ok || e.IsTransient || resp.status >= 500 || resp.status == http.StatusTooManyRequests {
		return models.NewTransient(models.PlatformInstagram, cause)
	}
	if _, ok := instagramMediaSubcodes[e.ErrorSubcode]; ok {
		return models.NewInvalidMedia(models.PlatformInstagram, msg)
	}
	if _, ok := instagramMediaCodes[e.Code]; ok {
		return models.NewInvalidMedia(models.PlatformInstagram, msg)
	}
	return models.NewPermanentRejection(models.PlatformInstagram, msg)
}

// withHandle attaches the platform handle of an unfinished publish.
func withHandle(err error, handle string) error {
	var e *models.Error
	if errors.As(err, &e) {
		tagged := *e
		tagged.Handle = handle
		return &tagged
	}
	return err
}

// withPhase tags a classified error with the publish phase it came from.
func withPhase(err error, phase string) error {
	var e *models.Error
	if errors.As(err, &e) {
		tagged := *e
		tagged.Phase = phase
		return &tagged
	}
	return err
}

// InstagramRefresher extends a long-lived token. Instagram refreshes with
// the access token itself.
type InstagramRefresher struct {
	client  *http.Client
	baseURL string
	now     func() time.Time
}

func NewInstagramRefresher(cfg config.Instagram, client *http.Client) *InstagramRefresher {
	return &InstagramRefresher{client: client, baseURL: strings.TrimRight(cfg.GraphURL, "/"), now: time.Now}
}

func (r *InstagramRefresher) RefreshesAccessToken() bool { return true }

func (r *InstagramRefresher) Refresh(ctx context.Context, token *models.OAuthToken) (*models.OAuthToken, error) {
	q := url.Values{}
	q.Set("grant_type", "ig_refresh_token")
	q.Set("access_token", token.AccessToken)

	resp, err := doJSON(ctx, r.client, models.PlatformInstagram, http.MethodGet,
		r.baseURL+"/refresh_access_token?"+q.Encode(), nil, nil)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, classifyInstagram(resp)
	}

	var result transfer.InstagramRefreshResponse
	if err := json.Unmarshal(resp.body, &result); err != nil || result.AccessToken == "" {
		return nil, models.NewTransient(models.PlatformInstagram, errors.New("malformed refresh response"))
	}
	return &models.OAuthToken{
		AccessToken: result.AccessToken,
		ExpiresAt:   r.now().Add(time.Duration(result.ExpiresIn) * time.Second),
	}, nil
}
