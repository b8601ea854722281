package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/transfer"
)

var tiktokAuthCodes = map[string]struct{}{
	"access_token_invalid":                          {},
	"scope_not_authorized":                          {},
	"token_not_authorized_for_specified_deployment": {},
}

var tiktokTransientCodes = map[string]struct{}{
	"rate_limit_exceeded":              {},
	"spam_risk_too_many_pending_share": {},
	"internal_error":                   {},
}

var tiktokMediaCodes = map[string]struct{}{
	"url_ownership_unverified":    {},
	"invalid_file_upload":         {},
	"file_format_check_failed":    {},
	"picture_size_check_failed":   {},
	"video_duration_check_failed": {},
	"frame_rate_check_failed":     {},
	"duration_check_failed":       {},
	"video_pull_failed":           {},
	"photo_pull_failed":           {},
}

// TiktokPublisher posts through the Content Posting API. TikTok pulls the
// media from its public URL, so the publisher waits until the pull is done
// before reporting success.
type TiktokPublisher struct {
	client       *http.Client
	baseURL      string
	privacyLevel string
	pollInterval time.Duration
	maxPolls     int
}

func NewTiktokPublisher(cfg config.Tiktok, client *http.Client) *TiktokPublisher {
	p := &TiktokPublisher{
		client:       client,
		baseURL:      strings.TrimRight(cfg.APIURL, "/"),
		privacyLevel: cfg.PrivacyLevel,
		pollInterval: cfg.PollInterval,
		maxPolls:     cfg.MaxPolls,
	}
	if p.pollInterval <= 0 {
		p.pollInterval = 3 * time.Second
	}
	if p.maxPolls <= 0 {
		p.maxPolls = 20
	}
	return p
}

func (p *TiktokPublisher) Platform() models.Platform { return models.PlatformTiktok }

func (p *TiktokPublisher) Publish(ctx context.Context, s *Session, req Request) (string, error) {
	if req.Handle != "" {
		return p.finish(ctx, s, req, req.Handle)
	}

	var (
		endpoint string
		payload  any
	)

	switch req.PostType {
	case models.PostTypePost, models.PostTypeReel:
		if req.isVideo() {
			endpoint = "/v2/post/publish/video/init/"
			payload = transfer.VideoUploadRequest{
				PostInfo: transfer.VideoPostInfo{
					Title:                 req.Caption,
					PrivacyLevel:          p.privacyLevel,
					VideoCoverTimestampMs: 1000,
				},
				SourceInfo: transfer.VideoSourceInfo{
					Source:   "PULL_FROM_URL",
					VideoURL: req.MediaURL,
				},
			}
		} else if req.PostType == models.PostTypeReel {
			return "", models.NewInvalidMedia(models.PlatformTiktok, "reels require a video")
		} else {
			endpoint = "/v2/post/publish/content/init/"
			payload = transfer.PhotoUploadRequest{
				PostInfo: transfer.PhotoPostInfo{
					Title:        req.Caption,
					Description:  req.Caption,
					PrivacyLevel: p.privacyLevel,
					AutoAddMusic: true,
				},
				SourceInfo: transfer.PhotoSourceInfo{
					Source:      "PULL_FROM_URL",
					PhotoImages: []string{req.MediaURL},
				},
				PostMode:  "DIRECT_POST",
				MediaType: "PHOTO",
			}
		}
	default:
		return "", models.NewUnsupportedPostType(string(req.PostType))
	}

	resp, err := doJSON(ctx, p.client, models.PlatformTiktok, http.MethodPost, p.baseURL+endpoint, payload, bearer(s.AccessToken))
	if err != nil {
		return "", withPhase(err, models.PhaseContainer)
	}

	var result transfer.TikTokUploadResponse
	_ = json.Unmarshal(resp.body, &result)
	if !resp.ok() || (result.Error.Code != "" && result.Error.Code != "ok") {
		return "", withPhase(classifyTiktok(resp.status, result.Error.Code, result.Error.Message), models.PhaseContainer)
	}
	if result.Data.PublishID == "" {
		return "", withPhase(models.NewTransient(models.PlatformTiktok, errors.New("no publish id returned")), models.PhaseContainer)
	}

	return p.finish(ctx, s, req, result.Data.PublishID)
}

// finish waits for an initiated publish. A publish that is still running is
// reported as in progress with its publish id, so it is resumed rather than
// initiated twice and the media stays in place while TikTok pulls it.
func (p *TiktokPublisher) finish(ctx context.Context, s *Session, req Request, publishID string) (string, error) {
	id, err := p.waitForPublish(ctx, s, publishID)
	if err == nil {
		return id, nil
	}
	if models.IsRetryable(err) {
		slog.Warn("tiktok publish still running, will check again",
			"post_id", req.PostID,
			"publish_id", publishID,
			"error", err)
		return "", withHandle(withPhase(err, models.PhasePublish), publishID)
	}
	slog.Error("tiktok publish accepted but not completed",
		"post_id", req.PostID,
		"publish_id", publishID,
		"kind", models.KindOf(err),
		"error", err)
	return "", withPhase(err, models.PhasePublish)
}

// waitForPublish polls the publish status until TikTok has pulled the media
// or the poll budget runs out.
func (p *TiktokPublisher) waitForPublish(ctx context.Context, s *Session, publishID string) (string, error) {
	for i := 0; i < p.maxPolls; i++ {
		resp, err := doJSON(ctx, p.client, models.PlatformTiktok, http.MethodPost,
			p.baseURL+"/v2/post/publish/status/fetch/",
			transfer.TiktokStatusRequest{PublishID: publishID}, bearer(s.AccessToken))
		if err != nil {
			return "", err
		}

		var status transfer.TiktokStatusResponse
		_ = json.Unmarshal(resp.body, &status)
		if !resp.ok() || (status.Error.Code != "" && status.Error.Code != "ok") {
			return "", classifyTiktok(resp.status, status.Error.Code, status.Error.Message)
		}

		switch status.Data.Status {
		case "PUBLISH_COMPLETE":
			if len(status.Data.PubliclyAvailablePostID) > 0 {
				return strconv.FormatInt(status.Data.PubliclyAvailablePostID[0], 10), nil
			}
			return publishID, nil
		case "SEND_TO_USER_INBOX":
			return publishID, nil
		case "FAILED":
			return "", classifyTiktok(http.StatusOK, status.Data.FailReason, status.Data.FailReason)
		}

		if err := sleepCtx(ctx, p.pollInterval); err != nil {
			break
		}
	}
	return "", models.NewInProgress(models.PlatformTiktok, publishID)
}

func classifyTiktok(status int, code, message string) error {
	if message == "" {
		message = fmt.Sprintf("unexpected status %d", status)
	}
	cause := fmt.Errorf("tiktok %d (%s): %s", status, code, message)

	if _, ok := tiktokAuthCodes[code]; ok || status == http.StatusUnauthorized || code == "auth_removed" {
		return models.NewAuthExpired(models.PlatformTiktok, cause)
	}
	if _, ok := tiktokTransientCodes[code]; ok || status >= 500 || status == http.StatusTooManyRequests {
		return models.NewTransient(models.PlatformTiktok, cause)
	}
	if _, ok := tiktokMediaCodes[code]; ok {
		return models.NewInvalidMedia(models.PlatformTiktok, message)
	}
	return models.NewPermanentRejection(models.PlatformTiktok, message)
}

func bearer(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}

// TiktokRefresher uses the refresh_token grant.
type TiktokRefresher struct {
	client       *http.Client
	tokenURL     string
	clientKey    string
	clientSecret string
	now          func() time.Time
}

func NewTiktokRefresher(cfg config.Tiktok, client *http.Client) *TiktokRefresher {
	return &TiktokRefresher{
		client:       client,
		tokenURL:     strings.TrimRight(cfg.APIURL, "/") + "/v2/oauth/token/",
		clientKey:    cfg.ClientKey,
		clientSecret: cfg.ClientSecret,
		now:          time.Now,
	}
}

func (r *TiktokRefresher) Refresh(ctx context.Context, token *models.OAuthToken) (*models.OAuthToken, error) {
	if token.RefreshToken == "" {
		return nil, models.NewAuthExpired(models.PlatformTiktok, errors.New("no refresh token"))
	}

	data := url.Values{}
	data.Set("client_key", r.clientKey)
	data.Set("client_secret", r.clientSecret)
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", token.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, models.NewInternal(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := send(r.client, models.PlatformTiktok, req)
	if err != nil {
		return nil, err
	}

	var result transfer.TiktokTokenResponse
	_ = json.Unmarshal(resp.body, &result)
	if result.Error == "invalid_grant" {
		return nil, models.NewAuthExpired(models.PlatformTiktok, errors.New(result.ErrorDescription))
	}
	if !resp.ok() || result.Error != "" || result.AccessToken == "" {
		return nil, classifyTiktok(resp.status, result.Error, result.ErrorDescription)
	}

	return &models.OAuthToken{
		AccountID:    result.OpenID,
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		ExpiresAt:    r.now().Add(time.Duration(result.ExpiresIn) * time.Second),
	}, nil
}
