package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/storage"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

const youtubeTitleLimit = 100

// YoutubePublisher uploads videos with the YouTube Data API. YouTube does
// not pull from URLs, so the media is streamed from the object store.
type YoutubePublisher struct {
	store    storage.ObjectStore
	client   *http.Client
	privacy  string
	endpoint string
}

func NewYoutubePublisher(cfg config.Google, store storage.ObjectStore, client *http.Client) *YoutubePublisher {
	return &YoutubePublisher{store: store, client: client, privacy: cfg.YoutubePrivacy}
}

func (p *YoutubePublisher) Platform() models.Platform { return models.PlatformYoutube }

func (p *YoutubePublisher) Publish(ctx context.Context, s *Session, req Request) (string, error) {
	switch req.PostType {
	case models.PostTypePost, models.PostTypeReel:
	default:
		return "", models.NewUnsupportedPostType(string(req.PostType))
	}
	if !req.isVideo() {
		return "", models.NewInvalidMedia(models.PlatformYoutube, "youtube requires a video")
	}

	svc, err := p.service(ctx, s)
	if err != nil {
		return "", models.NewInternal(err)
	}

	media, err := p.store.Download(ctx, req.MediaURL)
	if err != nil {
		if models.IsKind(err, models.KindNotFound) {
			return "", models.NewInvalidMedia(models.PlatformYoutube, "media no longer available")
		}
		return "", err
	}
	defer media.Close()

	title := youtubeTitle(req.Caption)
	if req.PostType == models.PostTypeReel && !strings.Contains(title, "#Shorts") {
		title = truncateRunes(title+" #Shorts", youtubeTitleLimit)
	}

	video := &youtube.Video{
		Snippet: &youtube.VideoSnippet{
			Title:       title,
			Description: req.Caption,
		},
		Status: &youtube.VideoStatus{
			PrivacyStatus: p.privacy,
		},
	}

	uploaded, err := svc.Videos.Insert([]string{"snippet", "status"}, video).
		Media(media, googleapi.ContentType(req.MediaType)).
		Context(ctx).
		Do()
	if err != nil {
		return "", classifyYoutube(err)
	}
	return uploaded.Id, nil
}

func (p *YoutubePublisher) service(ctx context.Context, s *Session) (*youtube.Service, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: s.AccessToken, TokenType: "Bearer"})
	httpClient := &http.Client{
		Timeout: p.client.Timeout,
		Transport: &oauth2.Transport{
			Source: ts,
			Base:   p.client.Transport,
		},
	}
	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if p.endpoint != "" {
		opts = append(opts, option.WithEndpoint(p.endpoint))
	}
	return youtube.NewService(ctx, opts...)
}

func youtubeTitle(caption string) string {
	title := strings.TrimSpace(strings.SplitN(caption, "\n", 2)[0])
	if title == "" {
		title = "Untitled"
	}
	return truncateRunes(title, youtubeTitleLimit)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func classifyYoutube(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return models.NewTransient(models.PlatformYoutube, err)
	}

	reason := ""
	if len(gerr.Errors) > 0 {
		reason = gerr.Errors[0].Reason
	}
	msg := gerr.Message
	if msg == "" {
		msg = fmt.Sprintf("youtube returned %d", gerr.Code)
	}

	switch {
	case gerr.Code == http.StatusUnauthorized:
		return models.NewAuthExpired(models.PlatformYoutube, err)
	case reason == "quotaExceeded" || reason == "rateLimitExceeded" || reason == "userRateLimitExceeded":
		return models.NewTransient(models.PlatformYoutube, err)
	case gerr.Code == http.StatusForbidden:
		return models.NewAuthExpired(models.PlatformYoutube, err)
	case gerr.Code >= 500 || gerr.Code == http.StatusTooManyRequests:
		return models.NewTransient(models.PlatformYoutube, err)
	case reason == "invalidVideoMetadata" || reason == "mediaBodyRequired" || reason == "invalidFilename" || reason == "uploadLimitExceeded":
		return models.NewInvalidMedia(models.PlatformYoutube, msg)
	}
	return models.NewPermanentRejection(models.PlatformYoutube, msg)
}

// GoogleRefresher refreshes YouTube tokens through the oauth2 token source.
type GoogleRefresher struct {
	oauth  *oauth2.Config
	client *http.Client
}

func NewGoogleRefresher(cfg config.Google, client *http.Client) *GoogleRefresher {
	return &GoogleRefresher{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{youtube.YoutubeUploadScope},
		},
		client: client,
	}
}

func (r *GoogleRefresher) Refresh(ctx context.Context, token *models.OAuthToken) (*models.OAuthToken, error) {
	if token.RefreshToken == "" {
		return nil, models.NewAuthExpired(models.PlatformYoutube, errors.New("no refresh token"))
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	src := r.oauth.TokenSource(ctx, &oauth2.Token{
		RefreshToken: token.RefreshToken,
		Expiry:       time.Now().Add(-time.Minute),
	})

	fresh, err := src.Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && (rerr.ErrorCode == "invalid_grant" || (rerr.Response != nil && rerr.Response.StatusCode == http.StatusUnauthorized)) {
			return nil, models.NewAuthExpired(models.PlatformYoutube, err)
		}
		return nil, models.NewTransient(models.PlatformYoutube, err)
	}

	return &models.OAuthToken{
		AccessToken:  fresh.AccessToken,
		RefreshToken: fresh.RefreshToken,
		ExpiresAt:    fresh.Expiry,
	}, nil
}
