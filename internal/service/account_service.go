package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/internal/transfer"
)

// AccountService manages the stored platform credentials of a user. Token
// acquisition happens upstream; Connect only persists its result.
type AccountService interface {
	List(ctx context.Context, userID int64) ([]*models.OAuthToken, error)
	Connect(ctx context.Context, userID int64, platform models.Platform, req *transfer.ConnectAccountRequest) (*models.OAuthToken, error)
	Disconnect(ctx context.Context, userID int64, platform models.Platform) error
}

type accountService struct {
	tokens repository.TokenRepository
	now    func() time.Time
}

func NewAccountService(tokens repository.TokenRepository) AccountService {
	return &accountService{tokens: tokens, now: time.Now}
}

func (s *accountService) List(ctx context.Context, userID int64) ([]*models.OAuthToken, error) {
	if userID == 0 {
		return nil, models.NewInvalidRequest("user id is not valid")
	}

	tokens, err := s.tokens.ListByUser(ctx, userID)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return tokens, nil
}

func (s *accountService) Connect(ctx context.Context, userID int64, platform models.Platform, req *transfer.ConnectAccountRequest) (*models.OAuthToken, error) {
	if req == nil {
		return nil, models.NewInvalidRequest("request body required")
	}
	if err := validateStruct(req); err != nil {
		return nil, err
	}

	token := &models.OAuthToken{
		UserID:       userID,
		Platform:     platform,
		AccountID:    req.AccountID,
		AccountName:  req.AccountName,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
	}
	if req.ExpiresIn > 0 {
		token.ExpiresAt = s.now().Add(time.Duration(req.ExpiresIn) * time.Second)
	}

	if err := s.tokens.Upsert(ctx, token); err != nil {
		return nil, err
	}
	slog.Info("account connected", "user_id", userID, "platform", platform, "account_id", req.AccountID)
	return token, nil
}

func (s *accountService) Disconnect(ctx context.Context, userID int64, platform models.Platform) error {
	if err := s.tokens.Remove(ctx, userID, platform); err != nil {
		if models.IsKind(err, models.KindNotFound) {
			return models.NewNotFound("account")
		}
		return err
	}
	slog.Info("account disconnected", "user_id", userID, "platform", platform)
	return nil
}
