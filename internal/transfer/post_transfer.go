package transfer

import (
	"time"

	"github.com/maheshrc27/postflow/internal/models"
)

// ConnectAccountRequest is the body of PUT /api/accounts/:platform. The
// OAuth exchange happens upstream; this endpoint only stores the result.
type ConnectAccountRequest struct {
	AccountID    string `json:"account_id" validate:"required,max=128"`
	AccountName  string `json:"account_name" validate:"max=256"`
	AccessToken  string `json:"access_token" validate:"required"`
	RefreshToken string `json:"refresh_token"`
	// ExpiresIn is seconds from now; 0 means the token does not expire.
	ExpiresIn int64 `json:"expires_in" validate:"gte=0"`
}

type PostResponse struct {
	Message string       `json:"message"`
	Post    *models.Post `json:"post,omitempty"`
}

type AccountResponse struct {
	Platform    string     `json:"platform"`
	AccountID   string     `json:"account_id"`
	AccountName string     `json:"account_name,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

func NewAccountResponse(t *models.OAuthToken) AccountResponse {
	resp := AccountResponse{
		Platform:    string(t.Platform),
		AccountID:   t.AccountID,
		AccountName: t.AccountName,
	}
	if !t.ExpiresAt.IsZero() {
		exp := t.ExpiresAt
		resp.ExpiresAt = &exp
	}
	return resp
}

type ErrorDetail struct {
	Kind     string `json:"kind"`
	Platform string `json:"platform,omitempty"`
	// Phase is "publish" when a platform container exists but was never
	// finalized.
	Phase string `json:"phase,omitempty"`
}

type ErrorResponse struct {
	Message string      `json:"message"`
	Error   ErrorDetail `json:"error"`
	// Post is the recorded failed post of an immediate publish.
	Post *models.Post `json:"post,omitempty"`
}
