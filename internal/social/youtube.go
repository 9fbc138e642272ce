package social

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
)

// YouTube connects through Google OAuth. Publishing needs the resumable video
// upload protocol and is not implemented yet.
type YouTube struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string

	AuthorizeEndpoint string
	TokenEndpoint     string
	UserInfoEndpoint  string

	client *apiClient
}

func NewYouTubeFromEnv(hc *http.Client) *YouTube {
	return &YouTube{
		ClientID:          os.Getenv("GOOGLE_CLIENT_ID"),
		ClientSecret:      os.Getenv("GOOGLE_CLIENT_SECRET"),
		RedirectURI:       os.Getenv("YOUTUBE_REDIRECT_URI"),
		AuthorizeEndpoint: "https://accounts.google.com/o/oauth2/v2/auth",
		TokenEndpoint:     "https://oauth2.googleapis.com/token",
		UserInfoEndpoint:  "https://www.googleapis.com/oauth2/v2/userinfo",
		client:            newAPIClient("youtube", hc),
	}
}

func (y *YouTube) Name() string { return "youtube" }

func (y *YouTube) AuthorizeURL(state string, _ *PKCE) (string, error) {
	if y.ClientID == "" || y.RedirectURI == "" {
		return "", fmt.Errorf("youtube: %w", ErrNotConfigured)
	}
	q := url.Values{}
	q.Set("client_id", y.ClientID)
	q.Set("redirect_uri", y.RedirectURI)
	q.Set("response_type", "code")
	q.Set("scope", "https://www.googleapis.com/auth/youtube.upload https://www.googleapis.com/auth/youtube.readonly https://www.googleapis.com/auth/userinfo.profile")
	q.Set("access_type", "offline")
	q.Set("prompt", "consent")
	q.Set("state", state)
	return y.AuthorizeEndpoint + "?" + q.Encode(), nil
}

func (y *YouTube) Exchange(ctx context.Context, code, redirectURI, _ string) (*Token, error) {
	if y.ClientID == "" || y.ClientSecret == "" {
		return nil, fmt.Errorf("youtube: %w", ErrNotConfigured)
	}
	form := url.Values{}
	form.Set("code", code)
	form.Set("client_id", y.ClientID)
	form.Set("client_secret", y.ClientSecret)
	form.Set("redirect_uri", redirectURI)
	form.Set("grant_type", "authorization_code")
	body, _, err := y.client.postForm(ctx, "exchange", y.TokenEndpoint, nil, form)
	if err != nil {
		return nil, err
	}
	return decodeToken("youtube", body)
}

func (y *YouTube) Profile(ctx context.Context, accessToken string) (*Profile, error) {
	body, _, err := y.client.get(ctx, "profile", y.UserInfoEndpoint, bearer(accessToken))
	if err != nil {
		return nil, err
	}
	var out struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("youtube profile decode: %w", err)
	}
	return &Profile{ID: out.ID, Name: out.Name, Username: out.Email}, nil
}

func (y *YouTube) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	if y.ClientID == "" || y.ClientSecret == "" {
		return nil, fmt.Errorf("youtube: %w", ErrNotConfigured)
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", y.ClientID)
	form.Set("client_secret", y.ClientSecret)
	body, _, err := y.client.postForm(ctx, "refresh", y.TokenEndpoint, nil, form)
	if err != nil {
		return nil, err
	}
	return decodeToken("youtube", body)
}

func (y *YouTube) Validate(ctx context.Context, accessToken string) (bool, error) {
	_, status, err := y.client.get(ctx, "validate", y.UserInfoEndpoint, bearer(accessToken))
	if err != nil {
		if status >= 400 && status < 500 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (y *YouTube) Publish(_ context.Context, _, _ string, _ []string, _ map[string]string) (*PublishResult, error) {
	return nil, fmt.Errorf("youtube: %w", ErrNotImplemented)
}
