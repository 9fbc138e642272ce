package social

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
)

// TikTok connect/profile only; publishing needs the video upload flow which is
// not implemented yet.
type TikTok struct {
	ClientKey    string
	ClientSecret string
	RedirectURI  string

	AuthorizeEndpoint string
	TokenEndpoint     string
	UserInfoEndpoint  string

	client *apiClient
}

func NewTikTokFromEnv(hc *http.Client) *TikTok {
	return &TikTok{
		ClientKey:         os.Getenv("TIKTOK_CLIENT_KEY"),
		ClientSecret:      os.Getenv("TIKTOK_CLIENT_SECRET"),
		RedirectURI:       os.Getenv("TIKTOK_REDIRECT_URI"),
		AuthorizeEndpoint: "https://www.tiktok.com/v2/auth/authorize/",
		TokenEndpoint:     "https://open.tiktokapis.com/v2/oauth/token/",
		UserInfoEndpoint:  "https://open.tiktokapis.com/v2/user/info/",
		client:            newAPIClient("tiktok", hc),
	}
}

func (t *TikTok) Name() string { return "tiktok" }

func (t *TikTok) AuthorizeURL(state string, _ *PKCE) (string, error) {
	if t.ClientKey == "" || t.RedirectURI == "" {
		return "", fmt.Errorf("tiktok: %w", ErrNotConfigured)
	}
	q := url.Values{}
	q.Set("client_key", t.ClientKey)
	q.Set("scope", "user.info.basic,video.upload,video.publish")
	q.Set("response_type", "code")
	q.Set("redirect_uri", t.RedirectURI)
	q.Set("state", state)
	return t.AuthorizeEndpoint + "?" + q.Encode(), nil
}

func (t *TikTok) Exchange(ctx context.Context, code, redirectURI, _ string) (*Token, error) {
	if t.ClientKey == "" || t.ClientSecret == "" {
		return nil, fmt.Errorf("tiktok: %w", ErrNotConfigured)
	}
	form := url.Values{}
	form.Set("client_key", t.ClientKey)
	form.Set("client_secret", t.ClientSecret)
	form.Set("code", code)
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", redirectURI)
	body, _, err := t.client.postForm(ctx, "exchange", t.TokenEndpoint, nil, form)
	if err != nil {
		return nil, err
	}
	return decodeToken("tiktok", body)
}

func (t *TikTok) Profile(ctx context.Context, accessToken string) (*Profile, error) {
	body, _, err := t.client.get(ctx, "profile", t.UserInfoEndpoint, bearer(accessToken))
	if err != nil {
		return nil, err
	}
	var out struct {
		Data struct {
			User struct {
				OpenID      string `json:"open_id"`
				DisplayName string `json:"display_name"`
			} `json:"user"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("tiktok profile decode: %w", err)
	}
	return &Profile{ID: out.Data.User.OpenID, Name: out.Data.User.DisplayName, Username: out.Data.User.DisplayName}, nil
}

func (t *TikTok) Refresh(ctx context.Context, _ string) (*Token, error) {
	return nil, fmt.Errorf("tiktok: %w", ErrRefreshUnsupported)
}

// Validate assumes the token is good: TikTok has no cheap who-am-i endpoint we
// can hit without consuming video-scope quota.
func (t *TikTok) Validate(_ context.Context, _ string) (bool, error) {
	return true, nil
}

func (t *TikTok) Publish(_ context.Context, _, _ string, _ []string, _ map[string]string) (*PublishResult, error) {
	return nil, fmt.Errorf("tiktok: %w", ErrNotImplemented)
}
