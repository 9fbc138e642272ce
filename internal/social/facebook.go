package social

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
)

// Facebook publishes to the first Page the connected user manages, via the
// Graph API. Instagram shares the same app credentials and token endpoints.
type Facebook struct {
	AppID       string
	AppSecret   string
	RedirectURI string

	// Overridable in tests.
	GraphURL  string
	DialogURL string

	client *apiClient
}

func NewFacebookFromEnv(hc *http.Client) *Facebook {
	return &Facebook{
		AppID:       os.Getenv("FACEBOOK_APP_ID"),
		AppSecret:   os.Getenv("FACEBOOK_APP_SECRET"),
		RedirectURI: os.Getenv("FACEBOOK_REDIRECT_URI"),
		GraphURL:    "https://graph.facebook.com/v19.0",
		DialogURL:   "https://www.facebook.com/v19.0/dialog/oauth",
		client:      newAPIClient("facebook", hc),
	}
}

func (f *Facebook) Name() string { return "facebook" }

func (f *Facebook) AuthorizeURL(state string, _ *PKCE) (string, error) {
	if f.AppID == "" || f.RedirectURI == "" {
		return "", fmt.Errorf("facebook: %w", ErrNotConfigured)
	}
	q := url.Values{}
	q.Set("client_id", f.AppID)
	q.Set("redirect_uri", f.RedirectURI)
	q.Set("scope", "pages_manage_posts,pages_read_engagement,pages_show_list")
	q.Set("state", state)
	q.Set("response_type", "code")
	return f.DialogURL + "?" + q.Encode(), nil
}

func (f *Facebook) Exchange(ctx context.Context, code, redirectURI, _ string) (*Token, error) {
	if f.AppID == "" || f.AppSecret == "" {
		return nil, fmt.Errorf("facebook: %w", ErrNotConfigured)
	}
	q := url.Values{}
	q.Set("client_id", f.AppID)
	q.Set("client_secret", f.AppSecret)
	q.Set("code", code)
	q.Set("redirect_uri", redirectURI)
	body, _, err := f.client.get(ctx, "exchange", f.GraphURL+"/oauth/access_token?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return decodeToken("facebook", body)
}

func (f *Facebook) Profile(ctx context.Context, accessToken string) (*Profile, error) {
	q := url.Values{}
	q.Set("fields", "id,name,email")
	q.Set("access_token", accessToken)
	body, _, err := f.client.get(ctx, "profile", f.GraphURL+"/me?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("facebook profile decode: %w", err)
	}
	return &p, nil
}

// Refresh trades the stored long-lived token for a fresh one. Facebook has no
// classic refresh grant; fb_exchange_token is the documented equivalent.
func (f *Facebook) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	if f.AppID == "" || f.AppSecret == "" {
		return nil, fmt.Errorf("facebook: %w", ErrNotConfigured)
	}
	q := url.Values{}
	q.Set("grant_type", "fb_exchange_token")
	q.Set("client_id", f.AppID)
	q.Set("client_secret", f.AppSecret)
	q.Set("fb_exchange_token", refreshToken)
	body, _, err := f.client.get(ctx, "refresh", f.GraphURL+"/oauth/access_token?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return decodeToken("facebook", body)
}

func (f *Facebook) Validate(ctx context.Context, accessToken string) (bool, error) {
	_, status, err := f.client.get(ctx, "validate", f.GraphURL+"/me?access_token="+url.QueryEscape(accessToken), nil)
	if err != nil {
		if status >= 400 && status < 500 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

type fbPage struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AccessToken string `json:"access_token"`
}

func (f *Facebook) firstPage(ctx context.Context, accessToken string) (*fbPage, error) {
	body, _, err := f.client.get(ctx, "pages", f.GraphURL+"/me/accounts?access_token="+url.QueryEscape(accessToken), nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Data []fbPage `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("facebook pages decode: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, &UpstreamError{Platform: "facebook", Op: "pages", StatusCode: http.StatusOK, Body: "no pages found; create a Facebook page first"}
	}
	return &out.Data[0], nil
}

func (f *Facebook) Publish(ctx context.Context, accessToken, content string, mediaURLs []string, _ map[string]string) (*PublishResult, error) {
	page, err := f.firstPage(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{"message": content}
	if len(mediaURLs) > 0 {
		// The Graph API fetches and attaches the image itself.
		payload["url"] = mediaURLs[0]
	}
	endpoint := fmt.Sprintf("%s/%s/feed?access_token=%s", f.GraphURL, url.PathEscape(page.ID), url.QueryEscape(page.AccessToken))
	body, _, err := f.client.postJSON(ctx, "publish", endpoint, nil, payload)
	if err != nil {
		return nil, err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("facebook publish decode: %w", err)
	}
	return &PublishResult{PostID: out.ID, URL: "https://facebook.com/" + out.ID}, nil
}

// decodeToken handles both Graph-style and standard OAuth token responses.
func decodeToken(platform string, body []byte) (*Token, error) {
	var raw struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		Scope        string `json:"scope"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%s token decode: %w", platform, err)
	}
	if raw.AccessToken == "" {
		return nil, &UpstreamError{Platform: platform, Op: "exchange", StatusCode: http.StatusOK, Body: truncate(string(body), 400)}
	}
	return &Token{
		AccessToken:  raw.AccessToken,
		RefreshToken: raw.RefreshToken,
		ExpiresIn:    raw.ExpiresIn,
		Scope:        raw.Scope,
	}, nil
}
