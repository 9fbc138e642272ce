package social

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
)

type LinkedIn struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string

	AuthorizeEndpoint string
	TokenEndpoint     string
	APIBase           string

	client *apiClient
}

func NewLinkedInFromEnv(hc *http.Client) *LinkedIn {
	return &LinkedIn{
		ClientID:          os.Getenv("LINKEDIN_CLIENT_ID"),
		ClientSecret:      os.Getenv("LINKEDIN_CLIENT_SECRET"),
		RedirectURI:       os.Getenv("LINKEDIN_REDIRECT_URI"),
		AuthorizeEndpoint: "https://www.linkedin.com/oauth/v2/authorization",
		TokenEndpoint:     "https://www.linkedin.com/oauth/v2/accessToken",
		APIBase:           "https://api.linkedin.com/v2",
		client:            newAPIClient("linkedin", hc),
	}
}

func (l *LinkedIn) Name() string { return "linkedin" }

func (l *LinkedIn) AuthorizeURL(state string, _ *PKCE) (string, error) {
	if l.ClientID == "" || l.RedirectURI == "" {
		return "", fmt.Errorf("linkedin: %w", ErrNotConfigured)
	}
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", l.ClientID)
	q.Set("redirect_uri", l.RedirectURI)
	q.Set("scope", "r_liteprofile r_emailaddress w_member_social")
	q.Set("state", state)
	return l.AuthorizeEndpoint + "?" + q.Encode(), nil
}

func (l *LinkedIn) Exchange(ctx context.Context, code, redirectURI, _ string) (*Token, error) {
	if l.ClientID == "" || l.ClientSecret == "" {
		return nil, fmt.Errorf("linkedin: %w", ErrNotConfigured)
	}
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("client_id", l.ClientID)
	form.Set("client_secret", l.ClientSecret)
	body, _, err := l.client.postForm(ctx, "exchange", l.TokenEndpoint, nil, form)
	if err != nil {
		return nil, err
	}
	return decodeToken("linkedin", body)
}

func (l *LinkedIn) Profile(ctx context.Context, accessToken string) (*Profile, error) {
	body, _, err := l.client.get(ctx, "profile", l.APIBase+"/me", bearer(accessToken))
	if err != nil {
		return nil, err
	}
	var out struct {
		ID                 string `json:"id"`
		LocalizedFirstName string `json:"localizedFirstName"`
		LocalizedLastName  string `json:"localizedLastName"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("linkedin profile decode: %w", err)
	}
	name := strings.TrimSpace(out.LocalizedFirstName + " " + out.LocalizedLastName)
	return &Profile{ID: out.ID, Name: name, Username: out.ID}, nil
}

func (l *LinkedIn) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	if l.ClientID == "" || l.ClientSecret == "" {
		return nil, fmt.Errorf("linkedin: %w", ErrNotConfigured)
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", l.ClientID)
	form.Set("client_secret", l.ClientSecret)
	body, _, err := l.client.postForm(ctx, "refresh", l.TokenEndpoint, nil, form)
	if err != nil {
		return nil, err
	}
	return decodeToken("linkedin", body)
}

func (l *LinkedIn) Validate(ctx context.Context, accessToken string) (bool, error) {
	_, status, err := l.client.get(ctx, "validate", l.APIBase+"/me", bearer(accessToken))
	if err != nil {
		if status >= 400 && status < 500 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (l *LinkedIn) Publish(ctx context.Context, accessToken, content string, mediaURLs []string, _ map[string]string) (*PublishResult, error) {
	profile, err := l.Profile(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	author := "urn:li:person:" + profile.ID

	mediaCategory := "NONE"
	if len(mediaURLs) > 0 {
		mediaCategory = "IMAGE"
	}
	payload := map[string]any{
		"author":         author,
		"lifecycleState": "PUBLISHED",
		"specificContent": map[string]any{
			"com.linkedin.ugc.ShareContent": map[string]any{
				"shareCommentary":    map[string]any{"text": content},
				"shareMediaCategory": mediaCategory,
			},
		},
		"visibility": map[string]any{
			"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC",
		},
	}

	h := bearer(accessToken)
	h.Set("X-Restli-Protocol-Version", "2.0.0")
	body, _, err := l.client.postJSON(ctx, "publish", l.APIBase+"/ugcPosts", h, payload)
	if err != nil {
		return nil, err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("linkedin publish decode: %w", err)
	}
	return &PublishResult{PostID: out.ID, URL: "https://www.linkedin.com/feed/update/" + out.ID}, nil
}
