package social

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
)

// Instagram rides on the Facebook app: same token endpoints, but publishing
// goes through the linked Instagram business account with the two-step
// container-then-publish flow.
type Instagram struct {
	fb          *Facebook
	RedirectURI string
	client      *apiClient
}

func NewInstagramFromEnv(fb *Facebook) *Instagram {
	redirect := os.Getenv("INSTAGRAM_REDIRECT_URI")
	if redirect == "" {
		redirect = fb.RedirectURI
	}
	return &Instagram{
		fb:          fb,
		RedirectURI: redirect,
		client:      newAPIClient("instagram", fb.client.hc),
	}
}

func (i *Instagram) Name() string { return "instagram" }

func (i *Instagram) AuthorizeURL(state string, _ *PKCE) (string, error) {
	if i.fb.AppID == "" || i.RedirectURI == "" {
		return "", fmt.Errorf("instagram: %w", ErrNotConfigured)
	}
	q := url.Values{}
	q.Set("client_id", i.fb.AppID)
	q.Set("redirect_uri", i.RedirectURI)
	q.Set("scope", "instagram_basic,instagram_content_publish,pages_show_list,pages_read_engagement,business_management")
	q.Set("state", state)
	q.Set("response_type", "code")
	return i.fb.DialogURL + "?" + q.Encode(), nil
}

func (i *Instagram) Exchange(ctx context.Context, code, redirectURI, codeVerifier string) (*Token, error) {
	return i.fb.Exchange(ctx, code, redirectURI, codeVerifier)
}

func (i *Instagram) Profile(ctx context.Context, accessToken string) (*Profile, error) {
	return i.fb.Profile(ctx, accessToken)
}

func (i *Instagram) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	return i.fb.Refresh(ctx, refreshToken)
}

func (i *Instagram) Validate(ctx context.Context, accessToken string) (bool, error) {
	return i.fb.Validate(ctx, accessToken)
}

func (i *Instagram) Publish(ctx context.Context, accessToken, content string, mediaURLs []string, _ map[string]string) (*PublishResult, error) {
	if len(mediaURLs) == 0 {
		return nil, &UpstreamError{Platform: "instagram", Op: "publish", StatusCode: http.StatusUnprocessableEntity, Body: "instagram posts require at least one image"}
	}

	page, err := i.fb.firstPage(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	// Resolve the linked Instagram business account.
	endpoint := fmt.Sprintf("%s/%s?fields=instagram_business_account&access_token=%s", i.fb.GraphURL, url.PathEscape(page.ID), url.QueryEscape(accessToken))
	body, _, err := i.client.get(ctx, "ig_account", endpoint, nil)
	if err != nil {
		return nil, err
	}
	var acct struct {
		InstagramBusinessAccount *struct {
			ID string `json:"id"`
		} `json:"instagram_business_account"`
	}
	if err := json.Unmarshal(body, &acct); err != nil {
		return nil, fmt.Errorf("instagram account decode: %w", err)
	}
	if acct.InstagramBusinessAccount == nil || acct.InstagramBusinessAccount.ID == "" {
		return nil, &UpstreamError{Platform: "instagram", Op: "ig_account", StatusCode: http.StatusOK, Body: "no instagram business account linked to the Facebook page"}
	}
	igID := acct.InstagramBusinessAccount.ID

	// Step 1: media container.
	body, _, err = i.client.postJSON(ctx, "container", fmt.Sprintf("%s/%s/media", i.fb.GraphURL, url.PathEscape(igID)), nil, map[string]any{
		"image_url":    mediaURLs[0],
		"caption":      content,
		"access_token": accessToken,
	})
	if err != nil {
		return nil, err
	}
	var container struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &container); err != nil {
		return nil, fmt.Errorf("instagram container decode: %w", err)
	}

	// Step 2: publish the container.
	body, _, err = i.client.postJSON(ctx, "publish", fmt.Sprintf("%s/%s/media_publish", i.fb.GraphURL, url.PathEscape(igID)), nil, map[string]any{
		"creation_id":  container.ID,
		"access_token": accessToken,
	})
	if err != nil {
		return nil, err
	}
	var published struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &published); err != nil {
		return nil, fmt.Errorf("instagram publish decode: %w", err)
	}
	return &PublishResult{PostID: published.ID, URL: "https://instagram.com/p/" + published.ID}, nil
}
