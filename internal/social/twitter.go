package social

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
)

// Twitter uses OAuth 2.0 with PKCE; the token endpoint additionally wants the
// app's basic-auth credentials.
type Twitter struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string

	AuthorizeEndpoint string
	TokenEndpoint     string
	APIBase           string

	client *apiClient
}

func NewTwitterFromEnv(hc *http.Client) *Twitter {
	return &Twitter{
		ClientID:          os.Getenv("TWITTER_CLIENT_ID"),
		ClientSecret:      os.Getenv("TWITTER_CLIENT_SECRET"),
		RedirectURI:       os.Getenv("TWITTER_REDIRECT_URI"),
		AuthorizeEndpoint: "https://twitter.com/i/oauth2/authorize",
		TokenEndpoint:     "https://api.twitter.com/2/oauth2/token",
		APIBase:           "https://api.twitter.com/2",
		client:            newAPIClient("twitter", hc),
	}
}

func (t *Twitter) Name() string { return "twitter" }

// NewPKCE generates an S256 verifier/challenge pair.
func NewPKCE() (*PKCE, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	return &PKCE{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
	}, nil
}

func (t *Twitter) AuthorizeURL(state string, pkce *PKCE) (string, error) {
	if t.ClientID == "" || t.RedirectURI == "" {
		return "", fmt.Errorf("twitter: %w", ErrNotConfigured)
	}
	if pkce == nil {
		return "", fmt.Errorf("twitter: pkce required")
	}
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", t.ClientID)
	q.Set("redirect_uri", t.RedirectURI)
	q.Set("scope", "tweet.read tweet.write users.read offline.access")
	q.Set("state", state)
	q.Set("code_challenge", pkce.Challenge)
	q.Set("code_challenge_method", "S256")
	return t.AuthorizeEndpoint + "?" + q.Encode(), nil
}

func (t *Twitter) basicAuth() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(t.ClientID+":"+t.ClientSecret)))
	return h
}

func (t *Twitter) Exchange(ctx context.Context, code, redirectURI, codeVerifier string) (*Token, error) {
	if t.ClientID == "" || t.ClientSecret == "" {
		return nil, fmt.Errorf("twitter: %w", ErrNotConfigured)
	}
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("code_verifier", codeVerifier)
	body, _, err := t.client.postForm(ctx, "exchange", t.TokenEndpoint, t.basicAuth(), form)
	if err != nil {
		return nil, err
	}
	return decodeToken("twitter", body)
}

func (t *Twitter) Profile(ctx context.Context, accessToken string) (*Profile, error) {
	body, _, err := t.client.get(ctx, "profile", t.APIBase+"/users/me", bearer(accessToken))
	if err != nil {
		return nil, err
	}
	var out struct {
		Data struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			Username string `json:"username"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("twitter profile decode: %w", err)
	}
	return &Profile{ID: out.Data.ID, Name: out.Data.Name, Username: out.Data.Username}, nil
}

func (t *Twitter) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	if t.ClientID == "" || t.ClientSecret == "" {
		return nil, fmt.Errorf("twitter: %w", ErrNotConfigured)
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	body, _, err := t.client.postForm(ctx, "refresh", t.TokenEndpoint, t.basicAuth(), form)
	if err != nil {
		return nil, err
	}
	return decodeToken("twitter", body)
}

func (t *Twitter) Validate(ctx context.Context, accessToken string) (bool, error) {
	_, status, err := t.client.get(ctx, "validate", t.APIBase+"/users/me", bearer(accessToken))
	if err != nil {
		if status >= 400 && status < 500 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (t *Twitter) Publish(ctx context.Context, accessToken, content string, mediaURLs []string, _ map[string]string) (*PublishResult, error) {
	// Media would require the chunked upload endpoint first; text-only for now.
	body, _, err := t.client.postJSON(ctx, "publish", t.APIBase+"/tweets", bearer(accessToken), map[string]any{"text": content})
	if err != nil {
		return nil, err
	}
	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("twitter publish decode: %w", err)
	}
	return &PublishResult{PostID: out.Data.ID, URL: "https://twitter.com/user/status/" + out.Data.ID}, nil
}
