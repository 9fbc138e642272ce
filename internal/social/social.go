package social

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// Token is the normalized result of a provider token exchange or refresh.
// ExpiresIn is in seconds; 0 means the provider did not report an expiry.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	Scope        string
}

// Profile is the minimal identity we keep per connected account.
type Profile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

type PublishResult struct {
	PostID string
	URL    string
}

// PKCE carries the verifier/challenge pair for providers that require it (twitter).
type PKCE struct {
	Verifier  string
	Challenge string
}

// Provider is one social platform's full integration surface. Every platform
// implements the same contract so handlers never switch on platform names.
type Provider interface {
	Name() string
	AuthorizeURL(state string, pkce *PKCE) (string, error)
	Exchange(ctx context.Context, code, redirectURI, codeVerifier string) (*Token, error)
	Profile(ctx context.Context, accessToken string) (*Profile, error)
	Refresh(ctx context.Context, refreshToken string) (*Token, error)
	Validate(ctx context.Context, accessToken string) (bool, error)
	Publish(ctx context.Context, accessToken, content string, mediaURLs []string, opts map[string]string) (*PublishResult, error)
}

var (
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrNotConfigured       = errors.New("oauth client not configured")
	ErrNoRefreshToken      = errors.New("no refresh token available")
	ErrTokenExpired        = errors.New("access token expired, reconnect the account")
	ErrRefreshUnsupported  = errors.New("token refresh not supported for this platform")
	ErrNotImplemented      = errors.New("publishing not implemented for this platform")
)

// UpstreamError wraps a non-2xx provider response. The raw body is kept
// (truncated) for debuggability; callers surface it to the UI as-is.
type UpstreamError struct {
	Platform   string
	Op         string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s %s failed: status=%d body=%s", e.Platform, e.Op, e.StatusCode, e.Body)
}

// Registry maps platform names to their Provider implementations.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// DefaultRegistry wires all six platforms with credentials from the environment.
func DefaultRegistry() *Registry {
	hc := &http.Client{Timeout: 30 * time.Second}
	fb := NewFacebookFromEnv(hc)
	return NewRegistry(
		fb,
		NewInstagramFromEnv(fb),
		NewTwitterFromEnv(hc),
		NewLinkedInFromEnv(hc),
		NewTikTokFromEnv(hc),
		NewYouTubeFromEnv(hc),
	)
}

func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

func (r *Registry) Lookup(platform string) (Provider, error) {
	p, ok := r.providers[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, platform)
	}
	return p, nil
}

func (r *Registry) Platforms() []string {
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
