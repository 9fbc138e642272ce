package handlers

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/silentpilot/backend/internal/social"
)

// stubProvider lets each test script provider behavior per call.
type stubProvider struct {
	name         string
	authorizeFn  func(state string, pkce *social.PKCE) (string, error)
	exchangeFn   func(ctx context.Context, code, redirectURI, codeVerifier string) (*social.Token, error)
	profileFn    func(ctx context.Context, accessToken string) (*social.Profile, error)
	refreshFn    func(ctx context.Context, refreshToken string) (*social.Token, error)
	validateFn   func(ctx context.Context, accessToken string) (bool, error)
	publishFn    func(ctx context.Context, accessToken, content string, mediaURLs []string, opts map[string]string) (*social.PublishResult, error)
	publishCalls int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) AuthorizeURL(state string, pkce *social.PKCE) (string, error) {
	if s.authorizeFn != nil {
		return s.authorizeFn(state, pkce)
	}
	return "https://auth.example.com/authorize?state=" + state, nil
}

func (s *stubProvider) Exchange(ctx context.Context, code, redirectURI, codeVerifier string) (*social.Token, error) {
	if s.exchangeFn != nil {
		return s.exchangeFn(ctx, code, redirectURI, codeVerifier)
	}
	return &social.Token{AccessToken: "stub-at"}, nil
}

func (s *stubProvider) Profile(ctx context.Context, accessToken string) (*social.Profile, error) {
	if s.profileFn != nil {
		return s.profileFn(ctx, accessToken)
	}
	return &social.Profile{ID: "acct-1", Name: "Stub Account"}, nil
}

func (s *stubProvider) Refresh(ctx context.Context, refreshToken string) (*social.Token, error) {
	if s.refreshFn != nil {
		return s.refreshFn(ctx, refreshToken)
	}
	return nil, social.ErrRefreshUnsupported
}

func (s *stubProvider) Validate(ctx context.Context, accessToken string) (bool, error) {
	if s.validateFn != nil {
		return s.validateFn(ctx, accessToken)
	}
	return true, nil
}

func (s *stubProvider) Publish(ctx context.Context, accessToken, content string, mediaURLs []string, opts map[string]string) (*social.PublishResult, error) {
	s.publishCalls++
	if s.publishFn != nil {
		return s.publishFn(ctx, accessToken, content, mediaURLs, opts)
	}
	return &social.PublishResult{PostID: "stub-post", URL: "https://example.com/stub-post"}, nil
}

func newTestHandler(t *testing.T, providers ...social.Provider) (*Handler, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithRegistry(db, social.NewRegistry(providers...)), mock, db
}
