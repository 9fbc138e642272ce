package social

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func fastClient(platform string, hc *http.Client) *apiClient {
	c := newAPIClient(platform, hc)
	// Tests should not sit out real backoffs.
	return c
}

func TestDoRetriesOn5xxThenSucceeds(t *testing.T) {
	old := retryBackoffs
	retryBackoffs = []time.Duration{time.Millisecond, time.Millisecond}
	defer func() { retryBackoffs = old }()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := fastClient("twitter", srv.Client())
	body, status, err := c.get(context.Background(), "test", srv.URL, nil)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("unexpected body %q", body)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("calls = %d, want 3", n)
	}
}

func TestDoGivesUpAfterBoundedRetries(t *testing.T) {
	old := retryBackoffs
	retryBackoffs = []time.Duration{time.Millisecond, time.Millisecond}
	defer func() { retryBackoffs = old }()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := fastClient("linkedin", srv.Client())
	_, status, err := c.get(context.Background(), "test", srv.URL, nil)
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if status != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", status)
	}
	// 1 initial attempt + 2 retries.
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("calls = %d, want 3", n)
	}
}

func TestDoDoesNotRetry4xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid token"}`))
	}))
	defer srv.Close()

	c := fastClient("facebook", srv.Client())
	_, status, err := c.get(context.Background(), "validate", srv.URL, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", status)
	}
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected *UpstreamError, got %T: %v", err, err)
	}
	if upstream.Platform != "facebook" || upstream.Op != "validate" || upstream.StatusCode != 401 {
		t.Fatalf("unexpected upstream error: %+v", upstream)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("calls = %d, want 1 (4xx must not retry)", n)
	}
}

func TestDecodeTokenRejectsEmptyAccessToken(t *testing.T) {
	_, err := decodeToken("linkedin", []byte(`{"error":"invalid_grant"}`))
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected *UpstreamError, got %T: %v", err, err)
	}

	tok, err := decodeToken("linkedin", []byte(`{"access_token":"at","refresh_token":"rt","expires_in":5183999}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok.AccessToken != "at" || tok.RefreshToken != "rt" || tok.ExpiresIn != 5183999 {
		t.Fatalf("unexpected token: %+v", tok)
	}
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry(&Twitter{}, &LinkedIn{})
	if _, err := reg.Lookup("twitter"); err != nil {
		t.Fatalf("twitter should be registered: %v", err)
	}
	if _, err := reg.Lookup("myspace"); !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("expected ErrUnsupportedPlatform, got %v", err)
	}
	got := NewRegistry(&Twitter{}, &LinkedIn{}, &TikTok{}).Platforms()
	want := []string{"linkedin", "tiktok", "twitter"}
	if len(got) != len(want) {
		t.Fatalf("platforms = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("platforms = %v, want %v", got, want)
		}
	}
}
