package social

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewPKCE(t *testing.T) {
	pkce, err := NewPKCE()
	if err != nil {
		t.Fatalf("NewPKCE: %v", err)
	}
	if pkce.Verifier == "" || pkce.Challenge == "" {
		t.Fatal("verifier and challenge must be non-empty")
	}
	if strings.ContainsAny(pkce.Verifier+pkce.Challenge, "+/=") {
		t.Fatal("pkce values must be unpadded base64url")
	}
	sum := sha256.Sum256([]byte(pkce.Verifier))
	if want := base64.RawURLEncoding.EncodeToString(sum[:]); pkce.Challenge != want {
		t.Fatalf("challenge = %q, want S256 of verifier %q", pkce.Challenge, want)
	}

	other, _ := NewPKCE()
	if other.Verifier == pkce.Verifier {
		t.Fatal("verifiers must be random")
	}
}

func newTestTwitter(srvURL string, hc *http.Client) *Twitter {
	return &Twitter{
		ClientID:          "tw-client",
		ClientSecret:      "tw-secret",
		RedirectURI:       "https://app.example.com/callback",
		AuthorizeEndpoint: srvURL + "/authorize",
		TokenEndpoint:     srvURL + "/token",
		APIBase:           srvURL,
		client:            newAPIClient("twitter", hc),
	}
}

func TestTwitterAuthorizeURLRequiresPKCE(t *testing.T) {
	tw := newTestTwitter("https://twitter.example", nil)
	if _, err := tw.AuthorizeURL("state-1", nil); err == nil {
		t.Fatal("expected error without pkce")
	}

	pkce, _ := NewPKCE()
	u, err := tw.AuthorizeURL("state-1", pkce)
	if err != nil {
		t.Fatalf("AuthorizeURL: %v", err)
	}
	for _, want := range []string{"code_challenge=" + pkce.Challenge, "code_challenge_method=S256", "state=state-1"} {
		if !strings.Contains(u, want) {
			t.Fatalf("authorize url %q missing %q", u, want)
		}
	}
}

func TestTwitterExchangeSendsBasicAuthAndVerifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			t.Errorf("path = %s", r.URL.Path)
		}
		wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("tw-client:tw-secret"))
		if got := r.Header.Get("Authorization"); got != wantAuth {
			t.Errorf("Authorization = %q, want %q", got, wantAuth)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if r.PostForm.Get("grant_type") != "authorization_code" {
			t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
		}
		if r.PostForm.Get("code_verifier") != "the-verifier" {
			t.Errorf("code_verifier = %q", r.PostForm.Get("code_verifier"))
		}
		w.Write([]byte(`{"access_token":"tw-at","refresh_token":"tw-rt","expires_in":7200}`))
	}))
	defer srv.Close()

	tw := newTestTwitter(srv.URL, srv.Client())
	tok, err := tw.Exchange(context.Background(), "the-code", tw.RedirectURI, "the-verifier")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if tok.AccessToken != "tw-at" || tok.RefreshToken != "tw-rt" || tok.ExpiresIn != 7200 {
		t.Fatalf("unexpected token: %+v", tok)
	}
}

func TestTwitterPublish(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tweets" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tw-at" {
			t.Errorf("Authorization = %q", got)
		}
		w.Write([]byte(`{"data":{"id":"190012"}}`))
	}))
	defer srv.Close()

	tw := newTestTwitter(srv.URL, srv.Client())
	res, err := tw.Publish(context.Background(), "tw-at", "hello world", nil, nil)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if res.PostID != "190012" {
		t.Fatalf("PostID = %q", res.PostID)
	}
	if !strings.Contains(res.URL, "190012") {
		t.Fatalf("URL = %q", res.URL)
	}
}

func TestTwitterValidate(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(`{"data":{"id":"1"}}`))
	}))
	defer srv.Close()

	tw := newTestTwitter(srv.URL, srv.Client())
	valid, err := tw.Validate(context.Background(), "tw-at")
	if err != nil || !valid {
		t.Fatalf("Validate = %v, %v; want true, nil", valid, err)
	}

	status = http.StatusUnauthorized
	valid, err = tw.Validate(context.Background(), "stale")
	if err != nil {
		t.Fatalf("4xx must mean invalid, not an error: %v", err)
	}
	if valid {
		t.Fatal("expected invalid token")
	}
}
