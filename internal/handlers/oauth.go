package handlers

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/silentpilot/backend/internal/models"
	"github.com/silentpilot/backend/internal/social"
)

// oauthStateTTL bounds how long a pending authorization may sit before the
// callback arrives. Expired rows are swept by the maintenance worker.
const oauthStateTTL = 15 * time.Minute

// StartOAuth creates a pending authorization and returns the platform's
// authorize URL. The state token ties the callback back to the user; for
// Twitter a PKCE verifier is generated and held server-side.
func (h *Handler) StartOAuth(w http.ResponseWriter, r *http.Request) {
	platform := pathVar(r, "platform")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	provider, err := h.social.Lookup(platform)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	state := randHex(24)
	var pkce *social.PKCE
	var verifier sql.NullString
	if platform == "twitter" {
		pkce, err = social.NewPKCE()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		verifier = sql.NullString{String: pkce.Verifier, Valid: true}
	}

	authURL, err := provider.AuthorizeURL(state, pkce)
	if err != nil {
		if errors.Is(err, social.ErrNotConfigured) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	_, err = h.db.Exec(`
		INSERT INTO public.oauth_states (state, user_id, platform, code_verifier, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, state, userID, platform, verifier)
	if err != nil {
		log.Printf("[OAuth] state insert error platform=%s userId=%s: %v", platform, userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Printf("[OAuth] start platform=%s userId=%s", platform, userID)
	writeJSON(w, http.StatusOK, map[string]string{"url": authURL, "state": state})
}

// OAuthCallback completes the authorization code flow. It always answers with
// a 302 back to the frontend; outcomes travel as query parameters so the
// browser never sees a bare error page.
func (h *Handler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	platform := pathVar(r, "platform")
	q := r.URL.Query()

	if errCode := q.Get("error"); errCode != "" {
		h.redirectToFrontend(w, r, platform, "", errCode)
		return
	}
	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		h.redirectToFrontend(w, r, platform, "", "missing_code_or_state")
		return
	}

	var userID string
	var verifier sql.NullString
	err := h.db.QueryRow(`
		DELETE FROM public.oauth_states
		WHERE state = $1 AND platform = $2 AND created_at > NOW() - INTERVAL '15 minutes'
		RETURNING user_id, code_verifier
	`, state, platform).Scan(&userID, &verifier)
	if err != nil {
		log.Printf("[OAuth] callback state lookup failed platform=%s: %v", platform, err)
		h.redirectToFrontend(w, r, platform, "", "invalid_state")
		return
	}

	provider, err := h.social.Lookup(platform)
	if err != nil {
		h.redirectToFrontend(w, r, platform, "", "unsupported_platform")
		return
	}

	account, err := h.connectAccount(r.Context(), provider, userID, code, "", verifier.String)
	if err != nil {
		log.Printf("[OAuth] callback exchange failed platform=%s userId=%s: %v", platform, userID, err)
		h.redirectToFrontend(w, r, platform, "", "exchange_failed")
		return
	}

	log.Printf("[OAuth] connected platform=%s userId=%s accountId=%s", platform, userID, account.AccountID)
	h.redirectToFrontend(w, r, platform, account.AccountName, "")
}

func (h *Handler) redirectToFrontend(w http.ResponseWriter, r *http.Request, platform, accountName, errCode string) {
	base := os.Getenv("FRONTEND_URL")
	if base == "" {
		base = "http://localhost:3000"
	}
	q := url.Values{}
	q.Set("platform", platform)
	if errCode != "" {
		q.Set("success", "false")
		q.Set("error", errCode)
	} else {
		q.Set("success", "true")
		if accountName != "" {
			q.Set("account", accountName)
		}
	}
	http.Redirect(w, r, base+"/settings/connections?"+q.Encode(), http.StatusFound)
}

type oauthExchangeRequest struct {
	UserID       string `json:"userId"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirectUri,omitempty"`
	CodeVerifier string `json:"codeVerifier,omitempty"`
}

// OAuthExchange is the SPA-driven variant of the callback: the frontend holds
// the authorization code and posts it here together with the user id.
func (h *Handler) OAuthExchange(w http.ResponseWriter, r *http.Request) {
	platform := pathVar(r, "platform")

	var req oauthExchangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "userId and code are required")
		return
	}

	provider, err := h.social.Lookup(platform)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	account, err := h.connectAccount(r.Context(), provider, req.UserID, req.Code, req.RedirectURI, req.CodeVerifier)
	if err != nil {
		var upstream *social.UpstreamError
		switch {
		case errors.Is(err, social.ErrNotConfigured):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.As(err, &upstream) && upstream.StatusCode >= 400 && upstream.StatusCode < 500:
			// Authorization codes are single-use; a 4xx here is not retryable.
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		log.Printf("[OAuth] exchange failed platform=%s userId=%s: %v", platform, req.UserID, err)
		return
	}

	log.Printf("[OAuth] connected platform=%s userId=%s accountId=%s", platform, req.UserID, account.AccountID)
	writeJSON(w, http.StatusOK, account)
}

// connectAccount runs code exchange, fetches the platform profile and upserts
// the social_accounts row. Reconnecting the same platform account overwrites
// tokens in place.
func (h *Handler) connectAccount(ctx context.Context, provider social.Provider, userID, code, redirectURI, codeVerifier string) (*models.SocialAccount, error) {
	tok, err := provider.Exchange(ctx, code, redirectURI, codeVerifier)
	if err != nil {
		return nil, err
	}
	profile, err := provider.Profile(ctx, tok.AccessToken)
	if err != nil {
		return nil, err
	}
	return h.upsertSocialAccount(userID, provider.Name(), profile, tok)
}

func (h *Handler) upsertSocialAccount(userID, platform string, profile *social.Profile, tok *social.Token) (*models.SocialAccount, error) {
	var expiresAt any
	if tok.ExpiresIn > 0 {
		expiresAt = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UTC()
	}
	var refreshToken any
	if tok.RefreshToken != "" {
		refreshToken = tok.RefreshToken
	}

	accountName := profile.Name
	if accountName == "" {
		accountName = profile.Username
	}

	var a models.SocialAccount
	var expires sql.NullTime
	err := h.db.QueryRow(`
		INSERT INTO public.social_accounts
			(id, user_id, platform, account_id, account_name, access_token, refresh_token, expires_at, is_active, created_at, updated_at)
		VALUES (gen_random_uuid()::text, $1, $2, $3, $4, $5, $6, $7, true, NOW(), NOW())
		ON CONFLICT (user_id, platform, account_id) DO UPDATE SET
			account_name = EXCLUDED.account_name,
			access_token = EXCLUDED.access_token,
			refresh_token = COALESCE(EXCLUDED.refresh_token, social_accounts.refresh_token),
			expires_at = EXCLUDED.expires_at,
			is_active = true,
			updated_at = NOW()
		RETURNING id, user_id, platform, account_id, account_name, expires_at, is_active, created_at, updated_at
	`, userID, platform, profile.ID, accountName, tok.AccessToken, refreshToken, expiresAt).Scan(
		&a.ID, &a.UserID, &a.Platform, &a.AccountID, &a.AccountName, &expires, &a.IsActive, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.ExpiresAt = nullTimePtr(expires)
	return &a, nil
}

// OAuthRefresh force-refreshes an account's access token.
func (h *Handler) OAuthRefresh(w http.ResponseWriter, r *http.Request) {
	accountID := pathVar(r, "id")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account id is required")
		return
	}

	account, err := h.loadAccount(accountID)
	if err != nil {
		if err == sql.ErrNoRows {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	newExpiry, err := h.refreshAccountToken(r.Context(), account)
	if err != nil {
		switch {
		case errors.Is(err, social.ErrNoRefreshToken), errors.Is(err, social.ErrRefreshUnsupported):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, social.ErrUnsupportedPlatform):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		log.Printf("[OAuth] refresh failed accountId=%s platform=%s: %v", account.ID, account.Platform, err)
		return
	}

	log.Printf("[OAuth] refreshed accountId=%s platform=%s", account.ID, account.Platform)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "refreshed",
		"expiresAt": newExpiry,
	})
}

// refreshAccountToken refreshes the provider token and persists it. Facebook
// has no separate refresh token; its long-lived access token is re-exchanged.
// Returns the new expiry (nil when the platform issues non-expiring tokens).
func (h *Handler) refreshAccountToken(ctx context.Context, account *models.SocialAccount) (*time.Time, error) {
	provider, err := h.social.Lookup(account.Platform)
	if err != nil {
		return nil, err
	}

	grant := account.RefreshToken
	if account.Platform == "facebook" || account.Platform == "instagram" {
		grant = account.AccessToken
	}
	if grant == "" {
		return nil, social.ErrNoRefreshToken
	}

	tok, err := provider.Refresh(ctx, grant)
	if err != nil {
		return nil, err
	}

	var expiresAt *time.Time
	if tok.ExpiresIn > 0 {
		t := time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UTC()
		expiresAt = &t
	}
	refreshToken := account.RefreshToken
	if tok.RefreshToken != "" {
		refreshToken = tok.RefreshToken
	}

	_, err = h.db.Exec(`
		UPDATE public.social_accounts
		SET access_token = $2, refresh_token = $3, expires_at = $4, updated_at = NOW()
		WHERE id = $1
	`, account.ID, tok.AccessToken, refreshToken, expiresAt)
	if err != nil {
		return nil, err
	}

	account.AccessToken = tok.AccessToken
	account.RefreshToken = refreshToken
	account.ExpiresAt = expiresAt
	return expiresAt, nil
}

// SocialValidate checks the stored token against the platform and reports
// whether it still works, and if not, which recovery path applies.
func (h *Handler) SocialValidate(w http.ResponseWriter, r *http.Request) {
	accountID := pathVar(r, "id")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account id is required")
		return
	}

	account, err := h.loadAccount(accountID)
	if err != nil {
		if err == sql.ErrNoRows {
			// Unknown or deleted account: the only recovery is connecting again.
			writeJSON(w, http.StatusOK, map[string]any{
				"valid":       false,
				"canRefresh":  false,
				"needsReauth": true,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	hasRefresh := account.RefreshToken != "" || account.Platform == "facebook" || account.Platform == "instagram"

	// A token past its stored expiry is invalid without asking the platform.
	if account.ExpiresAt != nil && time.Now().After(*account.ExpiresAt) {
		writeJSON(w, http.StatusOK, map[string]any{
			"valid":       false,
			"canRefresh":  hasRefresh,
			"needsReauth": !hasRefresh,
			"expiresAt":   account.ExpiresAt,
		})
		return
	}

	provider, err := h.social.Lookup(account.Platform)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	valid, err := provider.Validate(r.Context(), account.AccessToken)
	if err != nil {
		log.Printf("[OAuth] validate error accountId=%s platform=%s: %v", account.ID, account.Platform, err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":       valid,
		"canRefresh":  !valid && hasRefresh,
		"needsReauth": !valid && !hasRefresh,
		"expiresAt":   account.ExpiresAt,
	})
}

func (h *Handler) loadAccount(accountID string) (*models.SocialAccount, error) {
	var a models.SocialAccount
	var refreshToken sql.NullString
	var expiresAt sql.NullTime
	err := h.db.QueryRow(`
		SELECT id, user_id, platform, account_id, account_name, access_token, refresh_token, expires_at, is_active
		FROM public.social_accounts
		WHERE id = $1
	`, accountID).Scan(&a.ID, &a.UserID, &a.Platform, &a.AccountID, &a.AccountName, &a.AccessToken, &refreshToken, &expiresAt, &a.IsActive)
	if err != nil {
		return nil, err
	}
	if refreshToken.Valid {
		a.RefreshToken = refreshToken.String
	}
	a.ExpiresAt = nullTimePtr(expiresAt)
	return &a, nil
}
