package handlers

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/silentpilot/backend/internal/models"
	"github.com/silentpilot/backend/internal/social"
)

// tokenRefreshSkew: tokens expiring inside this window are refreshed before
// publishing rather than risking a mid-call 401.
const tokenRefreshSkew = 5 * time.Minute

type socialPostRequest struct {
	UserID    string            `json:"userId"`
	Platform  string            `json:"platform"`
	Content   string            `json:"content"`
	MediaURLs []string          `json:"mediaUrls,omitempty"`
	Options   map[string]string `json:"options,omitempty"`
	PostID    string            `json:"postId,omitempty"`
}

// SocialPost publishes content to a connected platform immediately. Every
// attempt, success or failure, lands in social_posts for the activity feed.
func (h *Handler) SocialPost(w http.ResponseWriter, r *http.Request) {
	var req socialPostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" || req.Platform == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "userId, platform and content are required")
		return
	}

	account, err := h.loadActiveAccountByPlatform(req.UserID, req.Platform)
	if err != nil {
		if err == sql.ErrNoRows {
			writeError(w, http.StatusNotFound, "no connected "+req.Platform+" account")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result, err := h.publishToAccount(r.Context(), account, req.Content, req.MediaURLs, req.Options)
	h.recordPublishAttempt(req.UserID, req.PostID, req.Platform, req.Content, result, err)
	if err != nil {
		log.Printf("[Publish] failed platform=%s userId=%s: %v", req.Platform, req.UserID, err)
		var upstream *social.UpstreamError
		switch {
		case errors.Is(err, social.ErrNotImplemented):
			writeError(w, http.StatusNotImplemented, err.Error())
		case errors.Is(err, social.ErrNotConfigured):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, social.ErrTokenExpired):
			writeError(w, http.StatusUnauthorized, err.Error())
		case errors.As(err, &upstream) && upstream.StatusCode >= 400 && upstream.StatusCode < 500:
			// Provider rules the caller can act on (instagram's no-media 422,
			// a rejected token) pass through instead of flattening to 502.
			writeError(w, upstream.StatusCode, err.Error())
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	log.Printf("[Publish] ok platform=%s userId=%s platformPostId=%s", req.Platform, req.UserID, result.PostID)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"platform":       req.Platform,
		"platformPostId": result.PostID,
		"url":            result.URL,
	})
}

// publishToAccount is the single publish path used by both the HTTP endpoint
// and the scheduler. It refreshes a stale token first, and retries once after
// an on-the-spot refresh when the platform rejects the token anyway.
func (h *Handler) publishToAccount(ctx context.Context, account *models.SocialAccount, content string, mediaURLs []string, opts map[string]string) (*social.PublishResult, error) {
	provider, err := h.social.Lookup(account.Platform)
	if err != nil {
		return nil, err
	}

	if account.ExpiresAt != nil && time.Until(*account.ExpiresAt) < tokenRefreshSkew {
		if _, err := h.refreshAccountToken(ctx, account); err != nil {
			if time.Now().After(*account.ExpiresAt) &&
				(errors.Is(err, social.ErrNoRefreshToken) || errors.Is(err, social.ErrRefreshUnsupported)) {
				// Token is already dead and there is no refresh grant; the
				// platform would only reject it.
				return nil, social.ErrTokenExpired
			}
			log.Printf("[Publish] pre-refresh failed accountId=%s platform=%s: %v", account.ID, account.Platform, err)
		}
	}

	result, err := provider.Publish(ctx, account.AccessToken, content, mediaURLs, opts)
	if err == nil {
		return result, nil
	}

	var upstream *social.UpstreamError
	if errors.As(err, &upstream) && (upstream.StatusCode == http.StatusUnauthorized || upstream.StatusCode == http.StatusForbidden) {
		if _, rerr := h.refreshAccountToken(ctx, account); rerr == nil {
			return provider.Publish(ctx, account.AccessToken, content, mediaURLs, opts)
		}
	}
	return nil, err
}

func (h *Handler) recordPublishAttempt(userID, postID, platform, content string, result *social.PublishResult, pubErr error) {
	status := "published"
	var platformPostID, postURL, errMsg any
	if pubErr != nil {
		status = "failed"
		errMsg = truncate(pubErr.Error(), 1000)
	} else {
		platformPostID = result.PostID
		postURL = result.URL
	}
	var post any
	if postID != "" {
		post = postID
	}

	_, err := h.db.Exec(`
		INSERT INTO public.social_posts
			(id, user_id, post_id, platform, content, platform_post_id, post_url, status, error, published_at)
		VALUES (gen_random_uuid()::text, $1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`, userID, post, platform, truncate(content, 5000), platformPostID, postURL, status, errMsg)
	if err != nil {
		log.Printf("[Publish] audit insert failed userId=%s platform=%s: %v", userID, platform, err)
	}
}

func (h *Handler) loadActiveAccountByPlatform(userID, platform string) (*models.SocialAccount, error) {
	var a models.SocialAccount
	var refreshToken sql.NullString
	var expiresAt sql.NullTime
	err := h.db.QueryRow(`
		SELECT id, user_id, platform, account_id, account_name, access_token, refresh_token, expires_at, is_active
		FROM public.social_accounts
		WHERE user_id = $1 AND platform = $2 AND is_active = true
		ORDER BY updated_at DESC
		LIMIT 1
	`, userID, platform).Scan(&a.ID, &a.UserID, &a.Platform, &a.AccountID, &a.AccountName, &a.AccessToken, &refreshToken, &expiresAt, &a.IsActive)
	if err != nil {
		return nil, err
	}
	if refreshToken.Valid {
		a.RefreshToken = refreshToken.String
	}
	a.ExpiresAt = nullTimePtr(expiresAt)
	return &a, nil
}
