package handlers

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"time"
)

// RunScheduler sweeps due scheduled posts once. Exposed over HTTP so an
// external cron can drive publishing when the in-process worker is disabled.
func (h *Handler) RunScheduler(w http.ResponseWriter, r *http.Request) {
	processed, err := h.ProcessDueScheduledPosts(r.Context())
	if err != nil {
		log.Printf("[Scheduler] sweep error: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "processed": processed})
}

// StartSchedulerWorker runs the due-post sweep on a fixed interval until ctx
// is cancelled.
func (h *Handler) StartSchedulerWorker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	log.Printf("[Scheduler] worker started interval=%s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Scheduler] worker stopped")
			return
		case <-ticker.C:
			if n, err := h.ProcessDueScheduledPosts(ctx); err != nil {
				log.Printf("[Scheduler] sweep error: %v", err)
			} else if n > 0 {
				log.Printf("[Scheduler] sweep done processed=%d", n)
			}
		}
	}
}

type claimedPost struct {
	ID       string
	UserID   string
	Platform string
	Content  string
	ImageURL sql.NullString
}

// ProcessDueScheduledPosts claims every due scheduled post in one atomic
// UPDATE, then publishes each claim. A post is never claimed twice: the
// status flip to 'publishing' is the lock, so concurrent sweeps (worker plus
// HTTP trigger) divide the work instead of double-posting.
func (h *Handler) ProcessDueScheduledPosts(ctx context.Context) (int, error) {
	rows, err := h.db.QueryContext(ctx, `
		UPDATE public.posts
		SET status = 'publishing', updated_at = NOW()
		WHERE status = 'scheduled' AND scheduled_for <= NOW()
		RETURNING id, user_id, platform, content, image_url
	`)
	if err != nil {
		return 0, err
	}

	claimed := []claimedPost{}
	for rows.Next() {
		var p claimedPost
		if err := rows.Scan(&p.ID, &p.UserID, &p.Platform, &p.Content, &p.ImageURL); err != nil {
			rows.Close()
			return 0, err
		}
		claimed = append(claimed, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	processed := 0
	for _, p := range claimed {
		h.publishClaimedPost(ctx, p)
		processed++
	}
	return processed, nil
}

func (h *Handler) publishClaimedPost(ctx context.Context, p claimedPost) {
	var mediaURLs []string
	if p.ImageURL.Valid && p.ImageURL.String != "" {
		mediaURLs = []string{p.ImageURL.String}
	}

	account, err := h.loadActiveAccountByPlatform(p.UserID, p.Platform)
	if err != nil {
		msg := "no connected " + p.Platform + " account"
		if err != sql.ErrNoRows {
			msg = err.Error()
		}
		h.markScheduledPostFailed(p, msg)
		return
	}

	result, err := h.publishToAccount(ctx, account, p.Content, mediaURLs, nil)
	h.recordPublishAttempt(p.UserID, p.ID, p.Platform, p.Content, result, err)
	if err != nil {
		h.markScheduledPostFailed(p, err.Error())
		return
	}

	_, dbErr := h.db.Exec(`
		UPDATE public.posts
		SET status = 'published', published_at = NOW(), last_publish_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, p.ID)
	if dbErr != nil {
		log.Printf("[Scheduler] status update failed postId=%s: %v", p.ID, dbErr)
	}

	h.trackEvent(p.UserID, "post_published", map[string]any{
		"postId":         p.ID,
		"platform":       p.Platform,
		"platformPostId": result.PostID,
	})
	h.rt.broadcast(p.UserID, realtimeEvent{
		Type: "post.published",
		Data: map[string]any{"postId": p.ID, "platform": p.Platform, "url": result.URL},
	})
	log.Printf("[Scheduler] published postId=%s platform=%s platformPostId=%s", p.ID, p.Platform, result.PostID)
}

func (h *Handler) markScheduledPostFailed(p claimedPost, msg string) {
	_, err := h.db.Exec(`
		UPDATE public.posts
		SET status = 'failed', last_publish_error = $2, updated_at = NOW()
		WHERE id = $1
	`, p.ID, truncate(msg, 1000))
	if err != nil {
		log.Printf("[Scheduler] failure update failed postId=%s: %v", p.ID, err)
	}
	h.rt.broadcast(p.UserID, realtimeEvent{
		Type: "post.failed",
		Data: map[string]any{"postId": p.ID, "platform": p.Platform, "error": msg},
	})
	log.Printf("[Scheduler] publish failed postId=%s platform=%s: %s", p.ID, p.Platform, msg)
}
