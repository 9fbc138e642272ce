package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
)

// SubscribeEmail adds (or re-activates) a subscriber on a user's list.
func (h *Handler) SubscribeEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string  `json:"userId"`
		Email     string  `json:"email"`
		FirstName *string `json:"firstName,omitempty"`
		LastName  *string `json:"lastName,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" || req.Email == "" {
		writeError(w, http.StatusBadRequest, "userId and email are required")
		return
	}

	var id string
	err := h.db.QueryRow(`
		INSERT INTO public.email_subscribers (id, user_id, email, first_name, last_name, status, created_at)
		VALUES (gen_random_uuid()::text, $1, $2, $3, $4, 'active', NOW())
		ON CONFLICT (user_id, email) DO UPDATE SET
			first_name = COALESCE(EXCLUDED.first_name, email_subscribers.first_name),
			last_name = COALESCE(EXCLUDED.last_name, email_subscribers.last_name),
			status = 'active'
		RETURNING id
	`, req.UserID, strings.ToLower(strings.TrimSpace(req.Email)), req.FirstName, req.LastName).Scan(&id)
	if err != nil {
		log.Printf("[Email] subscribe error userId=%s: %v", req.UserID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "subscribed"})
}

// UnsubscribeEmail flips a subscriber to unsubscribed. The row stays so the
// address is never re-added by a later import.
func (h *Handler) UnsubscribeEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
		Email  string `json:"email"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" || req.Email == "" {
		writeError(w, http.StatusBadRequest, "userId and email are required")
		return
	}

	res, err := h.db.Exec(`
		UPDATE public.email_subscribers SET status = 'unsubscribed'
		WHERE user_id = $1 AND email = $2
	`, req.UserID, strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		writeError(w, http.StatusNotFound, "subscriber not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
}

// SendEmailCampaign sends a draft campaign to every active subscriber.
// Placeholders like {{first_name}} are substituted per recipient. A campaign
// only flips to 'sent' when at least one delivery succeeded.
func (h *Handler) SendEmailCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID := pathVar(r, "id")
	if campaignID == "" {
		writeError(w, http.StatusBadRequest, "campaign id is required")
		return
	}

	var userID, name, subject, content, status string
	var replyTo sql.NullString
	err := h.db.QueryRow(`
		SELECT user_id, name, subject, content, reply_to, status
		FROM public.email_campaigns
		WHERE id = $1
	`, campaignID).Scan(&userID, &name, &subject, &content, &replyTo, &status)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if status != "draft" {
		writeError(w, http.StatusConflict, "campaign already sent")
		return
	}

	rows, err := h.db.Query(`
		SELECT email, first_name, last_name
		FROM public.email_subscribers
		WHERE user_id = $1 AND status = 'active'
	`, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	type recipient struct {
		email, firstName, lastName string
	}
	recipients := []recipient{}
	for rows.Next() {
		var rec recipient
		var first, last sql.NullString
		if err := rows.Scan(&rec.email, &first, &last); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		rec.firstName = first.String
		rec.lastName = last.String
		recipients = append(recipients, rec)
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(recipients) == 0 {
		writeError(w, http.StatusConflict, "no active subscribers")
		return
	}

	sent, failed := 0, 0
	for _, rec := range recipients {
		personalized := substitutePlaceholders(content, map[string]string{
			"first_name": rec.firstName,
			"last_name":  rec.lastName,
			"email":      rec.email,
		})
		if err := h.sendEmail(r.Context(), rec.email, subject, personalized, replyTo.String); err != nil {
			log.Printf("[Email] send failed campaignId=%s to=%s: %v", campaignID, rec.email, err)
			failed++
			continue
		}
		sent++
	}

	if sent > 0 {
		_, err = h.db.Exec(`
			UPDATE public.email_campaigns
			SET status = 'sent', sent_at = NOW(), updated_at = NOW()
			WHERE id = $1
		`, campaignID)
		if err != nil {
			log.Printf("[Email] campaign status update error campaignId=%s: %v", campaignID, err)
		}
	}

	h.trackEvent(userID, "email_campaign_sent", map[string]any{
		"campaignId": campaignID,
		"sent":       sent,
		"failed":     failed,
	})

	log.Printf("[Email] campaign sent campaignId=%s name=%q sent=%d failed=%d", campaignID, name, sent, failed)
	writeJSON(w, http.StatusOK, map[string]any{"sent": sent, "failed": failed})
}

// substitutePlaceholders replaces {{key}} tokens. Unknown tokens are left
// intact so typos are visible in the delivered email rather than silently
// blanked.
func substitutePlaceholders(content string, vars map[string]string) string {
	for k, v := range vars {
		if v == "" {
			continue
		}
		content = strings.ReplaceAll(content, "{{"+k+"}}", v)
	}
	return content
}

func (h *Handler) sendEmail(ctx context.Context, to, subject, htmlBody, replyTo string) error {
	apiKey := os.Getenv("RESEND_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("RESEND_API_KEY not set")
	}
	from := os.Getenv("EMAIL_FROM")
	if from == "" {
		from = "noreply@silentpilot.app"
	}

	payload := map[string]any{
		"from":    from,
		"to":      []string{to},
		"subject": subject,
		"html":    htmlBody,
	}
	if replyTo != "" {
		payload["reply_to"] = replyTo
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.resendEndpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := h.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("resend status=%d body=%s", resp.StatusCode, truncate(string(respBody), 300))
	}
	return nil
}
