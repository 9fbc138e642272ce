package handlers

import (
	"database/sql"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/silentpilot/backend/internal/models"
	"github.com/silentpilot/backend/internal/social"
)

type Handler struct {
	db     *sql.DB
	social *social.Registry
	rt     *realtimeHub
	hc     *http.Client

	// Overridable in tests.
	groqEndpoint   string
	openaiEndpoint string
	resendEndpoint string
}

func New(db *sql.DB) *Handler {
	return NewWithRegistry(db, social.DefaultRegistry())
}

func NewWithRegistry(db *sql.DB, reg *social.Registry) *Handler {
	return &Handler{
		db:             db,
		social:         reg,
		rt:             newRealtimeHub(),
		hc:             &http.Client{Timeout: 30 * time.Second},
		groqEndpoint:   "https://api.groq.com/openai/v1/chat/completions",
		openaiEndpoint: "https://api.openai.com/v1/chat/completions",
		resendEndpoint: "https://api.resend.com/emails",
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// GetUserSocialAccounts lists the user's connected accounts (tokens excluded).
func (h *Handler) GetUserSocialAccounts(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	rows, err := h.db.Query(`
		SELECT id, user_id, platform, account_id, account_name, expires_at, is_active, metadata, created_at, updated_at
		FROM public.social_accounts
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		log.Printf("[Accounts] query error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	accounts := []models.SocialAccount{}
	for rows.Next() {
		var a models.SocialAccount
		var expiresAt sql.NullTime
		var metadata []byte
		if err := rows.Scan(&a.ID, &a.UserID, &a.Platform, &a.AccountID, &a.AccountName, &expiresAt, &a.IsActive, &metadata, &a.CreatedAt, &a.UpdatedAt); err != nil {
			log.Printf("[Accounts] scan error userId=%s: %v", userID, err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		a.ExpiresAt = nullTimePtr(expiresAt)
		a.Metadata = metadata
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, accounts)
}

// DisconnectSocialAccount soft-disables an account. The row is kept so a later
// reconnect upserts over it instead of creating a duplicate.
func (h *Handler) DisconnectSocialAccount(w http.ResponseWriter, r *http.Request) {
	accountID := pathVar(r, "id")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account id is required")
		return
	}

	res, err := h.db.Exec(`
		UPDATE public.social_accounts
		SET is_active = false, updated_at = NOW()
		WHERE id = $1
	`, accountID)
	if err != nil {
		log.Printf("[Accounts] disconnect error accountId=%s: %v", accountID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

type createPostRequest struct {
	UserID       string     `json:"userId"`
	Platform     string     `json:"platform"`
	Content      string     `json:"content"`
	ImageURL     *string    `json:"imageUrl,omitempty"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
	Status       string     `json:"status,omitempty"`
}

func (h *Handler) CreatePost(w http.ResponseWriter, r *http.Request) {
	var req createPostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" || req.Platform == "" || strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "userId, platform and content are required")
		return
	}
	if _, err := h.social.Lookup(req.Platform); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := req.Status
	switch status {
	case "":
		status = "draft"
		if req.ScheduledFor != nil {
			status = "scheduled"
		}
	case "draft", "scheduled":
	default:
		writeError(w, http.StatusBadRequest, "status must be draft or scheduled")
		return
	}
	if status == "scheduled" && req.ScheduledFor == nil {
		writeError(w, http.StatusBadRequest, "scheduledFor is required for scheduled posts")
		return
	}

	var post models.Post
	var imageURL sql.NullString
	var scheduledFor sql.NullTime
	err := h.db.QueryRow(`
		INSERT INTO public.posts (id, user_id, platform, content, image_url, scheduled_for, status, created_at, updated_at)
		VALUES (gen_random_uuid()::text, $1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING id, user_id, platform, content, image_url, scheduled_for, status, created_at, updated_at
	`, req.UserID, req.Platform, req.Content, req.ImageURL, req.ScheduledFor, status).Scan(
		&post.ID, &post.UserID, &post.Platform, &post.Content, &imageURL, &scheduledFor, &post.Status, &post.CreatedAt, &post.UpdatedAt,
	)
	if err != nil {
		log.Printf("[Posts] create error userId=%s: %v", req.UserID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	post.ImageURL = nullStringPtr(imageURL)
	post.ScheduledFor = nullTimePtr(scheduledFor)

	writeJSON(w, http.StatusCreated, post)
}

func (h *Handler) ListPostsForUser(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	limit := parseLimit(r, 50, 1, 200)

	query := `
		SELECT id, user_id, platform, content, image_url, scheduled_for, status, published_at, last_publish_error, created_at, updated_at
		FROM public.posts
		WHERE user_id = $1
	`
	args := []any{userID}
	if st := r.URL.Query().Get("status"); st != "" {
		query += ` AND status = $2`
		args = append(args, st)
	}
	query += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit)

	rows, err := h.db.Query(query, args...)
	if err != nil {
		log.Printf("[Posts] list error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	posts := []models.Post{}
	for rows.Next() {
		var p models.Post
		var imageURL, lastErr sql.NullString
		var scheduledFor, publishedAt sql.NullTime
		if err := rows.Scan(&p.ID, &p.UserID, &p.Platform, &p.Content, &imageURL, &scheduledFor, &p.Status, &publishedAt, &lastErr, &p.CreatedAt, &p.UpdatedAt); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		p.ImageURL = nullStringPtr(imageURL)
		p.ScheduledFor = nullTimePtr(scheduledFor)
		p.PublishedAt = nullTimePtr(publishedAt)
		p.LastPublishError = nullStringPtr(lastErr)
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, posts)
}

func (h *Handler) UpdatePost(w http.ResponseWriter, r *http.Request) {
	postID := pathVar(r, "id")
	if postID == "" {
		writeError(w, http.StatusBadRequest, "post id is required")
		return
	}

	var req struct {
		Content      *string    `json:"content,omitempty"`
		ImageURL     *string    `json:"imageUrl,omitempty"`
		ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
		Status       *string    `json:"status,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Status != nil && *req.Status != "draft" && *req.Status != "scheduled" {
		writeError(w, http.StatusBadRequest, "status must be draft or scheduled")
		return
	}

	// Published posts are immutable history.
	res, err := h.db.Exec(`
		UPDATE public.posts
		SET content = COALESCE($2, content),
		    image_url = COALESCE($3, image_url),
		    scheduled_for = COALESCE($4, scheduled_for),
		    status = COALESCE($5, status),
		    last_publish_error = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status != 'published'
	`, postID, req.Content, req.ImageURL, req.ScheduledFor, req.Status)
	if err != nil {
		log.Printf("[Posts] update error postId=%s: %v", postID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		writeError(w, http.StatusNotFound, "post not found or already published")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *Handler) DeletePost(w http.ResponseWriter, r *http.Request) {
	postID := pathVar(r, "id")
	if postID == "" {
		writeError(w, http.StatusBadRequest, "post id is required")
		return
	}

	res, err := h.db.Exec(`DELETE FROM public.posts WHERE id = $1`, postID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		writeError(w, http.StatusNotFound, "post not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) CreateLead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string  `json:"userId"`
		Name    string  `json:"name"`
		Email   string  `json:"email"`
		Company *string `json:"company,omitempty"`
		Source  *string `json:"source,omitempty"`
		Notes   *string `json:"notes,omitempty"`
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
		INSERT INTO public.leads (id, user_id, name, email, company, status, source, notes, created_at, updated_at)
		VALUES (gen_random_uuid()::text, $1, $2, $3, $4, 'new', $5, $6, NOW(), NOW())
		RETURNING id
	`, req.UserID, req.Name, req.Email, req.Company, req.Source, req.Notes).Scan(&id)
	if err != nil {
		log.Printf("[Leads] create error userId=%s: %v", req.UserID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handler) ListLeadsForUser(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	limit := parseLimit(r, 100, 1, 500)

	rows, err := h.db.Query(`
		SELECT id, user_id, name, email, company, status, source, notes, created_at, updated_at
		FROM public.leads
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		log.Printf("[Leads] list error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	leads := []models.Lead{}
	for rows.Next() {
		var l models.Lead
		var company, source, notes sql.NullString
		if err := rows.Scan(&l.ID, &l.UserID, &l.Name, &l.Email, &company, &l.Status, &source, &notes, &l.CreatedAt, &l.UpdatedAt); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		l.Company = nullStringPtr(company)
		l.Source = nullStringPtr(source)
		l.Notes = nullStringPtr(notes)
		leads = append(leads, l)
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, leads)
}

func (h *Handler) UpdateLead(w http.ResponseWriter, r *http.Request) {
	leadID := pathVar(r, "id")
	if leadID == "" {
		writeError(w, http.StatusBadRequest, "lead id is required")
		return
	}

	var req struct {
		Name    *string `json:"name,omitempty"`
		Email   *string `json:"email,omitempty"`
		Company *string `json:"company,omitempty"`
		Status  *string `json:"status,omitempty"`
		Notes   *string `json:"notes,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.db.Exec(`
		UPDATE public.leads
		SET name = COALESCE($2, name),
		    email = COALESCE($3, email),
		    company = COALESCE($4, company),
		    status = COALESCE($5, status),
		    notes = COALESCE($6, notes),
		    updated_at = NOW()
		WHERE id = $1
	`, leadID, req.Name, req.Email, req.Company, req.Status, req.Notes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		writeError(w, http.StatusNotFound, "lead not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *Handler) DeleteLead(w http.ResponseWriter, r *http.Request) {
	leadID := pathVar(r, "id")
	if leadID == "" {
		writeError(w, http.StatusBadRequest, "lead id is required")
		return
	}

	res, err := h.db.Exec(`DELETE FROM public.leads WHERE id = $1`, leadID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		writeError(w, http.StatusNotFound, "lead not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) CreateEmailCampaign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string  `json:"userId"`
		Name    string  `json:"name"`
		Subject string  `json:"subject"`
		Content string  `json:"content"`
		ReplyTo *string `json:"replyTo,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" || req.Subject == "" {
		writeError(w, http.StatusBadRequest, "userId and subject are required")
		return
	}

	var id string
	err := h.db.QueryRow(`
		INSERT INTO public.email_campaigns (id, user_id, name, subject, content, reply_to, status, created_at, updated_at)
		VALUES (gen_random_uuid()::text, $1, $2, $3, $4, $5, 'draft', NOW(), NOW())
		RETURNING id
	`, req.UserID, req.Name, req.Subject, req.Content, req.ReplyTo).Scan(&id)
	if err != nil {
		log.Printf("[Email] campaign create error userId=%s: %v", req.UserID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handler) ListEmailCampaignsForUser(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	rows, err := h.db.Query(`
		SELECT id, user_id, name, subject, content, reply_to, status, sent_at, created_at, updated_at
		FROM public.email_campaigns
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	campaigns := []models.EmailCampaign{}
	for rows.Next() {
		var c models.EmailCampaign
		var replyTo sql.NullString
		var sentAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Subject, &c.Content, &replyTo, &c.Status, &sentAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		c.ReplyTo = nullStringPtr(replyTo)
		c.SentAt = nullTimePtr(sentAt)
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, campaigns)
}

func (h *Handler) DeleteEmailCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID := pathVar(r, "id")
	if campaignID == "" {
		writeError(w, http.StatusBadRequest, "campaign id is required")
		return
	}

	res, err := h.db.Exec(`DELETE FROM public.email_campaigns WHERE id = $1 AND status = 'draft'`, campaignID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		writeError(w, http.StatusNotFound, "campaign not found or already sent")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
