package middleware

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

type planContextKey string

const (
	PlanKey   planContextKey = "user_plan"
	LimitsKey planContextKey = "plan_limits"
)

// Requests sniffed for a body userId are capped at this size; real create
// payloads are far smaller.
const maxBodySniffBytes = 1 << 20

// PlanLimits caps what each plan may do. -1 means unlimited.
type PlanLimits struct {
	SocialAccounts int `json:"social_accounts"`
	PostsPerMonth  int `json:"posts_per_month"`
	EmailsPerMonth int `json:"emails_per_month"`
}

// SubscriptionEnforcer gates plan-limited endpoints: connecting accounts
// (the oauth exchange step, where the account row is created) and creating
// posts.
type SubscriptionEnforcer struct {
	DB     *sql.DB
	Limits map[string]PlanLimits
}

func NewSubscriptionEnforcer(db *sql.DB) *SubscriptionEnforcer {
	return &SubscriptionEnforcer{
		DB: db,
		Limits: map[string]PlanLimits{
			"free":    {SocialAccounts: 2, PostsPerMonth: 10, EmailsPerMonth: 100},
			"starter": {SocialAccounts: 5, PostsPerMonth: 100, EmailsPerMonth: 2000},
			"pro":     {SocialAccounts: -1, PostsPerMonth: -1, EmailsPerMonth: -1},
		},
	}
}

func (se *SubscriptionEnforcer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if se.shouldSkip(r) {
			next.ServeHTTP(w, r)
			return
		}

		userID := se.resolveUserID(r)
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}

		planID, err := se.getUserPlan(userID)
		if err != nil {
			planID = "free"
		}

		if !se.checkLimits(r, userID, planID) {
			se.respondLimitExceeded(w, planID)
			return
		}

		ctx := context.WithValue(r.Context(), PlanKey, planID)
		ctx = context.WithValue(ctx, LimitsKey, se.Limits[planID])
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (se *SubscriptionEnforcer) shouldSkip(r *http.Request) bool {
	skipPaths := []string{
		"/health",
		"/api/billing",
		"/api/events",
	}
	for _, path := range skipPaths {
		if strings.HasPrefix(r.URL.Path, path) {
			return true
		}
	}
	// OAuth start/callback only round-trip state; the account row is created
	// at the exchange step, which stays enforced.
	if strings.HasPrefix(r.URL.Path, "/api/oauth") && !strings.HasSuffix(r.URL.Path, "/exchange") {
		return true
	}
	return false
}

// resolveUserID finds the acting user: /user/{userId} path segments first,
// then the userId field of a JSON POST body. The body is re-buffered so the
// handler can decode it again.
func (se *SubscriptionEnforcer) resolveUserID(r *http.Request) string {
	parts := strings.Split(r.URL.Path, "/")
	for i, part := range parts {
		if part == "user" && i+1 < len(parts) {
			return parts[i+1]
		}
	}

	if r.Method != http.MethodPost || r.Body == nil {
		return ""
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySniffBytes))
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return ""
	}
	var body struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return body.UserID
}

func (se *SubscriptionEnforcer) getUserPlan(userID string) (string, error) {
	var planID string
	err := se.DB.QueryRow(`
		SELECT COALESCE(plan_id, 'free')
		FROM public.user_subscriptions
		WHERE user_id = $1 AND status IN ('active', 'trialing')
	`, userID).Scan(&planID)
	if err == sql.ErrNoRows {
		return "free", nil
	}
	return planID, err
}

func (se *SubscriptionEnforcer) checkLimits(r *http.Request, userID, planID string) bool {
	limits, ok := se.Limits[planID]
	if !ok {
		limits = se.Limits["free"]
	}
	if r.Method != http.MethodPost {
		return true
	}

	connecting := strings.HasPrefix(r.URL.Path, "/api/oauth") && strings.HasSuffix(r.URL.Path, "/exchange")
	if connecting && limits.SocialAccounts >= 0 {
		var count int
		se.DB.QueryRow(`
			SELECT COUNT(*) FROM public.social_accounts
			WHERE user_id = $1 AND is_active = true
		`, userID).Scan(&count)
		if count >= limits.SocialAccounts {
			return false
		}
	}

	if r.URL.Path == "/api/posts" && limits.PostsPerMonth >= 0 {
		var count int
		se.DB.QueryRow(`
			SELECT COUNT(*) FROM public.posts
			WHERE user_id = $1 AND created_at > date_trunc('month', NOW())
		`, userID).Scan(&count)
		if count >= limits.PostsPerMonth {
			return false
		}
	}

	return true
}

func (se *SubscriptionEnforcer) respondLimitExceeded(w http.ResponseWriter, planID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":       "subscription_limit_exceeded",
		"message":     "Your current plan has reached its limits",
		"plan":        planID,
		"limits":      se.Limits[planID],
		"upgrade_url": "/billing",
	})
}
