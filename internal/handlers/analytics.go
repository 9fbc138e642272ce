package handlers

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
)

// trackEvent records an internal analytics row. Best-effort: failures are
// logged and never bubble into the caller's response.
func (h *Handler) trackEvent(userID, metricType string, metadata map[string]any) {
	var meta []byte
	if metadata != nil {
		meta, _ = json.Marshal(metadata)
	}
	var postID, platform any
	if metadata != nil {
		if v, ok := metadata["postId"].(string); ok && v != "" {
			postID = v
		}
		if v, ok := metadata["platform"].(string); ok && v != "" {
			platform = v
		}
	}

	_, err := h.db.Exec(`
		INSERT INTO public.analytics_events (id, user_id, post_id, platform, metric_type, metric_value, metadata, created_at)
		VALUES (gen_random_uuid()::text, $1, $2, $3, $4, 1, $5, NOW())
	`, userID, postID, platform, metricType, meta)
	if err != nil {
		log.Printf("[Analytics] track error userId=%s metric=%s: %v", userID, metricType, err)
	}
}

// TrackEvent lets the frontend record an analytics event directly.
func (h *Handler) TrackEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID     string         `json:"userId"`
		MetricType string         `json:"metricType"`
		Metadata   map[string]any `json:"metadata,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" || req.MetricType == "" {
		writeError(w, http.StatusBadRequest, "userId and metricType are required")
		return
	}

	h.trackEvent(req.UserID, req.MetricType, req.Metadata)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// GetUserAnalytics returns per-metric counts for the user over the last 30
// days, plus publish totals broken out by platform.
func (h *Handler) GetUserAnalytics(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	rows, err := h.db.Query(`
		SELECT metric_type, COUNT(*), COALESCE(SUM(metric_value), 0)
		FROM public.analytics_events
		WHERE user_id = $1 AND created_at > NOW() - INTERVAL '30 days'
		GROUP BY metric_type
	`, userID)
	if err != nil {
		log.Printf("[Analytics] summary query error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	metrics := map[string]any{}
	for rows.Next() {
		var metricType string
		var count int64
		var total float64
		if err := rows.Scan(&metricType, &count, &total); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		metrics[metricType] = map[string]any{"count": count, "total": total}
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	platformRows, err := h.db.Query(`
		SELECT platform, COUNT(*) FILTER (WHERE status = 'published'), COUNT(*) FILTER (WHERE status = 'failed')
		FROM public.social_posts
		WHERE user_id = $1 AND published_at > NOW() - INTERVAL '30 days'
		GROUP BY platform
	`, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer platformRows.Close()

	platforms := map[string]any{}
	for platformRows.Next() {
		var platform string
		var published, failed sql.NullInt64
		if err := platformRows.Scan(&platform, &published, &failed); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		platforms[platform] = map[string]int64{
			"published": published.Int64,
			"failed":    failed.Int64,
		}
	}
	if err := platformRows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"userId":    userID,
		"metrics":   metrics,
		"platforms": platforms,
	})
}
