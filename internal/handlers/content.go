package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
)

type generateContentRequest struct {
	UserID       string `json:"userId"`
	Platform     string `json:"platform"`
	Topic        string `json:"topic"`
	Tone         string `json:"tone,omitempty"`
	BusinessType string `json:"businessType,omitempty"`
}

// GenerateContent produces a post draft. Providers are tried in cost order:
// Groq first, OpenAI second, and a local template when neither is available
// so the endpoint never hard-fails.
func (h *Handler) GenerateContent(w http.ResponseWriter, r *http.Request) {
	var req generateContentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" || req.Topic == "" {
		writeError(w, http.StatusBadRequest, "userId and topic are required")
		return
	}
	if req.Tone == "" {
		req.Tone = "professional"
	}
	if req.Platform == "" {
		req.Platform = "linkedin"
	}

	content, source := h.generateContent(r.Context(), req)
	h.trackEvent(req.UserID, "content_generated", map[string]any{
		"platform": req.Platform,
		"source":   source,
	})

	log.Printf("[Content] generated userId=%s platform=%s source=%s", req.UserID, req.Platform, source)
	writeJSON(w, http.StatusOK, map[string]string{"content": content, "source": source})
}

func (h *Handler) generateContent(ctx context.Context, req generateContentRequest) (string, string) {
	prompt := buildContentPrompt(req)

	if key := os.Getenv("GROQ_API_KEY"); key != "" {
		content, err := h.chatCompletion(ctx, h.groqEndpoint, key, "llama-3.1-8b-instant", prompt)
		if err == nil && content != "" {
			return content, "groq"
		}
		log.Printf("[Content] groq failed, falling back: %v", err)
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		content, err := h.chatCompletion(ctx, h.openaiEndpoint, key, "gpt-4o-mini", prompt)
		if err == nil && content != "" {
			return content, "openai"
		}
		log.Printf("[Content] openai failed, falling back: %v", err)
	}

	return templateContent(req), "template"
}

func buildContentPrompt(req generateContentRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a %s social media post for %s about: %s.", req.Tone, req.Platform, req.Topic)
	if req.BusinessType != "" {
		fmt.Fprintf(&b, " The business is a %s.", req.BusinessType)
	}
	b.WriteString(" Keep it concise, no hashtag spam, and end with a call to action. Return only the post text.")
	return b.String()
}

// chatCompletion calls an OpenAI-compatible chat endpoint. Groq speaks the
// same protocol, so one function covers both.
func (h *Handler) chatCompletion(ctx context.Context, endpoint, apiKey, model, prompt string) (string, error) {
	payload := map[string]any{
		"model": model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"max_tokens":  500,
		"temperature": 0.7,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := h.hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("chat completion status=%d body=%s", resp.StatusCode, truncate(string(respBody), 300))
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// templateContent is the offline fallback. Deliberately generic but usable,
// so a fresh install without AI keys still gets a draft to edit.
func templateContent(req generateContentRequest) string {
	business := req.BusinessType
	if business == "" {
		business = "business"
	}
	switch req.Platform {
	case "twitter":
		return fmt.Sprintf("Thinking about %s? Here's what every %s should know. We help you get there faster. DM us to learn more.", req.Topic, business)
	case "instagram", "facebook":
		return fmt.Sprintf("✨ %s ✨\n\nAt our %s, we believe great results start with the right approach. Want to see how? Drop a comment or send us a message!", req.Topic, business)
	default:
		return fmt.Sprintf("Let's talk about %s.\n\nAs a %s, we've seen how the right strategy changes outcomes. If this resonates, reach out. We'd love to share what works.", req.Topic, business)
	}
}
