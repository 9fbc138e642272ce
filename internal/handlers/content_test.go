package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestGenerateContentTemplateFallback(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	h, mock, _ := newTestHandler(t)

	mock.ExpectExec(`INSERT INTO public\.analytics_events`).
		WithArgs("user-1", nil, "twitter", "content_generated", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := strings.NewReader(`{"userId":"user-1","platform":"twitter","topic":"spring sale"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/content/generate", body)
	rec := httptest.NewRecorder()
	h.GenerateContent(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["source"] != "template" {
		t.Fatalf("source = %q, want template", resp["source"])
	}
	if !strings.Contains(resp["content"], "spring sale") {
		t.Fatalf("content does not mention the topic: %q", resp["content"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestGenerateContentUsesGroq(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "gsk_test")
	t.Setenv("OPENAI_API_KEY", "")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer gsk_test" {
			t.Errorf("Authorization = %q", got)
		}
		var payload struct {
			Model    string `json:"model"`
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&payload)
		if payload.Model != "llama-3.1-8b-instant" {
			t.Errorf("model = %q", payload.Model)
		}
		if len(payload.Messages) != 1 || !strings.Contains(payload.Messages[0].Content, "spring sale") {
			t.Errorf("prompt missing topic: %+v", payload.Messages)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"  Fresh drop for spring!  "}}]}`))
	}))
	defer srv.Close()

	h, mock, _ := newTestHandler(t)
	h.groqEndpoint = srv.URL

	mock.ExpectExec(`INSERT INTO public\.analytics_events`).
		WithArgs("user-1", nil, "linkedin", "content_generated", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := strings.NewReader(`{"userId":"user-1","topic":"spring sale"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/content/generate", body)
	rec := httptest.NewRecorder()
	h.GenerateContent(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["source"] != "groq" {
		t.Fatalf("source = %q, want groq", resp["source"])
	}
	if resp["content"] != "Fresh drop for spring!" {
		t.Fatalf("content = %q, want trimmed completion", resp["content"])
	}
}

func TestGenerateContentFallsBackWhenGroqFails(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "gsk_test")
	t.Setenv("OPENAI_API_KEY", "")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	h, mock, _ := newTestHandler(t)
	h.groqEndpoint = srv.URL

	mock.ExpectExec(`INSERT INTO public\.analytics_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := strings.NewReader(`{"userId":"user-1","topic":"spring sale"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/content/generate", body)
	rec := httptest.NewRecorder()
	h.GenerateContent(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["source"] != "template" {
		t.Fatalf("source = %q, want template", resp["source"])
	}
}
