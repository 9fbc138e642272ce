package middleware

import (
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newTestEnforcer(t *testing.T) (*SubscriptionEnforcer, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewSubscriptionEnforcer(db), mock
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareSkipsExemptPaths(t *testing.T) {
	se, _ := newTestEnforcer(t)
	handler := se.Middleware(okHandler())

	for _, path := range []string{"/health", "/api/billing/webhook", "/api/events/ws", "/api/oauth/twitter/start", "/api/oauth/twitter/callback"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("path %s: status = %d, want passthrough", path, rec.Code)
		}
	}
}

func TestMiddlewareBlocksFreePlanAtPostLimit(t *testing.T) {
	se, mock := newTestEnforcer(t)
	handler := se.Middleware(okHandler())

	mock.ExpectQuery(`SELECT COALESCE\(plan_id, 'free'\)`).
		WithArgs("user-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM public\.posts`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))

	body := strings.NewReader(`{"userId":"user-1","platform":"twitter","content":"one more"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/posts", body)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	var resp map[string]any
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["error"] != "subscription_limit_exceeded" || resp["upgrade_url"] != "/billing" {
		t.Fatalf("unexpected body: %v", resp)
	}
}

func TestMiddlewareAllowsCreateUnderLimitAndRestoresBody(t *testing.T) {
	se, mock := newTestEnforcer(t)

	var gotPlan, gotBody string
	handler := se.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPlan, _ = r.Context().Value(PlanKey).(string)
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.WriteHeader(http.StatusOK)
	}))

	mock.ExpectQuery(`SELECT COALESCE\(plan_id, 'free'\)`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"plan_id"}).AddRow("starter"))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM public\.posts`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	payload := `{"userId":"user-1","platform":"twitter","content":"hello"}`
	req := httptest.NewRequest(http.MethodPost, "/api/posts", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if gotPlan != "starter" {
		t.Fatalf("plan in context = %q, want starter", gotPlan)
	}
	if gotBody != payload {
		t.Fatalf("handler body = %q, want the original payload", gotBody)
	}
}

func TestMiddlewareBlocksExchangeAtAccountLimit(t *testing.T) {
	se, mock := newTestEnforcer(t)
	handler := se.Middleware(okHandler())

	mock.ExpectQuery(`SELECT COALESCE\(plan_id, 'free'\)`).
		WithArgs("user-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM public\.social_accounts`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	body := strings.NewReader(`{"userId":"user-1","code":"auth-code"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/oauth/linkedin/exchange", body)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
}

func TestMiddlewareProPlanUnlimited(t *testing.T) {
	se, mock := newTestEnforcer(t)
	handler := se.Middleware(okHandler())

	// No count query expected: pro has no caps.
	mock.ExpectQuery(`SELECT COALESCE\(plan_id, 'free'\)`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"plan_id"}).AddRow("pro"))

	body := strings.NewReader(`{"userId":"user-1","platform":"twitter","content":"hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/posts", body)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestResolveUserID(t *testing.T) {
	se, _ := newTestEnforcer(t)

	pathCases := map[string]string{
		"/api/posts/user/user-9":      "user-9",
		"/api/leads/user/abc":         "abc",
		"/api/social-accounts/sa-1":   "",
		"/api/analytics/user/user-2/": "user-2",
	}
	for path, want := range pathCases {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if got := se.resolveUserID(req); got != want {
			t.Fatalf("resolveUserID(%s) = %q, want %q", path, got, want)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/api/posts", strings.NewReader(`{"userId":"user-7"}`))
	if got := se.resolveUserID(req); got != "user-7" {
		t.Fatalf("body userId = %q, want user-7", got)
	}

	// GET bodies are never sniffed.
	req = httptest.NewRequest(http.MethodGet, "/api/posts", strings.NewReader(`{"userId":"user-7"}`))
	if got := se.resolveUserID(req); got != "" {
		t.Fatalf("resolveUserID on GET = %q, want empty", got)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/posts", strings.NewReader(`not json`))
	if got := se.resolveUserID(req); got != "" {
		t.Fatalf("resolveUserID on bad json = %q, want empty", got)
	}
}
