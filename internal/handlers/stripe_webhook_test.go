package handlers

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

const testWebhookSecret = "whsec_test_secret"

func signedWebhookRequest(t *testing.T, payload []byte) *http.Request {
	t.Helper()
	ts := time.Now()
	sig := webhook.ComputeSignature(ts, payload, testWebhookSecret)
	req := httptest.NewRequest(http.MethodPost, "/api/billing/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(sig)))
	return req
}

func eventPayload(id, eventType, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"api_version":%q,"type":%q,"data":{"object":%s}}`,
		id, stripe.APIVersion, eventType, object))
}

func TestStripeWebhookRequiresSecret(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")
	h, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/billing/webhook", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	h.StripeWebhook(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestStripeWebhookMissingSignature(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", testWebhookSecret)
	h, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/billing/webhook", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	h.StripeWebhook(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var resp map[string]string
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["error"] != "missing signature" {
		t.Fatalf("error = %q", resp["error"])
	}
}

func TestStripeWebhookInvalidSignature(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", testWebhookSecret)
	h, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/billing/webhook", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=deadbeef", time.Now().Unix()))
	rec := httptest.NewRecorder()
	h.StripeWebhook(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var resp map[string]string
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["error"] != "invalid signature" {
		t.Fatalf("error = %q", resp["error"])
	}
}

func TestStripeWebhookCheckoutCompleted(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", testWebhookSecret)
	h, mock, _ := newTestHandler(t)

	mock.ExpectExec(`INSERT INTO public\.billing_events`).
		WithArgs("evt_1", "checkout.session.completed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO public\.user_subscriptions`).
		WithArgs("user-1", "starter", "cus_1", "sub_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE public\.billing_events SET processed = true`).
		WithArgs("evt_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	payload := eventPayload("evt_1", "checkout.session.completed", `{
		"id": "cs_1",
		"client_reference_id": "user-1",
		"metadata": {"user_id": "user-1", "plan_id": "starter"},
		"subscription": "sub_1",
		"customer": "cus_1"
	}`)
	rec := httptest.NewRecorder()
	h.StripeWebhook(rec, signedWebhookRequest(t, payload))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp map[string]bool
	json.NewDecoder(rec.Body).Decode(&resp)
	if !resp["received"] {
		t.Fatalf("unexpected response: %v", resp)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestStripeWebhookDuplicateEventSkipped(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", testWebhookSecret)
	h, mock, _ := newTestHandler(t)

	// Conflict on stripe_event_id: no rows inserted, no further processing.
	mock.ExpectExec(`INSERT INTO public\.billing_events`).
		WithArgs("evt_1", "checkout.session.completed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	payload := eventPayload("evt_1", "checkout.session.completed", `{"id": "cs_1"}`)
	rec := httptest.NewRecorder()
	h.StripeWebhook(rec, signedWebhookRequest(t, payload))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestStripeWebhookSubscriptionResolvedViaMetadata(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", testWebhookSecret)
	h, mock, _ := newTestHandler(t)

	mock.ExpectExec(`INSERT INTO public\.billing_events`).
		WithArgs("evt_9", "customer.subscription.updated", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Neither the subscription id nor the customer id is known yet.
	mock.ExpectExec(`UPDATE public\.user_subscriptions\s+SET status = \$2`).
		WithArgs("sub_9", "active", nil, nil, false, nil).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE public\.user_subscriptions\s+SET stripe_subscription_id = \$2`).
		WithArgs("cus_9", "sub_9", "active", nil, nil, false, nil).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO public\.user_subscriptions`).
		WithArgs("user-9", "starter", "cus_9", "sub_9", "active", nil, nil, false, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE public\.billing_events SET processed = true`).
		WithArgs("evt_9").
		WillReturnResult(sqlmock.NewResult(0, 1))

	payload := eventPayload("evt_9", "customer.subscription.updated", `{
		"id": "sub_9",
		"status": "active",
		"customer": "cus_9",
		"metadata": {"user_id": "user-9", "plan_id": "starter"}
	}`)
	rec := httptest.NewRecorder()
	h.StripeWebhook(rec, signedWebhookRequest(t, payload))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestStripeWebhookSubscriptionUnresolvableNotProcessed(t *testing.T) {
	h, mock, _ := newTestHandler(t)

	// No matching row, no customer, no metadata: the snapshot cannot be
	// attached and the event must stay unprocessed for redelivery.
	mock.ExpectExec(`UPDATE public\.user_subscriptions\s+SET status = \$2`).
		WithArgs("sub_x", "active", nil, nil, false, nil).
		WillReturnResult(sqlmock.NewResult(0, 0))

	event := stripe.Event{
		ID:   "evt_x",
		Type: "customer.subscription.updated",
		Data: &stripe.EventData{Raw: json.RawMessage(`{"id": "sub_x", "status": "active"}`)},
	}
	if h.handleSubscriptionUpsert(event) {
		t.Fatal("unresolvable subscription event must not count as handled")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestStripeWebhookSubscriptionDeleted(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", testWebhookSecret)
	h, mock, _ := newTestHandler(t)

	mock.ExpectExec(`INSERT INTO public\.billing_events`).
		WithArgs("evt_2", "customer.subscription.deleted", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`UPDATE public\.user_subscriptions\s+SET status = 'canceled'`).
		WithArgs("sub_1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("user-1"))
	mock.ExpectExec(`UPDATE public\.billing_events SET processed = true`).
		WithArgs("evt_2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	payload := eventPayload("evt_2", "customer.subscription.deleted", `{"id": "sub_1", "status": "canceled"}`)
	rec := httptest.NewRecorder()
	h.StripeWebhook(rec, signedWebhookRequest(t, payload))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestStripeWebhookInvoicePaymentFailed(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", testWebhookSecret)
	h, mock, _ := newTestHandler(t)

	mock.ExpectExec(`INSERT INTO public\.billing_events`).
		WithArgs("evt_3", "invoice.payment_failed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT user_id FROM public\.user_subscriptions WHERE stripe_customer_id = \$1`).
		WithArgs("cus_1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("user-1"))
	mock.ExpectExec(`UPDATE public\.user_subscriptions\s+SET status = 'past_due'`).
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE public\.billing_events SET processed = true`).
		WithArgs("evt_3").
		WillReturnResult(sqlmock.NewResult(0, 1))

	payload := eventPayload("evt_3", "invoice.payment_failed", `{"id": "in_1", "customer": "cus_1"}`)
	rec := httptest.NewRecorder()
	h.StripeWebhook(rec, signedWebhookRequest(t, payload))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}
