package handlers

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

const webhookMaxBodyBytes = int64(65536)

// StripeWebhook verifies and ingests Stripe events. Every verified event is
// written to billing_events before any state change; duplicate deliveries
// (same Stripe event id) are acknowledged without reprocessing.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	webhookSecret := os.Getenv("STRIPE_WEBHOOK_SECRET")
	if webhookSecret == "" {
		log.Printf("[Billing][Webhook] STRIPE_WEBHOOK_SECRET not set")
		writeError(w, http.StatusInternalServerError, "webhook secret not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookMaxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("[Billing][Webhook] read error: %v", err)
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		writeError(w, http.StatusBadRequest, "missing signature")
		return
	}

	event, err := webhook.ConstructEvent(payload, sig, webhookSecret)
	if err != nil {
		log.Printf("[Billing][Webhook] signature verification error: %v", err)
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	h.processStripeEvent(event)
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// processStripeEvent appends the event to the audit log and applies it.
// The insert doubles as the idempotency check: a conflict on stripe_event_id
// means Stripe redelivered and the work is already done (or in flight).
func (h *Handler) processStripeEvent(event stripe.Event) {
	res, err := h.db.Exec(`
		INSERT INTO public.billing_events (id, stripe_event_id, event_type, data, processed, created_at)
		VALUES (gen_random_uuid()::text, $1, $2, $3, false, NOW())
		ON CONFLICT (stripe_event_id) DO NOTHING
	`, event.ID, string(event.Type), []byte(event.Data.Raw))
	if err != nil {
		log.Printf("[Billing][Webhook] event save error eventId=%s: %v", event.ID, err)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		log.Printf("[Billing][Webhook] duplicate event skipped eventId=%s type=%s", event.ID, event.Type)
		return
	}

	ok := true
	switch event.Type {
	case "checkout.session.completed":
		ok = h.handleCheckoutCompleted(event)
	case "customer.subscription.created", "customer.subscription.updated":
		ok = h.handleSubscriptionUpsert(event)
	case "customer.subscription.deleted":
		ok = h.handleSubscriptionDeleted(event)
	case "invoice.paid", "invoice.payment_succeeded":
		ok = h.handleInvoicePaid(event)
	case "invoice.payment_failed":
		ok = h.handleInvoicePaymentFailed(event)
	case "payment_method.attached":
		ok = h.handlePaymentMethodAttached(event)
	case "payment_method.detached":
		ok = h.handlePaymentMethodDetached(event)
	default:
		log.Printf("[Billing][Webhook] unhandled event type=%s eventId=%s", event.Type, event.ID)
	}

	if ok {
		if _, err := h.db.Exec(`
			UPDATE public.billing_events SET processed = true WHERE stripe_event_id = $1
		`, event.ID); err != nil {
			log.Printf("[Billing][Webhook] processed flag update error eventId=%s: %v", event.ID, err)
		}
	}
}

// handleCheckoutCompleted creates the subscription row as soon as checkout
// finishes. Status starts at 'trialing'; the subsequent subscription events
// from Stripe settle the real status and period.
func (h *Handler) handleCheckoutCompleted(event stripe.Event) bool {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		log.Printf("[Billing][Checkout] unmarshal error eventId=%s: %v", event.ID, err)
		return false
	}

	userID := session.Metadata["user_id"]
	if userID == "" {
		userID = session.ClientReferenceID
	}
	planID := session.Metadata["plan_id"]
	if userID == "" || planID == "" {
		log.Printf("[Billing][Checkout] missing user_id/plan_id metadata eventId=%s", event.ID)
		return false
	}

	var subscriptionID, customerID any
	if session.Subscription != nil {
		subscriptionID = session.Subscription.ID
	}
	if session.Customer != nil {
		customerID = session.Customer.ID
	}

	_, err := h.db.Exec(`
		INSERT INTO public.user_subscriptions
			(id, user_id, plan_id, stripe_customer_id, stripe_subscription_id, status, billing_cycle, created_at, updated_at)
		VALUES (gen_random_uuid()::text, $1, $2, $3, $4, 'trialing', 'monthly', NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			plan_id = EXCLUDED.plan_id,
			stripe_customer_id = COALESCE(EXCLUDED.stripe_customer_id, user_subscriptions.stripe_customer_id),
			stripe_subscription_id = COALESCE(EXCLUDED.stripe_subscription_id, user_subscriptions.stripe_subscription_id),
			status = 'trialing',
			cancel_at_period_end = false,
			updated_at = NOW()
	`, userID, planID, customerID, subscriptionID)
	if err != nil {
		log.Printf("[Billing][Checkout] subscription upsert error eventId=%s userId=%s: %v", event.ID, userID, err)
		return false
	}

	h.rt.broadcast(userID, realtimeEvent{
		Type: "subscription.updated",
		Data: map[string]any{"planId": planID, "status": "trialing"},
	})
	log.Printf("[Billing][Checkout] completed userId=%s planId=%s", userID, planID)
	return true
}

func (h *Handler) handleSubscriptionUpsert(event stripe.Event) bool {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		log.Printf("[Billing][Subscription] unmarshal error eventId=%s: %v", event.ID, err)
		return false
	}

	res, err := h.db.Exec(`
		UPDATE public.user_subscriptions
		SET status = $2,
		    current_period_start = $3,
		    current_period_end = $4,
		    cancel_at_period_end = $5,
		    trial_end = $6,
		    updated_at = NOW()
		WHERE stripe_subscription_id = $1
	`, sub.ID, string(sub.Status),
		unixTimePtr(sub.CurrentPeriodStart), unixTimePtr(sub.CurrentPeriodEnd),
		sub.CancelAtPeriodEnd, unixTimePtr(sub.TrialEnd))
	if err != nil {
		log.Printf("[Billing][Subscription] update error subId=%s: %v", sub.ID, err)
		return false
	}
	matched, _ := res.RowsAffected()

	var customerID string
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}

	if matched == 0 && customerID != "" {
		// Subscription event raced ahead of checkout.session.completed; try to
		// attach by customer instead.
		res, err = h.db.Exec(`
			UPDATE public.user_subscriptions
			SET stripe_subscription_id = $2, status = $3,
			    current_period_start = $4, current_period_end = $5,
			    cancel_at_period_end = $6, trial_end = $7, updated_at = NOW()
			WHERE stripe_customer_id = $1
		`, customerID, sub.ID, string(sub.Status),
			unixTimePtr(sub.CurrentPeriodStart), unixTimePtr(sub.CurrentPeriodEnd),
			sub.CancelAtPeriodEnd, unixTimePtr(sub.TrialEnd))
		if err != nil {
			log.Printf("[Billing][Subscription] customer attach error customerId=%s: %v", customerID, err)
			return false
		}
		matched, _ = res.RowsAffected()
	}

	if matched == 0 {
		// First sight of this subscription: fall back to the user id Stripe
		// echoes back from the checkout metadata.
		userID := sub.Metadata["user_id"]
		if userID == "" {
			log.Printf("[Billing][Subscription] cannot resolve user subId=%s customerId=%s", sub.ID, customerID)
			return false
		}
		planID := sub.Metadata["plan_id"]
		if planID == "" {
			planID = "free"
		}
		var customer any
		if customerID != "" {
			customer = customerID
		}
		_, err = h.db.Exec(`
			INSERT INTO public.user_subscriptions
				(id, user_id, plan_id, stripe_customer_id, stripe_subscription_id, status, billing_cycle,
				 current_period_start, current_period_end, cancel_at_period_end, trial_end, created_at, updated_at)
			VALUES (gen_random_uuid()::text, $1, $2, $3, $4, $5, 'monthly', $6, $7, $8, $9, NOW(), NOW())
			ON CONFLICT (user_id) DO UPDATE SET
				stripe_customer_id = COALESCE(EXCLUDED.stripe_customer_id, user_subscriptions.stripe_customer_id),
				stripe_subscription_id = EXCLUDED.stripe_subscription_id,
				status = EXCLUDED.status,
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				trial_end = EXCLUDED.trial_end,
				updated_at = NOW()
		`, userID, planID, customer, sub.ID, string(sub.Status),
			unixTimePtr(sub.CurrentPeriodStart), unixTimePtr(sub.CurrentPeriodEnd),
			sub.CancelAtPeriodEnd, unixTimePtr(sub.TrialEnd))
		if err != nil {
			log.Printf("[Billing][Subscription] metadata insert error userId=%s subId=%s: %v", userID, sub.ID, err)
			return false
		}
	}

	log.Printf("[Billing][Subscription] upsert subId=%s status=%s", sub.ID, sub.Status)
	return true
}

func (h *Handler) handleSubscriptionDeleted(event stripe.Event) bool {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		log.Printf("[Billing][Subscription] unmarshal error eventId=%s: %v", event.ID, err)
		return false
	}

	var userID string
	err := h.db.QueryRow(`
		UPDATE public.user_subscriptions
		SET status = 'canceled', cancel_at_period_end = false, updated_at = NOW()
		WHERE stripe_subscription_id = $1
		RETURNING user_id
	`, sub.ID).Scan(&userID)
	if err != nil {
		log.Printf("[Billing][Subscription] cancel error subId=%s: %v", sub.ID, err)
		return false
	}

	h.rt.broadcast(userID, realtimeEvent{
		Type: "subscription.updated",
		Data: map[string]any{"status": "canceled"},
	})
	log.Printf("[Billing][Subscription] canceled subId=%s userId=%s", sub.ID, userID)
	return true
}

func (h *Handler) handleInvoicePaid(event stripe.Event) bool {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		log.Printf("[Billing][Invoice] unmarshal error eventId=%s: %v", event.ID, err)
		return false
	}

	userID, ok := h.userIDForCustomer(invoice.Customer)
	if !ok {
		return false
	}

	var billingReason any
	if invoice.BillingReason != "" {
		billingReason = string(invoice.BillingReason)
	}
	_, err := h.db.Exec(`
		INSERT INTO public.invoices
			(id, user_id, stripe_invoice_id, amount_due, amount_paid, currency, status,
			 invoice_pdf, hosted_invoice_url, billing_reason, period_start, period_end, paid_at, created_at)
		VALUES (gen_random_uuid()::text, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		ON CONFLICT (stripe_invoice_id) DO UPDATE SET
			amount_due = EXCLUDED.amount_due,
			amount_paid = EXCLUDED.amount_paid,
			status = EXCLUDED.status,
			invoice_pdf = EXCLUDED.invoice_pdf,
			hosted_invoice_url = EXCLUDED.hosted_invoice_url,
			paid_at = EXCLUDED.paid_at
	`, userID, invoice.ID, invoice.AmountDue, invoice.AmountPaid,
		string(invoice.Currency), string(invoice.Status),
		invoice.InvoicePDF, invoice.HostedInvoiceURL, billingReason,
		unixTimePtr(invoice.PeriodStart), unixTimePtr(invoice.PeriodEnd))
	if err != nil {
		log.Printf("[Billing][Invoice] save error invoiceId=%s: %v", invoice.ID, err)
		return false
	}

	// A paid invoice clears any past_due flag.
	_, err = h.db.Exec(`
		UPDATE public.user_subscriptions
		SET status = 'active', updated_at = NOW()
		WHERE user_id = $1 AND status = 'past_due'
	`, userID)
	if err != nil {
		log.Printf("[Billing][Invoice] status clear error userId=%s: %v", userID, err)
	}

	log.Printf("[Billing][Invoice] paid invoiceId=%s userId=%s amount=%d", invoice.ID, userID, invoice.AmountPaid)
	return true
}

func (h *Handler) handleInvoicePaymentFailed(event stripe.Event) bool {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		log.Printf("[Billing][Invoice] unmarshal error eventId=%s: %v", event.ID, err)
		return false
	}

	userID, ok := h.userIDForCustomer(invoice.Customer)
	if !ok {
		return false
	}

	_, err := h.db.Exec(`
		UPDATE public.user_subscriptions
		SET status = 'past_due', updated_at = NOW()
		WHERE user_id = $1 AND status != 'canceled'
	`, userID)
	if err != nil {
		log.Printf("[Billing][Invoice] past_due update error userId=%s: %v", userID, err)
		return false
	}

	h.rt.broadcast(userID, realtimeEvent{
		Type: "subscription.updated",
		Data: map[string]any{"status": "past_due"},
	})
	log.Printf("[Billing][Invoice] payment failed invoiceId=%s userId=%s", invoice.ID, userID)
	return true
}

func (h *Handler) handlePaymentMethodAttached(event stripe.Event) bool {
	var pm stripe.PaymentMethod
	if err := json.Unmarshal(event.Data.Raw, &pm); err != nil {
		log.Printf("[Billing][PaymentMethod] unmarshal error eventId=%s: %v", event.ID, err)
		return false
	}

	userID, ok := h.userIDForCustomer(pm.Customer)
	if !ok {
		return false
	}

	var brand, last4 any
	var expMonth, expYear any
	if pm.Card != nil {
		brand = string(pm.Card.Brand)
		last4 = pm.Card.Last4
		expMonth = pm.Card.ExpMonth
		expYear = pm.Card.ExpYear
	}

	_, err := h.db.Exec(`
		INSERT INTO public.payment_methods
			(id, user_id, stripe_payment_method_id, type, brand, last4, exp_month, exp_year, is_default, created_at, updated_at)
		VALUES (gen_random_uuid()::text, $1, $2, $3, $4, $5, $6, $7, false, NOW(), NOW())
		ON CONFLICT (stripe_payment_method_id) DO UPDATE SET
			brand = EXCLUDED.brand,
			last4 = EXCLUDED.last4,
			exp_month = EXCLUDED.exp_month,
			exp_year = EXCLUDED.exp_year,
			updated_at = NOW()
	`, userID, pm.ID, string(pm.Type), brand, last4, expMonth, expYear)
	if err != nil {
		log.Printf("[Billing][PaymentMethod] save error pmId=%s: %v", pm.ID, err)
		return false
	}

	log.Printf("[Billing][PaymentMethod] attached pmId=%s userId=%s", pm.ID, userID)
	return true
}

func (h *Handler) handlePaymentMethodDetached(event stripe.Event) bool {
	var pm stripe.PaymentMethod
	if err := json.Unmarshal(event.Data.Raw, &pm); err != nil {
		log.Printf("[Billing][PaymentMethod] unmarshal error eventId=%s: %v", event.ID, err)
		return false
	}

	_, err := h.db.Exec(`
		DELETE FROM public.payment_methods WHERE stripe_payment_method_id = $1
	`, pm.ID)
	if err != nil {
		log.Printf("[Billing][PaymentMethod] delete error pmId=%s: %v", pm.ID, err)
		return false
	}

	log.Printf("[Billing][PaymentMethod] detached pmId=%s", pm.ID)
	return true
}

func (h *Handler) userIDForCustomer(customer *stripe.Customer) (string, bool) {
	if customer == nil || customer.ID == "" {
		log.Printf("[Billing] event carries no customer")
		return "", false
	}
	var userID string
	err := h.db.QueryRow(`
		SELECT user_id FROM public.user_subscriptions WHERE stripe_customer_id = $1
	`, customer.ID).Scan(&userID)
	if err != nil {
		log.Printf("[Billing] user lookup error customerId=%s: %v", customer.ID, err)
		return "", false
	}
	return userID, true
}
