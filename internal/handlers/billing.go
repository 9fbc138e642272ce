package handlers

import (
	"database/sql"
	"log"
	"net/http"
	"os"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"

	"github.com/silentpilot/backend/internal/models"
)

type BillingPlan struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Description   *string `json:"description,omitempty"`
	PriceCents    int     `json:"priceCents"`
	Currency      string  `json:"currency"`
	Interval      string  `json:"interval"`
	StripePriceID *string `json:"stripePriceId,omitempty"`
	IsActive      bool    `json:"isActive"`
}

var stripeClient *client.API

func initStripe() {
	if stripeClient != nil {
		return
	}
	secretKey := os.Getenv("STRIPE_SECRET_KEY")
	if secretKey == "" {
		log.Printf("[Billing] STRIPE_SECRET_KEY not set, Stripe features disabled")
		return
	}
	stripeClient = &client.API{}
	stripeClient.Init(secretKey, nil)
}

// GetBillingPlans returns the active plans, cheapest first.
func (h *Handler) GetBillingPlans(w http.ResponseWriter, r *http.Request) {
	rows, err := h.db.Query(`
		SELECT id, name, description, price_cents, currency, interval, stripe_price_id, is_active
		FROM public.billing_plans
		WHERE is_active = true
		ORDER BY price_cents ASC
	`)
	if err != nil {
		log.Printf("[Billing][Plans] query error: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	plans := []BillingPlan{}
	for rows.Next() {
		var p BillingPlan
		var desc, priceID sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &desc, &p.PriceCents, &p.Currency, &p.Interval, &priceID, &p.IsActive); err != nil {
			log.Printf("[Billing][Plans] scan error: %v", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		p.Description = nullStringPtr(desc)
		p.StripePriceID = nullStringPtr(priceID)
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, plans)
}

const defaultTrialDays = 14

type checkoutRequest struct {
	UserID       string `json:"userId"`
	PlanID       string `json:"planId"`
	Email        string `json:"email,omitempty"`
	BillingCycle string `json:"billingCycle,omitempty"`
	SuccessURL   string `json:"successUrl"`
	CancelURL    string `json:"cancelUrl"`
	TrialDays    *int   `json:"trialDays,omitempty"`
}

// checkoutParams builds the Stripe session. The user id, plan id, and billing
// cycle ride along as metadata so the webhook can attribute the completed
// checkout. Paid plans start with a trial unless the caller opts out by
// sending trialDays of 0.
func checkoutParams(req checkoutRequest, customerID, priceID string) *stripe.CheckoutSessionParams {
	successURL := req.SuccessURL
	if successURL == "" {
		successURL = os.Getenv("FRONTEND_URL") + "/billing?checkout=success"
	}
	cancelURL := req.CancelURL
	if cancelURL == "" {
		cancelURL = os.Getenv("FRONTEND_URL") + "/billing?checkout=canceled"
	}
	cycle := req.BillingCycle
	if cycle == "" {
		cycle = "monthly"
	}

	params := &stripe.CheckoutSessionParams{
		Customer: stripe.String(customerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(priceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(req.UserID),
	}
	params.AddMetadata("user_id", req.UserID)
	params.AddMetadata("plan_id", req.PlanID)
	params.AddMetadata("billing_cycle", cycle)

	trialDays := defaultTrialDays
	if req.TrialDays != nil {
		trialDays = *req.TrialDays
	}
	if trialDays > 0 {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			TrialPeriodDays: stripe.Int64(int64(trialDays)),
		}
	}
	return params
}

// CreateCheckoutSession starts a Stripe Checkout flow for a paid plan.
func (h *Handler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	initStripe()
	if stripeClient == nil {
		writeError(w, http.StatusServiceUnavailable, "Stripe not configured")
		return
	}

	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" || req.PlanID == "" {
		writeError(w, http.StatusBadRequest, "userId and planId are required")
		return
	}

	var priceID sql.NullString
	err := h.db.QueryRow(`
		SELECT stripe_price_id FROM public.billing_plans WHERE id = $1 AND is_active = true
	`, req.PlanID).Scan(&priceID)
	if err != nil || !priceID.Valid || priceID.String == "" {
		log.Printf("[Billing][Checkout] plan lookup failed userId=%s planId=%s: %v", req.UserID, req.PlanID, err)
		writeError(w, http.StatusBadRequest, "invalid or unconfigured plan")
		return
	}

	customerID, err := h.getOrCreateStripeCustomer(req.UserID, req.Email)
	if err != nil {
		log.Printf("[Billing][Checkout] customer error userId=%s: %v", req.UserID, err)
		writeError(w, http.StatusInternalServerError, "failed to create customer")
		return
	}

	session, err := stripeClient.CheckoutSessions.New(checkoutParams(req, customerID, priceID.String))
	if err != nil {
		log.Printf("[Billing][Checkout] session error userId=%s: %v", req.UserID, err)
		writeError(w, http.StatusInternalServerError, "failed to create checkout session")
		return
	}

	log.Printf("[Billing][Checkout] session created userId=%s planId=%s sessionId=%s", req.UserID, req.PlanID, session.ID)
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": session.ID, "url": session.URL})
}

// CreatePortalSession opens the Stripe customer portal for self-serve billing
// management.
func (h *Handler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	initStripe()
	if stripeClient == nil {
		writeError(w, http.StatusServiceUnavailable, "Stripe not configured")
		return
	}

	var req struct {
		UserID    string `json:"userId"`
		ReturnURL string `json:"returnUrl,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	var customerID string
	err := h.db.QueryRow(`
		SELECT stripe_customer_id FROM public.user_subscriptions
		WHERE user_id = $1 AND stripe_customer_id IS NOT NULL
	`, req.UserID).Scan(&customerID)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "no billing profile for user")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = os.Getenv("FRONTEND_URL") + "/billing"
	}

	session, err := stripeClient.BillingPortalSessions.New(&stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	})
	if err != nil {
		log.Printf("[Billing][Portal] session error userId=%s: %v", req.UserID, err)
		writeError(w, http.StatusInternalServerError, "failed to create portal session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": session.URL})
}

func (h *Handler) getOrCreateStripeCustomer(userID, email string) (string, error) {
	var customerID string
	err := h.db.QueryRow(`
		SELECT stripe_customer_id FROM public.user_subscriptions
		WHERE user_id = $1 AND stripe_customer_id IS NOT NULL
	`, userID).Scan(&customerID)
	if err == nil {
		return customerID, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	params := &stripe.CustomerParams{}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata("user_id", userID)
	customer, err := stripeClient.Customers.New(params)
	if err != nil {
		return "", err
	}
	return customer.ID, nil
}

// GetUserSubscription returns the user's subscription, or the implicit free
// plan when none exists.
func (h *Handler) GetUserSubscription(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	var sub models.UserSubscription
	var custID, subID sql.NullString
	var periodStart, periodEnd, trialEnd sql.NullTime
	err := h.db.QueryRow(`
		SELECT id, user_id, plan_id, stripe_customer_id, stripe_subscription_id, status, billing_cycle,
		       current_period_start, current_period_end, cancel_at_period_end, trial_end, created_at, updated_at
		FROM public.user_subscriptions
		WHERE user_id = $1
	`, userID).Scan(
		&sub.ID, &sub.UserID, &sub.PlanID, &custID, &subID, &sub.Status, &sub.BillingCycle,
		&periodStart, &periodEnd, &sub.CancelAtPeriodEnd, &trialEnd, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		writeJSON(w, http.StatusOK, map[string]any{
			"planId":   "free",
			"status":   "active",
			"isActive": true,
		})
		return
	}
	if err != nil {
		log.Printf("[Billing][Subscription] query error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sub.StripeCustomerID = nullStringPtr(custID)
	sub.StripeSubscriptionID = nullStringPtr(subID)
	sub.CurrentPeriodStart = nullTimePtr(periodStart)
	sub.CurrentPeriodEnd = nullTimePtr(periodEnd)
	sub.TrialEnd = nullTimePtr(trialEnd)

	writeJSON(w, http.StatusOK, sub)
}

// CancelSubscription cancels the user's subscription, by default at the end
// of the current period.
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	initStripe()
	if stripeClient == nil {
		writeError(w, http.StatusServiceUnavailable, "Stripe not configured")
		return
	}

	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	req := struct {
		Immediately bool `json:"immediately"`
	}{}
	if r.Body != nil && r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	var stripeSubID string
	err := h.db.QueryRow(`
		SELECT stripe_subscription_id FROM public.user_subscriptions
		WHERE user_id = $1 AND stripe_subscription_id IS NOT NULL AND status != 'canceled'
	`, userID).Scan(&stripeSubID)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "no active subscription found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if req.Immediately {
		_, err = stripeClient.Subscriptions.Cancel(stripeSubID, &stripe.SubscriptionCancelParams{})
	} else {
		_, err = stripeClient.Subscriptions.Update(stripeSubID, &stripe.SubscriptionParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		})
	}
	if err != nil {
		log.Printf("[Billing][Cancel] Stripe error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to cancel subscription")
		return
	}

	if req.Immediately {
		_, err = h.db.Exec(`
			UPDATE public.user_subscriptions
			SET status = 'canceled', cancel_at_period_end = false, updated_at = NOW()
			WHERE user_id = $1
		`, userID)
	} else {
		_, err = h.db.Exec(`
			UPDATE public.user_subscriptions
			SET cancel_at_period_end = true, updated_at = NOW()
			WHERE user_id = $1
		`, userID)
	}
	if err != nil {
		log.Printf("[Billing][Cancel] db update error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Printf("[Billing][Cancel] userId=%s immediately=%v", userID, req.Immediately)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// ReactivateSubscription undoes a pending cancel-at-period-end. A fully
// canceled subscription cannot be revived; the user goes through checkout
// again instead.
func (h *Handler) ReactivateSubscription(w http.ResponseWriter, r *http.Request) {
	initStripe()
	if stripeClient == nil {
		writeError(w, http.StatusServiceUnavailable, "Stripe not configured")
		return
	}

	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	var stripeSubID string
	var status string
	err := h.db.QueryRow(`
		SELECT stripe_subscription_id, status FROM public.user_subscriptions
		WHERE user_id = $1 AND stripe_subscription_id IS NOT NULL
	`, userID).Scan(&stripeSubID, &status)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "no subscription found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if status == "canceled" {
		writeError(w, http.StatusConflict, "subscription already ended; start a new checkout")
		return
	}

	_, err = stripeClient.Subscriptions.Update(stripeSubID, &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(false),
	})
	if err != nil {
		log.Printf("[Billing][Reactivate] Stripe error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to reactivate subscription")
		return
	}

	_, err = h.db.Exec(`
		UPDATE public.user_subscriptions
		SET cancel_at_period_end = false, updated_at = NOW()
		WHERE user_id = $1
	`, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Printf("[Billing][Reactivate] userId=%s", userID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// ChangeSubscriptionPlan swaps the subscription to another plan's price with
// proration.
func (h *Handler) ChangeSubscriptionPlan(w http.ResponseWriter, r *http.Request) {
	initStripe()
	if stripeClient == nil {
		writeError(w, http.StatusServiceUnavailable, "Stripe not configured")
		return
	}

	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	var req struct {
		PlanID string `json:"planId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.PlanID == "" {
		writeError(w, http.StatusBadRequest, "planId is required")
		return
	}

	var priceID sql.NullString
	err := h.db.QueryRow(`
		SELECT stripe_price_id FROM public.billing_plans WHERE id = $1 AND is_active = true
	`, req.PlanID).Scan(&priceID)
	if err != nil || !priceID.Valid || priceID.String == "" {
		writeError(w, http.StatusBadRequest, "invalid or unconfigured plan")
		return
	}

	var stripeSubID string
	err = h.db.QueryRow(`
		SELECT stripe_subscription_id FROM public.user_subscriptions
		WHERE user_id = $1 AND stripe_subscription_id IS NOT NULL AND status != 'canceled'
	`, userID).Scan(&stripeSubID)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "no active subscription found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sub, err := stripeClient.Subscriptions.Get(stripeSubID, nil)
	if err != nil || len(sub.Items.Data) == 0 {
		log.Printf("[Billing][ChangePlan] subscription fetch error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to load subscription")
		return
	}

	_, err = stripeClient.Subscriptions.Update(stripeSubID, &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(sub.Items.Data[0].ID),
				Price: stripe.String(priceID.String),
			},
		},
		ProrationBehavior: stripe.String("create_prorations"),
	})
	if err != nil {
		log.Printf("[Billing][ChangePlan] Stripe update error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to change plan")
		return
	}

	_, err = h.db.Exec(`
		UPDATE public.user_subscriptions
		SET plan_id = $2, updated_at = NOW()
		WHERE user_id = $1
	`, userID, req.PlanID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Printf("[Billing][ChangePlan] userId=%s planId=%s", userID, req.PlanID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "planId": req.PlanID})
}

// GetUserInvoices returns billing history, newest first.
func (h *Handler) GetUserInvoices(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	limit := parseLimit(r, 20, 1, 100)

	rows, err := h.db.Query(`
		SELECT id, stripe_invoice_id, amount_due, amount_paid, currency, status,
		       invoice_pdf, hosted_invoice_url, period_start, period_end, paid_at, created_at
		FROM public.invoices
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		log.Printf("[Billing][Invoices] query error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	invoices := []models.Invoice{}
	for rows.Next() {
		var inv models.Invoice
		var pdf, hostedURL sql.NullString
		var periodStart, periodEnd, paidAt sql.NullTime
		if err := rows.Scan(&inv.ID, &inv.StripeInvoiceID, &inv.AmountDue, &inv.AmountPaid,
			&inv.Currency, &inv.Status, &pdf, &hostedURL, &periodStart, &periodEnd, &paidAt, &inv.CreatedAt); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		inv.UserID = userID
		inv.InvoicePDF = nullStringPtr(pdf)
		inv.HostedInvoiceURL = nullStringPtr(hostedURL)
		inv.PeriodStart = nullTimePtr(periodStart)
		inv.PeriodEnd = nullTimePtr(periodEnd)
		inv.PaidAt = nullTimePtr(paidAt)
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, invoices)
}

// GetUserPaymentMethods lists the cards on file, default first.
func (h *Handler) GetUserPaymentMethods(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	rows, err := h.db.Query(`
		SELECT id, user_id, stripe_payment_method_id, type, brand, last4, exp_month, exp_year, is_default, created_at, updated_at
		FROM public.payment_methods
		WHERE user_id = $1
		ORDER BY is_default DESC, created_at DESC
	`, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	methods := []models.PaymentMethod{}
	for rows.Next() {
		var m models.PaymentMethod
		var brand, last4 sql.NullString
		var expMonth, expYear sql.NullInt64
		if err := rows.Scan(&m.ID, &m.UserID, &m.StripePaymentMethodID, &m.Type, &brand, &last4, &expMonth, &expYear, &m.IsDefault, &m.CreatedAt, &m.UpdatedAt); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		m.Brand = nullStringPtr(brand)
		m.Last4 = nullStringPtr(last4)
		if expMonth.Valid {
			v := int(expMonth.Int64)
			m.ExpMonth = &v
		}
		if expYear.Valid {
			v := int(expYear.Int64)
			m.ExpYear = &v
		}
		methods = append(methods, m)
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, methods)
}
