package models

import (
	"encoding/json"
	"time"
)

type SocialAccount struct {
	ID           string          `json:"id"`
	UserID       string          `json:"userId"`
	Platform     string          `json:"platform"`
	AccountID    string          `json:"accountId"`
	AccountName  string          `json:"accountName"`
	AccessToken  string          `json:"-"`
	RefreshToken string          `json:"-"`
	ExpiresAt    *time.Time      `json:"expiresAt,omitempty"`
	IsActive     bool            `json:"isActive"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

type Post struct {
	ID               string     `json:"id"`
	UserID           string     `json:"userId"`
	Platform         string     `json:"platform"`
	Content          string     `json:"content"`
	ImageURL         *string    `json:"imageUrl,omitempty"`
	ScheduledFor     *time.Time `json:"scheduledFor,omitempty"`
	Status           string     `json:"status"`
	PublishedAt      *time.Time `json:"publishedAt,omitempty"`
	LastPublishError *string    `json:"lastPublishError,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// SocialPostLog is the audit row written for every publish attempt.
type SocialPostLog struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	AccountID   string     `json:"accountId"`
	Platform    string     `json:"platform"`
	Content     string     `json:"content"`
	MediaURLs   []string   `json:"mediaUrls,omitempty"`
	PostID      *string    `json:"postId,omitempty"`
	PostURL     *string    `json:"postUrl,omitempty"`
	Status      string     `json:"status"`
	Error       *string    `json:"error,omitempty"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

type UserSubscription struct {
	ID                   string     `json:"id"`
	UserID               string     `json:"userId"`
	PlanID               string     `json:"planId"`
	StripeCustomerID     *string    `json:"stripeCustomerId,omitempty"`
	StripeSubscriptionID *string    `json:"stripeSubscriptionId,omitempty"`
	Status               string     `json:"status"`
	BillingCycle         string     `json:"billingCycle"`
	CurrentPeriodStart   *time.Time `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd     *time.Time `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd    bool       `json:"cancelAtPeriodEnd"`
	TrialEnd             *time.Time `json:"trialEnd,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

type Invoice struct {
	ID               string     `json:"id"`
	UserID           string     `json:"userId"`
	SubscriptionID   *string    `json:"subscriptionId,omitempty"`
	StripeInvoiceID  string     `json:"stripeInvoiceId"`
	AmountDue        int64      `json:"amountDue"`
	AmountPaid       int64      `json:"amountPaid"`
	Currency         string     `json:"currency"`
	Status           string     `json:"status"`
	InvoicePDF       *string    `json:"invoicePdf,omitempty"`
	HostedInvoiceURL *string    `json:"hostedInvoiceUrl,omitempty"`
	BillingReason    *string    `json:"billingReason,omitempty"`
	PeriodStart      *time.Time `json:"periodStart,omitempty"`
	PeriodEnd        *time.Time `json:"periodEnd,omitempty"`
	PaidAt           *time.Time `json:"paidAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

type PaymentMethod struct {
	ID                    string    `json:"id"`
	UserID                string    `json:"userId"`
	StripePaymentMethodID string    `json:"stripePaymentMethodId"`
	Type                  string    `json:"type"`
	Brand                 *string   `json:"brand,omitempty"`
	Last4                 *string   `json:"last4,omitempty"`
	ExpMonth              *int      `json:"expMonth,omitempty"`
	ExpYear               *int      `json:"expYear,omitempty"`
	IsDefault             bool      `json:"isDefault"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

// BillingEvent is the append-only audit log of raw Stripe webhook payloads.
type BillingEvent struct {
	ID            string          `json:"id"`
	StripeEventID string          `json:"stripeEventId"`
	EventType     string          `json:"eventType"`
	Data          json.RawMessage `json:"data"`
	Processed     bool            `json:"processed"`
	CreatedAt     time.Time       `json:"createdAt"`
}

type Lead struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Company   *string   `json:"company,omitempty"`
	Status    string    `json:"status"`
	Source    *string   `json:"source,omitempty"`
	Notes     *string   `json:"notes,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type EmailCampaign struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	Name      string     `json:"name"`
	Subject   string     `json:"subject"`
	Content   string     `json:"content"`
	ReplyTo   *string    `json:"replyTo,omitempty"`
	Status    string     `json:"status"`
	SentAt    *time.Time `json:"sentAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

type EmailSubscriber struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	FirstName *string   `json:"firstName,omitempty"`
	LastName  *string   `json:"lastName,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

type AnalyticsEvent struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	PostID      *string         `json:"postId,omitempty"`
	Platform    *string         `json:"platform,omitempty"`
	MetricType  string          `json:"metricType"`
	MetricValue float64         `json:"metricValue"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}
