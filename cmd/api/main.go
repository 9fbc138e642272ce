package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/cors"

	"github.com/silentpilot/backend/internal/handlers"
	"github.com/silentpilot/backend/internal/middleware"
	"github.com/silentpilot/backend/internal/workers"
)

func main() {
	_ = godotenv.Load()

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	// Run migrations on startup
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatalf("Failed to init migration driver: %v", err)
	}
	migrator, err := migrate.NewWithDatabaseInstance("file://db/migrations", "postgres", driver)
	if err != nil {
		log.Fatalf("Failed to create migrator: %v", err)
	}
	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		log.Fatalf("Database migration failed: %v", err)
	}
	log.Println("Database is up-to-date")

	h := handlers.New(db)

	r := mux.NewRouter()

	// Health check
	r.HandleFunc("/health", h.Health).Methods("GET")

	// OAuth flows
	r.HandleFunc("/api/oauth/{platform}/start", h.StartOAuth).Methods("GET")
	r.HandleFunc("/api/oauth/{platform}/callback", h.OAuthCallback).Methods("GET")
	r.HandleFunc("/api/oauth/{platform}/exchange", h.OAuthExchange).Methods("POST")

	// Connected social accounts
	r.HandleFunc("/api/social-accounts/user/{userId}", h.GetUserSocialAccounts).Methods("GET")
	r.HandleFunc("/api/social-accounts/{id}/disconnect", h.DisconnectSocialAccount).Methods("POST")
	r.HandleFunc("/api/social-accounts/{id}/refresh", h.OAuthRefresh).Methods("POST")
	r.HandleFunc("/api/social-accounts/{id}/validate", h.SocialValidate).Methods("GET")

	// Publishing
	r.HandleFunc("/api/social/post", h.SocialPost).Methods("POST")
	r.HandleFunc("/api/scheduler/run", h.RunScheduler).Methods("POST")

	// Posts
	r.HandleFunc("/api/posts", h.CreatePost).Methods("POST")
	r.HandleFunc("/api/posts/user/{userId}", h.ListPostsForUser).Methods("GET")
	r.HandleFunc("/api/posts/{id}", h.UpdatePost).Methods("PUT")
	r.HandleFunc("/api/posts/{id}", h.DeletePost).Methods("DELETE")

	// Billing
	r.HandleFunc("/api/billing/plans", h.GetBillingPlans).Methods("GET")
	r.HandleFunc("/api/billing/checkout", h.CreateCheckoutSession).Methods("POST")
	r.HandleFunc("/api/billing/portal", h.CreatePortalSession).Methods("POST")
	r.HandleFunc("/api/billing/subscription/user/{userId}", h.GetUserSubscription).Methods("GET")
	r.HandleFunc("/api/billing/subscription/user/{userId}/cancel", h.CancelSubscription).Methods("POST")
	r.HandleFunc("/api/billing/subscription/user/{userId}/reactivate", h.ReactivateSubscription).Methods("POST")
	r.HandleFunc("/api/billing/subscription/user/{userId}/plan", h.ChangeSubscriptionPlan).Methods("PUT")
	r.HandleFunc("/api/billing/invoices/user/{userId}", h.GetUserInvoices).Methods("GET")
	r.HandleFunc("/api/billing/payment-methods/user/{userId}", h.GetUserPaymentMethods).Methods("GET")
	r.HandleFunc("/api/billing/webhook", h.StripeWebhook).Methods("POST")

	// Content generation
	r.HandleFunc("/api/content/generate", h.GenerateContent).Methods("POST")

	// Leads
	r.HandleFunc("/api/leads", h.CreateLead).Methods("POST")
	r.HandleFunc("/api/leads/user/{userId}", h.ListLeadsForUser).Methods("GET")
	r.HandleFunc("/api/leads/{id}", h.UpdateLead).Methods("PUT")
	r.HandleFunc("/api/leads/{id}", h.DeleteLead).Methods("DELETE")

	// Email marketing
	r.HandleFunc("/api/email/campaigns", h.CreateEmailCampaign).Methods("POST")
	r.HandleFunc("/api/email/campaigns/user/{userId}", h.ListEmailCampaignsForUser).Methods("GET")
	r.HandleFunc("/api/email/campaigns/{id}", h.DeleteEmailCampaign).Methods("DELETE")
	r.HandleFunc("/api/email/campaigns/{id}/send", h.SendEmailCampaign).Methods("POST")
	r.HandleFunc("/api/email/subscribers", h.SubscribeEmail).Methods("POST")
	r.HandleFunc("/api/email/unsubscribe", h.UnsubscribeEmail).Methods("POST")

	// Analytics + SEO
	r.HandleFunc("/api/analytics/track", h.TrackEvent).Methods("POST")
	r.HandleFunc("/api/analytics/user/{userId}", h.GetUserAnalytics).Methods("GET")
	r.HandleFunc("/api/seo/analyze", h.AnalyzeSEO).Methods("POST")

	// Realtime events (internal, proxied)
	r.HandleFunc("/api/events/ws", h.EventsWebSocket)

	enforcer := middleware.NewSubscriptionEnforcer(db)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	handler := c.Handler(enforcer.Middleware(r))

	port := os.Getenv("PORT")
	if port == "" {
		port = "18911"
	}

	srv := &http.Server{
		Handler:      handler,
		Addr:         ":" + port,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// Background: scheduled post publisher
	if enabled := os.Getenv("SCHEDULER_ENABLED"); enabled == "" || enabled == "true" {
		interval := time.Minute
		if v := os.Getenv("SCHEDULER_INTERVAL_SECONDS"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				interval = time.Duration(secs) * time.Second
			}
		}
		go h.StartSchedulerWorker(rootCtx, interval)
	} else {
		log.Printf("[Scheduler] disabled via SCHEDULER_ENABLED=%q", enabled)
	}

	// Background: state/audit-log maintenance
	go (&workers.MaintenanceWorker{DB: db}).Start(rootCtx)

	go func() {
		<-stop
		log.Println("Shutting down server...")
		cancel()
		ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("Server starting on port %s", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
	log.Println("Server stopped")
}
