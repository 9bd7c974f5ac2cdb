package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/dietwise/entitlement/internal/entitlement"
	"github.com/dietwise/entitlement/internal/handler"
	"github.com/dietwise/entitlement/internal/middleware"
	"github.com/dietwise/entitlement/internal/ratelimit"
	"github.com/dietwise/entitlement/internal/reconciler"
	"github.com/dietwise/entitlement/internal/store"
	"github.com/dietwise/entitlement/internal/stripe"
)

type Config struct {
	Stripe stripe.Config
}

type Server struct {
	db           *sql.DB
	subs         *store.SubscriptionStore
	users        *store.UserStore
	journal      *store.UnreconciledEventStore
	limiter      *ratelimit.Limiter
	webhookH     *handler.WebhookHandler
	entitlementH *handler.EntitlementHandler
	usageH       *handler.UsageHandler
	logger       *slog.Logger
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) *Server {
	subs := store.NewSubscriptionStore(db)
	users := store.NewUserStore(db)
	journal := store.NewUnreconciledEventStore(db)

	stripeClient := stripe.NewClient(cfg.Stripe)
	rec := reconciler.New(subs, users, journal, logger.With("component", "reconciler"))
	resolver := entitlement.NewResolver(subs)
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore())

	return &Server{
		db:           db,
		subs:         subs,
		users:        users,
		journal:      journal,
		limiter:      limiter,
		webhookH:     handler.NewWebhookHandler(stripeClient, rec, logger.With("component", "webhook")),
		entitlementH: handler.NewEntitlementHandler(resolver, logger.With("component", "entitlement")),
		usageH:       handler.NewUsageHandler(resolver, limiter, logger.With("component", "usage")),
		logger:       logger,
	}
}

// Limiter returns the usage limiter for periodic cleanup.
func (s *Server) Limiter() *ratelimit.Limiter {
	return s.limiter
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthCheck)

	// Processor webhook (public; signature verification is the auth)
	mux.HandleFunc("POST /webhooks/stripe", s.webhookH.HandleStripeWebhook)

	// Service-to-service routes; identity comes from the auth gateway
	mux.Handle("GET /api/entitlement", middleware.RequireUser(http.HandlerFunc(s.entitlementH.Check)))
	mux.Handle("POST /api/usage/consume", middleware.RequireUser(http.HandlerFunc(s.usageH.Consume)))
	mux.Handle("GET /api/usage", middleware.RequireUser(http.HandlerFunc(s.usageH.Report)))

	return middleware.RequestLogger(s.logger)(mux)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
