package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dietwise/entitlement/internal/entitlement"
	"github.com/dietwise/entitlement/internal/ratelimit"
)

// UsageHandler gates AI-feature call volume. The AI proxy itself lives in
// another service; it calls Consume before forwarding a request upstream.
type UsageHandler struct {
	resolver *entitlement.Resolver
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
}

func NewUsageHandler(resolver *entitlement.Resolver, limiter *ratelimit.Limiter, logger *slog.Logger) *UsageHandler {
	return &UsageHandler{resolver: resolver, limiter: limiter, logger: logger}
}

type consumeRequest struct {
	Feature string `json:"feature"`
}

type consumeResponse struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	Message   string    `json:"message,omitempty"`
}

// Consume spends one unit of the user's budget for a feature. The limit
// applied depends on the user's current entitlement tier.
func (h *UsageHandler) Consume(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req consumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	premium, err := h.resolver.IsEntitled(r.Context(), userID, time.Now().UTC())
	if err != nil {
		h.logger.Error("resolve entitlement", "user_id", userID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	limit, period, ok := ratelimit.LimitFor(req.Feature, premium)
	if !ok {
		http.Error(w, "unknown feature", http.StatusBadRequest)
		return
	}

	allowed, remaining, resetAt := h.limiter.TryConsume(userID, req.Feature, limit, period)
	resp := consumeResponse{Allowed: allowed, Remaining: remaining, ResetAt: resetAt}

	w.Header().Set("Content-Type", "application/json")
	if !allowed {
		if premium {
			resp.Message = "limit reached for this period"
		} else {
			resp.Message = "upgrade to premium for higher limits"
		}
		w.WriteHeader(http.StatusTooManyRequests)
	}
	json.NewEncoder(w).Encode(resp)
}

type featureUsage struct {
	Used    int        `json:"used"`
	Limit   int        `json:"limit"`
	ResetAt *time.Time `json:"reset_at,omitempty"`
}

// Report returns the user's current usage across all limited features.
func (h *UsageHandler) Report(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	premium, err := h.resolver.IsEntitled(r.Context(), userID, time.Now().UTC())
	if err != nil {
		h.logger.Error("resolve entitlement", "user_id", userID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	usage := make(map[string]featureUsage, len(ratelimit.Features))
	for feature := range ratelimit.Features {
		limit, _, _ := ratelimit.LimitFor(feature, premium)
		u := h.limiter.Usage(userID, feature)
		fu := featureUsage{Used: u.Count, Limit: limit}
		if !u.ResetAt.IsZero() {
			fu.ResetAt = &u.ResetAt
		}
		usage[feature] = fu
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"usage":      usage,
		"is_premium": premium,
	})
}
