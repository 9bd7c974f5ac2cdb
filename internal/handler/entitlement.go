package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dietwise/entitlement/internal/entitlement"
)

// EntitlementHandler serves the feature-gating read path for other services.
type EntitlementHandler struct {
	resolver *entitlement.Resolver
	logger   *slog.Logger
}

func NewEntitlementHandler(resolver *entitlement.Resolver, logger *slog.Logger) *EntitlementHandler {
	return &EntitlementHandler{resolver: resolver, logger: logger}
}

// Check answers whether the requesting user's premium features are unlocked
// right now.
func (h *EntitlementHandler) Check(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	entitled, err := h.resolver.IsEntitled(r.Context(), userID, time.Now().UTC())
	if err != nil {
		h.logger.Error("resolve entitlement", "user_id", userID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"entitled": entitled})
}
