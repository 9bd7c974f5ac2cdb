package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dietwise/entitlement/internal/reconciler"
	"github.com/dietwise/entitlement/internal/stripe"
)

const (
	webhookBodyLimit = 65536

	// A slow datastore must not stall the webhook endpoint; on timeout we
	// answer 500 and the processor retries later.
	webhookTimeout = 10 * time.Second
)

type WebhookHandler struct {
	stripeClient *stripe.Client
	reconciler   *reconciler.Reconciler
	logger       *slog.Logger
}

func NewWebhookHandler(sc *stripe.Client, rec *reconciler.Reconciler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		stripeClient: sc,
		reconciler:   rec,
		logger:       logger,
	}
}

// HandleStripeWebhook accepts one processor delivery. The raw body goes to
// signature verification untouched: any parsing before verification would
// break byte-identical signing.
//
// Status codes steer the processor's retry behavior: 2xx for applied or
// intentionally-ignored events, 400 for verification failures (retrying a
// forged payload never helps), 5xx only for transient store faults.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyLimit))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	env, err := h.stripeClient.VerifyWebhook(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("webhook verification failed", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), webhookTimeout)
	defer cancel()

	if err := h.reconciler.Apply(ctx, env); err != nil {
		var transient *reconciler.TransientStoreError
		if errors.As(err, &transient) {
			h.logger.Error("webhook processing failed", "event_id", env.ID, "error", err)
			http.Error(w, "processing failed", http.StatusInternalServerError)
			return
		}
		// Unexpected: every non-transient outcome should have been absorbed.
		h.logger.Error("webhook unexpected failure", "event_id", env.ID, "error", err)
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"received": true})
}
