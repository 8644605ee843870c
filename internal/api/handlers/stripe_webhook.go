// This file implements the Stripe webhook endpoint. Webhooks are the
// authoritative purchase signal: even if the buyer never returns to the
// success page to verify their session, the completed-checkout event still
// activates the license.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"omnifm/internal/core"
	"omnifm/internal/external"
	"omnifm/internal/license"
	"omnifm/internal/types"
)

// maxWebhookBodySize caps webhook payloads at 64KB. Stripe events are small;
// anything larger is noise or abuse.
const maxWebhookBodySize = 64 * 1024

// stripeWebhookEvent is the minimal slice of a Stripe event envelope the
// handler reads.
type stripeWebhookEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

// WebhookActivator is the slice of the lifecycle manager the webhook needs.
type WebhookActivator interface {
	Activate(ctx context.Context, params license.ActivateParams) (types.License, error)
}

// StripeWebhookHandler receives Stripe events and turns completed checkouts
// into license activations.
type StripeWebhookHandler struct {
	verifier  external.WebhookVerifier
	pricing   PriceQuoter
	activator WebhookActivator
	secret    string
	logger    *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler. The secret is the
// webhook endpoint's signing secret from the Stripe dashboard.
func NewStripeWebhookHandler(
	verifier external.WebhookVerifier,
	pricing PriceQuoter,
	activator WebhookActivator,
	secret string,
	l *slog.Logger,
) *StripeWebhookHandler {
	if l == nil {
		l = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier:  verifier,
		pricing:   pricing,
		activator: activator,
		secret:    secret,
		logger:    l,
	}
}

// RegisterRoutes mounts the webhook endpoint on the given router.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/webhooks/stripe", h.HandleEvent)
}

// HandleEvent handles POST /api/webhooks/stripe. Signature failures are
// rejected with 401 so Stripe surfaces the misconfiguration; once the payload
// is authenticated, processing errors are logged but acknowledged with 200,
// because retrying a deterministically failing event only multiplies noise
// and activation is idempotent on the session id anyway.
func (h *StripeWebhookHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"failed to read webhook payload", err))
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthSignatureMissing,
			"Stripe-Signature header is required", nil))
		return
	}
	if err := h.verifier.Verify(payload, sig, h.secret); err != nil {
		h.logger.Warn("webhook signature verification failed", slog.String("error", err.Error()))
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthSignatureInvalid,
			"webhook signature verification failed", nil))
		return
	}

	var event stripeWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.Error("webhook payload is not a Stripe event", slog.String("error", err.Error()))
		core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]bool{"received": true}})
		return
	}

	switch event.Type {
	case external.EventCheckoutCompleted:
		if err := h.processCheckoutCompleted(r.Context(), event); err != nil {
			h.logger.Error("failed to process checkout completion",
				slog.String("event_id", event.ID),
				slog.String("error", err.Error()),
			)
		}
	default:
		h.logger.Debug("ignoring webhook event", slog.String("type", event.Type))
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]bool{"received": true}})
}

// processCheckoutCompleted activates a license for a paid checkout session.
// The session id is the idempotency key, so redelivered events are harmless.
func (h *StripeWebhookHandler) processCheckoutCompleted(ctx context.Context, event stripeWebhookEvent) error {
	conf, paid, err := external.ParseCheckoutSession(event.Data.Object)
	if err != nil {
		return err
	}
	if !paid {
		h.logger.Info("checkout session completed without payment",
			slog.String("session_id", conf.ConfirmationID))
		return nil
	}

	if err := h.pricing.VerifyAmount(conf); err != nil {
		h.logger.Error("webhook payment amount mismatch",
			slog.String("session_id", conf.ConfirmationID),
			slog.Int64("charged", conf.Amount),
		)
		return err
	}

	lic, err := h.activator.Activate(ctx, license.ActivateParams{
		ContactEmail:   conf.PayerContact,
		ServerID:       conf.ServerID,
		Tier:           conf.Tier,
		Months:         conf.Months,
		Seats:          conf.Seats,
		Provenance:     types.ProvenanceStripe,
		ConfirmationID: conf.ConfirmationID,
	})
	if err != nil {
		return err
	}

	h.logger.Info("license activated from webhook",
		slog.String("session_id", conf.ConfirmationID),
		slog.String("license_id", lic.ID),
		slog.String("tier", string(lic.Tier)),
	)
	return nil
}
