// Package handlers contains the HTTP handler implementations for the OmniFM
// entitlement API.
//
// This file implements the public premium endpoints: the tier catalog,
// entitlement checks, invite-link gating, and the Stripe checkout/verify
// purchase flow.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"omnifm/internal/catalog"
	"omnifm/internal/config"
	"omnifm/internal/core"
	"omnifm/internal/external"
	"omnifm/internal/license"
	"omnifm/internal/types"
)

// --- Service Interfaces ---
//
// Defined locally per the handler pattern: the handler names the exact
// contract it needs and implementations are injected via the constructor,
// which keeps handlers decoupled from concrete types and easy to mock.

// EntitlementReader answers read-only entitlement questions.
type EntitlementReader interface {
	CheckEntitlement(ctx context.Context, serverID string) (types.EntitlementCheck, error)
	EffectiveTier(ctx context.Context, serverID string) (types.Tier, error)
	LicenseInfo(ctx context.Context, idOrKey string) (types.LicenseView, error)
}

// PriceQuoter computes and verifies purchase prices.
type PriceQuoter interface {
	PurchasePrice(tier types.Tier, months, seats int) (int64, error)
	VerifyAmount(conf types.PaymentConfirmation) error
}

// PaymentCollaborator abstracts the payment provider (Stripe).
type PaymentCollaborator interface {
	CreateCheckoutSession(ctx context.Context, p external.CheckoutParams) (external.CheckoutSession, error)
	GetConfirmation(ctx context.Context, sessionID string) (types.PaymentConfirmation, bool, error)
}

// Activator is the slice of the lifecycle manager the purchase flow needs.
type Activator interface {
	Activate(ctx context.Context, params license.ActivateParams) (types.License, error)
}

// --- Request/Response Models ---

// CheckoutRequest is the body for POST /api/premium/checkout.
type CheckoutRequest struct {
	ServerID string `json:"serverId" validate:"omitempty,server_id"`
	Tier     string `json:"tier" validate:"required,oneof=pro ultimate"`
	Months   int    `json:"months" validate:"required,min=1,max=36"`
	Seats    int    `json:"seats" validate:"required,seat_count"`
	Email    string `json:"email" validate:"omitempty,email"`
}

// CheckoutResponse is the response for POST /api/premium/checkout.
type CheckoutResponse struct {
	CheckoutURL string `json:"checkoutUrl"`
	SessionID   string `json:"sessionId"`
	Amount      int64  `json:"amount"`
}

// VerifyRequest is the body for POST /api/premium/verify.
type VerifyRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
}

// VerifyResponse is the response for POST /api/premium/verify.
type VerifyResponse struct {
	LicenseKey string            `json:"licenseKey"`
	License    types.LicenseView `json:"license"`
}

// tierInfo is one catalog entry as exposed over the API.
type tierInfo struct {
	ID                types.Tier                `json:"id"`
	Name              string                    `json:"name"`
	BitrateKbps       int                       `json:"bitrateKbps"`
	ReconnectBudgetMs int                       `json:"reconnectBudgetMs"`
	MaxLinkedBots     int                       `json:"maxLinkedBots"`
	PricePerMonth     int64                     `json:"pricePerMonth"`
	SeatPrices        map[int]int64             `json:"seatPrices,omitempty"`
	Features          map[types.FeatureKey]bool `json:"features"`
}

// inviteLink is one roster entry with the invite URL populated only when the
// server's tier grants access.
type inviteLink struct {
	BotID        string     `json:"botId"`
	Name         string     `json:"name"`
	RequiredTier types.Tier `json:"requiredTier"`
	Accessible   bool       `json:"accessible"`
	InviteURL    string     `json:"inviteUrl,omitempty"`
}

// --- Premium Handler ---

// PremiumHandler serves the public entitlement and purchase endpoints.
type PremiumHandler struct {
	resolver  EntitlementReader
	catalog   catalog.Catalog
	pricing   PriceQuoter
	payments  PaymentCollaborator
	activator Activator
	roster    []types.Bot
	cfg       *config.Config
	validator *core.Validator
	logger    *slog.Logger
}

// NewPremiumHandler creates a PremiumHandler with the provided dependencies.
func NewPremiumHandler(
	resolver EntitlementReader,
	cat catalog.Catalog,
	pricing PriceQuoter,
	payments PaymentCollaborator,
	activator Activator,
	roster []types.Bot,
	cfg *config.Config,
	v *core.Validator,
	l *slog.Logger,
) *PremiumHandler {
	if l == nil {
		l = slog.Default()
	}
	return &PremiumHandler{
		resolver:  resolver,
		catalog:   cat,
		pricing:   pricing,
		payments:  payments,
		activator: activator,
		roster:    roster,
		cfg:       cfg,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the premium endpoints on the given router.
func (h *PremiumHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/premium/tiers", h.GetTiers)
	r.Get("/api/premium/check", h.Check)
	r.Get("/api/premium/license", h.GetLicense)
	if h.cfg.Feature.EnableInviteLinks {
		r.Get("/api/premium/invite-links", h.GetInviteLinks)
	}
	if h.cfg.Feature.EnableCheckout {
		r.Post("/api/premium/checkout", h.CreateCheckout)
		r.Post("/api/premium/verify", h.VerifyCheckout)
	}
}

// GetTiers handles GET /api/premium/tiers.
func (h *PremiumHandler) GetTiers(w http.ResponseWriter, r *http.Request) {
	defs := h.catalog.Tiers()
	out := make([]tierInfo, 0, len(defs))
	for _, d := range defs {
		out = append(out, tierInfo{
			ID:                d.ID,
			Name:              d.Name,
			BitrateKbps:       d.BitrateKbps,
			ReconnectBudgetMs: d.ReconnectBudgetMs,
			MaxLinkedBots:     d.MaxLinkedBots,
			PricePerMonth:     d.PricePerMonth,
			SeatPrices:        d.SeatPrices,
			Features:          d.Features,
		})
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: out})
}

// Check handles GET /api/premium/check?serverId=. It always answers with a
// tier; servers without an active license are simply on the free tier.
func (h *PremiumHandler) Check(w http.ResponseWriter, r *http.Request) {
	serverID := r.URL.Query().Get("serverId")
	if !types.IsServerID(serverID) {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidServerID,
			"serverId must be 17-22 digits", nil))
		return
	}

	check, err := h.resolver.CheckEntitlement(r.Context(), serverID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: check})
}

// GetLicense handles GET /api/premium/license?id=. The id may be a server id
// or a license key.
func (h *PremiumHandler) GetLicense(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"id query parameter is required", nil))
		return
	}

	view, err := h.resolver.LicenseInfo(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: view})
}

// GetInviteLinks handles GET /api/premium/invite-links?serverId=. Invite URLs
// are only populated for bots whose required tier the server's effective tier
// ranks at or above.
func (h *PremiumHandler) GetInviteLinks(w http.ResponseWriter, r *http.Request) {
	serverID := r.URL.Query().Get("serverId")
	if !types.IsServerID(serverID) {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidServerID,
			"serverId must be 17-22 digits", nil))
		return
	}

	tier, err := h.resolver.EffectiveTier(r.Context(), serverID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	links := make([]inviteLink, 0, len(h.roster))
	for _, bot := range h.roster {
		link := inviteLink{
			BotID:        bot.ID,
			Name:         bot.Name,
			RequiredTier: bot.RequiredTier,
			Accessible:   tier.AtLeast(bot.RequiredTier),
		}
		if link.Accessible {
			link.InviteURL = botInviteURL(bot.ClientID)
		}
		links = append(links, link)
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: links})
}

// botInviteURL builds the Discord OAuth invite URL for a bot client id.
func botInviteURL(clientID string) string {
	return fmt.Sprintf(
		"https://discord.com/oauth2/authorize?client_id=%s&permissions=3145728&scope=bot%%20applications.commands",
		clientID,
	)
}

// CreateCheckout handles POST /api/premium/checkout. The price is computed
// server-side; the client never supplies an amount.
func (h *PremiumHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	tier := types.Tier(req.Tier)
	amount, err := h.pricing.PurchasePrice(tier, req.Months, req.Seats)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	session, err := h.payments.CreateCheckoutSession(r.Context(), external.CheckoutParams{
		ServerID:     req.ServerID,
		Tier:         tier,
		Months:       req.Months,
		Seats:        req.Seats,
		Amount:       amount,
		Description:  checkoutDescription(tier, req.Months, req.Seats),
		ContactEmail: req.Email,
		SuccessURL:   h.cfg.Server.PublicWebURL + "/premium/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:    h.cfg.Server.PublicWebURL + "/premium/cancel",
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.Info("checkout session created",
		slog.String("session_id", session.ID),
		slog.String("tier", req.Tier),
		slog.Int("months", req.Months),
		slog.Int("seats", req.Seats),
		slog.Int64("amount", amount),
	)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: CheckoutResponse{
		CheckoutURL: session.URL,
		SessionID:   session.ID,
		Amount:      amount,
	}})
}

func checkoutDescription(tier types.Tier, months, seats int) string {
	if seats == 1 {
		return fmt.Sprintf("OmniFM %s — %d month(s)", tier, months)
	}
	return fmt.Sprintf("OmniFM %s — %d month(s), %d seats", tier, months, seats)
}

// VerifyCheckout handles POST /api/premium/verify. It retrieves the checkout
// session from Stripe, re-derives the expected price from the session's
// entitlement parameters, and only then activates a license. The session id
// doubles as the idempotency key, so retrying verification of the same
// session returns the same license.
func (h *PremiumHandler) VerifyCheckout(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	conf, paid, err := h.payments.GetConfirmation(r.Context(), req.SessionID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if !paid {
		core.Error(w, r, types.NewAppError(types.ErrCodePaymentNotCompleted,
			"payment for this session has not completed", nil))
		return
	}

	// Defense in depth: never trust the charged amount to match the
	// entitlement parameters without re-deriving the price.
	if err := h.pricing.VerifyAmount(conf); err != nil {
		h.logger.Error("payment amount mismatch on verification",
			slog.String("session_id", conf.ConfirmationID),
			slog.Int64("charged", conf.Amount),
		)
		core.Error(w, r, err)
		return
	}

	lic, err := h.activator.Activate(r.Context(), license.ActivateParams{
		ContactEmail:   conf.PayerContact,
		ServerID:       conf.ServerID,
		Tier:           conf.Tier,
		Months:         conf.Months,
		Seats:          conf.Seats,
		Provenance:     types.ProvenanceStripe,
		ConfirmationID: conf.ConfirmationID,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	now := time.Now().UTC()
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: VerifyResponse{
		LicenseKey: lic.ID,
		License: types.LicenseView{
			LicenseID:     lic.ID,
			Tier:          lic.Tier,
			Seats:         lic.Seats,
			LinkedServers: lic.LinkedServers,
			ExpiresAt:     lic.ExpiresAt,
			Expired:       lic.ExpiredAt(now),
			RemainingDays: lic.RemainingDaysAt(now),
		},
	}})
}
