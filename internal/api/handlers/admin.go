// This file implements the operator license routes. All of them are mounted
// behind the admin-key middleware; they mirror the licensectl CLI verbs.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"omnifm/internal/core"
	"omnifm/internal/license"
	"omnifm/internal/types"
)

// LicenseAdministrator is the slice of the lifecycle manager the admin
// routes drive.
type LicenseAdministrator interface {
	Activate(ctx context.Context, params license.ActivateParams) (types.License, error)
	Renew(ctx context.Context, id string, tier types.Tier, months int, provenance, confirmationID string) (types.License, error)
	Upgrade(ctx context.Context, id string, newTier types.Tier) (types.License, error)
	LinkServer(ctx context.Context, key, serverID string) (types.License, error)
	UnlinkServer(ctx context.Context, key, serverID string) (types.License, error)
	List(ctx context.Context) ([]types.License, error)
}

// --- Request Models ---

// AdminCreateRequest is the body for POST /api/admin/licenses.
type AdminCreateRequest struct {
	Tier     string `json:"tier" validate:"required,oneof=pro ultimate"`
	Months   int    `json:"months" validate:"required,min=1,max=36"`
	Seats    int    `json:"seats" validate:"required,seat_count"`
	ServerID string `json:"serverId" validate:"omitempty,server_id"`
	Email    string `json:"email" validate:"omitempty,email"`
	Note     string `json:"note" validate:"omitempty,max=500"`
	// Legacy keys the record by the server id itself instead of minting a
	// distributable license key.
	Legacy bool `json:"legacy"`
}

// AdminRenewRequest is the body for POST /api/admin/licenses/{id}/renew.
type AdminRenewRequest struct {
	Tier   string `json:"tier" validate:"required,oneof=pro ultimate"`
	Months int    `json:"months" validate:"required,min=1,max=36"`
}

// AdminUpgradeRequest is the body for POST /api/admin/licenses/{id}/upgrade.
type AdminUpgradeRequest struct {
	Tier string `json:"tier" validate:"required,oneof=pro ultimate"`
}

// AdminLinkRequest is the body for POST /api/admin/licenses/{id}/links.
type AdminLinkRequest struct {
	ServerID string `json:"serverId" validate:"required,server_id"`
}

// AdminLicense is the operator view of a license; unlike the public
// LicenseView it includes contact and audit fields.
type AdminLicense struct {
	ID             string     `json:"id"`
	Tier           types.Tier `json:"tier"`
	Seats          int        `json:"seats"`
	LinkedServers  []string   `json:"linkedServerIds"`
	ContactEmail   string     `json:"contactEmail,omitempty"`
	ActivatedAt    string     `json:"activatedAt"`
	ExpiresAt      string     `json:"expiresAt,omitempty"`
	DurationMonths int        `json:"durationMonths"`
	Provenance     string     `json:"activatedBy,omitempty"`
	Note           string     `json:"note,omitempty"`
	UpgradedFrom   types.Tier `json:"upgradedFrom,omitempty"`
	Legacy         bool       `json:"legacy,omitempty"`
}

func adminView(lic types.License) AdminLicense {
	out := AdminLicense{
		ID:             lic.ID,
		Tier:           lic.Tier,
		Seats:          lic.Seats,
		LinkedServers:  lic.LinkedServers,
		ContactEmail:   lic.ContactEmail,
		ActivatedAt:    lic.ActivatedAt.Format(time.RFC3339),
		DurationMonths: lic.DurationMonths,
		Provenance:     lic.Provenance,
		Note:           lic.Note,
		UpgradedFrom:   lic.UpgradedFrom,
		Legacy:         lic.Legacy,
	}
	if !lic.ExpiresAt.IsZero() {
		out.ExpiresAt = lic.ExpiresAt.Format(time.RFC3339)
	}
	return out
}

// --- Admin Handler ---

// AdminHandler serves the operator license routes.
type AdminHandler struct {
	manager   LicenseAdministrator
	validator *core.Validator
	logger    *slog.Logger
}

// NewAdminHandler creates an AdminHandler with the provided dependencies.
func NewAdminHandler(manager LicenseAdministrator, v *core.Validator, l *slog.Logger) *AdminHandler {
	if l == nil {
		l = slog.Default()
	}
	return &AdminHandler{manager: manager, validator: v, logger: l}
}

// RegisterRoutes mounts the admin endpoints. The caller wraps the router in
// the admin-key middleware.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/admin/licenses", h.Create)
	r.Get("/api/admin/licenses", h.List)
	r.Post("/api/admin/licenses/{id}/renew", h.Renew)
	r.Post("/api/admin/licenses/{id}/upgrade", h.Upgrade)
	r.Post("/api/admin/licenses/{id}/links", h.Link)
	r.Delete("/api/admin/licenses/{id}/links/{serverID}", h.Unlink)
}

// Create handles POST /api/admin/licenses.
func (h *AdminHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req AdminCreateRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	lic, err := h.manager.Activate(r.Context(), license.ActivateParams{
		ContactEmail: req.Email,
		ServerID:     req.ServerID,
		LegacyKeyed:  req.Legacy,
		Tier:         types.Tier(req.Tier),
		Months:       req.Months,
		Seats:        req.Seats,
		Provenance:   types.ProvenanceAdminAPI,
		Note:         req.Note,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: adminView(lic)})
}

// List handles GET /api/admin/licenses, sorted by id for stable output.
func (h *AdminHandler) List(w http.ResponseWriter, r *http.Request) {
	lics, err := h.manager.List(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	sort.Slice(lics, func(i, j int) bool { return lics[i].ID < lics[j].ID })

	out := make([]AdminLicense, 0, len(lics))
	for _, lic := range lics {
		out = append(out, adminView(lic))
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: out})
}

// Renew handles POST /api/admin/licenses/{id}/renew.
func (h *AdminHandler) Renew(w http.ResponseWriter, r *http.Request) {
	var req AdminRenewRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	lic, err := h.manager.Renew(r.Context(), chi.URLParam(r, "id"),
		types.Tier(req.Tier), req.Months, types.ProvenanceAdminAPI, "")
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: adminView(lic)})
}

// Upgrade handles POST /api/admin/licenses/{id}/upgrade.
func (h *AdminHandler) Upgrade(w http.ResponseWriter, r *http.Request) {
	var req AdminUpgradeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	lic, err := h.manager.Upgrade(r.Context(), chi.URLParam(r, "id"), types.Tier(req.Tier))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: adminView(lic)})
}

// Link handles POST /api/admin/licenses/{id}/links.
func (h *AdminHandler) Link(w http.ResponseWriter, r *http.Request) {
	var req AdminLinkRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	lic, err := h.manager.LinkServer(r.Context(), chi.URLParam(r, "id"), req.ServerID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: adminView(lic)})
}

// Unlink handles DELETE /api/admin/licenses/{id}/links/{serverID}.
func (h *AdminHandler) Unlink(w http.ResponseWriter, r *http.Request) {
	lic, err := h.manager.UnlinkServer(r.Context(),
		chi.URLParam(r, "id"), chi.URLParam(r, "serverID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: adminView(lic)})
}
