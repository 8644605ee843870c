// This file implements the roster endpoints: the public bot listing and the
// aggregate stats summary.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"omnifm/internal/core"
	"omnifm/internal/types"
)

// LicenseLister is the read access the stats endpoint needs.
type LicenseLister interface {
	List(ctx context.Context) ([]types.License, error)
}

// botInfo is one roster entry as exposed publicly. Client ids are public on
// Discord; nothing sensitive leaves the process here.
type botInfo struct {
	BotID        string     `json:"botId"`
	Name         string     `json:"name"`
	ClientID     string     `json:"clientId"`
	RequiredTier types.Tier `json:"requiredTier"`
}

// BotsResponse is the response for GET /api/bots.
type BotsResponse struct {
	Bots  []botInfo `json:"bots"`
	Total int       `json:"total"`
}

// StatsResponse is the response for GET /api/stats.
type StatsResponse struct {
	Bots           int            `json:"bots"`
	ActiveLicenses int            `json:"activeLicenses"`
	LicensesByTier map[string]int `json:"licensesByTier"`
	LinkedServers  int            `json:"linkedServers"`
}

// BotsHandler serves the roster endpoints.
type BotsHandler struct {
	roster   []types.Bot
	licenses LicenseLister
	logger   *slog.Logger
}

// NewBotsHandler creates a BotsHandler.
func NewBotsHandler(roster []types.Bot, licenses LicenseLister, l *slog.Logger) *BotsHandler {
	if l == nil {
		l = slog.Default()
	}
	return &BotsHandler{roster: roster, licenses: licenses, logger: l}
}

// RegisterRoutes mounts the roster endpoints on the given router.
func (h *BotsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/bots", h.GetBots)
	r.Get("/api/stats", h.GetStats)
}

// GetBots handles GET /api/bots.
func (h *BotsHandler) GetBots(w http.ResponseWriter, r *http.Request) {
	bots := make([]botInfo, 0, len(h.roster))
	for _, b := range h.roster {
		bots = append(bots, botInfo{
			BotID:        b.ID,
			Name:         b.Name,
			ClientID:     b.ClientID,
			RequiredTier: b.RequiredTier,
		})
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: BotsResponse{
		Bots:  bots,
		Total: len(bots),
	}})
}

// GetStats handles GET /api/stats. Counts are computed over a point-in-time
// snapshot of the store; a stats read never blocks license mutations.
func (h *BotsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	lics, err := h.licenses.List(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}

	now := time.Now().UTC()
	byTier := make(map[string]int)
	active := 0
	linked := 0
	for _, lic := range lics {
		if lic.ExpiredAt(now) {
			continue
		}
		active++
		byTier[string(lic.Tier)]++
		linked += lic.SeatsUsed()
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: StatsResponse{
		Bots:           len(h.roster),
		ActiveLicenses: active,
		LicensesByTier: byTier,
		LinkedServers:  linked,
	}})
}
