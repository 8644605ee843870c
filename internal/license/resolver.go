// Package license implements the entitlement engine: resolving what a server
// is entitled to, and the lifecycle of the licenses behind those
// entitlements (activation, renewal, mid-term upgrades, seat linking).
//
// Two generations of records coexist in the store: legacy records keyed
// directly by server id, and key-based records shared by up to "seats"
// servers through a link table. Both are canonicalized at the store boundary
// (types.LicenseRecord.Canonicalize); everything in this package works with
// the canonical types.License only.
package license

import (
	"context"
	"log/slog"
	"time"

	"omnifm/internal/catalog"
	"omnifm/internal/store"
	"omnifm/internal/types"
)

// Resolver answers entitlement questions. It never mutates state; expiry is
// evaluated lazily at read time, so there is no sweep process anywhere.
type Resolver struct {
	store   store.Store
	catalog catalog.Catalog
	logger  *slog.Logger
	now     func() time.Time
}

// ResolverOption customizes a Resolver.
type ResolverOption func(*Resolver)

// WithResolverClock overrides the time source, for tests.
func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates an entitlement resolver over the given store and catalog.
func NewResolver(st store.Store, cat catalog.Catalog, logger *slog.Logger, opts ...ResolverOption) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{store: st, catalog: cat, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve finds the license behind a server id or a license key.
//
// For a server id the legacy direct record is tried first, then the
// server -> license-key link; a bare license key is looked up directly. The
// returned license is canonical regardless of which path matched. Returns a
// not_found_license error when nothing resolves.
func (r *Resolver) Resolve(ctx context.Context, idOrKey string) (types.License, error) {
	if types.IsServerID(idOrKey) {
		return r.resolveServer(ctx, idOrKey)
	}

	key := NormalizeKey(idOrKey)
	rec, _, err := r.store.GetLicense(ctx, key)
	if err != nil {
		return types.License{}, err
	}
	return rec.Canonicalize(key), nil
}

func (r *Resolver) resolveServer(ctx context.Context, serverID string) (types.License, error) {
	// Legacy generation: the record is keyed by the server id itself.
	rec, _, err := r.store.GetLicense(ctx, serverID)
	if err == nil {
		return rec.Canonicalize(serverID), nil
	}
	if !store.IsNotFound(err) {
		return types.License{}, err
	}

	// Key-based generation: follow the server -> license-key link.
	key, err := r.store.GetLink(ctx, serverID)
	if err != nil {
		return types.License{}, err
	}
	rec, _, err = r.store.GetLicense(ctx, key)
	if err != nil {
		return types.License{}, err
	}
	return rec.Canonicalize(key), nil
}

// EffectiveTier returns the tier the server is currently entitled to: the
// license tier when an active license resolves, free otherwise. Absence and
// expiry are not errors here; only store failures propagate.
func (r *Resolver) EffectiveTier(ctx context.Context, serverID string) (types.Tier, error) {
	lic, err := r.Resolve(ctx, serverID)
	if store.IsNotFound(err) {
		return types.TierFree, nil
	}
	if err != nil {
		return types.TierFree, err
	}
	if lic.ExpiredAt(r.now()) {
		return types.TierFree, nil
	}
	if _, ok := r.catalog.Get(lic.Tier); !ok {
		// A record referencing a tier the catalog no longer knows never
		// entitles.
		r.logger.Warn("license references unknown tier",
			slog.String("license_id", lic.ID),
			slog.String("tier", string(lic.Tier)),
		)
		return types.TierFree, nil
	}
	return lic.Tier, nil
}

// CheckEntitlement resolves the full entitlement picture for a server: the
// effective tier plus the backing license view when an active license exists.
// Absence and expiry are answered as the free tier, never as errors.
func (r *Resolver) CheckEntitlement(ctx context.Context, serverID string) (types.EntitlementCheck, error) {
	check := types.EntitlementCheck{ServerID: serverID, Tier: types.TierFree}

	lic, err := r.Resolve(ctx, serverID)
	if store.IsNotFound(err) {
		return check, nil
	}
	if err != nil {
		return types.EntitlementCheck{}, err
	}

	tier, err := r.EffectiveTier(ctx, serverID)
	if err != nil {
		return types.EntitlementCheck{}, err
	}

	view := r.view(lic)
	check.License = &view
	check.Tier = tier
	check.Entitled = tier != types.TierFree
	return check, nil
}

// LicenseInfo returns the read model for the license behind a server id or
// license key. Returns a not_found_license error when nothing resolves;
// callers deciding entitlements should treat that as the free tier.
func (r *Resolver) LicenseInfo(ctx context.Context, idOrKey string) (types.LicenseView, error) {
	lic, err := r.Resolve(ctx, idOrKey)
	if err != nil {
		return types.LicenseView{}, err
	}
	return r.view(lic), nil
}

func (r *Resolver) view(lic types.License) types.LicenseView {
	now := r.now()
	return types.LicenseView{
		LicenseID:     lic.ID,
		Tier:          lic.Tier,
		Seats:         lic.Seats,
		LinkedServers: append([]string(nil), lic.LinkedServers...),
		ExpiresAt:     lic.ExpiresAt,
		Expired:       lic.ExpiredAt(now),
		RemainingDays: lic.RemainingDaysAt(now),
	}
}
