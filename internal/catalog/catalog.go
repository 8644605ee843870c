// Package catalog provides the static tier catalog: the authoritative table
// of tiers, their capability limits, and their seat-based monthly prices.
package catalog

import "omnifm/internal/types"

// Catalog defines the read-only tier lookup used by the pricing engine, the
// entitlement resolver, and the lifecycle manager.
type Catalog interface {
	// Get returns the definition for the given tier id.
	Get(tier types.Tier) (types.TierDefinition, bool)

	// SeatPrice returns the monthly price in minor currency units for the
	// given tier and seat bundle. A seat count without a listed price falls
	// back to the single-seat price. Unknown tiers return 0.
	SeatPrice(tier types.Tier, seats int) int64

	// Tiers returns all definitions in ascending rank order.
	Tiers() []types.TierDefinition
}

// staticCatalog is a compile-time catalog backed by an in-memory map.
// It is the standard implementation for production use.
type staticCatalog struct {
	defs  map[types.Tier]types.TierDefinition
	order []types.Tier
}

// tierDefaults is the authoritative tier table. Prices are euro cents.
var tierDefaults = map[types.Tier]types.TierDefinition{
	types.TierFree: {
		ID:                types.TierFree,
		Name:              "Free",
		BitrateKbps:       64,
		ReconnectBudgetMs: 5000,
		MaxLinkedBots:     2,
		PricePerMonth:     0,
		SeatPrices:        map[int]int64{1: 0},
		Features:          map[types.FeatureKey]bool{},
	},
	types.TierPro: {
		ID:                types.TierPro,
		Name:              "Pro",
		BitrateKbps:       128,
		ReconnectBudgetMs: 1500,
		MaxLinkedBots:     8,
		PricePerMonth:     299,
		SeatPrices:        map[int]int64{1: 299, 2: 549, 3: 749, 5: 1149},
		Features: map[types.FeatureKey]bool{
			types.FeatureHQAudio:            true,
			types.FeaturePriorityReconnect:  true,
			types.FeaturePremiumStations:    true,
			types.FeatureCommandPermissions: true,
		},
	},
	types.TierUltimate: {
		ID:                types.TierUltimate,
		Name:              "Ultimate",
		BitrateKbps:       320,
		ReconnectBudgetMs: 400,
		MaxLinkedBots:     16,
		PricePerMonth:     499,
		SeatPrices:        map[int]int64{1: 499, 2: 799, 3: 1099, 5: 1699},
		Features: map[types.FeatureKey]bool{
			types.FeatureHQAudio:            true,
			types.FeatureUltraAudio:         true,
			types.FeaturePriorityReconnect:  true,
			types.FeatureInstantReconnect:   true,
			types.FeaturePremiumStations:    true,
			types.FeatureCustomStationURLs:  true,
			types.FeatureCommandPermissions: true,
		},
	},
}

// tierOrder lists tiers in ascending rank order for stable iteration.
var tierOrder = []types.Tier{types.TierFree, types.TierPro, types.TierUltimate}

// NewStaticCatalog returns a Catalog backed by the built-in tier table.
// No database or external service is required.
func NewStaticCatalog() Catalog {
	// Copy the defaults so callers cannot mutate the package-level table.
	defs := make(map[types.Tier]types.TierDefinition, len(tierDefaults))
	for id, def := range tierDefaults {
		cp := def
		cp.SeatPrices = make(map[int]int64, len(def.SeatPrices))
		for k, v := range def.SeatPrices {
			cp.SeatPrices[k] = v
		}
		cp.Features = make(map[types.FeatureKey]bool, len(def.Features))
		for k, v := range def.Features {
			cp.Features[k] = v
		}
		defs[id] = cp
	}
	return &staticCatalog{defs: defs, order: tierOrder}
}

func (c *staticCatalog) Get(tier types.Tier) (types.TierDefinition, bool) {
	def, ok := c.defs[tier]
	return def, ok
}

func (c *staticCatalog) SeatPrice(tier types.Tier, seats int) int64 {
	def, ok := c.defs[tier]
	if !ok {
		return 0
	}
	if price, ok := def.SeatPrices[seats]; ok {
		return price
	}
	// Unlisted seat counts fall back to the single-seat price.
	return def.SeatPrices[1]
}

func (c *staticCatalog) Tiers() []types.TierDefinition {
	out := make([]types.TierDefinition, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.defs[id])
	}
	return out
}
