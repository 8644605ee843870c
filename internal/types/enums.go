package types

// Tier identifies a subscription tier.
type Tier string

const (
	TierFree     Tier = "free"
	TierPro      Tier = "pro"
	TierUltimate Tier = "ultimate"
)

// tierRank orders tiers for access comparisons. Unknown tiers rank below free.
var tierRank = map[Tier]int{
	TierFree:     0,
	TierPro:      1,
	TierUltimate: 2,
}

// Rank returns the ordering position of the tier. Unknown tiers return -1.
func (t Tier) Rank() int {
	if r, ok := tierRank[t]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether t grants at least the capabilities of minimum.
func (t Tier) AtLeast(minimum Tier) bool {
	return t.Rank() >= minimum.Rank()
}

// FeatureKey identifies a tier-gated capability.
type FeatureKey string

const (
	FeatureHQAudio            FeatureKey = "hq_audio"
	FeatureUltraAudio         FeatureKey = "ultra_audio"
	FeaturePriorityReconnect  FeatureKey = "priority_reconnect"
	FeatureInstantReconnect   FeatureKey = "instant_reconnect"
	FeaturePremiumStations    FeatureKey = "premium_stations"
	FeatureCustomStationURLs  FeatureKey = "custom_station_urls"
	FeatureCommandPermissions FeatureKey = "command_permissions"
)

// Provenance values record who or what created or mutated a license.
const (
	ProvenanceStripe   = "stripe"
	ProvenanceAdminCLI = "admin-cli"
	ProvenanceAdminAPI = "admin-api"
	ProvenanceLegacy   = "legacy"
)
