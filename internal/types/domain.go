// Package types defines the shared domain model for the OmniFM entitlement
// engine: tiers, licenses, entitlement views, and the error taxonomy. It has
// no dependencies on storage or transport so every other package can import it.
package types

import (
	"regexp"
	"time"
)

// LicenseMonth is the fixed billing month used for both expiry arithmetic and
// pricing. A "month" is always exactly 30 days; calendar months are never
// used, otherwise renewal stacking and pro-rated upgrades would disagree with
// the checkout price.
const LicenseMonth = 30 * 24 * time.Hour

// daySeconds is the number of seconds in a remaining-days accounting day.
const daySeconds = 86400

// AllowedSeatCounts is the fixed set of seat bundle sizes a license can be
// sold with.
var AllowedSeatCounts = []int{1, 2, 3, 5}

// SeatCountAllowed reports whether seats is a sellable bundle size.
func SeatCountAllowed(seats int) bool {
	for _, s := range AllowedSeatCounts {
		if s == seats {
			return true
		}
	}
	return false
}

// serverIDPattern matches a Discord guild snowflake (17-22 digits). IDs of
// this shape are also how legacy subject-keyed license records are detected.
var serverIDPattern = regexp.MustCompile(`^\d{17,22}$`)

// IsServerID reports whether s looks like a Discord server id.
func IsServerID(s string) bool {
	return serverIDPattern.MatchString(s)
}

// TierDefinition describes one entry of the static tier catalog. Definitions
// are immutable for the process lifetime.
type TierDefinition struct {
	ID                Tier                `json:"id"`
	Name              string              `json:"name"`
	BitrateKbps       int                 `json:"bitrateKbps"`
	ReconnectBudgetMs int                 `json:"reconnectBudgetMs"`
	MaxLinkedBots     int                 `json:"maxLinkedBots"`
	PricePerMonth     int64               `json:"pricePerMonth"` // minor currency units (euro cents)
	SeatPrices        map[int]int64       `json:"seatPrices"`    // seat count -> price per month
	Features          map[FeatureKey]bool `json:"features"`
}

// HasFeature reports whether the tier grants the given capability.
func (d TierDefinition) HasFeature(key FeatureKey) bool {
	return d.Features[key]
}

// LicenseRecord is the persisted wire shape of a license. It is a tagged
// union covering two generations of records:
//
//   - Legacy records are keyed directly by the server id, carry the tier in
//     the "tier" field, and have no seats or linked-server list (one server,
//     one implicit seat).
//   - Key-based records are keyed by a distributable license key, carry the
//     tier in "plan", and share their seats across linkedServerIds.
//
// Records round-trip losslessly through JSON. Canonicalize resolves either
// generation into the single License shape the engine works with; nothing
// downstream of the store ever branches on the record format again.
type LicenseRecord struct {
	Plan           string     `json:"plan,omitempty"`
	LegacyTier     string     `json:"tier,omitempty"`
	Seats          int        `json:"seats,omitempty"`
	LinkedServers  []string   `json:"linkedServerIds,omitempty"`
	ContactEmail   string     `json:"contactEmail,omitempty"`
	ActivatedAt    time.Time  `json:"activatedAt"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	DurationMonths int        `json:"durationMonths,omitempty"`
	Provenance     string     `json:"activatedBy,omitempty"`
	Note           string     `json:"note,omitempty"`
	UpgradedAt     *time.Time `json:"upgradedAt,omitempty"`
	UpgradedFrom   string     `json:"upgradedFrom,omitempty"`
}

// Canonicalize resolves a persisted record into the canonical License shape,
// defaulting the fields legacy records lack: the tier comes from "plan" or
// falls back to "tier", seats default to 1, and a legacy record (keyed by a
// server id) is implicitly linked to that server.
func (r LicenseRecord) Canonicalize(id string) License {
	tier := r.Plan
	if tier == "" {
		tier = r.LegacyTier
	}

	seats := r.Seats
	if seats <= 0 {
		seats = 1
	}

	linked := append([]string(nil), r.LinkedServers...)
	legacy := IsServerID(id)
	if legacy && len(linked) == 0 {
		linked = []string{id}
	}

	var expires time.Time
	if r.ExpiresAt != nil {
		expires = *r.ExpiresAt
	}

	return License{
		ID:             id,
		Tier:           Tier(tier),
		Seats:          seats,
		LinkedServers:  linked,
		ContactEmail:   r.ContactEmail,
		ActivatedAt:    r.ActivatedAt,
		ExpiresAt:      expires,
		DurationMonths: r.DurationMonths,
		Provenance:     r.Provenance,
		Note:           r.Note,
		UpgradedAt:     r.UpgradedAt,
		UpgradedFrom:   Tier(r.UpgradedFrom),
		Legacy:         legacy,
	}
}

// License is the canonical in-memory shape of an entitlement. Every component
// past the store boundary works exclusively with this type.
type License struct {
	ID             string     // license key, or server id for legacy records
	Tier           Tier       // never "free"; free is the absence of a license
	Seats          int        // >= 1; len(LinkedServers) <= Seats
	LinkedServers  []string   // server ids consuming seats
	ContactEmail   string     // owner contact, may be empty
	ActivatedAt    time.Time  // last activation or full renewal
	ExpiresAt      time.Time  // zero value = never entitles
	DurationMonths int        // months purchased at last activation/renewal
	Provenance     string     // who/what created the license
	Note           string     // free-form audit note
	UpgradedAt     *time.Time // set by mid-term tier upgrades
	UpgradedFrom   Tier       // tier before the most recent upgrade
	Legacy         bool       // record was keyed directly by the server id
}

// ExpiredAt reports whether the license is expired at the given instant.
// The expiry instant itself counts as expired, and a license with no expiry
// set never entitles.
func (l License) ExpiredAt(now time.Time) bool {
	if l.ExpiresAt.IsZero() {
		return true
	}
	return !now.Before(l.ExpiresAt)
}

// RemainingDaysAt returns the whole days until expiry at the given instant,
// computed as ceil(secondsUntilExpiry / 86400) and floored at zero. An
// expired or expiry-less license always reports zero.
func (l License) RemainingDaysAt(now time.Time) int {
	if l.ExpiredAt(now) {
		return 0
	}
	secs := int64(l.ExpiresAt.Sub(now) / time.Second)
	return int((secs + daySeconds - 1) / daySeconds)
}

// SeatsUsed returns the number of occupied seats.
func (l License) SeatsUsed() int {
	return len(l.LinkedServers)
}

// IsLinked reports whether the given server consumes one of the seats.
func (l License) IsLinked(serverID string) bool {
	for _, s := range l.LinkedServers {
		if s == serverID {
			return true
		}
	}
	return false
}

// Record converts the canonical license back into its persisted wire shape.
// Canonical licenses always serialize in the key-based generation ("plan"
// field), including migrated legacy records.
func (l License) Record() LicenseRecord {
	rec := LicenseRecord{
		Plan:           string(l.Tier),
		Seats:          l.Seats,
		LinkedServers:  append([]string(nil), l.LinkedServers...),
		ContactEmail:   l.ContactEmail,
		ActivatedAt:    l.ActivatedAt,
		DurationMonths: l.DurationMonths,
		Provenance:     l.Provenance,
		Note:           l.Note,
		UpgradedAt:     l.UpgradedAt,
		UpgradedFrom:   string(l.UpgradedFrom),
	}
	if !l.ExpiresAt.IsZero() {
		expires := l.ExpiresAt
		rec.ExpiresAt = &expires
	}
	return rec
}

// LicenseView is the read model returned by entitlement lookups. It carries
// everything the API layer exposes without leaking the mutable License.
type LicenseView struct {
	LicenseID     string    `json:"licenseId,omitempty"`
	Tier          Tier      `json:"tier"`
	Seats         int       `json:"seats"`
	LinkedServers []string  `json:"linkedServerIds"`
	ExpiresAt     time.Time `json:"expiresAt,omitzero"`
	Expired       bool      `json:"expired"`
	RemainingDays int       `json:"remainingDays"`
}

// EntitlementCheck is the answer to "what is this server entitled to right
// now". License is nil when no active license backs the entitlement.
type EntitlementCheck struct {
	ServerID string       `json:"serverId"`
	Tier     Tier         `json:"tier"`
	Entitled bool         `json:"entitled"`
	License  *LicenseView `json:"license,omitempty"`
}

// PaymentConfirmation is the event delivered by the payment collaborator
// after the provider reports success. The engine re-derives the expected
// amount from the same pricing formula used at checkout and refuses to
// activate on a mismatch.
type PaymentConfirmation struct {
	ConfirmationID string `json:"confirmationId"`
	PayerContact   string `json:"payerContact"`
	ServerID       string `json:"serverId,omitempty"`
	Tier           Tier   `json:"tier"`
	Months         int    `json:"months"`
	Seats          int    `json:"seats"`
	Amount         int64  `json:"amount"` // minor currency units as charged
}

// Bot describes one roster entry loaded from the environment. The roster is
// external configuration; the engine only consults RequiredTier for invite
// gating.
type Bot struct {
	ID           string `json:"botId"`
	Index        int    `json:"index"`
	Name         string `json:"name"`
	ClientID     string `json:"clientId"`
	RequiredTier Tier   `json:"requiredTier"`
}
