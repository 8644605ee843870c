package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSeatCountAllowed(t *testing.T) {
	for _, seats := range AllowedSeatCounts {
		if !SeatCountAllowed(seats) {
			t.Errorf("SeatCountAllowed(%d) = false, want true", seats)
		}
	}
	for _, seats := range []int{0, -1, 4, 6, 10} {
		if SeatCountAllowed(seats) {
			t.Errorf("SeatCountAllowed(%d) = true, want false", seats)
		}
	}
}

func TestIsServerID(t *testing.T) {
	valid := []string{
		"12345678901234567",      // 17 digits
		"123456789012345678",     // 18 digits (typical snowflake)
		"1234567890123456789012", // 22 digits
	}
	for _, id := range valid {
		if !IsServerID(id) {
			t.Errorf("IsServerID(%q) = false, want true", id)
		}
	}
	invalid := []string{
		"",
		"1234567890123456",        // 16 digits
		"12345678901234567890123", // 23 digits
		"12345678901234567a",
		"OMNI-AAAA-BBBB-CCCC",
		" 123456789012345678",
	}
	for _, id := range invalid {
		if IsServerID(id) {
			t.Errorf("IsServerID(%q) = true, want false", id)
		}
	}
}

func TestLicense_ExpiredAt(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"future expiry", now.Add(time.Hour), false},
		{"one second left", now.Add(time.Second), false},
		{"exactly now counts as expired", now, true},
		{"past expiry", now.Add(-time.Second), true},
		{"zero expiry never entitles", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lic := License{Tier: TierPro, ExpiresAt: tt.expiresAt}
			if got := lic.ExpiredAt(now); got != tt.want {
				t.Errorf("ExpiredAt = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLicense_RemainingDaysAt(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		until time.Duration
		want  int
	}{
		{"exactly one day", 24 * time.Hour, 1},
		{"one day and a second rounds up", 24*time.Hour + time.Second, 2},
		{"one second counts as a day", time.Second, 1},
		{"thirty days", 30 * 24 * time.Hour, 30},
		{"expired reports zero", -time.Hour, 0},
		{"expiring now reports zero", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lic := License{Tier: TierPro, ExpiresAt: now.Add(tt.until)}
			if got := lic.RemainingDaysAt(now); got != tt.want {
				t.Errorf("RemainingDaysAt = %d, want %d", got, tt.want)
			}
		})
	}

	t.Run("zero expiry reports zero", func(t *testing.T) {
		lic := License{Tier: TierPro}
		if got := lic.RemainingDaysAt(now); got != 0 {
			t.Errorf("RemainingDaysAt = %d, want 0", got)
		}
	})
}

func TestLicenseRecord_Canonicalize_KeyBased(t *testing.T) {
	expires := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	rec := LicenseRecord{
		Plan:          "ultimate",
		Seats:         3,
		LinkedServers: []string{"111111111111111111", "222222222222222222"},
		ContactEmail:  "owner@example.com",
		ExpiresAt:     &expires,
	}

	lic := rec.Canonicalize("OMNI-AAAA-BBBB-CCCC")
	if lic.ID != "OMNI-AAAA-BBBB-CCCC" {
		t.Errorf("ID = %q", lic.ID)
	}
	if lic.Tier != TierUltimate {
		t.Errorf("Tier = %q, want ultimate", lic.Tier)
	}
	if lic.Seats != 3 || lic.SeatsUsed() != 2 {
		t.Errorf("seats = %d used = %d, want 3/2", lic.Seats, lic.SeatsUsed())
	}
	if lic.Legacy {
		t.Error("key-based record must not be legacy")
	}
	if !lic.ExpiresAt.Equal(expires) {
		t.Errorf("ExpiresAt = %v", lic.ExpiresAt)
	}
}

func TestLicenseRecord_Canonicalize_Legacy(t *testing.T) {
	expires := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	rec := LicenseRecord{
		LegacyTier: "pro",
		ExpiresAt:  &expires,
	}

	lic := rec.Canonicalize("123456789012345678")
	if lic.Tier != TierPro {
		t.Errorf("Tier = %q, want pro from the legacy field", lic.Tier)
	}
	if !lic.Legacy {
		t.Error("server-id-keyed record must be legacy")
	}
	if lic.Seats != 1 {
		t.Errorf("Seats = %d, want implicit 1", lic.Seats)
	}
	if !lic.IsLinked("123456789012345678") {
		t.Error("legacy record should be implicitly linked to its own server id")
	}
}

func TestLicenseRecord_Canonicalize_PlanWinsOverLegacyTier(t *testing.T) {
	rec := LicenseRecord{Plan: "ultimate", LegacyTier: "pro"}
	if lic := rec.Canonicalize("OMNI-AAAA-BBBB-CCCC"); lic.Tier != TierUltimate {
		t.Errorf("Tier = %q, want plan field to win", lic.Tier)
	}
}

func TestLicenseRecord_Canonicalize_MissingExpiry(t *testing.T) {
	rec := LicenseRecord{Plan: "pro", Seats: 1}
	lic := rec.Canonicalize("OMNI-AAAA-BBBB-CCCC")
	if !lic.ExpiresAt.IsZero() {
		t.Errorf("ExpiresAt = %v, want zero", lic.ExpiresAt)
	}
	if !lic.ExpiredAt(time.Now()) {
		t.Error("license without expiry must be expired")
	}
}

func TestLicense_Record_AlwaysKeyBasedGeneration(t *testing.T) {
	lic := License{
		ID:            "123456789012345678",
		Tier:          TierPro,
		Seats:         1,
		LinkedServers: []string{"123456789012345678"},
		ExpiresAt:     time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		Legacy:        true,
	}

	rec := lic.Record()
	if rec.Plan != "pro" {
		t.Errorf("Plan = %q, want pro", rec.Plan)
	}
	if rec.LegacyTier != "" {
		t.Error("canonical licenses must serialize in the key-based generation")
	}
	if rec.ExpiresAt == nil || !rec.ExpiresAt.Equal(lic.ExpiresAt) {
		t.Errorf("ExpiresAt = %v", rec.ExpiresAt)
	}
}

func TestLicenseRecord_JSONFieldNames(t *testing.T) {
	// The wire format is shared with earlier deployments; field names are
	// load-bearing.
	expires := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	rec := LicenseRecord{
		Plan:          "pro",
		Seats:         2,
		LinkedServers: []string{"123456789012345678"},
		ActivatedAt:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		ExpiresAt:     &expires,
		Provenance:    "stripe",
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, field := range []string{"plan", "seats", "linkedServerIds", "activatedAt", "expiresAt", "activatedBy"} {
		if _, ok := doc[field]; !ok {
			t.Errorf("serialized record missing %q field", field)
		}
	}
	if _, ok := doc["tier"]; ok {
		t.Error("key-based record must not carry the legacy tier field")
	}
}
