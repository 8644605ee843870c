package store

import (
	"context"
	"testing"
	"time"

	"omnifm/internal/types"
)

func testRecord(tier string) types.LicenseRecord {
	expires := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	return types.LicenseRecord{
		Plan:        tier,
		Seats:       1,
		ActivatedAt: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		ExpiresAt:   &expires,
	}
}

func TestMemoryStore_GetLicense_NotFound(t *testing.T) {
	s := NewMemoryStore()
	_, _, err := s.GetLicense(context.Background(), "OMNI-AAAA-BBBB-CCCC")
	if !IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestMemoryStore_PutLicense_CreateAndUpdate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := "OMNI-AAAA-BBBB-CCCC"

	if err := s.PutLicense(ctx, id, testRecord("pro"), 0); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec, version, err := s.GetLicense(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if version != 1 {
		t.Errorf("version after create = %d, want 1", version)
	}
	if rec.Plan != "pro" {
		t.Errorf("plan = %q, want pro", rec.Plan)
	}

	if err := s.PutLicense(ctx, id, testRecord("ultimate"), version); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec, version, _ = s.GetLicense(ctx, id)
	if version != 2 || rec.Plan != "ultimate" {
		t.Errorf("after update: version=%d plan=%q, want 2/ultimate", version, rec.Plan)
	}
}

func TestMemoryStore_PutLicense_CreateConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := "OMNI-AAAA-BBBB-CCCC"

	if err := s.PutLicense(ctx, id, testRecord("pro"), 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.PutLicense(ctx, id, testRecord("pro"), 0)
	if !IsConflict(err) {
		t.Fatalf("second create should conflict, got %v", err)
	}
}

func TestMemoryStore_PutLicense_StaleVersionConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := "OMNI-AAAA-BBBB-CCCC"

	if err := s.PutLicense(ctx, id, testRecord("pro"), 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.PutLicense(ctx, id, testRecord("pro"), 1); err != nil {
		t.Fatalf("first update: %v", err)
	}

	// A writer still holding version 1 has lost the race.
	err := s.PutLicense(ctx, id, testRecord("ultimate"), 1)
	if !IsConflict(err) {
		t.Fatalf("stale update should conflict, got %v", err)
	}

	rec, _, _ := s.GetLicense(ctx, id)
	if rec.Plan != "pro" {
		t.Errorf("losing write must not apply, plan = %q", rec.Plan)
	}
}

func TestMemoryStore_PutLicense_UpdateAbsentConflicts(t *testing.T) {
	s := NewMemoryStore()
	err := s.PutLicense(context.Background(), "OMNI-AAAA-BBBB-CCCC", testRecord("pro"), 3)
	if !IsConflict(err) {
		t.Fatalf("update of absent record should conflict, got %v", err)
	}
}

func TestMemoryStore_AllLicenseIDs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"OMNI-AAAA-BBBB-CCCC", "OMNI-DDDD-EEEE-FFFF"} {
		if err := s.PutLicense(ctx, id, testRecord("pro"), 0); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	ids, err := s.AllLicenseIDs(ctx)
	if err != nil {
		t.Fatalf("AllLicenseIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("got %d ids, want 2", len(ids))
	}
}

func TestMemoryStore_Links(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetLink(ctx, "123456789012345678"); !IsNotFound(err) {
		t.Fatalf("absent link should be not-found, got %v", err)
	}

	if err := s.PutLink(ctx, "123456789012345678", "OMNI-AAAA-BBBB-CCCC"); err != nil {
		t.Fatalf("PutLink: %v", err)
	}
	key, err := s.GetLink(ctx, "123456789012345678")
	if err != nil || key != "OMNI-AAAA-BBBB-CCCC" {
		t.Fatalf("GetLink = %q, %v", key, err)
	}

	if err := s.DeleteLink(ctx, "123456789012345678"); err != nil {
		t.Fatalf("DeleteLink: %v", err)
	}
	if _, err := s.GetLink(ctx, "123456789012345678"); !IsNotFound(err) {
		t.Fatalf("deleted link should be not-found, got %v", err)
	}

	// Deleting an absent link is a no-op.
	if err := s.DeleteLink(ctx, "999999999999999999"); err != nil {
		t.Fatalf("DeleteLink absent: %v", err)
	}
}

func TestMemoryStore_Payments(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, ok, err := s.LookupPayment(ctx, "cs_test_1")
	if err != nil || ok {
		t.Fatalf("unseen confirmation: ok=%v err=%v", ok, err)
	}

	if err := s.RecordPayment(ctx, "cs_test_1", "OMNI-AAAA-BBBB-CCCC"); err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}
	licenseID, ok, err := s.LookupPayment(ctx, "cs_test_1")
	if err != nil || !ok || licenseID != "OMNI-AAAA-BBBB-CCCC" {
		t.Fatalf("LookupPayment = %q, %v, %v", licenseID, ok, err)
	}
}
