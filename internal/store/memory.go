package store

import (
	"context"
	"sync"

	"omnifm/internal/types"
)

// MemoryStore is an in-memory Store implementation. It backs tests and is
// embedded by the file store, which adds persistence on top.
type MemoryStore struct {
	mu       sync.RWMutex
	licenses map[string]versionedRecord
	links    map[string]string
	payments map[string]string
}

type versionedRecord struct {
	rec     types.LicenseRecord
	version int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		licenses: make(map[string]versionedRecord),
		links:    make(map[string]string),
		payments: make(map[string]string),
	}
}

func (s *MemoryStore) GetLicense(_ context.Context, id string) (types.LicenseRecord, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vr, ok := s.licenses[id]
	if !ok {
		return types.LicenseRecord{}, 0, notFoundErr(id)
	}
	return vr.rec, vr.version, nil
}

func (s *MemoryStore) PutLicense(_ context.Context, id string, rec types.LicenseRecord, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(id, rec, expectedVersion)
}

// putLocked applies the compare-and-swap write. Callers must hold mu.
func (s *MemoryStore) putLocked(id string, rec types.LicenseRecord, expectedVersion int64) error {
	current, exists := s.licenses[id]
	switch {
	case expectedVersion == 0 && exists:
		return conflictErr(id)
	case expectedVersion != 0 && (!exists || current.version != expectedVersion):
		return conflictErr(id)
	}
	s.licenses[id] = versionedRecord{rec: rec, version: current.version + 1}
	return nil
}

func (s *MemoryStore) AllLicenseIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.licenses))
	for id := range s.licenses {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) GetLink(_ context.Context, serverID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	licenseID, ok := s.links[serverID]
	if !ok {
		return "", notFoundErr("server " + serverID)
	}
	return licenseID, nil
}

func (s *MemoryStore) PutLink(_ context.Context, serverID, licenseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[serverID] = licenseID
	return nil
}

func (s *MemoryStore) DeleteLink(_ context.Context, serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.links, serverID)
	return nil
}

func (s *MemoryStore) LookupPayment(_ context.Context, confirmationID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	licenseID, ok := s.payments[confirmationID]
	return licenseID, ok, nil
}

func (s *MemoryStore) RecordPayment(_ context.Context, confirmationID, licenseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[confirmationID] = licenseID
	return nil
}

var _ Store = (*MemoryStore)(nil)
