package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"omnifm/internal/types"
)

// maxProcessedPayments caps the processed-confirmation set so the file does
// not grow without bound; the oldest entries are dropped first.
const maxProcessedPayments = 5000

// backupSuffix is appended to the store path for the gzip backup written
// before each save.
const backupSuffix = ".bak.gz"

// FileStore is a Store persisted as a single JSON document. Every mutation
// rewrites the file atomically (write to a temp file, then rename) after
// compressing the previous contents into a .bak.gz sibling, so a crash
// mid-write can always fall back to the last good snapshot.
//
// Record versions are tracked in memory only; the file store serializes all
// access behind one mutex, so versions exist to honor the Store contract, not
// to coordinate across processes.
type FileStore struct {
	path string

	mu       sync.Mutex
	licenses map[string]versionedRecord
	links    map[string]string
	payments map[string]paymentEntry
}

type paymentEntry struct {
	LicenseID   string    `json:"licenseId"`
	ProcessedAt time.Time `json:"processedAt"`
}

// fileDocument is the on-disk layout. The serverEntitlements key matches the
// layout written by earlier deployments so existing files load unchanged.
type fileDocument struct {
	Licenses    map[string]types.LicenseRecord `json:"licenses"`
	ServerLinks map[string]linkEntry           `json:"serverEntitlements"`
	Payments    map[string]paymentEntry        `json:"processedPayments,omitempty"`
}

type linkEntry struct {
	ServerID  string `json:"serverId"`
	LicenseID string `json:"licenseId"`
}

// NewFileStore opens (or creates) a file-backed store at path. A corrupt or
// missing main file falls back to the gzip backup; if both are unusable, the
// store starts empty rather than failing the process.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:     path,
		licenses: make(map[string]versionedRecord),
		links:    make(map[string]string),
		payments: make(map[string]paymentEntry),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	doc, err := readDocument(s.path)
	if errors.Is(err, os.ErrNotExist) || isCorrupt(err) {
		// Fall back to the last backup snapshot.
		doc, err = readBackup(s.path + backupSuffix)
		if errors.Is(err, os.ErrNotExist) || isCorrupt(err) {
			return nil // fresh store
		}
	}
	if err != nil {
		return storeUnavailable("loading license file", err)
	}

	for id, rec := range doc.Licenses {
		s.licenses[id] = versionedRecord{rec: rec, version: 1}
	}
	for serverID, link := range doc.ServerLinks {
		s.links[serverID] = link.LicenseID
	}
	for confID, entry := range doc.Payments {
		s.payments[confID] = entry
	}
	return nil
}

func readDocument(path string) (*fileDocument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeDocument(raw)
}

func readBackup(path string) (*fileDocument, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, &corruptError{err: err}
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, &corruptError{err: err}
	}
	return decodeDocument(raw)
}

func decodeDocument(raw []byte) (*fileDocument, error) {
	var doc fileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &corruptError{err: err}
	}
	return &doc, nil
}

// corruptError marks unreadable file contents so load can distinguish
// "fall back to backup" from genuine I/O failures.
type corruptError struct{ err error }

func (e *corruptError) Error() string { return "corrupt store file: " + e.err.Error() }
func (e *corruptError) Unwrap() error { return e.err }

func isCorrupt(err error) bool {
	var ce *corruptError
	return errors.As(err, &ce)
}

// save writes the current state atomically. Callers must hold mu.
func (s *FileStore) save() error {
	s.trimPaymentsLocked()

	doc := fileDocument{
		Licenses:    make(map[string]types.LicenseRecord, len(s.licenses)),
		ServerLinks: make(map[string]linkEntry, len(s.links)),
		Payments:    s.payments,
	}
	for id, vr := range s.licenses {
		doc.Licenses[id] = vr.rec
	}
	for serverID, licenseID := range s.links {
		doc.ServerLinks[serverID] = linkEntry{ServerID: serverID, LicenseID: licenseID}
	}

	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return storeUnavailable("encoding license file", err)
	}
	payload = append(payload, '\n')

	// Snapshot the previous contents before replacing them.
	if prev, err := os.ReadFile(s.path); err == nil {
		_ = writeBackup(s.path+backupSuffix, prev)
	}

	tmp := fmt.Sprintf("%s.tmp-%d", s.path, os.Getpid())
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return storeUnavailable("writing license file", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return storeUnavailable("replacing license file", err)
	}
	return nil
}

func writeBackup(path string, contents []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(f)
	if _, err := zw.Write(contents); err != nil {
		zw.Close()
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// trimPaymentsLocked drops the oldest processed-payment entries beyond the
// cap. Callers must hold mu.
func (s *FileStore) trimPaymentsLocked() {
	if len(s.payments) <= maxProcessedPayments {
		return
	}
	type aged struct {
		id string
		at time.Time
	}
	entries := make([]aged, 0, len(s.payments))
	for id, entry := range s.payments {
		entries = append(entries, aged{id: id, at: entry.ProcessedAt})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
	for _, e := range entries[:len(entries)-maxProcessedPayments] {
		delete(s.payments, e.id)
	}
}

func storeUnavailable(op string, err error) error {
	return types.NewAppError(types.ErrCodeStoreUnavailable, op+" failed", err)
}

func (s *FileStore) GetLicense(_ context.Context, id string) (types.LicenseRecord, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vr, ok := s.licenses[id]
	if !ok {
		return types.LicenseRecord{}, 0, notFoundErr(id)
	}
	return vr.rec, vr.version, nil
}

func (s *FileStore) PutLicense(_ context.Context, id string, rec types.LicenseRecord, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.licenses[id]
	switch {
	case expectedVersion == 0 && exists:
		return conflictErr(id)
	case expectedVersion != 0 && (!exists || current.version != expectedVersion):
		return conflictErr(id)
	}

	s.licenses[id] = versionedRecord{rec: rec, version: current.version + 1}
	if err := s.save(); err != nil {
		// Roll back the in-memory write so state matches disk.
		if exists {
			s.licenses[id] = current
		} else {
			delete(s.licenses, id)
		}
		return err
	}
	return nil
}

func (s *FileStore) AllLicenseIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.licenses))
	for id := range s.licenses {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *FileStore) GetLink(_ context.Context, serverID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	licenseID, ok := s.links[serverID]
	if !ok {
		return "", notFoundErr("server " + serverID)
	}
	return licenseID, nil
}

func (s *FileStore) PutLink(_ context.Context, serverID, licenseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.links[serverID]
	s.links[serverID] = licenseID
	if err := s.save(); err != nil {
		if existed {
			s.links[serverID] = prev
		} else {
			delete(s.links, serverID)
		}
		return err
	}
	return nil
}

func (s *FileStore) DeleteLink(_ context.Context, serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.links[serverID]
	if !existed {
		return nil
	}
	delete(s.links, serverID)
	if err := s.save(); err != nil {
		s.links[serverID] = prev
		return err
	}
	return nil
}

func (s *FileStore) LookupPayment(_ context.Context, confirmationID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.payments[confirmationID]
	return entry.LicenseID, ok, nil
}

func (s *FileStore) RecordPayment(_ context.Context, confirmationID, licenseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.payments[confirmationID]
	s.payments[confirmationID] = paymentEntry{LicenseID: licenseID, ProcessedAt: time.Now().UTC()}
	if err := s.save(); err != nil {
		if existed {
			s.payments[confirmationID] = prev
		} else {
			delete(s.payments, confirmationID)
		}
		return err
	}
	return nil
}

var _ Store = (*FileStore)(nil)
