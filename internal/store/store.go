// Package store provides durable storage for license records, subject links,
// and processed payment confirmations. Three implementations share one
// contract: an in-memory store for tests and embedding, a JSON file store
// matching the single-node deployment, and a PostgreSQL store for anything
// bigger.
//
// Writes use optimistic concurrency: every license record carries a version,
// Get returns it, and Put only succeeds when the caller's expected version
// still matches. The lifecycle manager structures each mutation as
// load-snapshot -> compute -> write-back, so a lost race surfaces as a
// conflict instead of a lost update.
package store

import (
	"context"
	"errors"

	"omnifm/internal/types"
)

// Store is the durable mapping from license id to license record, plus the
// two side tables the engine needs: server id -> license key links, and the
// processed payment confirmation set used for idempotency.
type Store interface {
	// GetLicense returns the record and its current version.
	// Returns a not_found_license error when the id is absent.
	GetLicense(ctx context.Context, id string) (types.LicenseRecord, int64, error)

	// PutLicense writes the record as a full overwrite. expectedVersion 0
	// creates the record and fails with conflict_concurrent_modification if
	// it already exists; a non-zero expectedVersion updates and fails the
	// same way when the stored version has moved on.
	PutLicense(ctx context.Context, id string, rec types.LicenseRecord, expectedVersion int64) error

	// AllLicenseIDs returns a snapshot of every license id. Used for
	// uniqueness checks when minting keys and for admin listings.
	AllLicenseIDs(ctx context.Context) ([]string, error)

	// GetLink resolves a server id to the license key it is linked to.
	// Returns a not_found_license error when no link exists.
	GetLink(ctx context.Context, serverID string) (string, error)

	// PutLink records that serverID consumes a seat on licenseID.
	PutLink(ctx context.Context, serverID, licenseID string) error

	// DeleteLink removes the server's link. Removing an absent link is a no-op.
	DeleteLink(ctx context.Context, serverID string) error

	// LookupPayment returns the license id a confirmation was already applied
	// to, or ok=false when the confirmation has not been seen.
	LookupPayment(ctx context.Context, confirmationID string) (licenseID string, ok bool, err error)

	// RecordPayment marks a confirmation as applied to the given license.
	RecordPayment(ctx context.Context, confirmationID, licenseID string) error
}

// IsNotFound reports whether err is a not-found store error.
func IsNotFound(err error) bool {
	var appErr *types.AppError
	return errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundLicense
}

// IsConflict reports whether err is an optimistic-concurrency conflict.
func IsConflict(err error) bool {
	var appErr *types.AppError
	return errors.As(err, &appErr) && appErr.Code == types.ErrCodeConflictConcurrent
}

func notFoundErr(id string) error {
	return types.NewAppError(types.ErrCodeNotFoundLicense, "no license record for "+id, nil)
}

func conflictErr(id string) error {
	return types.NewAppError(types.ErrCodeConflictConcurrent,
		"license record "+id+" was modified concurrently", nil)
}
