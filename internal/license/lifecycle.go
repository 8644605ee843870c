package license

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"omnifm/internal/catalog"
	"omnifm/internal/pricing"
	"omnifm/internal/store"
	"omnifm/internal/types"
)

// maxKeyMintAttempts bounds the retry loop when a freshly generated license
// key collides with an existing record.
const maxKeyMintAttempts = 5

// Manager owns every license mutation. Each operation is a
// load-snapshot -> compute -> write-back sequence, serialized per license id
// with a keyed mutex on top of the store's compare-and-swap writes, so
// concurrent renewals or upgrades racing on the same record cannot lose
// updates.
//
// The manager performs no payment authorization. Operations are triggered by
// already-confirmed payments (or an operator); passing the payment
// confirmation id makes Activate and Renew idempotent for that confirmation.
type Manager struct {
	store     store.Store
	catalog   catalog.Catalog
	pricing   *pricing.Engine
	logger    *slog.Logger
	now       func() time.Time
	keyPrefix string

	locks        sync.Map // license id -> *sync.Mutex
	paymentLocks sync.Map // confirmation id -> *sync.Mutex
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithKeyPrefix overrides the prefix used for newly minted license keys.
func WithKeyPrefix(prefix string) ManagerOption {
	return func(m *Manager) { m.keyPrefix = prefix }
}

// NewManager creates a lifecycle manager.
func NewManager(st store.Store, cat catalog.Catalog, pe *pricing.Engine, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:     st,
		catalog:   cat,
		pricing:   pe,
		logger:    logger,
		now:       time.Now,
		keyPrefix: DefaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// lockFor returns the mutex serializing mutations of the given license id.
func (m *Manager) lockFor(id string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// lockForPayment returns the mutex serializing operations that carry the same
// payment confirmation id. It must be held across both the dedupe lookup and
// the processed-payment write: otherwise two calls replaying one confirmation
// could each pass the lookup and both apply. Always acquired before any
// per-license lock.
func (m *Manager) lockForPayment(confirmationID string) *sync.Mutex {
	mu, _ := m.paymentLocks.LoadOrStore(confirmationID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// ActivateParams describes a new license purchase.
type ActivateParams struct {
	// ContactEmail is the owner contact for key-based licenses.
	ContactEmail string
	// ServerID optionally links a server to the new license immediately,
	// consuming one seat.
	ServerID string
	// LegacyKeyed writes the record keyed directly by ServerID instead of
	// minting a license key. Only used by operator tooling for servers that
	// predate distributable keys.
	LegacyKeyed bool

	Tier   types.Tier
	Months int
	Seats  int

	Provenance string
	Note       string

	// ConfirmationID is the payment confirmation id; a repeated id returns
	// the license created for the first call without mutating anything.
	ConfirmationID string
}

func (m *Manager) validateGrant(tier types.Tier, months, seats int) error {
	if _, ok := m.catalog.Get(tier); !ok || tier == types.TierFree {
		return types.NewAppError(types.ErrCodeValidationInvalidTier,
			fmt.Sprintf("tier %q cannot be licensed", tier), nil)
	}
	if months < 1 {
		return types.NewAppError(types.ErrCodeValidationInvalidMonths,
			"months must be at least 1", nil)
	}
	if !types.SeatCountAllowed(seats) {
		return types.NewAppError(types.ErrCodeValidationInvalidSeats,
			fmt.Sprintf("seat count %d is not offered", seats), nil)
	}
	return nil
}

// replayed returns the license a confirmation id was already applied to, if
// any. A hit makes the calling operation a no-op.
func (m *Manager) replayed(ctx context.Context, confirmationID string) (types.License, bool, error) {
	if confirmationID == "" {
		return types.License{}, false, nil
	}
	licenseID, seen, err := m.store.LookupPayment(ctx, confirmationID)
	if err != nil || !seen {
		return types.License{}, false, err
	}
	rec, _, err := m.store.GetLicense(ctx, licenseID)
	if err != nil {
		return types.License{}, false, err
	}
	m.logger.Info("payment confirmation replayed, returning existing license",
		slog.String("confirmation_id", confirmationID),
		slog.String("license_id", licenseID),
	)
	return rec.Canonicalize(licenseID), true, nil
}

// Activate creates a new license on a confirmed payment. In key-based mode
// (the default) it mints a fresh globally unique license key, retrying
// against the store's id space on collision. Expiry is activation time plus
// months x 30 days.
func (m *Manager) Activate(ctx context.Context, params ActivateParams) (types.License, error) {
	if err := m.validateGrant(params.Tier, params.Months, params.Seats); err != nil {
		return types.License{}, err
	}
	if params.ServerID != "" && !types.IsServerID(params.ServerID) {
		return types.License{}, types.NewAppError(types.ErrCodeValidationInvalidServerID,
			"server id must be 17-22 digits", nil)
	}
	if params.LegacyKeyed && params.ServerID == "" {
		return types.License{}, types.NewAppError(types.ErrCodeValidationMissingField,
			"legacy-keyed activation requires a server id", nil)
	}

	if params.ConfirmationID != "" {
		mu := m.lockForPayment(params.ConfirmationID)
		mu.Lock()
		defer mu.Unlock()
	}
	if lic, ok, err := m.replayed(ctx, params.ConfirmationID); err != nil {
		return types.License{}, err
	} else if ok {
		return lic, nil
	}

	if params.ServerID != "" {
		// A server can only consume one seat system-wide. If it is already
		// linked to another license, release that seat before the new license
		// takes over.
		if err := m.releaseSeat(ctx, params.ServerID); err != nil {
			return types.License{}, err
		}
	}

	now := m.now().UTC()
	lic := types.License{
		Tier:           params.Tier,
		Seats:          params.Seats,
		ContactEmail:   params.ContactEmail,
		ActivatedAt:    now,
		ExpiresAt:      now.Add(time.Duration(params.Months) * types.LicenseMonth),
		DurationMonths: params.Months,
		Provenance:     params.Provenance,
		Note:           params.Note,
	}
	if params.ServerID != "" {
		lic.LinkedServers = []string{params.ServerID}
	}

	if params.LegacyKeyed {
		lic.ID = params.ServerID
		lic.Legacy = true
		mu := m.lockFor(lic.ID)
		mu.Lock()
		defer mu.Unlock()
		if err := m.store.PutLicense(ctx, lic.ID, lic.Record(), 0); err != nil {
			return types.License{}, err
		}
	} else {
		created, err := m.createWithFreshKey(ctx, lic)
		if err != nil {
			return types.License{}, err
		}
		lic = created
	}

	if params.ServerID != "" && !params.LegacyKeyed {
		if err := m.store.PutLink(ctx, params.ServerID, lic.ID); err != nil {
			return types.License{}, err
		}
	}
	if params.ConfirmationID != "" {
		if err := m.store.RecordPayment(ctx, params.ConfirmationID, lic.ID); err != nil {
			return types.License{}, err
		}
	}

	m.logger.Info("license activated",
		slog.String("license_id", lic.ID),
		slog.String("tier", string(lic.Tier)),
		slog.Int("seats", lic.Seats),
		slog.Int("months", params.Months),
		slog.Time("expires_at", lic.ExpiresAt),
		slog.String("provenance", lic.Provenance),
	)
	return lic, nil
}

// releaseSeat frees the seat serverID currently occupies, if any: the server
// is removed from the holding license's linked set and its link record is
// deleted. Takes the holding license's per-id lock, so callers must not hold
// any per-license lock.
func (m *Manager) releaseSeat(ctx context.Context, serverID string) error {
	currentID, err := m.store.GetLink(ctx, serverID)
	if store.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	mu := m.lockFor(currentID)
	mu.Lock()
	defer mu.Unlock()

	rec, version, err := m.store.GetLicense(ctx, currentID)
	if store.IsNotFound(err) {
		// Dangling link; drop it.
		return m.store.DeleteLink(ctx, serverID)
	}
	if err != nil {
		return err
	}

	lic := rec.Canonicalize(currentID)
	kept := lic.LinkedServers[:0:0]
	for _, s := range lic.LinkedServers {
		if s != serverID {
			kept = append(kept, s)
		}
	}
	if len(kept) != len(lic.LinkedServers) {
		lic.LinkedServers = kept
		if err := m.store.PutLicense(ctx, currentID, lic.Record(), version); err != nil {
			return err
		}
	}
	if err := m.store.DeleteLink(ctx, serverID); err != nil {
		return err
	}

	m.logger.Info("server seat released from previous license",
		slog.String("license_id", currentID),
		slog.String("server_id", serverID),
	)
	return nil
}

// createWithFreshKey mints a key and creates the record, retrying with a new
// key while the create loses to an existing record. A key is never reused:
// creation goes through the same compare-and-swap path as updates, so a
// colliding key simply fails and a fresh one is drawn.
func (m *Manager) createWithFreshKey(ctx context.Context, lic types.License) (types.License, error) {
	for attempt := 0; attempt < maxKeyMintAttempts; attempt++ {
		key, err := generateKey(m.keyPrefix)
		if err != nil {
			return types.License{}, err
		}
		lic.ID = key

		mu := m.lockFor(key)
		mu.Lock()
		err = m.store.PutLicense(ctx, key, lic.Record(), 0)
		mu.Unlock()
		if err == nil {
			return lic, nil
		}
		if !store.IsConflict(err) {
			return types.License{}, err
		}
		m.logger.Warn("license key collision, retrying",
			slog.String("key", key),
			slog.Int("attempt", attempt+1),
		)
	}
	return types.License{}, types.NewAppError(types.ErrCodeConflictKeySpace,
		"could not mint a unique license key", nil)
}

// Renew extends a license by months x 30 days.
//
// When the existing license is present, of the same tier, and not yet
// expired, the extension stacks on the current expiry rather than resetting
// from now. When the record is absent, expired, or of a different tier, the
// renewal behaves as a fresh activation at the same id (seats are preserved
// when a record existed).
func (m *Manager) Renew(ctx context.Context, id string, tier types.Tier, months int, provenance, confirmationID string) (types.License, error) {
	if confirmationID != "" {
		mu := m.lockForPayment(confirmationID)
		mu.Lock()
		defer mu.Unlock()
	}
	if lic, ok, err := m.replayed(ctx, confirmationID); err != nil {
		return types.License{}, err
	} else if ok {
		return lic, nil
	}

	if !types.IsServerID(id) {
		id = NormalizeKey(id)
	}
	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	rec, version, err := m.store.GetLicense(ctx, id)
	if err != nil && !store.IsNotFound(err) {
		return types.License{}, err
	}

	seats := 1
	var lic types.License
	now := m.now().UTC()

	if err == nil {
		lic = rec.Canonicalize(id)
		seats = lic.Seats
	}
	if err := m.validateGrant(tier, months, seats); err != nil {
		return types.License{}, err
	}

	extension := time.Duration(months) * types.LicenseMonth
	switch {
	case version > 0 && lic.Tier == tier && !lic.ExpiredAt(now):
		// Stacking renewal: extend from the current expiry, never from now.
		lic.ExpiresAt = lic.ExpiresAt.Add(extension)
		lic.DurationMonths = months
		lic.Provenance = provenance
	default:
		// Absent, expired, or tier changed: fresh activation at the same id.
		lic.ID = id
		lic.Tier = tier
		lic.Seats = seats
		lic.ActivatedAt = now
		lic.ExpiresAt = now.Add(extension)
		lic.DurationMonths = months
		lic.Provenance = provenance
		lic.UpgradedAt = nil
		lic.UpgradedFrom = ""
	}

	if err := m.store.PutLicense(ctx, id, lic.Record(), version); err != nil {
		return types.License{}, err
	}
	if confirmationID != "" {
		if err := m.store.RecordPayment(ctx, confirmationID, id); err != nil {
			return types.License{}, err
		}
	}

	m.logger.Info("license renewed",
		slog.String("license_id", id),
		slog.String("tier", string(tier)),
		slog.Int("months", months),
		slog.Time("expires_at", lic.ExpiresAt),
	)
	return lic, nil
}

// Upgrade swaps an active license to a higher tier in place. Expiry and
// seats are untouched: the swap is paid through the pro-rated upgrade price,
// not a renewal. The previous tier and the upgrade time are stamped for
// audit.
func (m *Manager) Upgrade(ctx context.Context, id string, newTier types.Tier) (types.License, error) {
	if !types.IsServerID(id) {
		id = NormalizeKey(id)
	}
	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	rec, version, err := m.store.GetLicense(ctx, id)
	if err != nil {
		return types.License{}, err
	}
	lic := rec.Canonicalize(id)
	now := m.now().UTC()

	// The pricing engine owns the applicability rules: active license, and a
	// strictly more expensive target tier.
	if _, err := m.pricing.UpgradePrice(&lic, newTier, now); err != nil {
		if err == pricing.ErrUpgradeNotApplicable {
			return types.License{}, types.NewAppError(types.ErrCodeUpgradeNotApplicable,
				fmt.Sprintf("license %s cannot be upgraded to %q", id, newTier), nil)
		}
		return types.License{}, err
	}

	from := lic.Tier
	lic.Tier = newTier
	lic.UpgradedAt = &now
	lic.UpgradedFrom = from

	if err := m.store.PutLicense(ctx, id, lic.Record(), version); err != nil {
		return types.License{}, err
	}

	m.logger.Info("license upgraded",
		slog.String("license_id", id),
		slog.String("from", string(from)),
		slog.String("to", string(newTier)),
	)
	return lic, nil
}

// LinkServer makes serverID consume a seat on the given license key. Linking
// an already-linked server is a no-op; linking beyond the seat count fails
// with conflict_seats_exhausted.
func (m *Manager) LinkServer(ctx context.Context, key, serverID string) (types.License, error) {
	if !types.IsServerID(serverID) {
		return types.License{}, types.NewAppError(types.ErrCodeValidationInvalidServerID,
			"server id must be 17-22 digits", nil)
	}
	key = NormalizeKey(key)

	mu := m.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	rec, version, err := m.store.GetLicense(ctx, key)
	if err != nil {
		return types.License{}, err
	}
	lic := rec.Canonicalize(key)

	if lic.ExpiredAt(m.now()) {
		return types.License{}, types.NewAppError(types.ErrCodeUpgradeNotApplicable,
			"license is expired; renew before linking servers", nil)
	}
	if lic.IsLinked(serverID) {
		return lic, nil
	}
	// A server holds at most one seat system-wide. Re-pointing it here would
	// leave a stale seat occupied on the other license, so the operator must
	// unlink it there first.
	if otherID, err := m.store.GetLink(ctx, serverID); err == nil && otherID != key {
		return types.License{}, types.NewAppErrorWithDetails(types.ErrCodeConflictServerLinked,
			fmt.Sprintf("server %s already consumes a seat on another license; unlink it first", serverID),
			nil,
			map[string]any{"linkedTo": otherID},
		)
	} else if err != nil && !store.IsNotFound(err) {
		return types.License{}, err
	}
	if lic.SeatsUsed() >= lic.Seats {
		return types.License{}, types.NewAppErrorWithDetails(types.ErrCodeConflictSeatsExhausted,
			fmt.Sprintf("all %d seat(s) are occupied; unlink a server first", lic.Seats),
			nil,
			map[string]any{"seats": lic.Seats, "linked": lic.SeatsUsed()},
		)
	}

	lic.LinkedServers = append(lic.LinkedServers, serverID)
	if err := m.store.PutLicense(ctx, key, lic.Record(), version); err != nil {
		return types.License{}, err
	}
	if err := m.store.PutLink(ctx, serverID, key); err != nil {
		return types.License{}, err
	}

	m.logger.Info("server linked to license",
		slog.String("license_id", key),
		slog.String("server_id", serverID),
		slog.Int("seats_used", lic.SeatsUsed()),
		slog.Int("seats", lic.Seats),
	)
	return lic, nil
}

// UnlinkServer releases the server's seat on the given license key.
func (m *Manager) UnlinkServer(ctx context.Context, key, serverID string) (types.License, error) {
	key = NormalizeKey(key)

	mu := m.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	rec, version, err := m.store.GetLicense(ctx, key)
	if err != nil {
		return types.License{}, err
	}
	lic := rec.Canonicalize(key)

	kept := lic.LinkedServers[:0:0]
	for _, s := range lic.LinkedServers {
		if s != serverID {
			kept = append(kept, s)
		}
	}
	if len(kept) == len(lic.LinkedServers) {
		return lic, nil
	}
	lic.LinkedServers = kept

	if err := m.store.PutLicense(ctx, key, lic.Record(), version); err != nil {
		return types.License{}, err
	}
	if err := m.store.DeleteLink(ctx, serverID); err != nil {
		return types.License{}, err
	}

	m.logger.Info("server unlinked from license",
		slog.String("license_id", key),
		slog.String("server_id", serverID),
	)
	return lic, nil
}

// List returns a snapshot of every license, canonicalized. Intended for
// operator tooling; entitlement reads go through the Resolver.
func (m *Manager) List(ctx context.Context) ([]types.License, error) {
	ids, err := m.store.AllLicenseIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.License, 0, len(ids))
	for _, id := range ids {
		rec, _, err := m.store.GetLicense(ctx, id)
		if store.IsNotFound(err) {
			continue // raced with a concurrent create; harmless for a listing
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec.Canonicalize(id))
	}
	return out, nil
}
