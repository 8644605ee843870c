package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"omnifm/internal/types"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
// The store accepts this so the same code works inside or outside a
// transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is a Store backed by PostgreSQL. License records are stored
// as jsonb documents next to a version column; the compare-and-swap contract
// is enforced in SQL so concurrent writers cannot lose updates even across
// processes.
type PostgresStore struct {
	db     DBTX
	logger *slog.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection
// (pool or transaction).
func NewPostgresStore(db DBTX, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

// EnsureSchema creates the store tables when they do not exist yet. Intended
// for startup in deployments without a separate migration step.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS licenses (
		id      TEXT PRIMARY KEY,
		record  JSONB NOT NULL,
		version BIGINT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS server_links (
		server_id  TEXT PRIMARY KEY,
		license_id TEXT NOT NULL REFERENCES licenses(id)
	);
	CREATE TABLE IF NOT EXISTS processed_payments (
		confirmation_id TEXT PRIMARY KEY,
		license_id      TEXT NOT NULL,
		processed_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return storeUnavailable("creating store schema", err)
	}
	return nil
}

func (s *PostgresStore) GetLicense(ctx context.Context, id string) (types.LicenseRecord, int64, error) {
	var (
		raw     []byte
		version int64
	)
	err := s.db.QueryRow(ctx,
		`SELECT record, version FROM licenses WHERE id = $1`,
		id,
	).Scan(&raw, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.LicenseRecord{}, 0, notFoundErr(id)
	}
	if err != nil {
		return types.LicenseRecord{}, 0, storeUnavailable("reading license", err)
	}

	var rec types.LicenseRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return types.LicenseRecord{}, 0, storeUnavailable("decoding license record", err)
	}
	return rec, version, nil
}

func (s *PostgresStore) PutLicense(ctx context.Context, id string, rec types.LicenseRecord, expectedVersion int64) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return storeUnavailable("encoding license record", err)
	}

	var tag pgconn.CommandTag
	if expectedVersion == 0 {
		tag, err = s.db.Exec(ctx,
			`INSERT INTO licenses (id, record, version) VALUES ($1, $2, 1)
			 ON CONFLICT (id) DO NOTHING`,
			id, raw,
		)
	} else {
		tag, err = s.db.Exec(ctx,
			`UPDATE licenses SET record = $2, version = version + 1
			 WHERE id = $1 AND version = $3`,
			id, raw, expectedVersion,
		)
	}
	if err != nil {
		return storeUnavailable("writing license", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the id already exists (create) or the version moved on
		// (update); both mean this writer lost the race.
		s.logger.Warn("license write lost optimistic-lock race",
			slog.String("license_id", id),
			slog.Int64("expected_version", expectedVersion),
		)
		return conflictErr(id)
	}
	return nil
}

func (s *PostgresStore) AllLicenseIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM licenses`)
	if err != nil {
		return nil, storeUnavailable("listing licenses", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeUnavailable("scanning license id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeUnavailable("listing licenses", err)
	}
	return ids, nil
}

func (s *PostgresStore) GetLink(ctx context.Context, serverID string) (string, error) {
	var licenseID string
	err := s.db.QueryRow(ctx,
		`SELECT license_id FROM server_links WHERE server_id = $1`,
		serverID,
	).Scan(&licenseID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", notFoundErr("server " + serverID)
	}
	if err != nil {
		return "", storeUnavailable("reading server link", err)
	}
	return licenseID, nil
}

func (s *PostgresStore) PutLink(ctx context.Context, serverID, licenseID string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO server_links (server_id, license_id) VALUES ($1, $2)
		 ON CONFLICT (server_id) DO UPDATE SET license_id = EXCLUDED.license_id`,
		serverID, licenseID,
	)
	if err != nil {
		return storeUnavailable("writing server link", err)
	}
	return nil
}

func (s *PostgresStore) DeleteLink(ctx context.Context, serverID string) error {
	if _, err := s.db.Exec(ctx,
		`DELETE FROM server_links WHERE server_id = $1`, serverID,
	); err != nil {
		return storeUnavailable("deleting server link", err)
	}
	return nil
}

func (s *PostgresStore) LookupPayment(ctx context.Context, confirmationID string) (string, bool, error) {
	var licenseID string
	err := s.db.QueryRow(ctx,
		`SELECT license_id FROM processed_payments WHERE confirmation_id = $1`,
		confirmationID,
	).Scan(&licenseID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storeUnavailable("reading processed payment", err)
	}
	return licenseID, true, nil
}

func (s *PostgresStore) RecordPayment(ctx context.Context, confirmationID, licenseID string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO processed_payments (confirmation_id, license_id) VALUES ($1, $2)
		 ON CONFLICT (confirmation_id) DO NOTHING`,
		confirmationID, licenseID,
	)
	if err != nil {
		return storeUnavailable("recording processed payment", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
