/*
 * Passbind
 * Copyright (C) 2025  Passbind, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package devices

import (
	"context"
	"errors"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS devices (
    key_id          TEXT PRIMARY KEY,
    public_key_der  TEXT NOT NULL,
    counter         BIGINT NOT NULL DEFAULT 0,
    evm_address     TEXT,
    passport_hash   TEXT,
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS devices_evm_address_idx ON devices (LOWER(evm_address));
`

// PGStore is the postgres-backed device store. The counter critical section
// is serialised with SELECT ... FOR UPDATE so two racing assertions for the
// same credential cannot both pass the strict-greater check.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects to postgres and applies the schema idempotently.
func NewPGStore(ctx context.Context, connString string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, trace.Wrap(err, "parsing postgres connection string")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, trace.Wrap(err, "connecting to postgres")
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, trace.Wrap(err, "applying devices schema")
	}
	return &PGStore{pool: pool}, nil
}

// Get returns the record for the given credentialId.
func (s *PGStore) Get(ctx context.Context, credentialID string) (*DeviceRecord, error) {
	record, err := scanDevice(s.pool.QueryRow(ctx, `
		SELECT key_id, public_key_der, counter, evm_address, passport_hash, updated_at
		FROM devices WHERE key_id = $1`, credentialID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("device %q not found", credentialID)
		}
		return nil, trace.Wrap(err)
	}
	return record, nil
}

// Put upserts the record in a single statement, so concurrent enrollments of
// the same credential collapse deterministically.
func (s *PGStore) Put(ctx context.Context, record DeviceRecord) error {
	if err := record.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO devices (key_id, public_key_der, counter, evm_address, passport_hash, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), now())
		ON CONFLICT (key_id) DO UPDATE SET
			public_key_der = EXCLUDED.public_key_der,
			counter        = EXCLUDED.counter,
			evm_address    = EXCLUDED.evm_address,
			passport_hash  = EXCLUDED.passport_hash,
			updated_at     = now()`,
		record.CredentialID, record.PublicKeyDER, int64(record.Counter),
		record.EVMAddress, record.PassportHash,
	)
	return trace.Wrap(err)
}

// Update merges the patch into an existing row. The row is locked FOR UPDATE
// for the duration of the transaction, which is what enforces the
// strict-greater counter semantics under concurrency.
func (s *PGStore) Update(ctx context.Context, credentialID string, patch Patch) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return trace.Wrap(err)
	}
	defer tx.Rollback(ctx)

	record, err := scanDevice(tx.QueryRow(ctx, `
		SELECT key_id, public_key_der, counter, evm_address, passport_hash, updated_at
		FROM devices WHERE key_id = $1 FOR UPDATE`, credentialID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return trace.NotFound("device %q not found", credentialID)
		}
		return trace.Wrap(err)
	}
	if err := record.applyPatch(patch); err != nil {
		return trace.Wrap(err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE devices SET counter = $2, evm_address = NULLIF($3, ''),
			passport_hash = NULLIF($4, ''), updated_at = now()
		WHERE key_id = $1`,
		credentialID, int64(record.Counter), record.EVMAddress, record.PassportHash,
	); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(tx.Commit(ctx))
}

// FindByAddress returns the record bound to the given EVM address,
// case-insensitive, most recent write first.
func (s *PGStore) FindByAddress(ctx context.Context, evmAddress string) (*DeviceRecord, error) {
	record, err := scanDevice(s.pool.QueryRow(ctx, `
		SELECT key_id, public_key_der, counter, evm_address, passport_hash, updated_at
		FROM devices WHERE LOWER(evm_address) = LOWER($1)
		ORDER BY updated_at DESC LIMIT 1`, evmAddress))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("no device bound to address %q", evmAddress)
		}
		return nil, trace.Wrap(err)
	}
	return record, nil
}

// Close releases the connection pool.
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

func scanDevice(row pgx.Row) (*DeviceRecord, error) {
	var record DeviceRecord
	var counter int64
	var evmAddress, passportHash *string
	if err := row.Scan(&record.CredentialID, &record.PublicKeyDER, &counter,
		&evmAddress, &passportHash, &record.UpdatedAt); err != nil {
		return nil, err
	}
	record.Counter = uint32(counter)
	if evmAddress != nil {
		record.EVMAddress = strings.ToLower(*evmAddress)
	}
	if passportHash != nil {
		record.PassportHash = *passportHash
	}
	return &record, nil
}
