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

// Package devices persists the records of enrolled App Attest hardware keys.
//
// A record is keyed by its credentialId, the SHA-256 of the attested key's
// uncompressed EC point. Two interchangeable backends exist: a single JSON
// file for single-process deployments and a postgres table. Both serialise
// the read-counter/check/write-counter critical section per credential, which
// is what makes the assertion replay check sound under concurrent requests.
package devices

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// DeviceRecord is the authoritative row for one enrolled hardware key.
type DeviceRecord struct {
	// CredentialID is the opaque 32-byte key identifier, standard base64.
	// Equals SHA-256 of the raw uncompressed EC point of PublicKeyDER.
	CredentialID string `json:"credentialId"`
	// PublicKeyDER is the DER-encoded SubjectPublicKeyInfo (P-256),
	// standard base64. Immutable after enrollment.
	PublicKeyDER string `json:"publicKeyDer"`
	// Counter is the last accepted assertion counter. Starts at 0 at
	// enrollment and only ever increases.
	Counter uint32 `json:"counter"`
	// EVMAddress is the bound account, lowercased 0x-prefixed hex.
	// Empty until the first successful assertion.
	EVMAddress string `json:"evmAddress,omitempty"`
	// PassportHash is the client-side SHA-256 over the passport data
	// groups, hex encoded. Empty until the first successful assertion.
	PassportHash string `json:"passportHash,omitempty"`
	// UpdatedAt is the time of the last write. Used to make FindByAddress
	// last-writer-wins deterministic when multiple devices bound the same
	// address.
	UpdatedAt time.Time `json:"updatedAt"`
}

// CheckAndSetDefaults validates the record invariants and normalises fields.
// In particular it enforces that the credentialId is the SHA-256 of the
// uncompressed point carried inside the SPKI; records violating that never
// reach a backend.
func (r *DeviceRecord) CheckAndSetDefaults() error {
	if r.CredentialID == "" {
		return trace.BadParameter("missing credentialId")
	}
	credID, err := base64.StdEncoding.DecodeString(r.CredentialID)
	if err != nil {
		return trace.BadParameter("credentialId is not valid base64: %v", err)
	}
	der, err := base64.StdEncoding.DecodeString(r.PublicKeyDER)
	if err != nil {
		return trace.BadParameter("publicKeyDer is not valid base64: %v", err)
	}
	point, err := UncompressedPoint(der)
	if err != nil {
		return trace.Wrap(err)
	}
	sum := sha256.Sum256(point)
	if !bytes.Equal(sum[:], credID) {
		return trace.BadParameter("credentialId does not match SHA-256 of the public key point")
	}
	r.EVMAddress = strings.ToLower(r.EVMAddress)
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// UncompressedPoint extracts the raw uncompressed EC point from a DER SPKI.
// For P-256 the point is the trailing 65 bytes of the encoding and must start
// with the 0x04 uncompressed marker.
func UncompressedPoint(spkiDER []byte) ([]byte, error) {
	if len(spkiDER) < 65 {
		return nil, trace.BadParameter("SPKI too short for a P-256 point")
	}
	point := spkiDER[len(spkiDER)-65:]
	if point[0] != 0x04 {
		return nil, trace.BadParameter("public key point is not in uncompressed form")
	}
	return point, nil
}

// Patch is a partial update applied to an existing record. Nil fields are
// left untouched.
type Patch struct {
	// Counter replaces the stored counter. Backends reject the patch with
	// a CompareFailed error unless the new value is strictly greater than
	// the stored one; the check runs inside the backend's critical section
	// so two racing assertions cannot both win with the same counter.
	Counter *uint32
	// EVMAddress replaces the bound address. Lowercased by the backend.
	EVMAddress *string
	// PassportHash replaces the stored passport hash.
	PassportHash *string
}

// Store is the device record store shared by the attestation and assertion
// verifiers and the identity lookup.
//
// Get and FindByAddress return trace.NotFound when no record matches.
// Update returns trace.NotFound for unknown credentials and
// trace.CompareFailed when a counter patch does not strictly advance.
type Store interface {
	Get(ctx context.Context, credentialID string) (*DeviceRecord, error)
	Put(ctx context.Context, record DeviceRecord) error
	Update(ctx context.Context, credentialID string, patch Patch) error
	FindByAddress(ctx context.Context, evmAddress string) (*DeviceRecord, error)
	Close() error
}

func (r *DeviceRecord) applyPatch(patch Patch) error {
	if patch.Counter != nil {
		if *patch.Counter <= r.Counter {
			return trace.CompareFailed("counter %d did not advance past stored counter %d", *patch.Counter, r.Counter)
		}
		r.Counter = *patch.Counter
	}
	if patch.EVMAddress != nil {
		r.EVMAddress = strings.ToLower(*patch.EVMAddress)
	}
	if patch.PassportHash != nil {
		r.PassportHash = *patch.PassportHash
	}
	r.UpdatedAt = time.Now().UTC()
	return nil
}
