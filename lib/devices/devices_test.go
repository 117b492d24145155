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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRecord builds a record whose credentialId really is the SHA-256 of
// its key point, which is the invariant the backends enforce.
func newTestRecord(t *testing.T) DeviceRecord {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	spki, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	point, err := UncompressedPoint(spki)
	require.NoError(t, err)
	credentialID := sha256.Sum256(point)

	return DeviceRecord{
		CredentialID: base64.StdEncoding.EncodeToString(credentialID[:]),
		PublicKeyDER: base64.StdEncoding.EncodeToString(spki),
	}
}

func TestDeviceRecordCheckAndSetDefaults(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		record := newTestRecord(t)
		record.EVMAddress = "0xABCDEF0000000000000000000000000000000001"
		require.NoError(t, record.CheckAndSetDefaults())
		assert.Equal(t, "0xabcdef0000000000000000000000000000000001", record.EVMAddress)
		assert.False(t, record.UpdatedAt.IsZero())
	})

	t.Run("missing credentialId", func(t *testing.T) {
		record := newTestRecord(t)
		record.CredentialID = ""
		require.Error(t, record.CheckAndSetDefaults())
	})

	t.Run("credentialId not derived from key", func(t *testing.T) {
		record := newTestRecord(t)
		other := newTestRecord(t)
		record.CredentialID = other.CredentialID
		require.Error(t, record.CheckAndSetDefaults())
	})

	t.Run("bad base64", func(t *testing.T) {
		record := newTestRecord(t)
		record.PublicKeyDER = "!!not base64!!"
		require.Error(t, record.CheckAndSetDefaults())
	})
}

// p256SPKIPrefix is the constant DER prefix of a P-256 SubjectPublicKeyInfo:
// SEQUENCE { SEQUENCE { OID ecPublicKey, OID prime256v1 }, BIT STRING <point> }.
var p256SPKIPrefix = []byte{
	0x30, 0x59, 0x30, 0x13, 0x06, 0x07, 0x2a, 0x86, 0x48, 0xce, 0x3d, 0x02, 0x01,
	0x06, 0x08, 0x2a, 0x86, 0x48, 0xce, 0x3d, 0x03, 0x01, 0x07, 0x03, 0x42, 0x00,
}

// The SPKI encoding is stored verbatim and re-parsed on every assertion, so
// it must be exactly prefix ‖ uncompressed point.
func TestSPKIEncoding(t *testing.T) {
	record := newTestRecord(t)
	spki, err := base64.StdEncoding.DecodeString(record.PublicKeyDER)
	require.NoError(t, err)

	point, err := UncompressedPoint(spki)
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, p256SPKIPrefix...), point...), spki)
}

func TestUncompressedPoint(t *testing.T) {
	record := newTestRecord(t)
	spki, err := base64.StdEncoding.DecodeString(record.PublicKeyDER)
	require.NoError(t, err)

	point, err := UncompressedPoint(spki)
	require.NoError(t, err)
	assert.Len(t, point, 65)
	assert.Equal(t, byte(0x04), point[0])

	_, err = UncompressedPoint(spki[:30])
	require.Error(t, err)

	// Clobber the uncompressed marker.
	mangled := append([]byte{}, spki...)
	mangled[len(mangled)-65] = 0x02
	_, err = UncompressedPoint(mangled)
	require.Error(t, err)
}
