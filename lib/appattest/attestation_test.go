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

package appattest

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/passbind/passbind/lib/appattest/testenv"
	"github.com/passbind/passbind/lib/devices"
)

func newTestVerifier(t *testing.T, ca *testenv.FakeCA, modify func(*VerifierConfig)) (*Verifier, devices.Store) {
	t.Helper()

	store := devices.NewFileStore(filepath.Join(t.TempDir(), "devices.json"))
	cfg := VerifierConfig{
		Store: store,
		Roots: []*x509.Certificate{ca.Root},
	}
	if modify != nil {
		modify(&cfg)
	}
	verifier, err := NewVerifier(cfg)
	require.NoError(t, err)
	return verifier, store
}

func TestVerifyAttestation(t *testing.T) {
	ctx := context.Background()
	ca, err := testenv.NewFakeCA()
	require.NoError(t, err)
	challenge := []byte("test_server_challenge")

	t.Run("ok", func(t *testing.T) {
		device, err := testenv.NewFakeDevice()
		require.NoError(t, err)
		attestation, err := ca.AttestDevice(device, challenge)
		require.NoError(t, err)

		verifier, store := newTestVerifier(t, ca, nil)
		spki, err := verifier.VerifyAttestation(ctx, attestation, challenge, device.KeyIDB64())
		require.NoError(t, err)

		// The returned SPKI carries the attested point.
		point, err := devices.UncompressedPoint(spki)
		require.NoError(t, err)
		sum := sha256.Sum256(point)
		assert.Equal(t, device.CredentialID, sum[:])

		record, err := store.Get(ctx, device.KeyIDB64())
		require.NoError(t, err)
		assert.Equal(t, uint32(0), record.Counter)
		assert.Equal(t, base64.StdEncoding.EncodeToString(spki), record.PublicKeyDER)
		assert.Empty(t, record.EVMAddress)
	})

	t.Run("ok without keyId", func(t *testing.T) {
		device, err := testenv.NewFakeDevice()
		require.NoError(t, err)
		attestation, err := ca.AttestDevice(device, challenge)
		require.NoError(t, err)

		verifier, _ := newTestVerifier(t, ca, nil)
		_, err = verifier.VerifyAttestation(ctx, attestation, challenge, "")
		require.NoError(t, err)
	})

	t.Run("re-attestation is idempotent", func(t *testing.T) {
		device, err := testenv.NewFakeDevice()
		require.NoError(t, err)
		attestation, err := ca.AttestDevice(device, challenge)
		require.NoError(t, err)

		verifier, store := newTestVerifier(t, ca, nil)
		_, err = verifier.VerifyAttestation(ctx, attestation, challenge, device.KeyIDB64())
		require.NoError(t, err)
		_, err = verifier.VerifyAttestation(ctx, attestation, challenge, device.KeyIDB64())
		require.NoError(t, err)

		record, err := store.Get(ctx, device.KeyIDB64())
		require.NoError(t, err)
		assert.Equal(t, uint32(0), record.Counter)
	})

	t.Run("production AAGUID accepted", func(t *testing.T) {
		device, err := testenv.NewFakeDevice()
		require.NoError(t, err)
		attestation, err := ca.AttestDevice(device, challenge,
			testenv.WithAAGUID([]byte("appattest\x00\x00\x00\x00\x00\x00\x00")))
		require.NoError(t, err)

		verifier, _ := newTestVerifier(t, ca, nil)
		_, err = verifier.VerifyAttestation(ctx, attestation, challenge, "")
		require.NoError(t, err)
	})

	t.Run("rpIdHash checked when app id configured", func(t *testing.T) {
		const appID = "TEAM1234.com.example.passbind"
		rpIDHash := sha256.Sum256([]byte(appID))

		device, err := testenv.NewFakeDevice()
		require.NoError(t, err)
		attestation, err := ca.AttestDevice(device, challenge,
			testenv.WithRPIDHash(rpIDHash[:]))
		require.NoError(t, err)

		verifier, _ := newTestVerifier(t, ca, func(cfg *VerifierConfig) {
			cfg.AppID = appID
		})
		_, err = verifier.VerifyAttestation(ctx, attestation, challenge, "")
		require.NoError(t, err)

		// Zero rpIdHash no longer passes.
		mismatched, err := ca.AttestDevice(device, challenge)
		require.NoError(t, err)
		_, err = verifier.VerifyAttestation(ctx, mismatched, challenge, "")
		requireCode(t, err, CodeBadFormat)
	})

	t.Run("garbage CBOR", func(t *testing.T) {
		verifier, _ := newTestVerifier(t, ca, nil)
		_, err := verifier.VerifyAttestation(ctx, []byte("not cbor at all"), challenge, "")
		requireCode(t, err, CodeBadFormat)
	})

	t.Run("wrong fmt", func(t *testing.T) {
		device, err := testenv.NewFakeDevice()
		require.NoError(t, err)
		attestation, err := ca.AttestDevice(device, challenge)
		require.NoError(t, err)

		var envelope attestationEnvelope
		require.NoError(t, cbor.Unmarshal(attestation, &envelope))
		envelope.Fmt = "packed"
		tampered, err := cbor.Marshal(envelope)
		require.NoError(t, err)

		verifier, _ := newTestVerifier(t, ca, nil)
		_, err = verifier.VerifyAttestation(ctx, tampered, challenge, "")
		requireCode(t, err, CodeBadFormat)
	})

	t.Run("chain too short", func(t *testing.T) {
		device, err := testenv.NewFakeDevice()
		require.NoError(t, err)
		attestation, err := ca.AttestDevice(device, challenge)
		require.NoError(t, err)

		var envelope attestationEnvelope
		require.NoError(t, cbor.Unmarshal(attestation, &envelope))
		envelope.AttStmt.X5C = envelope.AttStmt.X5C[:1]
		tampered, err := cbor.Marshal(envelope)
		require.NoError(t, err)

		verifier, _ := newTestVerifier(t, ca, nil)
		_, err = verifier.VerifyAttestation(ctx, tampered, challenge, "")
		requireCode(t, err, CodeChainTooShort)
	})

	t.Run("untrusted root", func(t *testing.T) {
		otherCA, err := testenv.NewFakeCA()
		require.NoError(t, err)
		device, err := testenv.NewFakeDevice()
		require.NoError(t, err)
		attestation, err := otherCA.AttestDevice(device, challenge)
		require.NoError(t, err)

		// Verifier pins ca, attestation chains to otherCA.
		verifier, _ := newTestVerifier(t, ca, nil)
		_, err = verifier.VerifyAttestation(ctx, attestation, challenge, "")
		requireCode(t, err, CodeCertChain)
	})

	t.Run("AT flag unset", func(t *testing.T) {
		device, err := testenv.NewFakeDevice()
		require.NoError(t, err)
		attestation, err := ca.AttestDevice(device, challenge, testenv.WithoutATFlag())
		require.NoError(t, err)

		verifier, _ := newTestVerifier(t, ca, nil)
		_, err = verifier.VerifyAttestation(ctx, attestation, challenge, "")
		requireCode(t, err, CodeAtFlagUnset)
	})

	t.Run("credentialId not derived from key", func(t *testing.T) {
		device, err := testenv.NewFakeDevice()
		require.NoError(t, err)
		bogus := make([]byte, 32)
		_, err = rand.Read(bogus)
		require.NoError(t, err)
		attestation, err := ca.AttestDevice(device, challenge, testenv.WithCredentialID(bogus))
		require.NoError(t, err)

		verifier, _ := newTestVerifier(t, ca, nil)
		_, err = verifier.VerifyAttestation(ctx, attestation, challenge, "")
		requireCode(t, err, CodeCredentialIDMismatch)
	})

	t.Run("submitted keyId does not match", func(t *testing.T) {
		device, err := testenv.NewFakeDevice()
		require.NoError(t, err)
		other, err := testenv.NewFakeDevice()
		require.NoError(t, err)
		attestation, err := ca.AttestDevice(device, challenge)
		require.NoError(t, err)

		verifier, _ := newTestVerifier(t, ca, nil)
		_, err = verifier.VerifyAttestation(ctx, attestation, challenge, other.KeyIDB64())
		requireCode(t, err, CodeCredentialIDMismatch)
	})

	t.Run("nonce bound to different challenge", func(t *testing.T) {
		device, err := testenv.NewFakeDevice()
		require.NoError(t, err)
		attestation, err := ca.AttestDevice(device, []byte("some other challenge"))
		require.NoError(t, err)

		verifier, _ := newTestVerifier(t, ca, nil)
		_, err = verifier.VerifyAttestation(ctx, attestation, challenge, "")
		requireCode(t, err, CodeNonceMismatch)
	})

	t.Run("nonzero attestation counter", func(t *testing.T) {
		device, err := testenv.NewFakeDevice()
		require.NoError(t, err)
		attestation, err := ca.AttestDevice(device, challenge, testenv.WithCounter(7))
		require.NoError(t, err)

		verifier, _ := newTestVerifier(t, ca, nil)
		_, err = verifier.VerifyAttestation(ctx, attestation, challenge, "")
		requireCode(t, err, CodeBadFormat)
	})

	t.Run("nonce nested past the depth cap", func(t *testing.T) {
		device, err := testenv.NewFakeDevice()
		require.NoError(t, err)
		// The extension value, its sequence and the context tag already sit
		// three levels deep; eight extra wrappers push the nonce past the
		// walker's limit.
		attestation, err := ca.AttestDevice(device, challenge, testenv.WithNonceDepth(8))
		require.NoError(t, err)

		verifier, _ := newTestVerifier(t, ca, nil)
		_, err = verifier.VerifyAttestation(ctx, attestation, challenge, "")
		requireCode(t, err, CodeNonceMissing)
	})

	t.Run("nonce nested at the depth cap", func(t *testing.T) {
		device, err := testenv.NewFakeDevice()
		require.NoError(t, err)
		attestation, err := ca.AttestDevice(device, challenge, testenv.WithNonceDepth(7))
		require.NoError(t, err)

		verifier, _ := newTestVerifier(t, ca, nil)
		_, err = verifier.VerifyAttestation(ctx, attestation, challenge, "")
		require.NoError(t, err)
	})

	t.Run("unrecognized AAGUID", func(t *testing.T) {
		device, err := testenv.NewFakeDevice()
		require.NoError(t, err)
		attestation, err := ca.AttestDevice(device, challenge,
			testenv.WithAAGUID([]byte("somethingelse!!!")))
		require.NoError(t, err)

		verifier, _ := newTestVerifier(t, ca, nil)
		_, err = verifier.VerifyAttestation(ctx, attestation, challenge, "")
		requireCode(t, err, CodeBadFormat)
	})
}

func TestVerifyAttestationLegacyNonce(t *testing.T) {
	ctx := context.Background()
	ca, err := testenv.NewFakeCA()
	require.NoError(t, err)
	challenge := []byte("test_server_challenge")

	device, err := testenv.NewFakeDevice()
	require.NoError(t, err)
	legacy, err := ca.AttestDevice(device, challenge, testenv.WithRawChallengeNonce())
	require.NoError(t, err)

	t.Run("rejected by default", func(t *testing.T) {
		verifier, _ := newTestVerifier(t, ca, nil)
		_, err := verifier.VerifyAttestation(ctx, legacy, challenge, "")
		requireCode(t, err, CodeNonceMismatch)
	})

	t.Run("accepted when opted in", func(t *testing.T) {
		verifier, _ := newTestVerifier(t, ca, func(cfg *VerifierConfig) {
			cfg.LegacyNonce = true
		})
		_, err := verifier.VerifyAttestation(ctx, legacy, challenge, "")
		require.NoError(t, err)
	})

	t.Run("specified form still accepted when opted in", func(t *testing.T) {
		strict, err := ca.AttestDevice(device, challenge)
		require.NoError(t, err)

		verifier, _ := newTestVerifier(t, ca, func(cfg *VerifierConfig) {
			cfg.LegacyNonce = true
		})
		_, err = verifier.VerifyAttestation(ctx, strict, challenge, "")
		require.NoError(t, err)
	})
}

func requireCode(t *testing.T, err error, want Code) {
	t.Helper()
	require.Error(t, err)
	code, ok := CodeOf(err)
	require.True(t, ok, "error %v carries no verification code", err)
	require.Equal(t, want, code)
}
