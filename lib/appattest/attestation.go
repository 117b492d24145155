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

// Package appattest verifies Apple App Attest attestations and assertions.
//
// An attestation is the one-time enrollment blob produced when an app creates
// a hardware-backed key: a CBOR envelope carrying an X.509 chain rooted at
// the pinned Apple App Attestation Root CA and an authenticator-data blob
// binding the new key's identifier. An assertion is the per-operation ECDSA
// signature the same key later produces over an application payload, carrying
// a monotonic counter for replay protection.
//
// Verification failures surface as *VerificationError with a stable Code
// that the HTTP boundary forwards to clients unchanged.
package appattest

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gravitational/trace"

	"github.com/passbind/passbind"
	"github.com/passbind/passbind/lib/devices"
	logutils "github.com/passbind/passbind/lib/utils/log"
)

// AAGUID values stamped into the authenticator data by App Attest.
var (
	aaguidDevelopment = []byte("appattestdevelop")
	aaguidProduction  = []byte("appattest\x00\x00\x00\x00\x00\x00\x00")
)

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	// Store persists device records. Required.
	Store devices.Store
	// Roots are the trust anchors for the attestation chain. Defaults to
	// the pinned Apple App Attestation Root CA; overridden in tests.
	Roots []*x509.Certificate
	// LegacyNonce additionally accepts the nonce form
	// SHA-256(authData ‖ challenge), produced by clients that pre-hash the
	// challenge themselves. Off by default; Apple's specified form
	// SHA-256(authData ‖ SHA-256(challenge)) is always accepted.
	LegacyNonce bool
	// AppID, when set, must equal "TEAMID.bundleid" of the attesting app;
	// the rpIdHash of every attestation is checked against its SHA-256.
	// When empty the rpIdHash check is skipped.
	AppID string
	// Log is the logger. Defaults to a package logger.
	Log *slog.Logger
}

// Verifier verifies attestations and assertions against the device store.
// Safe for concurrent use; all verification is pure CPU work and the store
// owns its own locking.
type Verifier struct {
	store       devices.Store
	roots       []*x509.Certificate
	legacyNonce bool
	appID       string
	log         *slog.Logger
}

// NewVerifier creates a Verifier from the given config.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.Store == nil {
		return nil, trace.BadParameter("missing Store")
	}
	if len(cfg.Roots) == 0 {
		root, err := AppleAttestationRoot()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		cfg.Roots = []*x509.Certificate{root}
	}
	if cfg.Log == nil {
		cfg.Log = logutils.NewPackageLogger(passbind.ComponentKey, passbind.ComponentAppAttest)
	}
	return &Verifier{
		store:       cfg.Store,
		roots:       cfg.Roots,
		legacyNonce: cfg.LegacyNonce,
		appID:       cfg.AppID,
		log:         cfg.Log,
	}, nil
}

// attestationEnvelope is the CBOR attestation object.
type attestationEnvelope struct {
	Fmt      string               `cbor:"fmt"`
	AttStmt  attestationStatement `cbor:"attStmt"`
	AuthData []byte               `cbor:"authData"`
}

type attestationStatement struct {
	// X5C is the certificate chain, leaf first, DER encoded.
	X5C [][]byte `cbor:"x5c"`
	// Receipt is Apple's fraud-risk receipt. Not consumed here.
	Receipt []byte `cbor:"receipt"`
}

// VerifyAttestation runs the enrollment pipeline over a raw attestation
// object and, on success, persists a fresh device record with counter 0 and
// returns the attested key as DER SPKI. Any failure surfaces a typed
// verification error and writes nothing.
func (v *Verifier) VerifyAttestation(ctx context.Context, attestation, challenge []byte, keyIDB64 string) ([]byte, error) {
	// Envelope.
	var envelope attestationEnvelope
	if err := cbor.Unmarshal(attestation, &envelope); err != nil {
		return nil, verificationError(CodeBadFormat, "decoding attestation CBOR: %v", err)
	}
	if envelope.Fmt != "apple-appattest" {
		return nil, verificationError(CodeBadFormat, "unexpected attestation format %q", envelope.Fmt)
	}
	if len(envelope.AttStmt.X5C) < 2 {
		return nil, verificationError(CodeChainTooShort, "x5c carries %d certificates, need at least leaf and intermediate", len(envelope.AttStmt.X5C))
	}

	// Chain. Only leaf and intermediate participate; anything past x5c[1]
	// is ignored, matching the shipped clients.
	leaf, err := v.verifyChain(envelope.AttStmt.X5C)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	// Key extraction.
	spki, point, err := leafSPKI(leaf)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	// Credential binding.
	authData, err := parseAuthenticatorData(envelope.AuthData, true)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := v.checkAuthData(authData); err != nil {
		return nil, trace.Wrap(err)
	}
	credentialID := sha256.Sum256(point)
	if !bytes.Equal(credentialID[:], authData.CredentialID) {
		return nil, verificationError(CodeCredentialIDMismatch, "credentialId in authenticator data is not SHA-256 of the attested key")
	}
	if keyIDB64 != "" {
		keyID, err := base64.StdEncoding.DecodeString(keyIDB64)
		if err != nil {
			return nil, verificationError(CodeBadFormat, "keyId is not valid base64: %v", err)
		}
		if !bytes.Equal(keyID, credentialID[:]) {
			return nil, verificationError(CodeCredentialIDMismatch, "submitted keyId does not match the attested key")
		}
	}

	// Nonce binding.
	certNonce, err := extractCertNonce(leaf.Raw)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := v.checkNonce(certNonce, authData.Raw, challenge); err != nil {
		return nil, trace.Wrap(err)
	}

	// Persist. Re-attesting with the same key is an idempotent upsert; a
	// different key under the same credentialId cannot exist because the
	// credentialId is derived from the key.
	record := devices.DeviceRecord{
		CredentialID: base64.StdEncoding.EncodeToString(credentialID[:]),
		PublicKeyDER: base64.StdEncoding.EncodeToString(spki),
		Counter:      0,
	}
	if err := v.store.Put(ctx, record); err != nil {
		return nil, trace.Wrap(err)
	}

	v.log.InfoContext(ctx, "Enrolled device.", "credential_id", record.CredentialID)
	return spki, nil
}

// verifyChain validates leaf and intermediate signatures up to a pinned root
// and each certificate's own validity window. No revocation checking.
func (v *Verifier) verifyChain(x5c [][]byte) (*x509.Certificate, error) {
	leaf, err := x509.ParseCertificate(x5c[0])
	if err != nil {
		return nil, verificationError(CodeCertChain, "parsing leaf certificate: %v", err)
	}
	intermediate, err := x509.ParseCertificate(x5c[1])
	if err != nil {
		return nil, verificationError(CodeCertChain, "parsing intermediate certificate: %v", err)
	}
	now := time.Now()
	for _, cert := range []*x509.Certificate{leaf, intermediate} {
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			return nil, verificationError(CodeCertChain, "certificate %q outside validity window", cert.Subject)
		}
	}
	if err := leaf.CheckSignatureFrom(intermediate); err != nil {
		return nil, verificationError(CodeCertChain, "leaf not signed by intermediate: %v", err)
	}
	rooted := false
	for _, root := range v.roots {
		if err := intermediate.CheckSignatureFrom(root); err == nil {
			rooted = true
			break
		}
	}
	if !rooted {
		return nil, verificationError(CodeCertChain, "intermediate not signed by a pinned root")
	}
	return leaf, nil
}

// leafSPKI exports the leaf public key as DER SPKI and the raw uncompressed
// point it carries.
func leafSPKI(leaf *x509.Certificate) (spki, point []byte, err error) {
	pub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, nil, verificationError(CodeBadPointFormat, "leaf public key is %T, not ECDSA", leaf.PublicKey)
	}
	spki, err = x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, nil, verificationError(CodeBadPointFormat, "marshaling leaf public key: %v", err)
	}
	point, err = devices.UncompressedPoint(spki)
	if err != nil {
		return nil, nil, verificationError(CodeBadPointFormat, "%v", err)
	}
	return spki, point, nil
}

// checkAuthData enforces the attestation-time authenticator data checks: the
// counter starts at zero, the AAGUID is one of the two App Attest
// environments, and, when an app identifier is configured, the rpIdHash
// matches it.
func (v *Verifier) checkAuthData(authData *authenticatorData) error {
	if authData.Counter != 0 {
		return verificationError(CodeBadFormat, "attestation counter is %d, expected 0", authData.Counter)
	}
	if !bytes.Equal(authData.AAGUID, aaguidDevelopment) && !bytes.Equal(authData.AAGUID, aaguidProduction) {
		return verificationError(CodeBadFormat, "unrecognized AAGUID %q", authData.AAGUID)
	}
	if v.appID != "" {
		want := sha256.Sum256([]byte(v.appID))
		if !bytes.Equal(authData.RPIDHash, want[:]) {
			return verificationError(CodeBadFormat, "rpIdHash does not match configured app identifier")
		}
	}
	return nil
}

// checkNonce compares the certificate nonce against the challenge binding.
// Apple's specified form hashes the challenge before concatenation; the
// legacy form concatenates it raw and is only accepted when opted in.
func (v *Verifier) checkNonce(certNonce, rawAuthData, challenge []byte) error {
	challengeHash := sha256.Sum256(challenge)
	expected := sha256.Sum256(append(append([]byte{}, rawAuthData...), challengeHash[:]...))
	if bytes.Equal(certNonce, expected[:]) {
		return nil
	}
	if v.legacyNonce {
		legacy := sha256.Sum256(append(append([]byte{}, rawAuthData...), challenge...))
		if bytes.Equal(certNonce, legacy[:]) {
			v.log.DebugContext(context.Background(), "Accepted legacy nonce form.")
			return nil
		}
	}
	return verificationError(CodeNonceMismatch, "certificate nonce does not match challenge binding")
}
