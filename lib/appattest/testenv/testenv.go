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

// Package testenv forges App Attest material for tests: a fake attestation
// CA standing in for Apple's root and a fake device that produces
// attestations and assertions with the same wire shapes as real hardware.
package testenv

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/binary"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gravitational/trace"
)

// appleNonceOID is the Apple App Attest nonce extension identifier.
var appleNonceOID = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 8, 2}

// FakeCA is a two-level attestation CA: a self-signed root and an
// intermediate, both P-256. The root stands in for the pinned Apple App
// Attestation Root CA.
type FakeCA struct {
	Root         *x509.Certificate
	Intermediate *x509.Certificate

	rootKey         *ecdsa.PrivateKey
	intermediateKey *ecdsa.PrivateKey
}

// NewFakeCA creates the CA hierarchy.
func NewFakeCA() (*FakeCA, error) {
	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Fake App Attestation Root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, &rootKey.PublicKey, rootKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	root, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	intermediateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	intermediateTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "Fake App Attestation CA 1"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	intermediateDER, err := x509.CreateCertificate(rand.Reader, intermediateTemplate, root, &intermediateKey.PublicKey, rootKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	intermediate, err := x509.ParseCertificate(intermediateDER)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &FakeCA{
		Root:            root,
		Intermediate:    intermediate,
		rootKey:         rootKey,
		intermediateKey: intermediateKey,
	}, nil
}

// FakeDevice is a fake Secure Enclave key.
type FakeDevice struct {
	Key *ecdsa.PrivateKey
	// CredentialID is SHA-256 of the key's uncompressed point.
	CredentialID []byte
}

// NewFakeDevice generates a device key.
func NewFakeDevice() (*FakeDevice, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	point := elliptic.Marshal(elliptic.P256(), key.PublicKey.X, key.PublicKey.Y)
	credentialID := sha256.Sum256(point)
	return &FakeDevice{Key: key, CredentialID: credentialID[:]}, nil
}

// KeyIDB64 is the credentialId in transit encoding.
func (d *FakeDevice) KeyIDB64() string {
	return base64.StdEncoding.EncodeToString(d.CredentialID)
}

// attestOptions collects deviations from a well-formed attestation.
type attestOptions struct {
	credentialID []byte
	aaguid       []byte
	counter      uint32
	clearATFlag  bool
	rawChallenge bool
	rpIDHash     []byte
	nonceDepth   int
}

// AttestOption tweaks a forged attestation.
type AttestOption func(*attestOptions)

// WithCredentialID overrides the credentialId embedded in authenticator
// data, desynchronising it from the attested key.
func WithCredentialID(id []byte) AttestOption {
	return func(o *attestOptions) { o.credentialID = id }
}

// WithAAGUID overrides the AAGUID.
func WithAAGUID(aaguid []byte) AttestOption {
	return func(o *attestOptions) { o.aaguid = aaguid }
}

// WithCounter overrides the attestation counter, normally zero.
func WithCounter(counter uint32) AttestOption {
	return func(o *attestOptions) { o.counter = counter }
}

// WithoutATFlag clears the attested-credential-data flag.
func WithoutATFlag() AttestOption {
	return func(o *attestOptions) { o.clearATFlag = true }
}

// WithRawChallengeNonce computes the certificate nonce over the raw
// challenge instead of its hash, producing the legacy client form.
func WithRawChallengeNonce() AttestOption {
	return func(o *attestOptions) { o.rawChallenge = true }
}

// WithRPIDHash overrides the rpIdHash.
func WithRPIDHash(hash []byte) AttestOption {
	return func(o *attestOptions) { o.rpIDHash = hash }
}

// WithNonceDepth wraps the nonce OCTET STRING in the given number of extra
// ASN.1 containers inside the extension payload.
func WithNonceDepth(extra int) AttestOption {
	return func(o *attestOptions) { o.nonceDepth = extra }
}

type attestationEnvelope struct {
	Fmt      string               `cbor:"fmt"`
	AttStmt  attestationStatement `cbor:"attStmt"`
	AuthData []byte               `cbor:"authData"`
}

type attestationStatement struct {
	X5C     [][]byte `cbor:"x5c"`
	Receipt []byte   `cbor:"receipt"`
}

// AttestDevice forges a CBOR attestation object for the device bound to the
// given challenge: authenticator data with the attested credential, a leaf
// certificate carrying the device key and the nonce extension, chained to
// the fake CA.
func (ca *FakeCA) AttestDevice(device *FakeDevice, challenge []byte, opts ...AttestOption) ([]byte, error) {
	options := attestOptions{
		credentialID: device.CredentialID,
		aaguid:       []byte("appattestdevelop"),
		rpIDHash:     make([]byte, 32),
	}
	for _, opt := range opts {
		opt(&options)
	}

	authData := buildAttestationAuthData(options)

	var nonceInput []byte
	if options.rawChallenge {
		nonceInput = challenge
	} else {
		challengeHash := sha256.Sum256(challenge)
		nonceInput = challengeHash[:]
	}
	nonce := sha256.Sum256(append(append([]byte{}, authData...), nonceInput...))

	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "Fake App Attest Leaf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtraExtensions: []pkix.Extension{{
			Id:    appleNonceOID,
			Value: nonceExtensionValue(nonce[:], options.nonceDepth),
		}},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, ca.Intermediate, &device.Key.PublicKey, ca.intermediateKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	attestation, err := cbor.Marshal(attestationEnvelope{
		Fmt: "apple-appattest",
		AttStmt: attestationStatement{
			X5C:     [][]byte{leafDER, ca.Intermediate.Raw},
			Receipt: []byte("fake receipt"),
		},
		AuthData: authData,
	})
	return attestation, trace.Wrap(err)
}

func buildAttestationAuthData(options attestOptions) []byte {
	flags := byte(1 << 6)
	if options.clearATFlag {
		flags = 0
	}
	authData := make([]byte, 0, 55+len(options.credentialID))
	authData = append(authData, options.rpIDHash...)
	authData = append(authData, flags)
	authData = binary.BigEndian.AppendUint32(authData, options.counter)
	authData = append(authData, options.aaguid...)
	authData = binary.BigEndian.AppendUint16(authData, uint16(len(options.credentialID)))
	authData = append(authData, options.credentialID...)
	return authData
}

// nonceExtensionValue builds the extension payload
// SEQUENCE { [1] { OCTET STRING nonce } }, optionally nesting the octet
// string under extra [1] containers.
func nonceExtensionValue(nonce []byte, extraDepth int) []byte {
	inner := append([]byte{0x04, byte(len(nonce))}, nonce...)
	for i := 0; i < extraDepth; i++ {
		inner = wrapTLV(0xA1, inner)
	}
	inner = wrapTLV(0xA1, inner)
	return wrapTLV(0x30, inner)
}

func wrapTLV(tag byte, value []byte) []byte {
	out := []byte{tag}
	out = appendDERLength(out, len(value))
	return append(out, value...)
}

func appendDERLength(out []byte, length int) []byte {
	switch {
	case length < 0x80:
		return append(out, byte(length))
	case length < 0x100:
		return append(out, 0x81, byte(length))
	default:
		return append(out, 0x82, byte(length>>8), byte(length))
	}
}

type assertionEnvelope struct {
	Signature         []byte `cbor:"signature"`
	AuthenticatorData []byte `cbor:"authenticatorData"`
}

// SignAssertion produces a CBOR assertion over the canonical binding
// payload with the given counter.
func (d *FakeDevice) SignAssertion(payload []byte, counter uint32) ([]byte, error) {
	authData := make([]byte, 37)
	// rpIdHash is opaque to the server on assertions; leave it zero.
	binary.BigEndian.PutUint32(authData[33:37], counter)

	clientDataHash := sha256.Sum256(payload)
	message := sha256.Sum256(append(append([]byte{}, authData...), clientDataHash[:]...))
	signature, err := ecdsa.SignASN1(rand.Reader, d.Key, message[:])
	if err != nil {
		return nil, trace.Wrap(err)
	}

	assertion, err := cbor.Marshal(assertionEnvelope{
		Signature:         signature,
		AuthenticatorData: authData,
	})
	return assertion, trace.Wrap(err)
}
