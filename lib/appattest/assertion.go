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
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"

	"github.com/fxamacker/cbor/v2"
	"github.com/gravitational/trace"

	"github.com/passbind/passbind/lib/devices"
)

// assertionEnvelope is the CBOR assertion object.
type assertionEnvelope struct {
	Signature         []byte `cbor:"signature"`
	AuthenticatorData []byte `cbor:"authenticatorData"`
}

// CanonicalBindingPayload serialises the {passportHash, evmAddress} pair the
// device signed. The client produces the identical bytes: two keys in this
// exact order, no whitespace, ASCII values. Both sides hashing the same bytes
// is what makes the signature check meaningful, so this is built by hand
// rather than trusting a JSON encoder's field ordering.
func CanonicalBindingPayload(passportHash, evmAddress string) []byte {
	payload := make([]byte, 0, len(passportHash)+len(evmAddress)+36)
	payload = append(payload, `{"passportHash":"`...)
	payload = append(payload, passportHash...)
	payload = append(payload, `","evmAddress":"`...)
	payload = append(payload, evmAddress...)
	payload = append(payload, `"}`...)
	return payload
}

// VerifyAssertion checks a per-operation assertion that binds the
// (passportHash, evmAddress) pair to an enrolled device, then atomically
// advances the stored counter and stores the binding. The update only
// happens if the signature verifies and the counter strictly advanced; the
// store re-checks the counter inside its critical section, so a concurrent
// assertion that lost the race fails with a replay error rather than
// double-committing.
func (v *Verifier) VerifyAssertion(ctx context.Context, assertion []byte, keyIDB64, passportHash, evmAddress string) error {
	record, err := v.store.Get(ctx, keyIDB64)
	if err != nil {
		if trace.IsNotFound(err) {
			return verificationError(CodeDeviceUnknown, "device %q is not enrolled", keyIDB64)
		}
		return trace.Wrap(err)
	}

	var envelope assertionEnvelope
	if err := cbor.Unmarshal(assertion, &envelope); err != nil {
		return verificationError(CodeBadFormat, "decoding assertion CBOR: %v", err)
	}
	authData, err := parseAuthenticatorData(envelope.AuthenticatorData, false)
	if err != nil {
		return trace.Wrap(err)
	}

	// Strictly greater, no modular arithmetic: a counter that wrapped at
	// 2^32-1 can never be accepted again.
	if authData.Counter <= record.Counter {
		return verificationError(CodeReplay, "assertion counter %d is not greater than stored counter %d", authData.Counter, record.Counter)
	}

	payload := CanonicalBindingPayload(passportHash, evmAddress)
	clientDataHash := sha256.Sum256(payload)
	message := sha256.Sum256(append(append([]byte{}, authData.Raw...), clientDataHash[:]...))

	publicKey, err := parseStoredKey(record.PublicKeyDER)
	if err != nil {
		return trace.Wrap(err)
	}
	// The 32-byte message is the ECDSA input itself; it is not hashed
	// again before verification.
	if !ecdsa.VerifyASN1(publicKey, message[:], envelope.Signature) {
		return verificationError(CodeBadSignature, "assertion signature does not verify")
	}

	counter := authData.Counter
	err = v.store.Update(ctx, keyIDB64, devices.Patch{
		Counter:      &counter,
		EVMAddress:   &evmAddress,
		PassportHash: &passportHash,
	})
	switch {
	case err == nil:
	case trace.IsCompareFailed(err):
		// Lost a race against a concurrent assertion.
		return verificationError(CodeReplay, "counter advanced concurrently: %v", err)
	case trace.IsNotFound(err):
		return verificationError(CodeDeviceUnknown, "device %q disappeared during verification", keyIDB64)
	default:
		return trace.Wrap(err)
	}

	v.log.InfoContext(ctx, "Accepted assertion.",
		"credential_id", keyIDB64,
		"counter", counter,
	)
	return nil
}

func parseStoredKey(publicKeyDERB64 string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(publicKeyDERB64)
	if err != nil {
		return nil, trace.BadParameter("stored public key is not valid base64: %v", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, trace.BadParameter("parsing stored public key: %v", err)
	}
	ecdsaKey, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, trace.BadParameter("stored public key is %T, not ECDSA", pub)
	}
	return ecdsaKey, nil
}
