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
	"encoding/binary"
)

// Authenticator data layout, per WebAuthn §6.1 and App Attest:
//
//	[0:32]  rpIdHash
//	[32]    flags
//	[33:37] counter, big endian
//
// and, when the AT flag is set (attestations only):
//
//	[37:53]  AAGUID
//	[53:55]  credentialId length, big endian
//	[55:...] credentialId
const (
	authDataMinLength = 37

	// flagAttestedCredentialData is bit 6 of the flags byte ("AT").
	flagAttestedCredentialData = 1 << 6
)

// authenticatorData is the parsed form of the authenticator-data blob. Raw
// keeps the original bytes because nonce and signature computations run over
// the exact wire encoding.
type authenticatorData struct {
	Raw          []byte
	RPIDHash     []byte
	Flags        byte
	Counter      uint32
	AAGUID       []byte
	CredentialID []byte
}

func (a *authenticatorData) hasAttestedCredentialData() bool {
	return a.Flags&flagAttestedCredentialData != 0
}

// parseAuthenticatorData parses the fixed prefix and, when attested is true,
// the attested-credential-data section. A credentialId length that would read
// past the end of the blob is rejected rather than truncated.
func parseAuthenticatorData(raw []byte, attested bool) (*authenticatorData, error) {
	if len(raw) < authDataMinLength {
		return nil, verificationError(CodeBadFormat, "authenticator data too short: %d bytes", len(raw))
	}
	authData := &authenticatorData{
		Raw:      raw,
		RPIDHash: raw[0:32],
		Flags:    raw[32],
		Counter:  binary.BigEndian.Uint32(raw[33:37]),
	}
	if !attested {
		return authData, nil
	}
	if !authData.hasAttestedCredentialData() {
		return nil, verificationError(CodeAtFlagUnset, "attested credential data flag not set")
	}
	if len(raw) < 55 {
		return nil, verificationError(CodeBadFormat, "authenticator data too short for attested credential data: %d bytes", len(raw))
	}
	credIDLen := int(binary.BigEndian.Uint16(raw[53:55]))
	if 55+credIDLen > len(raw) {
		return nil, verificationError(CodeBadFormat, "credentialId length %d reads past end of authenticator data", credIDLen)
	}
	authData.AAGUID = raw[37:53]
	authData.CredentialID = raw[55 : 55+credIDLen]
	return authData, nil
}
