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
	"errors"
	"fmt"
)

// Code is the stable, client-visible identifier of a verification failure.
// Clients branch on these strings, so they never change; human-readable
// detail goes into the error reason instead.
type Code string

const (
	// CodeBadFormat marks a malformed envelope: bad CBOR, wrong fmt field,
	// or an authenticator-data blob that does not parse.
	CodeBadFormat Code = "ErrBadFormat"
	// CodeChainTooShort marks an x5c chain with fewer than two certificates.
	CodeChainTooShort Code = "ErrChainTooShort"
	// CodeCertChain marks a chain that does not verify against the pinned
	// Apple App Attestation Root CA.
	CodeCertChain Code = "ErrCertChain"
	// CodeAtFlagUnset marks authenticator data without the
	// attested-credential-data flag.
	CodeAtFlagUnset Code = "ErrAtFlagUnset"
	// CodeBadPointFormat marks a leaf public key whose EC point is not in
	// uncompressed form.
	CodeBadPointFormat Code = "ErrBadPointFormat"
	// CodeCredentialIDMismatch marks a credentialId that is not the SHA-256
	// of the attested public key point.
	CodeCredentialIDMismatch Code = "ErrCredentialIdMismatch"
	// CodeNonceMissing marks a leaf certificate without the Apple nonce
	// extension.
	CodeNonceMissing Code = "ErrNonceMissing"
	// CodeNonceMismatch marks a certificate nonce that does not match the
	// challenge binding.
	CodeNonceMismatch Code = "ErrNonceMismatch"
	// CodeDeviceUnknown marks an assertion for a credential that was never
	// enrolled.
	CodeDeviceUnknown Code = "ErrDeviceUnknown"
	// CodeReplay marks an assertion whose counter did not strictly advance.
	CodeReplay Code = "ErrReplay"
	// CodeBadSignature marks an assertion signature that does not verify
	// against the enrolled public key.
	CodeBadSignature Code = "ErrBadSignature"
)

// VerificationError is a verification failure with a stable code. The HTTP
// boundary maps the code to a status and puts it, verbatim, in the response
// body.
type VerificationError struct {
	// Code is the stable failure identifier.
	Code Code
	// Reason is free-form detail for logs. Never shown to clients.
	Reason string
}

// Error implements the error interface.
func (e *VerificationError) Error() string {
	if e.Reason == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func verificationError(code Code, format string, args ...any) error {
	return &VerificationError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the stable failure code from an error chain. The second
// return is false when the error is not a verification failure.
func CodeOf(err error) (Code, bool) {
	var verr *VerificationError
	if errors.As(err, &verr) {
		return verr.Code, true
	}
	return "", false
}
