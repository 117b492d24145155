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

import "bytes"

// appleNonceOID is the DER encoding (header included) of OID
// 1.2.840.113635.100.8.2, the Apple App Attest nonce extension.
var appleNonceOID = []byte{0x06, 0x09, 0x2a, 0x86, 0x48, 0x86, 0xf7, 0x63, 0x64, 0x08, 0x02}

// maxNonceDepth bounds the TLV recursion so pathological inputs cannot blow
// the stack. A nonce nested deeper than this is rejected.
const maxNonceDepth = 10

// extractCertNonce locates the attestation nonce inside the leaf
// certificate's raw DER. The exact structure of Apple's extension has varied
// historically, so instead of committing to one ASN.1 schema this scans for
// the extension OID and then walks TLV values looking for the first OCTET
// STRING that holds exactly 32 bytes.
func extractCertNonce(leafDER []byte) ([]byte, error) {
	i := bytes.Index(leafDER, appleNonceOID)
	if i < 0 {
		return nil, verificationError(CodeNonceMissing, "certificate has no %x extension", appleNonceOID)
	}
	nonce := findOctet32(leafDER[i+len(appleNonceOID):], 0)
	if nonce == nil {
		return nil, verificationError(CodeNonceMissing, "no 32-byte octet string inside nonce extension")
	}
	return nonce, nil
}

// findOctet32 walks a DER TLV sequence and returns the first OCTET STRING
// value of exactly 32 bytes, recursing into constructed types and into
// longer OCTET STRINGs (Apple wraps the nonce payload in one).
func findOctet32(b []byte, depth int) []byte {
	if depth > maxNonceDepth || len(b) < 2 {
		return nil
	}
	i := 0
	for i < len(b) {
		tag := b[i]
		i++
		if i >= len(b) {
			break
		}
		length := int(b[i])
		i++
		if length&0x80 != 0 {
			n := length & 0x7f
			if n > 4 || i+n > len(b) {
				break
			}
			length = 0
			for _, c := range b[i : i+n] {
				length = length<<8 | int(c)
			}
			i += n
		}
		if i+length > len(b) || length < 0 {
			break
		}
		value := b[i : i+length]
		i += length

		if tag == 0x04 && len(value) == 32 {
			return value
		}
		if tag&0x20 != 0 || tag == 0x30 || tag == 0x31 || tag == 0x04 {
			if found := findOctet32(value, depth+1); found != nil {
				return found
			}
		}
	}
	return nil
}
