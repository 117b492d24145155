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

// Package primus brokers the Primus zkTLS attestation flow for third-party
// web credentials. The server's only roles are to sign attestation request
// envelopes with the app secret, which never leaves the process, and to
// verify the attestation artifacts clients bring back. The artifact's
// internal cryptographic structure is the provider's concern; verification
// here means checking the attestor signature over it.
package primus

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gravitational/trace"

	"github.com/passbind/passbind"
	logutils "github.com/passbind/passbind/lib/utils/log"
)

// defaultAttestorAddress is the Primus network attestor that signs artifacts
// in proxytls mode. Overridable for self-hosted attestors.
const defaultAttestorAddress = "0xDB736B13E2f522dBE18B2015d0291E4b193D8eF6"

// algorithmProxyTLS is the attestation algorithm mode stamped into every
// request envelope this service signs.
const algorithmProxyTLS = "proxytls"

// Config configures the Broker.
type Config struct {
	// AppID identifies the application with the provider. Required.
	AppID string
	// AppSecret is the hex-encoded secp256k1 application key used to sign
	// request envelopes. Required.
	AppSecret string
	// AttestorAddress overrides the attestor expected to sign artifacts.
	AttestorAddress string
	// Log is the logger. Defaults to a package logger.
	Log *slog.Logger
}

// Broker is the process-wide credential broker. A single instance is shared
// across requests; initialisation happens lazily under a once-guard on first
// use and later calls are lock-free reads.
type Broker struct {
	cfg Config
	log *slog.Logger

	initOnce sync.Once
	initErr  error
	key      *ecdsa.PrivateKey
	attestor common.Address
}

// NewBroker creates an uninitialised broker. No validation happens until the
// first call that needs the app key.
func NewBroker(cfg Config) *Broker {
	if cfg.Log == nil {
		cfg.Log = logutils.NewPackageLogger(passbind.ComponentKey, passbind.ComponentPrimus)
	}
	return &Broker{cfg: cfg, log: cfg.Log}
}

// InitOnce initialises the broker exactly once. It is a no-op after the
// first success and keeps returning the same error after a failure; a broker
// with a missing or malformed secret never becomes usable.
func (b *Broker) InitOnce() error {
	b.initOnce.Do(func() {
		if b.cfg.AppID == "" {
			b.initErr = trace.BadParameter("missing Primus app id")
			return
		}
		if b.cfg.AppSecret == "" {
			b.initErr = trace.BadParameter("missing Primus app secret")
			return
		}
		key, err := crypto.HexToECDSA(strings.TrimPrefix(b.cfg.AppSecret, "0x"))
		if err != nil {
			b.initErr = trace.BadParameter("Primus app secret is not a valid secp256k1 key: %v", err)
			return
		}
		attestor := b.cfg.AttestorAddress
		if attestor == "" {
			attestor = defaultAttestorAddress
		}
		if !common.IsHexAddress(attestor) {
			b.initErr = trace.BadParameter("attestor address %q is not a valid EVM address", attestor)
			return
		}
		b.key = key
		b.attestor = common.HexToAddress(attestor)
		b.log.Info("Initialized Primus broker.", "app_id", b.cfg.AppID, "attestor", b.attestor.Hex())
	})
	return b.initErr
}

// attRequest is the envelope a client hands to the provider SDK to start an
// attestation.
type attRequest struct {
	AppID       string  `json:"appId"`
	TemplateID  string  `json:"templateId"`
	UserAddress string  `json:"userAddress"`
	Timestamp   int64   `json:"timestamp"`
	AttMode     attMode `json:"attMode"`
}

type attMode struct {
	AlgorithmType string `json:"algorithmType"`
	ResultType    string `json:"resultType"`
}

type signedRequest struct {
	attRequest
	AppSignature string `json:"appSignature"`
}

// SignRequest builds the attestation request envelope for a template and
// user, signs it with the app secret and returns the serialised signed
// request for the client to pass on to the provider.
func (b *Broker) SignRequest(ctx context.Context, templateID, userAddress string) (string, error) {
	if err := b.InitOnce(); err != nil {
		return "", trace.Wrap(err)
	}
	if templateID == "" {
		return "", trace.BadParameter("missing templateId")
	}
	if !common.IsHexAddress(userAddress) {
		return "", trace.BadParameter("userAddress %q is not a valid EVM address", userAddress)
	}

	request := attRequest{
		AppID:       b.cfg.AppID,
		TemplateID:  templateID,
		UserAddress: userAddress,
		Timestamp:   time.Now().UnixMilli(),
		AttMode: attMode{
			AlgorithmType: algorithmProxyTLS,
			ResultType:    "plain",
		},
	}
	encoded, err := json.Marshal(request)
	if err != nil {
		return "", trace.Wrap(err)
	}
	signature, err := b.sign(encoded)
	if err != nil {
		return "", trace.Wrap(err)
	}
	signed, err := json.Marshal(signedRequest{
		attRequest:   request,
		AppSignature: signature,
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	return string(signed), nil
}

// Artifact is the attestation artifact a client brings back from the
// provider: attested data plus attestor signatures.
type Artifact struct {
	Recipient  string   `json:"recipient"`
	Data       string   `json:"data"`
	Timestamp  int64    `json:"timestamp"`
	Signatures []string `json:"signatures"`
}

// VerifyArtifact checks a client-returned attestation artifact: the first
// signature must recover to the expected attestor over the artifact digest.
// Returns false, not an error, for artifacts that are well formed but signed
// by someone else.
func (b *Broker) VerifyArtifact(ctx context.Context, artifact string) (bool, error) {
	if err := b.InitOnce(); err != nil {
		return false, trace.Wrap(err)
	}
	var parsed Artifact
	if err := json.Unmarshal([]byte(artifact), &parsed); err != nil {
		return false, trace.BadParameter("decoding attestation artifact: %v", err)
	}
	if parsed.Data == "" || len(parsed.Signatures) == 0 {
		return false, trace.BadParameter("attestation artifact is missing data or signatures")
	}
	if err := ctx.Err(); err != nil {
		return false, trace.Wrap(err)
	}

	signer, err := recoverSigner(artifactDigest(&parsed), parsed.Signatures[0])
	if err != nil {
		return false, trace.Wrap(err)
	}
	if signer != b.attestor {
		b.log.DebugContext(ctx, "Artifact signed by unexpected attestor.", "signer", signer.Hex())
		return false, nil
	}
	return true, nil
}

// artifactDigest is the message the attestor signs: the Keccak-256 of the
// recipient, data and timestamp fields, wrapped in the Ethereum signed
// message prefix.
func artifactDigest(artifact *Artifact) []byte {
	inner := crypto.Keccak256(
		[]byte(artifact.Recipient),
		[]byte(artifact.Data),
		[]byte(fmt.Sprintf("%d", artifact.Timestamp)),
	)
	return crypto.Keccak256(
		[]byte("\x19Ethereum Signed Message:\n32"),
		inner,
	)
}

func (b *Broker) sign(message []byte) (string, error) {
	digest := crypto.Keccak256(message)
	signature, err := crypto.Sign(digest, b.key)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return "0x" + hex.EncodeToString(signature), nil
}

func recoverSigner(digest []byte, signatureHex string) (common.Address, error) {
	signature, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return common.Address{}, trace.BadParameter("signature is not valid hex: %v", err)
	}
	if len(signature) != 65 {
		return common.Address{}, trace.BadParameter("signature is %d bytes, expected 65", len(signature))
	}
	// Accept both 0/1 and 27/28 recovery ids.
	if signature[64] >= 27 {
		signature = append(append([]byte{}, signature[:64]...), signature[64]-27)
	}
	pub, err := crypto.SigToPub(digest, signature)
	if err != nil {
		return common.Address{}, trace.BadParameter("recovering signer: %v", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
