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

// Package web is the HTTP boundary of the passbind service. Handlers parse
// and shape-check JSON requests, call into the verification engine, the
// device store and the credential broker, and translate typed failures into
// stable error codes: verification failures map to 400 (404 for unknown
// devices) with the failure code in the body, store and broker outages map
// to 500.
package web

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/passbind/passbind"
	"github.com/passbind/passbind/lib/appattest"
	"github.com/passbind/passbind/lib/devices"
	"github.com/passbind/passbind/lib/httplib"
	"github.com/passbind/passbind/lib/primus"
	logutils "github.com/passbind/passbind/lib/utils/log"
)

// Config configures the API handler.
type Config struct {
	// Store is the device record store. Required.
	Store devices.Store
	// Verifier is the App Attest verification engine. Required.
	Verifier *appattest.Verifier
	// Broker is the third-party credential broker. Required.
	Broker *primus.Broker
	// BrokerTimeout bounds outbound broker calls. Required, finite.
	BrokerTimeout time.Duration
	// Log is the logger. Defaults to a package logger.
	Log *slog.Logger
}

// Handler is the HTTP API handler. It embeds the router so it can be passed
// directly to an http.Server.
type Handler struct {
	httprouter.Router

	cfg Config
	log *slog.Logger
}

// NewHandler creates the API handler and binds all routes.
func NewHandler(cfg Config) (*Handler, error) {
	switch {
	case cfg.Store == nil:
		return nil, trace.BadParameter("missing Store")
	case cfg.Verifier == nil:
		return nil, trace.BadParameter("missing Verifier")
	case cfg.Broker == nil:
		return nil, trace.BadParameter("missing Broker")
	case cfg.BrokerTimeout <= 0:
		return nil, trace.BadParameter("missing BrokerTimeout")
	}
	if cfg.Log == nil {
		cfg.Log = logutils.NewPackageLogger(passbind.ComponentKey, passbind.ComponentWeb)
	}
	h := &Handler{cfg: cfg, log: cfg.Log}

	h.POST("/attest/verify-attestation", h.handle(h.verifyAttestation))
	h.POST("/attest/verify-assertion", h.handle(h.verifyAssertion))
	h.POST("/primus/init", h.handle(h.primusInit))
	h.POST("/primus/sign", h.handle(h.primusSign))
	h.POST("/primus/verify", h.handle(h.primusVerify))
	h.GET("/identity", h.handle(h.identity))
	h.GET("/healthz", h.handle(h.health))

	return h, nil
}

func (h *Handler) handle(fn httplib.HandlerFunc) httprouter.Handle {
	logged := func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		start := time.Now()
		response, err := fn(w, r, p)
		h.log.DebugContext(r.Context(), "Handled request.",
			"method", r.Method,
			"path", r.URL.Path,
			"elapsed", time.Since(start).String(),
			"error", err,
		)
		return response, err
	}
	return httplib.MakeHandler(logged, h.writeError)
}

// writeError renders a handler error. Verification failures carry their
// stable code verbatim so clients can branch on it; everything else gets the
// trace user message.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if code, ok := appattest.CodeOf(err); ok {
		status := http.StatusBadRequest
		if code == appattest.CodeDeviceUnknown {
			status = http.StatusNotFound
		}
		httplib.WriteJSON(w, status, errorResponse{Error: string(code)})
		return
	}
	status := httplib.ErrorToStatus(err)
	if status == http.StatusInternalServerError {
		h.log.ErrorContext(r.Context(), "Request failed.", "path", r.URL.Path, "error", err)
	}
	httplib.WriteJSON(w, status, errorResponse{Error: trace.UserMessage(err)})
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// verifyAttestationRequest enrolls a new hardware key.
//
// POST /attest/verify-attestation
//
//	{"attestation": "<base64>", "challenge": "<utf-8>", "keyId": "<base64>"}
type verifyAttestationRequest struct {
	Attestation string `json:"attestation"`
	Challenge   string `json:"challenge"`
	KeyID       string `json:"keyId"`
}

type verifyAttestationResponse struct {
	Success   bool   `json:"success"`
	PublicKey string `json:"publicKey"`
}

func (h *Handler) verifyAttestation(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req verifyAttestationRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	switch {
	case req.Attestation == "":
		return nil, trace.BadParameter("missing attestation")
	case req.Challenge == "":
		return nil, trace.BadParameter("missing challenge")
	case req.KeyID == "":
		return nil, trace.BadParameter("missing keyId")
	}
	attestation, err := base64.StdEncoding.DecodeString(req.Attestation)
	if err != nil {
		return nil, trace.BadParameter("attestation is not valid base64: %v", err)
	}

	spki, err := h.cfg.Verifier.VerifyAttestation(r.Context(), attestation, []byte(req.Challenge), req.KeyID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &verifyAttestationResponse{
		Success:   true,
		PublicKey: base64.StdEncoding.EncodeToString(spki),
	}, nil
}

// verifyAssertionRequest binds a passport hash and an EVM address to an
// enrolled key.
//
// POST /attest/verify-assertion
//
//	{"assertion": "<base64>", "keyId": "<base64>",
//	 "passportHash": "<hex>", "evmAddress": "0x<40 hex>"}
type verifyAssertionRequest struct {
	Assertion    string `json:"assertion"`
	KeyID        string `json:"keyId"`
	PassportHash string `json:"passportHash"`
	EVMAddress   string `json:"evmAddress"`
}

type verifyAssertionResponse struct {
	Success      bool   `json:"success"`
	EVMAddress   string `json:"evmAddress"`
	PassportHash string `json:"passportHash"`
}

func (h *Handler) verifyAssertion(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req verifyAssertionRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	switch {
	case req.Assertion == "":
		return nil, trace.BadParameter("missing assertion")
	case req.KeyID == "":
		return nil, trace.BadParameter("missing keyId")
	case req.PassportHash == "":
		return nil, trace.BadParameter("missing passportHash")
	case req.EVMAddress == "":
		return nil, trace.BadParameter("missing evmAddress")
	}
	assertion, err := base64.StdEncoding.DecodeString(req.Assertion)
	if err != nil {
		return nil, trace.BadParameter("assertion is not valid base64: %v", err)
	}
	if _, err := hex.DecodeString(req.PassportHash); err != nil {
		return nil, trace.BadParameter("passportHash is not valid hex: %v", err)
	}
	if !common.IsHexAddress(req.EVMAddress) {
		return nil, trace.BadParameter("evmAddress %q is not a valid EVM address", req.EVMAddress)
	}

	if err := h.cfg.Verifier.VerifyAssertion(r.Context(), assertion, req.KeyID, req.PassportHash, req.EVMAddress); err != nil {
		return nil, trace.Wrap(err)
	}
	return &verifyAssertionResponse{
		Success:      true,
		EVMAddress:   strings.ToLower(req.EVMAddress),
		PassportHash: req.PassportHash,
	}, nil
}

// identity looks up the passport hash bound to an EVM address.
//
// GET /identity?address=0x...
//
// Always answers 200 for well-formed addresses; a null passportHash means no
// binding is on file.
type identityResponse struct {
	Success      bool    `json:"success"`
	PassportHash *string `json:"passportHash"`
}

func (h *Handler) identity(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	address := r.URL.Query().Get("address")
	if address == "" {
		return nil, trace.BadParameter("missing address query parameter")
	}
	if !common.IsHexAddress(address) {
		return nil, trace.BadParameter("address %q is not a valid EVM address", address)
	}

	record, err := h.cfg.Store.FindByAddress(r.Context(), address)
	if err != nil {
		if trace.IsNotFound(err) {
			return &identityResponse{Success: true}, nil
		}
		return nil, trace.Wrap(err)
	}
	if record.PassportHash == "" {
		return &identityResponse{Success: true}, nil
	}
	return &identityResponse{Success: true, PassportHash: &record.PassportHash}, nil
}

type successResponse struct {
	Success bool `json:"success"`
}

func (h *Handler) primusInit(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if err := h.cfg.Broker.InitOnce(); err != nil {
		// Misconfiguration, not a client fault.
		return nil, trace.Errorf("credential broker unavailable: %v", err)
	}
	return &successResponse{Success: true}, nil
}

// primusSignRequest asks the server to sign an attestation request envelope.
//
// POST /primus/sign
//
//	{"templateId": "<id>", "userAddress": "0x<40 hex>"}
type primusSignRequest struct {
	TemplateID  string `json:"templateId"`
	UserAddress string `json:"userAddress"`
}

type primusSignResponse struct {
	Success          bool   `json:"success"`
	SignedRequestStr string `json:"signedRequestStr"`
}

func (h *Handler) primusSign(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req primusSignRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Broker.InitOnce(); err != nil {
		return nil, trace.Errorf("credential broker unavailable: %v", err)
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.BrokerTimeout)
	defer cancel()
	signed, err := h.cfg.Broker.SignRequest(ctx, req.TemplateID, req.UserAddress)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &primusSignResponse{Success: true, SignedRequestStr: signed}, nil
}

// primusVerifyRequest verifies a client-returned attestation artifact.
//
// POST /primus/verify
//
//	{"attestation": <artifact JSON, string or object>}
type primusVerifyRequest struct {
	Attestation json.RawMessage `json:"attestation"`
}

type primusVerifyResponse struct {
	Success  bool `json:"success"`
	Verified bool `json:"verified"`
}

func (h *Handler) primusVerify(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req primusVerifyRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if len(req.Attestation) == 0 {
		return nil, trace.BadParameter("missing attestation")
	}
	if err := h.cfg.Broker.InitOnce(); err != nil {
		return nil, trace.Errorf("credential broker unavailable: %v", err)
	}

	// Clients send the artifact either as a JSON object or as a
	// pre-serialised string.
	artifact := string(req.Attestation)
	var quoted string
	if err := json.Unmarshal(req.Attestation, &quoted); err == nil {
		artifact = quoted
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.BrokerTimeout)
	defer cancel()
	verified, err := h.cfg.Broker.VerifyArtifact(ctx, artifact)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &primusVerifyResponse{Success: true, Verified: verified}, nil
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	return map[string]interface{}{"success": true, "version": passbind.Version}, nil
}
