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

// Package config loads the service configuration from the environment.
package config

import (
	"github.com/gravitational/trace"
	"github.com/kelseyhightower/envconfig"

	"github.com/passbind/passbind/lib/defaults"
)

// Config is the process configuration. All fields come from the
// environment; the service has no configuration file and no CLI flags.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `envconfig:"PASSBIND_LISTEN_ADDR"`
	// PostgresURL selects the storage backend: when set the relational
	// backend is used, otherwise records live in a JSON file under
	// DataDir.
	PostgresURL string `envconfig:"POSTGRES_URL"`
	// DataDir is the directory of the file-backed device store.
	DataDir string `envconfig:"PASSBIND_DATA_DIR"`
	// AppID is the App Attest application identifier
	// ("TEAMID.bundleid"). When set, attestations must carry a matching
	// rpIdHash; when empty the check is skipped.
	AppID string `envconfig:"PASSBIND_APP_ID"`
	// LegacyNonce opts in to accepting the legacy attestation nonce form
	// SHA-256(authData ‖ challenge) alongside the specified
	// SHA-256(authData ‖ SHA-256(challenge)).
	LegacyNonce bool `envconfig:"PASSBIND_LEGACY_NONCE"`
	// Debug enables debug logging.
	Debug bool `envconfig:"PASSBIND_DEBUG"`
	// PrimusAppID identifies this application with the Primus network.
	PrimusAppID string `envconfig:"PRIMUS_APP_ID"`
	// PrimusAppSecret is the hex secp256k1 application key. Never logged,
	// never sent to clients.
	PrimusAppSecret string `envconfig:"PRIMUS_APP_SECRET"`
	// PrimusAttestorAddress overrides the attestor expected to sign
	// credential artifacts.
	PrimusAttestorAddress string `envconfig:"PRIMUS_ATTESTOR_ADDRESS"`
}

// FromEnv reads the configuration from the environment and applies
// defaults.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}

// CheckAndSetDefaults fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.ListenAddr
	}
	if c.DataDir == "" {
		c.DataDir = defaults.DataDir
	}
	return nil
}
