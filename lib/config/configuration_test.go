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

package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/passbind/passbind/lib/defaults"
)

func TestFromEnv(t *testing.T) {
	// Clear everything this test depends on so a developer's environment
	// cannot leak in.
	for _, key := range []string{
		"PASSBIND_LISTEN_ADDR", "POSTGRES_URL", "PASSBIND_DATA_DIR",
		"PASSBIND_APP_ID", "PASSBIND_LEGACY_NONCE", "PASSBIND_DEBUG",
		"PRIMUS_APP_ID", "PRIMUS_APP_SECRET", "PRIMUS_ATTESTOR_ADDRESS",
	} {
		// t.Setenv registers restoration of the original value; unset
		// afterwards so the variable is absent, not empty.
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	t.Run("defaults", func(t *testing.T) {
		cfg, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, defaults.ListenAddr, cfg.ListenAddr)
		assert.Equal(t, defaults.DataDir, cfg.DataDir)
		assert.Empty(t, cfg.PostgresURL)
		assert.False(t, cfg.LegacyNonce)
		assert.False(t, cfg.Debug)
	})

	t.Run("environment wins", func(t *testing.T) {
		t.Setenv("PASSBIND_LISTEN_ADDR", "127.0.0.1:9999")
		t.Setenv("PASSBIND_DATA_DIR", "/var/lib/passbind")
		t.Setenv("POSTGRES_URL", "postgres://localhost/passbind")
		t.Setenv("PASSBIND_LEGACY_NONCE", "true")
		t.Setenv("PASSBIND_APP_ID", "TEAM1234.com.example.passbind")
		t.Setenv("PRIMUS_APP_ID", "app-1")

		cfg, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
		assert.Equal(t, "/var/lib/passbind", cfg.DataDir)
		assert.Equal(t, "postgres://localhost/passbind", cfg.PostgresURL)
		assert.True(t, cfg.LegacyNonce)
		assert.Equal(t, "TEAM1234.com.example.passbind", cfg.AppID)
		assert.Equal(t, "app-1", cfg.PrimusAppID)
	})

	t.Run("malformed boolean", func(t *testing.T) {
		t.Setenv("PASSBIND_DEBUG", "definitely")
		_, err := FromEnv()
		require.Error(t, err)
	})
}
