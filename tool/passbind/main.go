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

// Command passbind runs the passport-identity binding service: an HTTP API
// that enrolls Apple App Attest hardware keys, verifies assertions binding a
// passport hash to an EVM address, and brokers third-party web credentials.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/passbind/passbind/lib/config"
	"github.com/passbind/passbind/lib/service"
	logutils "github.com/passbind/passbind/lib/utils/log"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("Invalid configuration.", "error", err)
		os.Exit(1)
	}
	logutils.Initialize(cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := service.Run(ctx, cfg); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Service terminated.", "error", err)
		os.Exit(1)
	}
}
