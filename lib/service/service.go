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

// Package service assembles and runs the passbind process: storage backend
// selection, verification engine, credential broker and the HTTP listener.
package service

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"

	"github.com/gravitational/trace"

	"github.com/passbind/passbind"
	"github.com/passbind/passbind/lib/appattest"
	"github.com/passbind/passbind/lib/config"
	"github.com/passbind/passbind/lib/defaults"
	"github.com/passbind/passbind/lib/devices"
	"github.com/passbind/passbind/lib/primus"
	logutils "github.com/passbind/passbind/lib/utils/log"
	"github.com/passbind/passbind/lib/web"
)

// Run starts the service and blocks until ctx is cancelled or the listener
// fails. On cancellation in-flight requests get defaults.ShutdownTimeout to
// drain.
func Run(ctx context.Context, cfg *config.Config) error {
	log := logutils.NewPackageLogger(passbind.ComponentKey, "service")

	store, err := newStore(ctx, cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	defer store.Close()

	verifier, err := appattest.NewVerifier(appattest.VerifierConfig{
		Store:       store,
		LegacyNonce: cfg.LegacyNonce,
		AppID:       cfg.AppID,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	broker := primus.NewBroker(primus.Config{
		AppID:           cfg.PrimusAppID,
		AppSecret:       cfg.PrimusAppSecret,
		AttestorAddress: cfg.PrimusAttestorAddress,
	})

	handler, err := web.NewHandler(web.Config{
		Store:         store,
		Verifier:      verifier,
		Broker:        broker,
		BrokerTimeout: defaults.BrokerTimeout,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  defaults.HTTPReadTimeout,
		WriteTimeout: defaults.HTTPWriteTimeout,
		IdleTimeout:  defaults.HTTPIdleTimeout,
	}

	errC := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "Listening.", "addr", cfg.ListenAddr, "version", passbind.Version)
		errC <- server.ListenAndServe()
	}()

	select {
	case err := <-errC:
		return trace.Wrap(err)
	case <-ctx.Done():
	}

	log.InfoContext(ctx, "Shutting down.")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return trace.Wrap(err)
	}
	return nil
}

// newStore selects the storage backend: postgres when POSTGRES_URL is set,
// the JSON file store otherwise.
func newStore(ctx context.Context, cfg *config.Config) (devices.Store, error) {
	if cfg.PostgresURL != "" {
		store, err := devices.NewPGStore(ctx, cfg.PostgresURL)
		return store, trace.Wrap(err)
	}
	return devices.NewFileStore(filepath.Join(cfg.DataDir, defaults.DevicesFile)), nil
}
