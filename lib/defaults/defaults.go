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

// Package defaults holds process-wide default values.
package defaults

import "time"

const (
	// ListenAddr is the address the HTTP boundary binds to when
	// PASSBIND_LISTEN_ADDR is unset.
	ListenAddr = ":8080"

	// DataDir is the directory used by the file-backed device store.
	DataDir = "data"

	// DevicesFile is the name of the JSON device store inside DataDir.
	DevicesFile = "devices.json"

	// HTTPReadTimeout bounds reading a request, header and body included.
	HTTPReadTimeout = 30 * time.Second

	// HTTPWriteTimeout bounds writing a response.
	HTTPWriteTimeout = 30 * time.Second

	// HTTPIdleTimeout bounds keep-alive connections.
	HTTPIdleTimeout = 2 * time.Minute

	// ShutdownTimeout is how long in-flight requests get to drain on
	// SIGINT/SIGTERM before the listener is torn down.
	ShutdownTimeout = 5 * time.Second

	// BrokerTimeout is the deadline applied to outbound credential broker
	// calls. No retries happen at this layer.
	BrokerTimeout = 30 * time.Second

	// MaxRequestBody caps JSON request bodies read by the HTTP boundary.
	MaxRequestBody = 1 << 20
)
