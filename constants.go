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

// Package passbind holds process-wide constants shared by the passbind
// service: component names used for logging and the release version.
package passbind

const (
	// Version is the semantic version of the passbind service.
	Version = "0.3.0"

	// ComponentKey is the structured logging attribute that carries the
	// component name.
	ComponentKey = "component"

	// ComponentWeb is the HTTP boundary.
	ComponentWeb = "web"

	// ComponentAppAttest is the Apple App Attest verification engine.
	ComponentAppAttest = "appattest"

	// ComponentDevices is the device record store.
	ComponentDevices = "devices"

	// ComponentPrimus is the third-party credential broker.
	ComponentPrimus = "primus"
)
