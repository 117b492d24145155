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

// Package log provides slog helpers shared by all passbind components.
package log

import (
	"log/slog"
	"os"
)

// NewPackageLogger creates a logger with the given key/value pairs added to
// every record. Packages typically call it once at init time:
//
//	var log = logutils.NewPackageLogger(passbind.ComponentKey, passbind.ComponentWeb)
func NewPackageLogger(args ...any) *slog.Logger {
	return slog.Default().With(args...)
}

// Initialize configures the process-wide default logger. Output is text
// formatted and written to stderr; debug enables LevelDebug.
func Initialize(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}
