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

// Package httplib implements the JSON handler plumbing shared by all HTTP
// endpoints: body decoding with a size cap and a handler adapter that turns
// (value, error) returns into JSON responses.
package httplib

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/passbind/passbind/lib/defaults"
)

// HandlerFunc is a request handler that returns the response value to be
// JSON encoded, or an error to be translated by the error writer.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// ErrorWriter translates a handler error into a response.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// MakeHandler adapts a HandlerFunc to a httprouter.Handle. A nil response
// value with a nil error writes http.StatusOK with an empty body.
func MakeHandler(fn HandlerFunc, errWriter ErrorWriter) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		response, err := fn(w, r, p)
		if err != nil {
			errWriter(w, r, err)
			return
		}
		if response == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		WriteJSON(w, http.StatusOK, response)
	}
}

// ReadJSON decodes a JSON request body into val. Bodies are capped at
// defaults.MaxRequestBody; non-JSON content types and trailing garbage are
// rejected.
func ReadJSON(r *http.Request, val interface{}) error {
	if contentType := r.Header.Get("Content-Type"); contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err != nil || mediaType != "application/json" {
			return trace.BadParameter("expected application/json request body")
		}
	}
	decoder := json.NewDecoder(io.LimitReader(r.Body, defaults.MaxRequestBody))
	if err := decoder.Decode(val); err != nil {
		return trace.BadParameter("malformed JSON request body: %v", err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return trace.BadParameter("unexpected data after JSON request body")
	}
	return nil
}

// WriteJSON encodes val as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, val interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Best effort: the status line is already gone if encoding fails.
	_ = json.NewEncoder(w).Encode(val)
}

// ErrorToStatus maps an error to an HTTP status. Client faults map to 400,
// missing resources to 404, everything else is an internal error.
func ErrorToStatus(err error) int {
	switch {
	case trace.IsBadParameter(err) || trace.IsCompareFailed(err):
		return http.StatusBadRequest
	case trace.IsNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
