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

package httplib

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJSONRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func TestReadJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	t.Run("ok", func(t *testing.T) {
		var val payload
		require.NoError(t, ReadJSON(newJSONRequest(t, `{"name":"alice"}`), &val))
		assert.Equal(t, "alice", val.Name)
	})

	t.Run("charset parameter accepted", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"bob"}`))
		r.Header.Set("Content-Type", "application/json; charset=utf-8")
		var val payload
		require.NoError(t, ReadJSON(r, &val))
		assert.Equal(t, "bob", val.Name)
	})

	t.Run("missing content type accepted", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"carol"}`))
		var val payload
		require.NoError(t, ReadJSON(r, &val))
	})

	t.Run("wrong content type", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x"}`))
		r.Header.Set("Content-Type", "text/plain")
		var val payload
		err := ReadJSON(r, &val)
		require.True(t, trace.IsBadParameter(err))
	})

	t.Run("malformed body", func(t *testing.T) {
		var val payload
		err := ReadJSON(newJSONRequest(t, `{"name":`), &val)
		require.True(t, trace.IsBadParameter(err))
	})

	t.Run("trailing garbage", func(t *testing.T) {
		var val payload
		err := ReadJSON(newJSONRequest(t, `{"name":"x"} {"more":1}`), &val)
		require.True(t, trace.IsBadParameter(err))
	})
}

func TestMakeHandler(t *testing.T) {
	errWriter := func(w http.ResponseWriter, r *http.Request, err error) {
		WriteJSON(w, ErrorToStatus(err), map[string]string{"error": err.Error()})
	}

	t.Run("response encoded", func(t *testing.T) {
		handle := MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
			return map[string]bool{"ok": true}, nil
		}, errWriter)

		recorder := httptest.NewRecorder()
		handle(recorder, httptest.NewRequest(http.MethodGet, "/", nil), nil)
		assert.Equal(t, http.StatusOK, recorder.Code)
		assert.Equal(t, "application/json", recorder.Header().Get("Content-Type"))
		assert.JSONEq(t, `{"ok":true}`, recorder.Body.String())
	})

	t.Run("nil response", func(t *testing.T) {
		handle := MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
			return nil, nil
		}, errWriter)

		recorder := httptest.NewRecorder()
		handle(recorder, httptest.NewRequest(http.MethodGet, "/", nil), nil)
		assert.Equal(t, http.StatusOK, recorder.Code)
		assert.Empty(t, recorder.Body.String())
	})

	t.Run("error routed to writer", func(t *testing.T) {
		handle := MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
			return nil, trace.BadParameter("nope")
		}, errWriter)

		recorder := httptest.NewRecorder()
		handle(recorder, httptest.NewRequest(http.MethodGet, "/", nil), nil)
		assert.Equal(t, http.StatusBadRequest, recorder.Code)
	})
}

func TestErrorToStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, ErrorToStatus(trace.BadParameter("x")))
	assert.Equal(t, http.StatusBadRequest, ErrorToStatus(trace.CompareFailed("x")))
	assert.Equal(t, http.StatusNotFound, ErrorToStatus(trace.NotFound("x")))
	assert.Equal(t, http.StatusInternalServerError, ErrorToStatus(errors.New("x")))
	assert.Equal(t, http.StatusInternalServerError, ErrorToStatus(trace.Errorf("x")))
}
