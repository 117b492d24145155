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

package devices

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gravitational/trace"
)

// FileStore keeps all records in a single JSON object mapping credentialId
// to record, rewritten whole on every mutation. A single mutex makes the
// store single-writer, which is the serialisation the counter check relies
// on. Single-process deployments only; there is no cross-process locking.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a store backed by the given JSON file. The file and
// its directory are created on first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Get returns the record for the given credentialId.
func (s *FileStore) Get(ctx context.Context, credentialID string) (*DeviceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	record, ok := records[credentialID]
	if !ok {
		return nil, trace.NotFound("device %q not found", credentialID)
	}
	return &record, nil
}

// Put upserts the record under its credentialId.
func (s *FileStore) Put(ctx context.Context, record DeviceRecord) error {
	if err := record.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return trace.Wrap(err)
	}
	records[record.CredentialID] = record
	return trace.Wrap(s.save(records))
}

// Update merges the patch into an existing record. The whole
// load/check/store cycle runs under the store mutex, so a counter patch that
// lost a race observes the winner's counter and fails the strict-greater
// check.
func (s *FileStore) Update(ctx context.Context, credentialID string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return trace.Wrap(err)
	}
	record, ok := records[credentialID]
	if !ok {
		return trace.NotFound("device %q not found", credentialID)
	}
	if err := record.applyPatch(patch); err != nil {
		return trace.Wrap(err)
	}
	records[credentialID] = record
	return trace.Wrap(s.save(records))
}

// FindByAddress returns the record bound to the given EVM address,
// case-insensitive. When several devices bound the same address the most
// recently written record wins.
func (s *FileStore) FindByAddress(ctx context.Context, evmAddress string) (*DeviceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	want := strings.ToLower(evmAddress)
	var match *DeviceRecord
	for id := range records {
		record := records[id]
		if record.EVMAddress != want || record.EVMAddress == "" {
			continue
		}
		if match == nil || record.UpdatedAt.After(match.UpdatedAt) {
			match = &record
		}
	}
	if match == nil {
		return nil, trace.NotFound("no device bound to address %q", evmAddress)
	}
	return match, nil
}

// Close is a no-op for the file backend.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) load() (map[string]DeviceRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]DeviceRecord{}, nil
		}
		return nil, trace.ConvertSystemError(err)
	}
	records := map[string]DeviceRecord{}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, trace.BadParameter("device store %v is corrupted: %v", s.path, err)
	}
	return records, nil
}

func (s *FileStore) save(records map[string]DeviceRecord) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return trace.ConvertSystemError(err)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	// Write-then-rename so readers never observe a torn file.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return trace.ConvertSystemError(err)
	}
	return trace.ConvertSystemError(os.Rename(tmp, s.path))
}
