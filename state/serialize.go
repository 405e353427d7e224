// SPDX-FileCopyrightText: 2022 SoftIron Limited <info@softiron.com>
// SPDX-License-Identifier: GNU General Public License v2.0 only WITH Classpath exception 2.0

package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// snapshotDoc is the wire/file representation of a ConfigState: plain exported maps, since
// ConfigState itself keeps its maps unexported behind the InvariantMutex.
type snapshotDoc struct {
	Applications  map[string]Application  `json:"applications"`
	Backends      map[string]Backend      `json:"backends"`
	HTTPFrontends map[string]HTTPFrontend `json:"http_frontends"`
	TCPFrontends  map[string]TCPFrontend  `json:"tcp_frontends"`
	Certificates  map[string]Certificate  `json:"certificates"`
}

func (s *ConfigState) toDoc() snapshotDoc {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := snapshotDoc{
		Applications:  make(map[string]Application, len(s.applications)),
		Backends:      make(map[string]Backend, len(s.backends)),
		HTTPFrontends: make(map[string]HTTPFrontend, len(s.httpFrontends)),
		TCPFrontends:  make(map[string]TCPFrontend, len(s.tcpFrontends)),
		Certificates:  make(map[string]Certificate, len(s.certificates)),
	}
	for k, v := range s.applications {
		doc.Applications[k] = v
	}
	for k, v := range s.backends {
		doc.Backends[k] = v
	}
	for k, v := range s.httpFrontends {
		doc.HTTPFrontends[k] = v
	}
	for k, v := range s.tcpFrontends {
		doc.TCPFrontends[k] = v
	}
	for k, v := range s.certificates {
		doc.Certificates[k] = v
	}
	return doc
}

func fromDoc(doc snapshotDoc) *ConfigState {
	s := New()

	s.mu.Lock()
	defer s.mu.Unlock()

	if doc.Applications != nil {
		s.applications = doc.Applications
	}
	if doc.Backends != nil {
		s.backends = doc.Backends
	}
	if doc.HTTPFrontends != nil {
		s.httpFrontends = doc.HTTPFrontends
	}
	if doc.TCPFrontends != nil {
		s.tcpFrontends = doc.TCPFrontends
	}
	if doc.Certificates != nil {
		s.certificates = doc.Certificates
	}

	return s
}

// MarshalJSON renders the full snapshot. Used by the upgrade orchestrator when it writes
// ConfigState into UpgradeData; Dump and Save render toDoc indented instead.
func (s *ConfigState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.toDoc())
}

// UnmarshalJSON replaces the receiver's contents with a parsed snapshot. Used by `state load`
// and by a successor master reconstructing ConfigState from UpgradeData.
func (s *ConfigState) UnmarshalJSON(data []byte) error {
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("state: could not decode snapshot: %w", err)
	}

	loaded := fromDoc(doc)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.applications = loaded.applications
	s.backends = loaded.backends
	s.httpFrontends = loaded.httpFrontends
	s.tcpFrontends = loaded.tcpFrontends
	s.certificates = loaded.certificates

	return nil
}

// Clone deep-copies the state via a JSON round trip, so the copy shares none of the original's
// maps.
func (s *ConfigState) Clone() (*ConfigState, error) {
	data, err := s.MarshalJSON()
	if err != nil {
		return nil, err
	}

	clone := New()
	if err := clone.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return clone, nil
}

// Dump renders the state as pretty-printed JSON, the payload for the `state dump` control
// command.
func (s *ConfigState) Dump() (string, error) {
	data, err := json.MarshalIndent(s.toDoc(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("state: could not render dump: %w", err)
	}
	return string(data), nil
}

// Save writes the state to path, replacing it atomically: it writes to a temporary file in the
// same directory and renames it over the destination, so a reader never observes a partially
// written file and a crash mid-write never corrupts the previous save.
func (s *ConfigState) Save(path string) error {
	data, err := json.MarshalIndent(s.toDoc(), "", "  ")
	if err != nil {
		return fmt.Errorf("state: could not encode state: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("state: could not create temp file in %v: %w", dir, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("state: could not write %v: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state: could not close %v: %w", tmp.Name(), err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("state: could not rename %v to %v: %w", tmp.Name(), path, err)
	}

	return nil
}

// Load replaces the receiver's contents with what's saved at path.
func (s *ConfigState) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("state: could not read %v: %w", path, err)
	}
	return s.UnmarshalJSON(data)
}
