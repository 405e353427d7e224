// SPDX-FileCopyrightText: 2022 SoftIron Limited <info@softiron.com>
// SPDX-License-Identifier: GNU General Public License v2.0 only WITH Classpath exception 2.0

/* Package state holds ConfigState, the authoritative, serializable description of every
application, frontend, backend and certificate the proxy fleet is currently running.

ConfigState is mutated in exactly one place: inside the command server's event loop, one accepted
order at a time. The InvariantMutex wrapper (grounded on the same pattern memfs's inode uses to
guard its own mutable fields) turns "mutate only inside an accepted order, and never leave the
maps in a state that violates a named invariant" from a code-review convention into something
that panics in tests the moment it's violated, at zero cost to the production build beyond one
function call per Unlock.
*/

package state

import (
	"fmt"

	"github.com/jacobsa/syncutil"
)

// ConfigState is the full proxy configuration, replicated unchanged from a predecessor master to
// its successor across every upgrade.
type ConfigState struct {
	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	applications map[string]Application
	// GUARDED_BY(mu)
	backends map[string]Backend
	// GUARDED_BY(mu)
	httpFrontends map[string]HTTPFrontend
	// GUARDED_BY(mu)
	tcpFrontends map[string]TCPFrontend
	// GUARDED_BY(mu)
	certificates map[string]Certificate
}

// New returns an empty ConfigState.
func New() *ConfigState {
	s := &ConfigState{
		applications:  make(map[string]Application),
		backends:      make(map[string]Backend),
		httpFrontends: make(map[string]HTTPFrontend),
		tcpFrontends:  make(map[string]TCPFrontend),
		certificates:  make(map[string]Certificate),
	}
	s.mu = syncutil.NewInvariantMutex(s.checkInvariants)
	return s
}

// checkInvariants enforces that the object graph is internally consistent: every backend an
// application references, every application a frontend references, and every certificate an
// HTTP frontend names must actually exist. Run by the InvariantMutex after every Unlock.
func (s *ConfigState) checkInvariants() {
	for name, app := range s.applications {
		if app.Name != name {
			panic(fmt.Sprintf("state: application key %q does not match Name %q", name, app.Name))
		}
		for _, b := range app.BackendNames {
			if _, ok := s.backends[b]; !ok {
				panic(fmt.Sprintf("state: application %q references missing backend %q", name, b))
			}
		}
	}

	for name, f := range s.httpFrontends {
		if f.Name != name {
			panic(fmt.Sprintf("state: http frontend key %q does not match Name %q", name, f.Name))
		}
		if _, ok := s.applications[f.Application]; !ok {
			panic(fmt.Sprintf("state: http frontend %q references missing application %q", name, f.Application))
		}
		if f.CertificateName != "" {
			if _, ok := s.certificates[f.CertificateName]; !ok {
				panic(fmt.Sprintf("state: http frontend %q references missing certificate %q", name, f.CertificateName))
			}
		}
	}

	for name, f := range s.tcpFrontends {
		if f.Name != name {
			panic(fmt.Sprintf("state: tcp frontend key %q does not match Name %q", name, f.Name))
		}
		if _, ok := s.applications[f.Application]; !ok {
			panic(fmt.Sprintf("state: tcp frontend %q references missing application %q", name, f.Application))
		}
	}

	for name, b := range s.backends {
		if b.Name != name {
			panic(fmt.Sprintf("state: backend key %q does not match Name %q", name, b.Name))
		}
	}

	for name, c := range s.certificates {
		if c.Name != name {
			panic(fmt.Sprintf("state: certificate key %q does not match Name %q", name, c.Name))
		}
	}
}

// AddApplication inserts or replaces an application. Order: callers must add backends before an
// application that references them, or this will panic via checkInvariants.
func (s *ConfigState) AddApplication(app Application) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applications[app.Name] = app
}

// RemoveApplication deletes an application if present, along with any frontend still pointing at
// it. A frontend left dangling after removing only the application would violate the
// invariant, so the removal cascades.
func (s *ConfigState) RemoveApplication(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.applications, name)
	for fname, f := range s.httpFrontends {
		if f.Application == name {
			delete(s.httpFrontends, fname)
		}
	}
	for fname, f := range s.tcpFrontends {
		if f.Application == name {
			delete(s.tcpFrontends, fname)
		}
	}
}

// AddBackend inserts or replaces a backend.
func (s *ConfigState) AddBackend(b Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backends[b.Name] = b
}

// RemoveBackend deletes a backend if present, and drops it from the BackendNames list of every
// application that referenced it.
func (s *ConfigState) RemoveBackend(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.backends, name)
	for appName, app := range s.applications {
		kept := app.BackendNames[:0]
		for _, b := range app.BackendNames {
			if b != name {
				kept = append(kept, b)
			}
		}
		app.BackendNames = kept
		s.applications[appName] = app
	}
}

// AddHTTPFrontend inserts or replaces an HTTP frontend.
func (s *ConfigState) AddHTTPFrontend(f HTTPFrontend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.httpFrontends[f.Name] = f
}

// RemoveHTTPFrontend deletes an HTTP frontend if present.
func (s *ConfigState) RemoveHTTPFrontend(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.httpFrontends, name)
}

// AddTCPFrontend inserts or replaces a TCP frontend.
func (s *ConfigState) AddTCPFrontend(f TCPFrontend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tcpFrontends[f.Name] = f
}

// RemoveTCPFrontend deletes a TCP frontend if present.
func (s *ConfigState) RemoveTCPFrontend(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tcpFrontends, name)
}

// AddCertificate inserts or replaces a certificate.
func (s *ConfigState) AddCertificate(c Certificate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.certificates[c.Name] = c
}

// RemoveCertificate deletes a certificate if present, clearing it from any HTTP frontend that
// named it rather than leaving a dangling reference.
func (s *ConfigState) RemoveCertificate(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.certificates, name)
	for fname, f := range s.httpFrontends {
		if f.CertificateName == name {
			f.CertificateName = ""
			s.httpFrontends[fname] = f
		}
	}
}

// Applications returns a snapshot slice of every application, for status/dump rendering.
func (s *ConfigState) Applications() []Application {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Application, 0, len(s.applications))
	for _, a := range s.applications {
		out = append(out, a)
	}
	return out
}

// QueryApplications looks up applications by name, returning only the ones found.
func (s *ConfigState) QueryApplications(names []string) []Application {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Application, 0, len(names))
	for _, name := range names {
		if a, ok := s.applications[name]; ok {
			out = append(out, a)
		}
	}
	return out
}
