// Package artifact holds the host's current working image and the codec used
// to move it between Go and extension scripts.
package artifact

import (
	"sync"
	"time"

	pkgext "github.com/goatkit/extensionhost/pkg/extension"
)

// Store is an in-memory ArtifactSink. Concurrent writers race; the last
// SetCurrentArtifact wins.
type Store struct {
	mu        sync.RWMutex
	current   pkgext.Artifact
	set       bool
	updatedAt time.Time
	revision  uint64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// CurrentArtifact returns a copy of the current artifact.
func (s *Store) CurrentArtifact() (pkgext.Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.set {
		return pkgext.Artifact{}, false
	}
	return clone(s.current), true
}

// SetCurrentArtifact replaces the current artifact.
func (s *Store) SetCurrentArtifact(a pkgext.Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = clone(a)
	s.set = true
	s.updatedAt = time.Now()
	s.revision++
}

// Revision increments on every SetCurrentArtifact.
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// UpdatedAt returns when the artifact was last replaced.
func (s *Store) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

func clone(a pkgext.Artifact) pkgext.Artifact {
	out := a
	if a.Pixels != nil {
		out.Pixels = append([]byte(nil), a.Pixels...)
	}
	return out
}
