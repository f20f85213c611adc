package mapping

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync/atomic"
	"time"

	shifterrors "github.com/ha1tch/sqlshift/pkg/errors"
	"github.com/ha1tch/sqlshift/pkg/rewrite"
)

// Snapshot is one published mapping. It is never modified after Publish.
type Snapshot struct {
	Mapping  *rewrite.IdentifierMapping
	Version  uint64
	LoadedAt time.Time
	// Source is the file the mapping came from, if any.
	Source string
	// Hash is the sha256 of the source file contents.
	Hash string
}

// Store holds the current snapshot. Readers take a snapshot once per
// conversion and keep it; publishing swaps the pointer without waiting for
// them.
type Store struct {
	current atomic.Pointer[Snapshot]
	version atomic.Uint64
}

// NewStore returns a store publishing m as version 1. m may be nil.
func NewStore(m *rewrite.IdentifierMapping) *Store {
	s := &Store{}
	s.Publish(m, "", "")
	return s
}

// Snapshot returns the current snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Mapping returns the current snapshot's mapping.
func (s *Store) Mapping() *rewrite.IdentifierMapping {
	return s.current.Load().Mapping
}

// Publish makes m the current mapping.
func (s *Store) Publish(m *rewrite.IdentifierMapping, source, hash string) *Snapshot {
	snap := &Snapshot{
		Mapping:  m,
		Version:  s.version.Add(1),
		LoadedAt: time.Now(),
		Source:   source,
		Hash:     hash,
	}
	s.current.Store(snap)
	return snap
}

// LoadFile reads, validates and publishes a mapping file. On error the
// current snapshot stays in place.
func (s *Store) LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, shifterrors.Wrap(err, shifterrors.ErrCodeMappingLoad, "read mapping file").
			WithField("path", path).
			WithOp("Store.LoadFile").Err()
	}
	f, err := Parse(data)
	if err != nil {
		return nil, err
	}
	m, err := f.Build()
	if err != nil {
		return nil, err
	}
	return s.Publish(m, path, hashOf(data)), nil
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
