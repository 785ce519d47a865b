package db

import (
	"fmt"
	"sync"

	"github.com/ValentinKolb/ctxd/lib/errcode"
	"github.com/ValentinKolb/ctxd/lib/worker"
)

// Shared is a reference counted handle to one database file. The first
// Acquire opens the database, the last Release closes it.
type Shared struct {
	mu   sync.Mutex
	path string
	opts []Option
	db   *DB
	refs int
}

// NewShared prepares a shared handle; nothing is opened until Acquire
func NewShared(path string, opts ...Option) *Shared {
	return &Shared{path: path, opts: opts}
}

// Acquire returns the open database, opening it on first use
func (s *Shared) Acquire() (*DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		d, err := Open(s.path, s.opts...)
		if err != nil {
			return nil, err
		}
		s.db = d
	}
	s.refs++
	Logger.Debugf("shared database %s acquired (refs=%d)", s.path, s.refs)
	return s.db, nil
}

// Release drops one reference and closes the database with the last one
func (s *Shared) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs == 0 {
		return fmt.Errorf("release of unreferenced database %s: %w", s.path, errcode.ErrNotStarted)
	}

	s.refs--
	Logger.Debugf("shared database %s released (refs=%d)", s.path, s.refs)
	if s.refs > 0 {
		return nil
	}

	err := s.db.Close()
	s.db = nil
	return err
}

// RefCount returns the number of outstanding references
func (s *Shared) RefCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// Stats returns the query worker counters of the open database. ok is false
// while no reference is held.
func (s *Shared) Stats() (stats worker.Stats, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return worker.Stats{}, false
	}
	return s.db.Stats(), true
}
