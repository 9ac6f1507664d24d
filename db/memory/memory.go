// Package memory provides a volatile store of end entity records.
package memory

import (
	"context"
	"sync"

	"github.com/rkcloudchain/simplepki/ca"
	"github.com/rkcloudchain/simplepki/db/staged"
	"github.com/rkcloudchain/simplepki/domain"
)

// Store keeps records in a map
type Store struct {
	mu      sync.RWMutex
	records map[domain.SerialNumber]*domain.EndEntity
}

var (
	_ ca.Store       = (*Store)(nil)
	_ staged.Backend = (*Store)(nil)
)

// New returns an empty Store
func New() *Store {
	return &Store{records: make(map[domain.SerialNumber]*domain.EndEntity)}
}

// Get returns a copy of the committed record
func (s *Store) Get(ctx context.Context, serial domain.SerialNumber) (*domain.EndEntity, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[serial]
	if !ok {
		return nil, false, nil
	}
	return e.Clone(), true, nil
}

// Revocations lists committed revocations
func (s *Store) Revocations(ctx context.Context) ([]domain.RevocationEntry, error) {
	s.mu.RLock()
	var entries []domain.RevocationEntry
	for _, e := range s.records {
		if entry, ok := e.RevocationEntry(); ok {
			entries = append(entries, entry)
		}
	}
	s.mu.RUnlock()
	staged.SortEntries(entries)
	return entries, nil
}

// Apply checks every expectation, then stores every write
func (s *Store) Apply(ctx context.Context, writes []staged.Write) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range writes {
		current, exists := s.records[w.Record.SerialNumber]
		if err := staged.CheckExpected(w, current, exists); err != nil {
			return err
		}
	}
	for _, w := range writes {
		s.records[w.Record.SerialNumber] = w.Record.Clone()
	}
	return nil
}

// FindByID implements ca.Store
func (s *Store) FindByID(ctx context.Context, serial domain.SerialNumber) (*domain.EndEntity, bool, error) {
	return s.Get(ctx, serial)
}

// Save implements ca.Store
func (s *Store) Save(ctx context.Context, e *domain.EndEntity) error {
	return staged.Save(ctx, s, e)
}

// AllRevocations implements ca.Store
func (s *Store) AllRevocations(ctx context.Context) ([]domain.RevocationEntry, error) {
	return s.Revocations(ctx)
}

// Begin implements ca.Store
func (s *Store) Begin(ctx context.Context) (ca.Tx, error) {
	return staged.Begin(s), nil
}

// Len returns the number of stored records
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
