// Package staged implements ca.Tx for stores that can check and apply a batch
// of versioned writes atomically. Writes are buffered in the transaction and
// validated against the committed state on Commit, so no store lock is held
// between Begin and Commit.
package staged

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rkcloudchain/simplepki/ca"
	"github.com/rkcloudchain/simplepki/domain"
)

// ErrTxDone is returned when using a transaction after Commit or Rollback
var ErrTxDone = errors.New("Transaction has already been committed or rolled back")

// Write is a record to store together with the version the stored record
// must have. Expected 0 means the serial number must be unused.
type Write struct {
	Expected int
	Record   *domain.EndEntity
}

// Backend is the committed state of a store
type Backend interface {
	Get(ctx context.Context, serial domain.SerialNumber) (*domain.EndEntity, bool, error)
	Revocations(ctx context.Context) ([]domain.RevocationEntry, error)
	// Apply stores all writes or none of them. It fails with
	// ca.ErrDuplicateSerial or ca.ErrConflict when an expectation does not hold.
	Apply(ctx context.Context, writes []Write) error
}

// CheckExpected validates a write against the currently stored record
func CheckExpected(w Write, current *domain.EndEntity, exists bool) error {
	if w.Expected == 0 {
		if exists {
			return errors.Wrapf(ca.ErrDuplicateSerial, "serial %s", w.Record.SerialNumber)
		}
		return nil
	}
	if !exists || current.Version != w.Expected {
		return errors.Wrapf(ca.ErrConflict, "serial %s", w.Record.SerialNumber)
	}
	return nil
}

// Save applies a single versioned write outside of any transaction
func Save(ctx context.Context, b Backend, e *domain.EndEntity) error {
	next := e.Clone()
	next.Version++
	err := b.Apply(ctx, []Write{{Expected: e.Version, Record: next}})
	if err != nil {
		return err
	}
	e.Version++
	return nil
}

type pending struct {
	expected int
	record   *domain.EndEntity
}

// Tx buffers writes until Commit
type Tx struct {
	backend Backend

	mu      sync.Mutex
	done    bool
	writes  map[domain.SerialNumber]*pending
	ordered []domain.SerialNumber
}

var _ ca.Tx = (*Tx)(nil)

// Begin starts a transaction over b
func Begin(b Backend) *Tx {
	return &Tx{
		backend: b,
		writes:  make(map[domain.SerialNumber]*pending),
	}
}

// FindByID returns the record as written in this transaction, or as committed
func (tx *Tx) FindByID(ctx context.Context, serial domain.SerialNumber) (*domain.EndEntity, bool, error) {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return nil, false, ErrTxDone
	}
	p, ok := tx.writes[serial]
	tx.mu.Unlock()
	if ok {
		return p.record.Clone(), true, nil
	}
	return tx.backend.Get(ctx, serial)
}

// Save buffers e. Insert collisions with committed records are reported
// immediately; version conflicts are detected on Commit at the latest.
func (tx *Tx) Save(ctx context.Context, e *domain.EndEntity) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}

	if p, ok := tx.writes[e.SerialNumber]; ok {
		if p.record.Version != e.Version {
			if e.Version == 0 {
				return errors.Wrapf(ca.ErrDuplicateSerial, "serial %s", e.SerialNumber)
			}
			return errors.Wrapf(ca.ErrConflict, "serial %s", e.SerialNumber)
		}
		p.record = e.Clone()
		p.record.Version++
		e.Version++
		return nil
	}

	current, exists, err := tx.backend.Get(ctx, e.SerialNumber)
	if err != nil {
		return err
	}
	w := Write{Expected: e.Version, Record: e}
	if err = CheckExpected(w, current, exists); err != nil {
		return err
	}

	record := e.Clone()
	record.Version++
	tx.writes[e.SerialNumber] = &pending{expected: e.Version, record: record}
	tx.ordered = append(tx.ordered, e.SerialNumber)
	e.Version++
	return nil
}

// AllRevocations returns committed revocations merged with this transaction's writes
func (tx *Tx) AllRevocations(ctx context.Context) ([]domain.RevocationEntry, error) {
	committed, err := tx.backend.Revocations(ctx)
	if err != nil {
		return nil, err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil, ErrTxDone
	}
	var entries []domain.RevocationEntry
	for _, entry := range committed {
		if _, ok := tx.writes[entry.SerialNumber]; !ok {
			entries = append(entries, entry)
		}
	}
	for _, serial := range tx.ordered {
		if entry, ok := tx.writes[serial].record.RevocationEntry(); ok {
			entries = append(entries, entry)
		}
	}
	SortEntries(entries)
	return entries, nil
}

// Commit applies the buffered writes atomically
func (tx *Tx) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	tx.done = true

	if len(tx.ordered) == 0 {
		return nil
	}
	writes := make([]Write, 0, len(tx.ordered))
	for _, serial := range tx.ordered {
		p := tx.writes[serial]
		writes = append(writes, Write{Expected: p.expected, Record: p.record})
	}
	return tx.backend.Apply(context.Background(), writes)
}

// Rollback discards the buffered writes. Rolling back a finished transaction
// is a no-op.
func (tx *Tx) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.done = true
	tx.writes = nil
	tx.ordered = nil
	return nil
}

// SortEntries orders revocation entries by date, then serial number
func SortEntries(entries []domain.RevocationEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Date.Equal(entries[j].Date) {
			return entries[i].Date.Before(entries[j].Date)
		}
		return entries[i].SerialNumber < entries[j].SerialNumber
	})
}
