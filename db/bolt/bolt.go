// Package bolt provides a store of end entity records backed by a bbolt file.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/simplepki/ca"
	"github.com/rkcloudchain/simplepki/db/staged"
	"github.com/rkcloudchain/simplepki/domain"
	"go.etcd.io/bbolt"
)

var bucketName = []byte("end_entities")

// Store keeps one JSON document per record, keyed by big-endian serial number
type Store struct {
	db *bbolt.DB
}

var (
	_ ca.Store       = (*Store)(nil)
	_ staged.Backend = (*Store)(nil)
)

// Open opens or creates the database file at path
func Open(path string) (*Store, error) {
	log.Debugf("Opening bolt database at %s", path)
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to open bolt database '%s'", path)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "Failed to create bolt bucket")
	}
	return &Store{db: db}, nil
}

// Close closes the database file
func (s *Store) Close() error {
	return s.db.Close()
}

func key(serial domain.SerialNumber) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(serial))
	return k
}

func get(b *bbolt.Bucket, serial domain.SerialNumber) (*domain.EndEntity, bool, error) {
	data := b.Get(key(serial))
	if data == nil {
		return nil, false, nil
	}
	var e domain.EndEntity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, false, errors.Wrapf(err, "Failed to unmarshal record %s", serial)
	}
	return &e, true, nil
}

// Get returns the committed record
func (s *Store) Get(ctx context.Context, serial domain.SerialNumber) (e *domain.EndEntity, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		e, ok, err = get(tx.Bucket(bucketName), serial)
		return err
	})
	return e, ok, err
}

// Revocations lists committed revocations
func (s *Store) Revocations(ctx context.Context) ([]domain.RevocationEntry, error) {
	var entries []domain.RevocationEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			var e domain.EndEntity
			if err := json.Unmarshal(v, &e); err != nil {
				return errors.Wrapf(err, "Failed to unmarshal record %X", k)
			}
			if entry, ok := e.RevocationEntry(); ok {
				entries = append(entries, entry)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	staged.SortEntries(entries)
	return entries, nil
}

// Apply checks and stores all writes in a single bolt transaction
func (s *Store) Apply(ctx context.Context, writes []staged.Write) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		for _, w := range writes {
			current, exists, err := get(b, w.Record.SerialNumber)
			if err != nil {
				return err
			}
			if err = staged.CheckExpected(w, current, exists); err != nil {
				return err
			}
			data, err := json.Marshal(w.Record)
			if err != nil {
				return errors.Wrapf(err, "Failed to marshal record %s", w.Record.SerialNumber)
			}
			if err = b.Put(key(w.Record.SerialNumber), data); err != nil {
				return err
			}
		}
		return nil
	})
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
