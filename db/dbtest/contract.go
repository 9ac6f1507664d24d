// Package dbtest holds the behaviour every ca.Store implementation must show.
package dbtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rkcloudchain/simplepki/ca"
	"github.com/rkcloudchain/simplepki/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunStoreTests exercises store. Serial numbers in [base, base+100) are used,
// so stores that persist across runs should be given a fresh base.
func RunStoreTests(t *testing.T, store ca.Store, base domain.SerialNumber) {
	t.Run("InsertAndFind", func(t *testing.T) { testInsertAndFind(t, store, base) })
	t.Run("DuplicateInsert", func(t *testing.T) { testDuplicateInsert(t, store, base+10) })
	t.Run("StaleUpdate", func(t *testing.T) { testStaleUpdate(t, store, base+20) })
	t.Run("TxRollback", func(t *testing.T) { testTxRollback(t, store, base+30) })
	t.Run("TxCommit", func(t *testing.T) { testTxCommit(t, store, base+40) })
	t.Run("Revocations", func(t *testing.T) { testRevocations(t, store, base+50) })
	t.Run("ConcurrentUpdate", func(t *testing.T) { testConcurrentUpdate(t, store, base+60) })
}

func finalized(serial domain.SerialNumber) *domain.EndEntity {
	e := domain.NewReservation(serial)
	e.Subject = "CN=test"
	e.NotValidBefore = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e.NotValidAfter = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)
	e.Certificate = "-----BEGIN CERTIFICATE-----\n-----END CERTIFICATE-----\n"
	return e
}

func testInsertAndFind(t *testing.T, store ca.Store, serial domain.SerialNumber) {
	ctx := context.Background()

	_, ok, err := store.FindByID(ctx, serial)
	require.NoError(t, err)
	assert.False(t, ok)

	e := finalized(serial)
	require.NoError(t, store.Save(ctx, e))
	assert.Equal(t, 1, e.Version)

	found, ok, err := store.FindByID(ctx, serial)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, serial, found.SerialNumber)
	assert.Equal(t, 1, found.Version)
	assert.Equal(t, e.Subject, found.Subject)
	assert.True(t, e.NotValidBefore.Equal(found.NotValidBefore))
	assert.True(t, e.NotValidAfter.Equal(found.NotValidAfter))
	assert.Equal(t, e.Certificate, found.Certificate)
	assert.False(t, found.IsRevoked())

	require.NoError(t, store.Save(ctx, found))
	assert.Equal(t, 2, found.Version)
}

func testDuplicateInsert(t *testing.T, store ca.Store, serial domain.SerialNumber) {
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, finalized(serial)))

	err := store.Save(ctx, finalized(serial))
	assert.True(t, errors.Is(err, ca.ErrDuplicateSerial), "got %v", err)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	err = tx.Save(ctx, domain.NewReservation(serial))
	assert.True(t, errors.Is(err, ca.ErrDuplicateSerial), "got %v", err)
	require.NoError(t, tx.Rollback())
}

func testStaleUpdate(t *testing.T, store ca.Store, serial domain.SerialNumber) {
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, finalized(serial)))

	a, _, err := store.FindByID(ctx, serial)
	require.NoError(t, err)
	b, _, err := store.FindByID(ctx, serial)
	require.NoError(t, err)

	a.Revoke(time.Now(), 9)
	require.NoError(t, store.Save(ctx, a))

	b.Revoke(time.Now(), 1)
	err = store.Save(ctx, b)
	assert.True(t, errors.Is(err, ca.ErrConflict), "got %v", err)

	found, _, err := store.FindByID(ctx, serial)
	require.NoError(t, err)
	assert.Equal(t, 9, found.RevocationReason)
}

func testTxRollback(t *testing.T, store ca.Store, serial domain.SerialNumber) {
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	e := domain.NewReservation(serial)
	require.NoError(t, tx.Save(ctx, e))
	require.NoError(t, tx.Rollback())

	_, ok, err := store.FindByID(ctx, serial)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testTxCommit(t *testing.T, store ca.Store, serial domain.SerialNumber) {
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	e := domain.NewReservation(serial)
	require.NoError(t, tx.Save(ctx, e))
	assert.Equal(t, 1, e.Version)

	inTx, ok, err := tx.FindByID(ctx, serial)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, inTx.Version)

	f := finalized(serial)
	f.Version = e.Version
	require.NoError(t, tx.Save(ctx, f))
	assert.Equal(t, 2, f.Version)
	require.NoError(t, tx.Commit())

	found, ok, err := store.FindByID(ctx, serial)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, found.Version)
	assert.Equal(t, "CN=test", found.Subject)
}

func testRevocations(t *testing.T, store ca.Store, serial domain.SerialNumber) {
	ctx := context.Background()
	before, err := store.AllRevocations(ctx)
	require.NoError(t, err)

	at := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := domain.SerialNumber(0); i < 3; i++ {
		e := finalized(serial + i)
		if i != 1 {
			e.Revoke(at.Add(time.Duration(i)*time.Minute), 9)
		}
		require.NoError(t, store.Save(ctx, e))
	}

	after, err := store.AllRevocations(ctx)
	require.NoError(t, err)
	assert.Len(t, after, len(before)+2)

	var seen []domain.SerialNumber
	for _, entry := range after {
		if entry.SerialNumber >= serial && entry.SerialNumber < serial+3 {
			seen = append(seen, entry.SerialNumber)
			assert.Equal(t, 9, entry.Reason)
		}
	}
	assert.ElementsMatch(t, []domain.SerialNumber{serial, serial + 2}, seen)
}

func testConcurrentUpdate(t *testing.T, store ca.Store, serial domain.SerialNumber) {
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, finalized(serial)))

	const n = 8
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		e, _, err := store.FindByID(ctx, serial)
		require.NoError(t, err)
		wg.Add(1)
		go func(i int, e *domain.EndEntity) {
			defer wg.Done()
			e.Revoke(time.Now(), 9)
			results[i] = store.Save(ctx, e)
		}(i, e)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, errors.Is(err, ca.ErrConflict), "got %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
}
