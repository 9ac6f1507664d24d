package staged_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rkcloudchain/simplepki/ca"
	"github.com/rkcloudchain/simplepki/db/memory"
	"github.com/rkcloudchain/simplepki/db/staged"
	"github.com/rkcloudchain/simplepki/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitDetectsConcurrentWrite(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.Save(ctx, domain.NewReservation(1)))

	tx := staged.Begin(store)
	e, ok, err := tx.FindByID(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	e.Revoke(time.Now(), 9)
	require.NoError(t, tx.Save(ctx, e))

	other, _, err := store.FindByID(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, other))

	err = tx.Commit()
	assert.True(t, errors.Is(err, ca.ErrConflict), "got %v", err)

	found, _, err := store.FindByID(ctx, 1)
	require.NoError(t, err)
	assert.False(t, found.IsRevoked())
}

func TestCommitDetectsConcurrentInsert(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	tx := staged.Begin(store)
	require.NoError(t, tx.Save(ctx, domain.NewReservation(3)))
	require.NoError(t, tx.Save(ctx, domain.NewReservation(4)))
	require.NoError(t, store.Save(ctx, domain.NewReservation(4)))

	err := tx.Commit()
	assert.True(t, errors.Is(err, ca.ErrDuplicateSerial), "got %v", err)

	_, ok, err := store.FindByID(ctx, 3)
	require.NoError(t, err)
	assert.False(t, ok, "a failed commit must not apply any write")
}

func TestTxVersionTracking(t *testing.T) {
	ctx := context.Background()
	tx := staged.Begin(memory.New())

	e := domain.NewReservation(9)
	require.NoError(t, tx.Save(ctx, e))
	err := tx.Save(ctx, domain.NewReservation(9))
	assert.True(t, errors.Is(err, ca.ErrDuplicateSerial), "got %v", err)

	stale := e.Clone()
	stale.Version = 5
	err = tx.Save(ctx, stale)
	assert.True(t, errors.Is(err, ca.ErrConflict), "got %v", err)

	e.Revoke(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), 9)
	require.NoError(t, tx.Save(ctx, e))
	entries, err := tx.AllRevocations(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.SerialNumber(9), entries[0].SerialNumber)
}

func TestTxDone(t *testing.T) {
	ctx := context.Background()
	tx := staged.Begin(memory.New())
	require.NoError(t, tx.Commit())

	assert.Equal(t, staged.ErrTxDone, tx.Commit())
	assert.Equal(t, staged.ErrTxDone, tx.Save(ctx, domain.NewReservation(1)))
	_, _, err := tx.FindByID(ctx, 1)
	assert.Equal(t, staged.ErrTxDone, err)
	assert.NoError(t, tx.Rollback())
}
