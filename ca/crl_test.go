package ca_test

import (
	"context"
	"testing"
	"time"

	"github.com/rkcloudchain/simplepki/db/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRLWithoutRevocations(t *testing.T) {
	ctx := context.Background()
	a := newAuthority(t, memory.New())
	caCert, err := a.CACertificate(ctx)
	require.NoError(t, err)

	_, err = a.Issue(ctx, newCSR(t, "not revoked"))
	require.NoError(t, err)

	b, err := a.CRLBuilder(ctx)
	require.NoError(t, err)
	assert.True(t, caCert.NotBefore.Equal(b.EditionTime()))

	crl, ok, err := b.Build()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, crl.RevokedCertificateEntries)
	assert.True(t, caCert.NotBefore.Equal(crl.ThisUpdate))
	assert.NoError(t, crl.CheckSignatureFrom(caCert))
}

func TestCRLEditionIsLatestRevocation(t *testing.T) {
	ctx := context.Background()
	a := newAuthority(t, memory.New())

	t1 := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2030, 2, 1, 0, 0, 0, 0, time.UTC)
	for _, at := range []time.Time{t2, t1} {
		cert, err := a.Issue(ctx, newCSR(t, "host"))
		require.NoError(t, err)
		_, err = a.Revoke(ctx, serialOf(cert), at)
		require.NoError(t, err)
	}

	b, err := a.CRLBuilder(ctx)
	require.NoError(t, err)
	assert.Equal(t, t2, b.EditionTime())
	assert.Len(t, b.Entries(), 2)

	crl, ok, err := b.Build()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, crl.RevokedCertificateEntries, 2)
	assert.Equal(t, t2, crl.ThisUpdate)
	assert.Equal(t, t2.UnixMilli(), crl.Number.Int64())
}

func TestCRLFilterByUpdateTime(t *testing.T) {
	ctx := context.Background()
	a := newAuthority(t, memory.New())
	at := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	cert, err := a.Issue(ctx, newCSR(t, "host"))
	require.NoError(t, err)
	_, err = a.Revoke(ctx, serialOf(cert), at)
	require.NoError(t, err)

	b, err := a.CRLBuilder(ctx)
	require.NoError(t, err)

	var seen int64
	crl, ok, err := b.FilterByUpdateTime(func(editionMillis int64) bool {
		seen = editionMillis
		return true
	}).Build()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, crl)
	assert.Equal(t, at.UnixMilli(), seen)

	crl, ok, err = b.FilterByUpdateTime(func(int64) bool { return false }).Build()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotNil(t, crl)
}

func TestCRLBuilderUsesSnapshot(t *testing.T) {
	ctx := context.Background()
	a := newAuthority(t, memory.New())
	cert, err := a.Issue(ctx, newCSR(t, "host"))
	require.NoError(t, err)

	b, err := a.CRLBuilder(ctx)
	require.NoError(t, err)
	edition := b.EditionTime()

	_, err = a.Revoke(ctx, serialOf(cert), time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	crl, ok, err := b.Build()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, crl.RevokedCertificateEntries)
	assert.Equal(t, edition, b.EditionTime())
}
