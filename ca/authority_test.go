package ca_test

import (
	"context"
	"crypto/x509"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudflare/cfssl/csr"
	"github.com/cloudflare/cfssl/helpers"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/simplepki/ca"
	"github.com/rkcloudchain/simplepki/db/memory"
	"github.com/rkcloudchain/simplepki/domain"
	"github.com/rkcloudchain/simplepki/keystore"
	"github.com/rkcloudchain/simplepki/signing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"
)

const testdataDir = "../testdata"

var loader = &keystore.Loader{
	CertFile: filepath.Join(testdataDir, "ca-cert.pem"),
	KeyFile:  filepath.Join(testdataDir, "ca-key.pem"),
}

type failingSigner struct{}

func (failingSigner) SignCSR(*x509.CertificateRequest, domain.SerialNumber, *ca.KeyMaterial) (*x509.Certificate, []byte, error) {
	return nil, nil, errors.New("HSM unavailable")
}

// failingStore fails the second Save of every transaction
type failingStore struct {
	*memory.Store
}

func (s failingStore) Begin(ctx context.Context) (ca.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	return &failingTx{Tx: tx}, err
}

type failingTx struct {
	ca.Tx
	saves int
}

func (tx *failingTx) Save(ctx context.Context, e *domain.EndEntity) error {
	tx.saves++
	if tx.saves == 2 {
		return errors.New("disk full")
	}
	return tx.Tx.Save(ctx, e)
}

func newAuthority(t *testing.T, store ca.Store) *ca.Authority {
	return ca.New(store, loader, signing.NewSigner(), signing.NewCRLEncoder(time.Hour))
}

func newCSR(t *testing.T, cn string) *x509.CertificateRequest {
	csrPEM, _, err := csr.ParseRequest(&csr.CertificateRequest{
		CN:         cn,
		Names:      []csr.Name{{C: "FR", O: "Example", OU: "Ops"}},
		KeyRequest: csr.NewKeyRequest(),
	})
	require.NoError(t, err)
	req, err := helpers.ParseCSRPEM(csrPEM)
	require.NoError(t, err)
	return req
}

func serialOf(cert *x509.Certificate) domain.SerialNumber {
	return domain.SerialNumber(cert.SerialNumber.Int64())
}

func TestCACertificate(t *testing.T) {
	a := newAuthority(t, memory.New())
	cert, err := a.CACertificate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Simple PKI Test CA", cert.Subject.CommonName)
}

func TestIssueAndLookup(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	a := newAuthority(t, store)

	cert, err := a.Issue(ctx, newCSR(t, "host.example.com"))
	require.NoError(t, err)
	assert.Equal(t, "host.example.com", cert.Subject.CommonName)
	assert.False(t, cert.IsCA)

	found, err := a.Lookup(ctx, serialOf(cert))
	require.NoError(t, err)
	assert.True(t, found.Equal(cert))

	found, err = a.LookupString(ctx, serialOf(cert).String())
	require.NoError(t, err)
	assert.True(t, found.Equal(cert))

	record, err := a.Info(ctx, serialOf(cert))
	require.NoError(t, err)
	assert.Equal(t, "CN=host.example.com,OU=Ops,O=Example,C=FR", record.Subject)
	assert.Equal(t, 2, record.Version)
	assert.Equal(t, signing.NeverExpires, record.NotValidAfter)
	assert.False(t, record.IsRevoked())
	assert.Equal(t, 1, store.Len())
}

func TestIssueUsesReservedSerial(t *testing.T) {
	ctx := context.Background()
	a := newAuthority(t, memory.New())
	reserved := domain.SerialNumber(0x0102030405060708)
	a.NewSerial = func() (domain.SerialNumber, error) { return reserved, nil }

	cert, err := a.Issue(ctx, newCSR(t, "host.example.com"))
	require.NoError(t, err)
	require.True(t, cert.SerialNumber.IsInt64())
	assert.Equal(t, reserved, serialOf(cert))

	found, err := a.LookupString(ctx, "0102030405060708")
	require.NoError(t, err)
	assert.True(t, found.Equal(cert))

	revoked, err := a.Revoke(ctx, serialOf(cert), time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, revoked)

	b, err := a.CRLBuilder(ctx)
	require.NoError(t, err)
	crl, ok, err := b.Build()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, crl.RevokedCertificateEntries, 1)
	assert.Zero(t, cert.SerialNumber.Cmp(crl.RevokedCertificateEntries[0].SerialNumber))
}

type brokenStore struct {
	*memory.Store
}

func (brokenStore) FindByID(context.Context, domain.SerialNumber) (*domain.EndEntity, bool, error) {
	return nil, false, errors.New("connection reset")
}

func (brokenStore) Begin(context.Context) (ca.Tx, error) {
	return nil, errors.New("connection reset")
}

func TestStoreFailuresAreClassified(t *testing.T) {
	ctx := context.Background()
	a := newAuthority(t, brokenStore{memory.New()})

	_, err := a.Info(ctx, 1)
	se, ok := ca.AsStoreError(err)
	require.True(t, ok, "got %v", err)
	assert.False(t, se.Write)
	assert.Contains(t, err.Error(), "connection reset")

	_, err = a.Issue(ctx, newCSR(t, "x"))
	se, ok = ca.AsStoreError(err)
	require.True(t, ok, "got %v", err)
	assert.True(t, se.Write)

	_, err = a.Lookup(ctx, 1)
	assert.False(t, errors.Is(err, ca.ErrNotFound))

	_, err = newAuthority(t, memory.New()).Info(ctx, 1)
	_, ok = ca.AsStoreError(err)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ca.ErrNotFound))
}

func TestIssueDistinctSerials(t *testing.T) {
	ctx := context.Background()
	a := newAuthority(t, memory.New())

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[domain.SerialNumber]bool)
	for i := 0; i < 20; i++ {
		req := newCSR(t, "client")
		wg.Add(1)
		go func() {
			defer wg.Done()
			cert, err := a.Issue(ctx, req)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[serialOf(cert)])
			seen[serialOf(cert)] = true
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 20)
}

func TestIssueRetriesSerialCollision(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.Save(ctx, domain.NewReservation(1)))

	a := newAuthority(t, store)
	serials := []domain.SerialNumber{1, 1, 2}
	a.NewSerial = func() (domain.SerialNumber, error) {
		s := serials[0]
		serials = serials[1:]
		return s, nil
	}

	cert, err := a.Issue(ctx, newCSR(t, "retry"))
	require.NoError(t, err)
	assert.Equal(t, domain.SerialNumber(2), serialOf(cert))
	assert.Equal(t, 2, store.Len())
}

func TestIssueGivesUpOnCollisions(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.Save(ctx, domain.NewReservation(1)))

	a := newAuthority(t, store)
	a.MaxSerialAttempts = 2
	a.NewSerial = func() (domain.SerialNumber, error) { return 1, nil }

	_, err := a.Issue(ctx, newCSR(t, "retry"))
	assert.True(t, errors.Is(err, ca.ErrDuplicateSerial), "got %v", err)
	assert.Equal(t, 1, store.Len())
}

func TestIssueSigningFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	a := ca.New(store, loader, failingSigner{}, signing.NewCRLEncoder(0))

	_, err := a.Issue(ctx, newCSR(t, "x"))
	require.Error(t, err)
	assert.True(t, ca.IsSigningFailure(err))
	assert.Equal(t, 0, store.Len())
}

func TestIssueSaveFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	a := newAuthority(t, failingStore{store})

	_, err := a.Issue(ctx, newCSR(t, "x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 0, store.Len())
}

func TestIssueNilCSR(t *testing.T) {
	_, err := newAuthority(t, memory.New()).Issue(context.Background(), nil)
	assert.True(t, errors.Is(err, ca.ErrMalformedInput))
}

func TestLookupUnknown(t *testing.T) {
	ctx := context.Background()
	a := newAuthority(t, memory.New())

	_, err := a.Lookup(ctx, 12345)
	assert.True(t, errors.Is(err, ca.ErrNotFound))

	_, err = a.LookupString(ctx, "zz")
	assert.True(t, errors.Is(err, ca.ErrMalformedInput))
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	a := newAuthority(t, memory.New())
	cert, err := a.Issue(ctx, newCSR(t, "host"))
	require.NoError(t, err)
	serial := serialOf(cert)

	first := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)
	revoked, err := a.Revoke(ctx, serial, first)
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = a.RevokeString(ctx, serial.String(), first.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, revoked)

	record, err := a.Info(ctx, serial)
	require.NoError(t, err)
	require.True(t, record.IsRevoked())
	assert.Equal(t, first, *record.RevocationDate)
	assert.Equal(t, ocsp.PrivilegeWithdrawn, record.RevocationReason)

	_, err = a.Revoke(ctx, serial+1, first)
	assert.True(t, errors.Is(err, ca.ErrNotFound))
}

func TestConcurrentRevoke(t *testing.T) {
	ctx := context.Background()
	a := newAuthority(t, memory.New())
	cert, err := a.Issue(ctx, newCSR(t, "host"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var trues int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			revoked, err := a.Revoke(ctx, serialOf(cert), time.Now())
			assert.NoError(t, err)
			if revoked {
				atomic.AddInt32(&trues, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), trues)
}

func TestKeyMaterialLoadedOnce(t *testing.T) {
	ctx := context.Background()
	var calls int32
	counting := ca.KeyLoaderFunc(func() (*ca.KeyMaterial, error) {
		atomic.AddInt32(&calls, 1)
		return loader.Load()
	})
	a := ca.New(memory.New(), counting, signing.NewSigner(), signing.NewCRLEncoder(0))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.CACertificate(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	_, err := a.CRLBuilder(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls)
}

func TestKeyMaterialFailureIsShared(t *testing.T) {
	ctx := context.Background()
	var calls int32
	broken := ca.KeyLoaderFunc(func() (*ca.KeyMaterial, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("no such file")
	})
	a := ca.New(memory.New(), broken, signing.NewSigner(), signing.NewCRLEncoder(0))

	_, err := a.CACertificate(ctx)
	assert.Error(t, err)
	_, err = a.Issue(ctx, newCSR(t, "x"))
	assert.Error(t, err)
	_, err = a.CRLBuilder(ctx)
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls)
}
