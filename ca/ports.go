package ca

import (
	"context"
	"crypto"
	"crypto/x509"
	"time"

	"github.com/rkcloudchain/simplepki/domain"
)

// Repository is the set of record operations available both directly on a
// Store and inside a Tx.
//
// Save inserts the record when its Version is 0 and fails with
// ErrDuplicateSerial if the serial number is already taken. Otherwise it
// updates the record only if the stored version equals e.Version, failing
// with ErrConflict when it does not. On success e.Version is incremented.
type Repository interface {
	FindByID(ctx context.Context, serial domain.SerialNumber) (*domain.EndEntity, bool, error)
	Save(ctx context.Context, e *domain.EndEntity) error
	AllRevocations(ctx context.Context) ([]domain.RevocationEntry, error)
}

// Store persists end entity records
type Store interface {
	Repository
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a unit of work over a Store. Writes become visible to others only
// when Commit succeeds.
type Tx interface {
	Repository
	Commit() error
	Rollback() error
}

// KeyMaterial is the CA private key and its certificate
type KeyMaterial struct {
	PrivateKey  crypto.Signer
	Certificate *x509.Certificate
}

// KeyLoader reads the CA key material from wherever it is kept
type KeyLoader interface {
	Load() (*KeyMaterial, error)
}

// CertificateSigner produces an end entity certificate for a CSR, carrying
// the given serial number and signed with the CA key.
type CertificateSigner interface {
	SignCSR(csr *x509.CertificateRequest, serial domain.SerialNumber, km *KeyMaterial) (cert *x509.Certificate, certPEM []byte, err error)
}

// CRLEncoder produces a signed CRL listing entries, dated edition
type CRLEncoder interface {
	EncodeCRL(entries []domain.RevocationEntry, edition time.Time, km *KeyMaterial) (*x509.RevocationList, error)
}

// KeyLoaderFunc adapts a function to KeyLoader
type KeyLoaderFunc func() (*KeyMaterial, error)

// Load calls f
func (f KeyLoaderFunc) Load() (*KeyMaterial, error) {
	return f()
}
