package ca

import (
	"context"
	"crypto/x509"
	"time"

	"github.com/cloudflare/cfssl/helpers"
	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/simplepki/domain"
	"golang.org/x/crypto/ocsp"
)

// DefaultMaxSerialAttempts bounds how many serial numbers Issue draws before
// giving up on collisions
const DefaultMaxSerialAttempts = 3

// Authority issues, looks up and revokes end entity certificates, and
// assembles CRLs.
type Authority struct {
	store   Store
	keys    *KeyMaterialProvider
	signer  CertificateSigner
	encoder CRLEncoder

	// NewSerial draws serial numbers for reservations
	NewSerial func() (domain.SerialNumber, error)
	// MaxSerialAttempts defaults to DefaultMaxSerialAttempts when zero
	MaxSerialAttempts int
}

// New returns an Authority. Key material is loaded through loader on first use.
func New(store Store, loader KeyLoader, signer CertificateSigner, encoder CRLEncoder) *Authority {
	return &Authority{
		store:     store,
		keys:      NewKeyMaterialProvider(loader),
		signer:    signer,
		encoder:   encoder,
		NewSerial: domain.NewRandomSerialNumber,
	}
}

// CACertificate returns the CA certificate
func (a *Authority) CACertificate(ctx context.Context) (*x509.Certificate, error) {
	km, err := a.keys.Get()
	if err != nil {
		return nil, err
	}
	return km.Certificate, nil
}

// Issue signs csr and records the new certificate. Either the certificate is
// returned and its record is persisted, or nothing is persisted.
func (a *Authority) Issue(ctx context.Context, csr *x509.CertificateRequest) (*x509.Certificate, error) {
	if csr == nil {
		return nil, errors.Wrap(ErrMalformedInput, "missing certificate signing request")
	}
	km, err := a.keys.Get()
	if err != nil {
		return nil, err
	}

	attempts := a.MaxSerialAttempts
	if attempts <= 0 {
		attempts = DefaultMaxSerialAttempts
	}
	for i := 1; ; i++ {
		cert, err := a.issue(ctx, csr, km)
		if err == nil || !errors.Is(err, ErrDuplicateSerial) || i >= attempts {
			return cert, err
		}
		log.Warningf("Serial number collision on attempt %d, drawing a new one", i)
	}
}

func (a *Authority) issue(ctx context.Context, csr *x509.CertificateRequest, km *KeyMaterial) (cert *x509.Certificate, err error) {
	serial, err := a.NewSerial()
	if err != nil {
		return nil, err
	}

	tx, err := a.store.Begin(ctx)
	if err != nil {
		return nil, storeError(err, true, "Failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if err2 := tx.Rollback(); err2 != nil {
				log.Errorf("Error encountered while rolling back transaction: %s", err2)
			}
		}
	}()

	record := domain.NewReservation(serial)
	err = tx.Save(ctx, record)
	if err != nil {
		return nil, storeError(err, true, "Failed to reserve serial number %s", serial)
	}
	log.Debugf("Reserved serial number %s", serial)

	cert, certPEM, err := a.signer.SignCSR(csr, serial, km)
	if err != nil {
		if !IsSigningFailure(err) {
			err = NewSigningError(err)
		}
		return nil, err
	}

	record.Finalize(cert, certPEM)
	err = tx.Save(ctx, record)
	if err != nil {
		return nil, storeError(err, true, "Failed to record certificate %s", serial)
	}

	err = tx.Commit()
	if err != nil {
		return nil, storeError(err, true, "Error encountered while committing transaction")
	}

	log.Infof("Issued certificate %s for '%s'", serial, record.Subject)
	return cert, nil
}

// Lookup returns the certificate issued with serial
func (a *Authority) Lookup(ctx context.Context, serial domain.SerialNumber) (*x509.Certificate, error) {
	record, err := a.Info(ctx, serial)
	if err != nil {
		return nil, err
	}
	cert, err := helpers.ParseCertificatePEM([]byte(record.Certificate))
	if err != nil {
		return nil, errors.Wrapf(err, "Stored certificate %s is not readable", serial)
	}
	return cert, nil
}

// Info returns the record kept for serial
func (a *Authority) Info(ctx context.Context, serial domain.SerialNumber) (*domain.EndEntity, error) {
	record, ok, err := a.store.FindByID(ctx, serial)
	if err != nil {
		return nil, storeError(err, false, "Failed to read certificate record %s", serial)
	}
	if !ok || !record.IsFinalized() {
		return nil, errors.Wrapf(ErrNotFound, "serial %s", serial)
	}
	return record, nil
}

// Revoke marks the certificate as revoked at the given time with reason
// privilegeWithdrawn. It returns false when the certificate was already
// revoked, in which case the recorded revocation is left unchanged.
func (a *Authority) Revoke(ctx context.Context, serial domain.SerialNumber, at time.Time) (bool, error) {
	record, err := a.Info(ctx, serial)
	if err != nil {
		return false, err
	}
	if !record.Revoke(at, ocsp.PrivilegeWithdrawn) {
		log.Debugf("Certificate %s is already revoked", serial)
		return false, nil
	}

	err = a.store.Save(ctx, record)
	if errors.Is(err, ErrConflict) {
		current, ok, err2 := a.store.FindByID(ctx, serial)
		if err2 == nil && ok && current.IsRevoked() {
			log.Debugf("Certificate %s was revoked concurrently", serial)
			return false, nil
		}
	}
	if err != nil {
		return false, storeError(err, true, "Failed to revoke certificate %s", serial)
	}

	log.Infof("Revoked certificate %s", serial)
	return true, nil
}

// LookupString is Lookup for the textual serial number form
func (a *Authority) LookupString(ctx context.Context, serial string) (*x509.Certificate, error) {
	s, err := ParseSerial(serial)
	if err != nil {
		return nil, err
	}
	return a.Lookup(ctx, s)
}

// RevokeString is Revoke for the textual serial number form
func (a *Authority) RevokeString(ctx context.Context, serial string, at time.Time) (bool, error) {
	s, err := ParseSerial(serial)
	if err != nil {
		return false, err
	}
	return a.Revoke(ctx, s, at)
}

// CRLBuilder snapshots the current revocations for a CRL
func (a *Authority) CRLBuilder(ctx context.Context) (*CRLBuilder, error) {
	km, err := a.keys.Get()
	if err != nil {
		return nil, err
	}
	entries, err := a.store.AllRevocations(ctx)
	if err != nil {
		return nil, storeError(err, false, "Failed to read revocations")
	}
	return newCRLBuilder(entries, km, a.encoder), nil
}
