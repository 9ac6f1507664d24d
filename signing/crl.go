package signing

import (
	"crypto/rand"
	"crypto/x509"
	"math/big"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/simplepki/ca"
	"github.com/rkcloudchain/simplepki/domain"
)

// DefaultCRLExpiry is the time between a CRL's edition and its NextUpdate
const DefaultCRLExpiry = 24 * time.Hour

// CRLEncoder implements ca.CRLEncoder with crypto/x509
type CRLEncoder struct {
	// Expiry is added to the later of now and the edition date to obtain NextUpdate
	Expiry time.Duration
	Now    func() time.Time
}

var _ ca.CRLEncoder = (*CRLEncoder)(nil)

// NewCRLEncoder returns a CRLEncoder; a zero expiry means DefaultCRLExpiry
func NewCRLEncoder(expiry time.Duration) *CRLEncoder {
	if expiry <= 0 {
		expiry = DefaultCRLExpiry
	}
	return &CRLEncoder{Expiry: expiry, Now: time.Now}
}

// EncodeCRL signs a CRL dated edition. The CRL number is the edition in
// epoch milliseconds, so it grows with every new revocation.
func (e *CRLEncoder) EncodeCRL(entries []domain.RevocationEntry, edition time.Time, km *ca.KeyMaterial) (*x509.RevocationList, error) {
	if km.Certificate.KeyUsage&x509.KeyUsageCRLSign == 0 {
		return nil, errors.New("The CA certificate does not have 'crl sign' key usage")
	}

	next := e.Now().UTC()
	if edition.After(next) {
		next = edition
	}
	next = next.Add(e.Expiry)

	template := &x509.RevocationList{
		Number:     big.NewInt(edition.UnixMilli()),
		ThisUpdate: edition.UTC(),
		NextUpdate: next.UTC(),
	}
	for _, entry := range entries {
		template.RevokedCertificateEntries = append(template.RevokedCertificateEntries, x509.RevocationListEntry{
			SerialNumber:   entry.SerialNumber.BigInt(),
			RevocationTime: entry.Date.UTC(),
			ReasonCode:     entry.Reason,
		})
	}

	der, err := x509.CreateRevocationList(rand.Reader, template, km.Certificate, km.PrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create CRL")
	}
	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to parse generated CRL")
	}
	log.Debugf("Generated CRL number %s with %d entries", crl.Number, len(entries))
	return crl, nil
}
