package ca

import (
	"crypto/x509"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/simplepki/domain"
)

// CRLBuilder assembles a CRL from a snapshot of the revocations taken when
// the builder was created. The store is not queried again.
type CRLBuilder struct {
	entries []domain.RevocationEntry
	edition time.Time
	km      *KeyMaterial
	encoder CRLEncoder
	skip    func(editionMillis int64) bool
}

func newCRLBuilder(entries []domain.RevocationEntry, km *KeyMaterial, encoder CRLEncoder) *CRLBuilder {
	edition, ok := domain.LatestRevocation(entries)
	if !ok {
		edition = km.Certificate.NotBefore
	}
	return &CRLBuilder{
		entries: entries,
		edition: edition.UTC(),
		km:      km,
		encoder: encoder,
	}
}

// EditionTime is the latest revocation date, or the CA certificate's
// NotBefore when nothing is revoked
func (b *CRLBuilder) EditionTime() time.Time {
	return b.edition
}

// Entries returns the revocations the CRL will list
func (b *CRLBuilder) Entries() []domain.RevocationEntry {
	return b.entries
}

// FilterByUpdateTime installs a predicate on the edition time in epoch
// milliseconds. When it returns true, Build produces nothing.
func (b *CRLBuilder) FilterByUpdateTime(skip func(editionMillis int64) bool) *CRLBuilder {
	b.skip = skip
	return b
}

// Build encodes the CRL. ok is false when the update time filter skipped it.
func (b *CRLBuilder) Build() (crl *x509.RevocationList, ok bool, err error) {
	if b.skip != nil && b.skip(b.edition.UnixMilli()) {
		log.Debugf("CRL edition %s filtered out", b.edition)
		return nil, false, nil
	}
	crl, err = b.encoder.EncodeCRL(b.entries, b.edition, b.km)
	if err != nil {
		return nil, false, errors.WithMessage(err, "Failed to encode CRL")
	}
	log.Debugf("Built CRL with %d entries, edition %s", len(b.entries), b.edition)
	return crl, true, nil
}
