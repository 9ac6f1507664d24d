// Package signing turns CSRs into end entity certificates and revocations
// into CRLs using the CA key material.
package signing

import (
	"crypto/x509"
	"encoding/pem"
	"sync"
	"time"

	cfsslcfg "github.com/cloudflare/cfssl/config"
	"github.com/cloudflare/cfssl/helpers"
	"github.com/cloudflare/cfssl/log"
	"github.com/cloudflare/cfssl/signer"
	"github.com/cloudflare/cfssl/signer/local"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/simplepki/ca"
	"github.com/rkcloudchain/simplepki/domain"
)

// NeverExpires is the NotAfter of every issued certificate
var NeverExpires = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// EndEntityUsages are the key usages of every issued certificate
var EndEntityUsages = []string{"digital signature", "key encipherment", "server auth", "client auth"}

// Policy returns the signing policy for end entity certificates: not a CA,
// fixed usages, serial number taken from the request. NotAfter is set per
// request so Expiry only satisfies the policy validation.
func Policy() *cfsslcfg.Signing {
	return &cfsslcfg.Signing{
		Default: &cfsslcfg.SigningProfile{
			Usage:        EndEntityUsages,
			ExpiryString: "8760h",
			Expiry:       8760 * time.Hour,
			CAConstraint: cfsslcfg.CAConstraint{IsCA: false},

			ClientProvidesSerialNumbers: true,
		},
	}
}

// Signer implements ca.CertificateSigner with the cfssl local signer
type Signer struct {
	// Now returns the NotBefore of issued certificates
	Now func() time.Time

	mu     sync.Mutex
	km     *ca.KeyMaterial
	signer *local.Signer
}

var _ ca.CertificateSigner = (*Signer)(nil)

// NewSigner returns a Signer using the wall clock
func NewSigner() *Signer {
	return &Signer{Now: time.Now}
}

func (s *Signer) localSigner(km *ca.KeyMaterial) (*local.Signer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signer != nil && s.km == km {
		return s.signer, nil
	}
	ls, err := local.NewSigner(km.PrivateKey, km.Certificate, signer.DefaultSigAlgo(km.PrivateKey), Policy())
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create local signer")
	}
	s.km, s.signer = km, ls
	return ls, nil
}

// SignCSR signs csr with the CA key. Subject, public key and subject
// alternative names come from the CSR; validity runs from now until
// NeverExpires.
func (s *Signer) SignCSR(csr *x509.CertificateRequest, serial domain.SerialNumber, km *ca.KeyMaterial) (*x509.Certificate, []byte, error) {
	ls, err := s.localSigner(km)
	if err != nil {
		return nil, nil, ca.NewSigningError(err)
	}

	req := signer.SignRequest{
		Request:   string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csr.Raw})),
		Serial:    serial.BigInt(),
		NotBefore: s.Now().UTC().Truncate(time.Second),
		NotAfter:  NeverExpires,
	}

	log.Debugf("Signing certificate %s for '%s'", serial, csr.Subject)
	certPEM, err := ls.Sign(req)
	if err != nil {
		return nil, nil, ca.NewSigningError(err)
	}
	cert, err := helpers.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, nil, ca.NewSigningError(err)
	}
	return cert, certPEM, nil
}
