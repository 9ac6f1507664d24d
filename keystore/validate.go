package keystore

import (
	"crypto"
	"crypto/dsa"
	"crypto/rsa"
	"crypto/x509"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/simplepki/ca"
)

type publicKeyEqualer interface {
	Equal(x crypto.PublicKey) bool
}

// Validate performs checks on the CA certificate and key to make sure they
// can be used to issue certificates
func Validate(km *ca.KeyMaterial, caname string) error {
	log.Debug("Validating the CA certificate and key")

	cert := km.Certificate
	if err := validateDates(cert, time.Now()); err != nil {
		return err
	}
	if err := validateUsage(cert, caname); err != nil {
		return err
	}
	if err := validateIsCA(cert); err != nil {
		return err
	}
	if err := validateKeyType(cert); err != nil {
		return err
	}
	if err := validateKeySize(cert); err != nil {
		return err
	}
	if err := validateMatchingKeys(km); err != nil {
		return err
	}
	log.Debug("Validation of CA certificate and key successful")
	return nil
}

func validateDates(cert *x509.Certificate, now time.Time) error {
	log.Debug("Check CA certificate for valid dates")

	if now.After(cert.NotAfter) {
		return errors.New("Certificate provided has expired")
	}
	if now.Before(cert.NotBefore) {
		return errors.New("Certificate provided not valid until later date")
	}
	return nil
}

func validateUsage(cert *x509.Certificate, caname string) error {
	log.Debug("Check CA certificate for valid usages")

	if cert.KeyUsage == 0 {
		return errors.New("No usage specified for certificate")
	}
	if cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		return errors.New("The 'cert sign' key usage is required")
	}
	if !canSignCRL(cert) {
		log.Warningf("The CA certificate for the CA '%s' does not have 'crl sign' key usage, so the CA will not be able to generate a CRL", caname)
	}
	return nil
}

func validateIsCA(cert *x509.Certificate) error {
	log.Debug("Check CA certificate for valid IsCA value")

	if !cert.IsCA {
		return errors.New("Certificate not configured to be used for CA")
	}
	return nil
}

func validateKeyType(cert *x509.Certificate) error {
	log.Debug("Check that key type is supported")

	switch cert.PublicKey.(type) {
	case *dsa.PublicKey:
		return errors.New("Unsupported key type: DSA")
	}
	return nil
}

func validateKeySize(cert *x509.Certificate) error {
	log.Debug("Check that key size is of appropriate length")

	if pub, ok := cert.PublicKey.(*rsa.PublicKey); ok {
		if pub.N.BitLen() < 2048 {
			return errors.New("Key size is less than 2048 bits")
		}
	}
	return nil
}

func validateMatchingKeys(km *ca.KeyMaterial) error {
	log.Debug("Check that public key and private key match")

	pub, ok := km.PrivateKey.Public().(publicKeyEqualer)
	if !ok {
		return errors.Errorf("Unsupported private key type %T", km.PrivateKey)
	}
	if !pub.Equal(km.Certificate.PublicKey) {
		return errors.New("Public key and private key do not match")
	}
	return nil
}

func canSignCRL(cert *x509.Certificate) bool {
	return cert.KeyUsage&x509.KeyUsageCRLSign != 0
}
