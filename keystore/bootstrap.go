package keystore

import (
	"os"
	"path/filepath"

	"github.com/cloudflare/cfssl/csr"
	"github.com/cloudflare/cfssl/helpers"
	"github.com/cloudflare/cfssl/initca"
	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/simplepki/ca"
	"github.com/spf13/afero"
)

// DefaultCAExpiry is the validity of a generated CA certificate
const DefaultCAExpiry = "131400h"

// Generate creates a self-signed CA certificate and its key
func Generate(req *csr.CertificateRequest) (km *ca.KeyMaterial, certPEM []byte, err error) {
	if req.KeyRequest == nil {
		req.KeyRequest = csr.NewKeyRequest()
	}
	if req.CA == nil {
		req.CA = &csr.CAConfig{Expiry: DefaultCAExpiry}
	}

	certPEM, _, keyPEM, err := initca.New(req)
	if err != nil {
		return nil, nil, errors.Wrap(err, "Failed to generate CA certificate")
	}
	cert, err := helpers.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, nil, err
	}
	key, err := helpers.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, nil, err
	}
	return &ca.KeyMaterial{PrivateKey: key, Certificate: cert}, certPEM, nil
}

// Bootstrap generates the CA certificate and key files of a PEM key store
// unless both already exist. The key is written as PKCS#8, encrypted when
// password is set. It returns true when files were generated.
func Bootstrap(fs afero.Fs, req *csr.CertificateRequest, certFile, keyFile string, password []byte) (bool, error) {
	certExists, err := afero.Exists(fs, certFile)
	if err != nil {
		return false, err
	}
	keyExists, err := afero.Exists(fs, keyFile)
	if err != nil {
		return false, err
	}
	if certExists && keyExists {
		log.Info("The CA key and certificate files already exist")
		log.Infof("Key file location: %s", keyFile)
		log.Infof("Certificate file location: %s", certFile)
		return false, nil
	}
	if certExists != keyExists {
		return false, errors.Errorf("Only one of '%s' and '%s' exists", certFile, keyFile)
	}

	log.Infof("Generating CA key and certificate for '%s'", req.CN)
	km, certPEM, err := Generate(req)
	if err != nil {
		return false, err
	}
	keyPEM, err := EncodePrivateKeyPEM(km.PrivateKey, password)
	if err != nil {
		return false, err
	}

	if err = writeFile(fs, keyFile, keyPEM, 0600); err != nil {
		return false, err
	}
	if err = writeFile(fs, certFile, certPEM, 0644); err != nil {
		return false, err
	}
	log.Infof("The CA key is stored at %s", keyFile)
	log.Infof("The CA certificate is stored at %s", certFile)
	return true, nil
}

func writeFile(fs afero.Fs, file string, buf []byte, perm os.FileMode) error {
	dir := filepath.Dir(file)
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "Failed to create directory '%s' for file '%s'", dir, file)
	}
	if err := afero.WriteFile(fs, file, buf, perm); err != nil {
		return errors.Wrapf(err, "Failed to write file '%s'", file)
	}
	return nil
}
