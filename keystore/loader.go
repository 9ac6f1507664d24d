// Package keystore loads the CA key material from files.
package keystore

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/cloudflare/cfssl/helpers"
	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/simplepki/ca"
	"github.com/spf13/afero"
	"github.com/youmark/pkcs8"
	"golang.org/x/crypto/pkcs12"
)

// Supported key store types
const (
	TypePEM    = "pem"
	TypePKCS12 = "pkcs12"
)

const certificateError = "Invalid certificate in file"

// Loader implements ca.KeyLoader.
//
// With TypePEM the certificate and the key are read from CertFile and
// KeyFile; the key may be PKCS#1, SEC1 or PKCS#8, and an encrypted PKCS#8 key
// is decrypted with Password. With TypePKCS12 both are read from
// KeyStoreFile, decrypted with Password.
type Loader struct {
	Fs           afero.Fs
	Type         string
	CertFile     string
	KeyFile      string
	KeyStoreFile string
	Password     string
	// Name is only used in log messages
	Name string
}

var _ ca.KeyLoader = (*Loader)(nil)

// Load reads and validates the key material
func (l *Loader) Load() (*ca.KeyMaterial, error) {
	fs := l.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	var km *ca.KeyMaterial
	var source string
	var err error
	switch strings.ToLower(l.Type) {
	case TypePEM, "":
		source = fmt.Sprintf("'%s' and '%s'", l.CertFile, l.KeyFile)
		km, err = l.loadPEM(fs)
	case TypePKCS12, "p12", "pfx":
		source = fmt.Sprintf("'%s'", l.KeyStoreFile)
		km, err = l.loadPKCS12(fs)
	default:
		return nil, errors.Errorf("Unsupported key store type '%s'", l.Type)
	}
	if err != nil {
		return nil, err
	}

	err = Validate(km, l.Name)
	if err != nil {
		return nil, errors.WithMessage(err, fmt.Sprintf("Invalid certificate and/or key in %s", source))
	}
	log.Infof("Loaded CA key material from %s", source)
	return km, nil
}

func (l *Loader) loadPEM(fs afero.Fs) (*ca.KeyMaterial, error) {
	certPEM, err := afero.ReadFile(fs, l.CertFile)
	if err != nil {
		return nil, errors.Wrapf(err, certificateError+" '%s'", l.CertFile)
	}
	cert, err := helpers.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, errors.Wrapf(err, certificateError+" '%s'", l.CertFile)
	}

	keyPEM, err := afero.ReadFile(fs, l.KeyFile)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read key file '%s'", l.KeyFile)
	}
	key, err := ParsePrivateKeyPEM(keyPEM, []byte(l.Password))
	if err != nil {
		return nil, errors.WithMessage(err, fmt.Sprintf("Invalid key in file '%s'", l.KeyFile))
	}
	return &ca.KeyMaterial{PrivateKey: key, Certificate: cert}, nil
}

func (l *Loader) loadPKCS12(fs afero.Fs) (*ca.KeyMaterial, error) {
	data, err := afero.ReadFile(fs, l.KeyStoreFile)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read key store '%s'", l.KeyStoreFile)
	}
	priv, cert, err := pkcs12.Decode(data, l.Password)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to decode key store '%s'", l.KeyStoreFile)
	}
	key, ok := priv.(crypto.Signer)
	if !ok {
		return nil, errors.Errorf("Unsupported private key type %T in key store '%s'", priv, l.KeyStoreFile)
	}
	return &ca.KeyMaterial{PrivateKey: key, Certificate: cert}, nil
}

// ParsePrivateKeyPEM parses a PEM private key. Encrypted PKCS#8 keys are
// decrypted with password.
func ParsePrivateKeyPEM(keyPEM, password []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("Failed to decode the PEM-encoded key")
	}
	if block.Type != "ENCRYPTED PRIVATE KEY" {
		key, err := helpers.ParsePrivateKeyPEM(keyPEM)
		if err != nil {
			return nil, errors.Wrap(err, "Failed parsing private key")
		}
		return key, nil
	}

	if len(password) == 0 {
		return nil, errors.New("The key is encrypted but no password was provided")
	}
	priv, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, password)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to decrypt private key")
	}
	key, ok := priv.(crypto.Signer)
	if !ok {
		return nil, errors.Errorf("Unsupported private key type %T", priv)
	}
	return key, nil
}

// EncodePrivateKeyPEM encodes key as PKCS#8, encrypted when password is not empty
func EncodePrivateKeyPEM(key crypto.Signer, password []byte) ([]byte, error) {
	if len(password) == 0 {
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, errors.Wrap(err, "Failed to marshal private key")
		}
		return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
	}
	der, err := pkcs8.MarshalPrivateKey(key, password, nil)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to encrypt private key")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: der}), nil
}
