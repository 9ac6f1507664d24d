package config

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"time"

	"github.com/cloudflare/cfssl/helpers"
	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/simplepki/util"
)

// Defaults for the listening endpoint
const (
	DefaultServerPort = 7054
	DefaultServerAddr = "0.0.0.0"
)

// DefaultCipherSuites is a set of strong TLS cipher suites
var DefaultCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
}

// AbsTLSClient makes TLS client files absolute
func AbsTLSClient(cfg *ClientTLSConfig, configDir string) error {
	files := []*string{&cfg.Client.CertFile, &cfg.Client.KeyFile}
	for i := range cfg.CertFiles {
		files = append(files, &cfg.CertFiles[i])
	}
	return util.MakeFileNamesAbsolute(files, configDir)
}

// GetClientTLSConfig creates a tls.Config oject from certs and roots
func GetClientTLSConfig(cfg *ClientTLSConfig) (*tls.Config, error) {
	var certs []tls.Certificate

	log.Debugf("CA Files: %+v", cfg.CertFiles)
	log.Debugf("Client Cert File: %s", cfg.Client.CertFile)
	log.Debugf("Client Key File: %s", cfg.Client.KeyFile)

	if cfg.Client.CertFile != "" {
		err := checkCertDates(cfg.Client.CertFile)
		if err != nil {
			return nil, err
		}

		clientCert, err := tls.LoadX509KeyPair(cfg.Client.CertFile, cfg.Client.KeyFile)
		if err != nil {
			return nil, errors.Wrapf(err, "Failed to load TLS key pair '%s'", cfg.Client.CertFile)
		}

		certs = append(certs, clientCert)
	} else {
		log.Debug("Client TLS certificate and/or key file not provided")
	}

	if len(cfg.CertFiles) == 0 {
		return nil, errors.New("No trusted root certificate for TLS were provided")
	}
	rootCAPool, err := LoadPEMCertPool(cfg.CertFiles)
	if err != nil {
		return nil, err
	}

	config := &tls.Config{
		Certificates: certs,
		RootCAs:      rootCAPool,
	}
	return config, nil
}

// LoadPEMCertPool loads a pool of PEM certificates from list of files
func LoadPEMCertPool(certFiles []string) (*x509.CertPool, error) {
	certPool := x509.NewCertPool()

	for _, cert := range certFiles {
		log.Debugf("Reading cert file: %s", cert)
		pemCerts, err := os.ReadFile(cert)
		if err != nil {
			return nil, errors.Wrapf(err, "Failed to read '%s'", cert)
		}

		log.Debugf("Appending cert %s to pool", cert)
		if !certPool.AppendCertsFromPEM(pemCerts) {
			return nil, errors.Errorf("Failed to process certificate from file %s", cert)
		}
	}

	return certPool, nil
}

// checkCertDates fails when the certificate in certFile is not valid now
func checkCertDates(certFile string) error {
	log.Debug("Check client TLS certificate for valid dates")
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return errors.Wrapf(err, "Failed to read file '%s'", certFile)
	}
	cert, err := helpers.ParseCertificatePEM(certPEM)
	if err != nil {
		return errors.Wrapf(err, "Invalid certificate in '%s'", certFile)
	}

	now := time.Now()
	switch {
	case now.After(cert.NotAfter):
		return errors.Errorf("Certificate '%s' expired on %s", certFile, cert.NotAfter)
	case now.Before(cert.NotBefore):
		return errors.Errorf("Certificate '%s' is not valid before %s", certFile, cert.NotBefore)
	}
	return nil
}

// AbsTLSServer makes TLS server files absolute
func AbsTLSServer(cfg *ServerTLSConfig, configDir string) error {
	files := []*string{&cfg.CertFile, &cfg.KeyFile}
	for i := range cfg.ClientAuth.CertFiles {
		files = append(files, &cfg.ClientAuth.CertFiles[i])
	}
	return util.MakeFileNamesAbsolute(files, configDir)
}

// MakeCAFilesAbsolute makes the CA key material files absolute
func MakeCAFilesAbsolute(cfg *CAConfig, configDir string) error {
	files := []*string{&cfg.Certfile, &cfg.Keyfile, &cfg.Keystore}
	return util.MakeFileNamesAbsolute(files, configDir)
}
