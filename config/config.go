package config

import (
	"time"

	"github.com/rkcloudchain/simplepki/api"
)

// ServerTLSConfig defines key material for a TLS server
type ServerTLSConfig struct {
	Enabled    bool   `help:"Enable TLS on the listening port"`
	CertFile   string `def:"tls-cert.pem" help:"PEM-encoded TLS certificate file for server's listening port"`
	KeyFile    string `help:"PEM-encoded TLS key for server's listening port"`
	ClientAuth ClientAuth
}

// ClientTLSConfig defines the key material for a TLS client
type ClientTLSConfig struct {
	Enabled   bool     `skip:"true"`
	CertFiles []string `help:"A list of comma-separated PEM-encoded trusted certificate files (e.g. root1.pem,root2.pem)"`
	Client    KeyCertFiles
}

// KeyCertFiles defines the files need for client on TLS
type KeyCertFiles struct {
	KeyFile  string `help:"PEM-encoded key file when mutual authentication is enabled"`
	CertFile string `help:"PEM-encoded certificate file when mutual authenticate is enabled"`
}

// ClientAuth defines the key material needed to verify client certificates
type ClientAuth struct {
	Type      string   `def:"noclientcert" help:"Policy the server will follow for TLS Client Authentication."`
	CertFiles []string `help:"A list of comma-separated PEM-encoded trusted certificate files (e.g. root1.pem,root2.pem)"`
}

// CAConfig locates the CA key material
type CAConfig struct {
	Name         string `opt:"n" help:"Certificate Authority name"`
	Keystoretype string `def:"pem" help:"Format of the CA key material (pem or pkcs12)"`
	Certfile     string `def:"ca-cert.pem" help:"PEM-encoded CA certificate file"`
	Keyfile      string `def:"ca-key.pem" help:"PEM-encoded CA key file"`
	Keystore     string `help:"PKCS#12 key store holding the CA key and certificate"`
	Password     string `hide:"true" help:"Password protecting the CA key"`
	CSR          api.CSRInfo
}

// CRLConfig contains configuration options used by the CRL request handler
type CRLConfig struct {
	Expiry time.Duration `def:"24h" help:"Expiration for the CRL generated by the server"`
}

// DBConfig is the store configuration
type DBConfig struct {
	Type       string `def:"bolt" help:"Type of store; one of: memory, bolt, mysql, postgres"`
	Datasource string `def:"simple-pki.db" help:"Data source which is database specific"`
}
