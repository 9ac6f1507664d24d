package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	configDir = "../testdata"
)

func TestGetClientTLSConfig(t *testing.T) {
	cfg := &ClientTLSConfig{
		CertFiles: []string{"ca-cert.pem"},
		Client: KeyCertFiles{
			KeyFile:  "tls-key.pem",
			CertFile: "tls-cert.pem",
		},
	}

	err := AbsTLSClient(cfg, configDir)
	assert.NoError(t, err)

	tlsCfg, err := GetClientTLSConfig(cfg)
	require.NoError(t, err)
	assert.Len(t, tlsCfg.Certificates, 1)
	assert.NotNil(t, tlsCfg.RootCAs)
}

func TestAbsServerTLSConfig(t *testing.T) {
	cfg := &ServerTLSConfig{
		KeyFile:  "tls-key.pem",
		CertFile: "tls-cert.pem",
		ClientAuth: ClientAuth{
			CertFiles: []string{"ca-cert.pem"},
		},
	}

	err := AbsTLSServer(cfg, configDir)
	assert.NoError(t, err)

	abs, _ := filepath.Abs(filepath.Join(configDir, "tls-cert.pem"))
	assert.Equal(t, abs, cfg.CertFile)
}

func TestGetClientTLSConfigInvalidArgs(t *testing.T) {
	cfg := &ClientTLSConfig{
		CertFiles: []string{"ca-cert.pem"},
		Client: KeyCertFiles{
			KeyFile:  "no-tls-key.pem",
			CertFile: "no-tls-cert.pem",
		},
	}
	AbsTLSClient(cfg, configDir)

	_, err := GetClientTLSConfig(cfg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no such file or directory")

	cfg = &ClientTLSConfig{
		CertFiles: []string{},
		Client: KeyCertFiles{
			KeyFile:  "tls-key.pem",
			CertFile: "tls-cert.pem",
		},
	}
	AbsTLSClient(cfg, configDir)

	_, err = GetClientTLSConfig(cfg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "No trusted root certificate for TLS were provided")

	cfg = &ClientTLSConfig{
		CertFiles: []string{"no-root.pem"},
		Client: KeyCertFiles{
			KeyFile:  "tls-key.pem",
			CertFile: "tls-cert.pem",
		},
	}
	AbsTLSClient(cfg, configDir)

	_, err = GetClientTLSConfig(cfg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no such file or directory")
}

func TestLoadPEMCertPool(t *testing.T) {
	_, err := LoadPEMCertPool([]string{filepath.Join(configDir, "ca-cert.pem")})
	assert.NoError(t, err)

	_, err = LoadPEMCertPool([]string{filepath.Join(configDir, "ca-key.pem")})
	assert.Error(t, err)
}

const serverConfig = `
port: 9000
tls:
  enabled: true
  certfile: tls-cert.pem
  keyfile: tls-key.pem
ca:
  name: test-ca
  keystoretype: pkcs12
  keystore: ca.p12
  csr:
    cn: Test CA
    hosts:
      - ca.example.com
crl:
  expiry: 12h
db:
  type: memory
`

func TestUnmarshalServerConfig(t *testing.T) {
	file := filepath.Join(t.TempDir(), "simple-pki-config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(serverConfig), 0644))

	cfg := &ServerConfig{}
	err := UnmarshalConfig(cfg, viper.New(), file)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.True(t, cfg.TLS.Enabled)
	assert.Equal(t, "pkcs12", cfg.CA.Keystoretype)
	assert.Equal(t, "Test CA", cfg.CA.CSR.CN)
	assert.Equal(t, []string{"ca.example.com"}, cfg.CA.CSR.Hosts)
	assert.Equal(t, 12*time.Hour, cfg.CRL.Expiry)
	assert.Equal(t, "memory", cfg.DB.Type)

	require.NoError(t, cfg.MakeFilesAbsolute("/etc/pki"))
	assert.Equal(t, "/etc/pki/ca.p12", cfg.CA.Keystore)
	assert.Equal(t, "/etc/pki/tls-cert.pem", cfg.TLS.CertFile)
	assert.Equal(t, "", cfg.CA.Certfile)

	err = UnmarshalConfig(cfg, viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
