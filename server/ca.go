package server

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/simplepki/ca"
	"github.com/rkcloudchain/simplepki/config"
	"github.com/rkcloudchain/simplepki/db"
	"github.com/rkcloudchain/simplepki/db/bolt"
	"github.com/rkcloudchain/simplepki/db/memory"
	caerrors "github.com/rkcloudchain/simplepki/errors"
	"github.com/rkcloudchain/simplepki/keystore"
	"github.com/rkcloudchain/simplepki/signing"
	"github.com/rkcloudchain/simplepki/util"
	"github.com/spf13/afero"
)

const (
	defaultCAName   = "simple-pki"
	defaultCertFile = "ca-cert.pem"
	defaultKeyFile  = "ca-key.pem"
	defaultBoltFile = "simple-pki.db"
)

// CA wires the certificate authority to its key material and store
type CA struct {
	// The home directory for the CA
	HomeDir string
	// The CA's configuration
	Config *config.CAConfig
	// File system holding the key material, the OS file system when nil
	Fs afero.Fs
	// The facade serving every request
	authority *ca.Authority
	// Closes the store, if it holds resources
	closer io.Closer
}

func initCA(c *CA, homeDir string, dbCfg *config.DBConfig, crlCfg *config.CRLConfig) error {
	c.HomeDir = homeDir
	if c.Config == nil {
		c.Config = new(config.CAConfig)
	}
	if c.Fs == nil {
		c.Fs = afero.NewOsFs()
	}

	loader, err := c.initKeyMaterial()
	if err != nil {
		return err
	}

	store, closer, err := newStore(dbCfg, homeDir)
	if err != nil {
		return err
	}
	c.closer = closer

	c.authority = ca.New(store, loader, signing.NewSigner(), signing.NewCRLEncoder(crlCfg.Expiry))

	cert, err := c.authority.CACertificate(context.Background())
	if err != nil {
		return errors.WithMessage(err, "Failed to load CA key material")
	}
	log.Infof("CA '%s' is ready, subject '%s'", c.Config.Name, cert.Subject)
	return nil
}

// Initialize the CA's key material, generating it for a PEM key store when
// neither the certificate nor the key exist
func (c *CA) initKeyMaterial() (*keystore.Loader, error) {
	log.Debug("Initialize key material")

	cfg := c.Config
	if cfg.Name == "" {
		cfg.Name = defaultCAName
	}
	if cfg.Certfile == "" {
		cfg.Certfile = defaultCertFile
	}
	if cfg.Keyfile == "" {
		cfg.Keyfile = defaultKeyFile
	}
	err := c.makeFileNamesAbsolute()
	if err != nil {
		return nil, err
	}

	loader := &keystore.Loader{
		Fs:           c.Fs,
		Type:         strings.ToLower(cfg.Keystoretype),
		CertFile:     cfg.Certfile,
		KeyFile:      cfg.Keyfile,
		KeyStoreFile: cfg.Keystore,
		Password:     cfg.Password,
		Name:         cfg.Name,
	}

	switch loader.Type {
	case "", keystore.TypePEM:
		req := cfg.CSR.CertificateRequest()
		if req.CN == "" {
			req.CN = cfg.Name
		}
		var password []byte
		if cfg.Password != "" {
			password = []byte(cfg.Password)
		}
		_, err = keystore.Bootstrap(c.Fs, req, cfg.Certfile, cfg.Keyfile, password)
		if err != nil {
			return nil, errors.WithMessage(err, "Failed to initialize CA key material")
		}
	default:
		exists, err := afero.Exists(c.Fs, cfg.Keystore)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, errors.Errorf("Key store '%s' does not exist", cfg.Keystore)
		}
		log.Infof("Key store location: %s", cfg.Keystore)
	}
	return loader, nil
}

// Make all file names in the CA config absolute
func (c *CA) makeFileNamesAbsolute() error {
	log.Debug("Making CA file names absolute")
	return config.MakeCAFilesAbsolute(c.Config, c.HomeDir)
}

func (c *CA) closeDB() error {
	if c.closer == nil {
		return nil
	}
	err := c.closer.Close()
	c.closer = nil
	return err
}

// Authority returns the CA facade, nil before initialization
func (c *CA) Authority() *ca.Authority {
	return c.authority
}

// newStore opens the store selected by the configuration
func newStore(cfg *config.DBConfig, homeDir string) (ca.Store, io.Closer, error) {
	dbType := strings.ToLower(cfg.Type)
	log.Debugf("Initializing '%s' store, data source '%s'", dbType, util.GetMaskedURL(cfg.Datasource))

	switch dbType {
	case "memory":
		log.Warning("Issued certificates are kept in memory and will be lost on restart")
		return memory.New(), nil, nil
	case "", "bolt":
		path := cfg.Datasource
		if path == "" {
			path = defaultBoltFile
		}
		path, err := util.MakeFileAbs(path, homeDir)
		if err != nil {
			return nil, nil, err
		}
		err = os.MkdirAll(filepath.Dir(path), 0755)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "Failed to create directory for '%s'", path)
		}
		store, err := bolt.Open(path)
		if err != nil {
			return nil, nil, connectError(dbType, err)
		}
		return store, store, nil
	case "mysql":
		sqldb, err := db.NewMySQL(cfg.Datasource)
		if err != nil {
			return nil, nil, connectError(dbType, err)
		}
		return db.NewDBAccessor(sqldb), sqldb, nil
	case "postgres":
		sqldb, err := db.NewPostgres(cfg.Datasource)
		if err != nil {
			return nil, nil, connectError(dbType, err)
		}
		return db.NewDBAccessor(sqldb), sqldb, nil
	default:
		return nil, nil, errors.Errorf("Invalid db.type in config file: '%s'; must be 'memory', 'bolt', 'mysql' or 'postgres'", cfg.Type)
	}
}

func connectError(dbType string, err error) error {
	return caerrors.NewFatalError(caerrors.ErrConnectingDB, "Failed to connect to '%s' store: %s", dbType, err)
}
