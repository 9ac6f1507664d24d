package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/simplepki/config"
	"github.com/rkcloudchain/simplepki/metadata"
	"github.com/rkcloudchain/simplepki/util"
)

const (
	cmdName      = "simple-pki"
	shortName    = "simple-pki server"
	longName     = "Simple PKI Certificate Authority Server"
	envVarPrefix = "SIMPLE_PKI"
)

const (
	defaultCfgTemplate = `# Version of config file
version: <<<VERSION>>>

# Server's listening port (default: 7054)
port: 7054

# Server's listening address (default: 0.0.0.0)
address: 0.0.0.0

# Enables debug logging (default: false)
debug: false

#############################################################################
#  TLS section for the server's listening port
#
#  The following types are supported for client authentication: NoClientCert,
#  RequestClientCert, RequireAnyClientCert, VerifyClientCertIfGiven,
#  and RequireAndVerifyClientCert.
#
#  Certfiles is a list of root certificate authorities that the server uses
#  when verifying client certificates.
#############################################################################
tls:
  # Enable TLS (default: false)
  enabled: false
  # TLS for the server's listening port
  certfile:
  keyfile:
  clientauth:
    type: noclientcert
    certfiles:

#############################################################################
#  The CA section contains information related to the Certificate Authority
#  including its name and the key and certificate files used when issuing
#  certificates and generating CRLs.
#
#  keystoretype is either "pem" or "pkcs12". With "pem", certfile and keyfile
#  are generated at init time unless both exist. With "pkcs12", keystore
#  must name an existing PKCS#12 file.
#
#  password decrypts the CA key, or the PKCS#12 key store. It can also be
#  set through the SIMPLE_PKI_CA_PASSWORD environment variable.
#############################################################################
ca:
  # Name of this CA
  name: <<<CANAME>>>
  keystoretype: pem
  certfile: ca-cert.pem
  keyfile: ca-key.pem
  keystore:
  password:
  # Certificate signing request used to generate the CA certificate
  csr:
    cn: <<<COMMONNAME>>>
    names:
      - C: FR
        O: Simple PKI
    hosts:
      - <<<MYHOST>>>

#############################################################################
#  CRL section
#
#  expiry - the time window after which a generated CRL is considered stale
#############################################################################
crl:
  expiry: 24h

#############################################################################
#  Database section
#  Supported types are: "memory", "bolt", "postgres", and "mysql".
#  The datasource value depends on the type.
#  If the type is "bolt", the datasource value is a file name to use
#  as the database store. If the type is "memory", the datasource is ignored
#  and issued certificates are lost on restart.
#############################################################################
db:
  type: <<<DATABASETYPE>>>
  datasource: <<<DATASOURCE>>>
`
)

var (
	extraArgsError = "Unrecognized arguments found: %v\n\n%s"
)

// Initialize config
func (s *ServerCmd) configInit() (err error) {
	if !s.configRequired() {
		return nil
	}

	s.cfgFileName, s.homeDirectory, err = validateAndReturnAbsConf(s.cfgFileName, s.homeDirectory)
	if err != nil {
		return err
	}

	s.v.AutomaticEnv()
	logLevel := s.v.GetString("loglevel")
	setLogLevel(logLevel)

	log.Debugf("Home directory: %s", s.homeDirectory)

	if !util.FileExists(s.cfgFileName) {
		err = s.createDefaultConfigFile()
		if err != nil {
			return errors.WithMessage(err, "Failed to create default configuration file")
		}
		log.Infof("Created default configuration file at %s", s.cfgFileName)
	} else {
		log.Infof("Configuration file location: %s", s.cfgFileName)
	}

	return config.UnmarshalConfig(s.cfg, s.v, s.cfgFileName)
}

func (s *ServerCmd) createDefaultConfigFile() error {
	dtype := s.v.GetString("db.type")
	if dtype == "" {
		dtype = "bolt"
	}
	ds := s.v.GetString("db.datasource")
	if ds == "" {
		ds = "simple-pki.db"
	}

	caName := s.v.GetString("ca.name")
	if caName == "" {
		caName = cmdName
	}
	cn := s.v.GetString("ca.csr.cn")
	if cn == "" {
		cn = caName
	}

	myhost, err := os.Hostname()
	if err != nil {
		return err
	}

	cfg := strings.Replace(defaultCfgTemplate, "<<<VERSION>>>", metadata.Version, 1)
	cfg = strings.Replace(cfg, "<<<CANAME>>>", caName, 1)
	cfg = strings.Replace(cfg, "<<<COMMONNAME>>>", cn, 1)
	cfg = strings.Replace(cfg, "<<<MYHOST>>>", myhost, 1)
	cfg = strings.Replace(cfg, "<<<DATABASETYPE>>>", dtype, 1)
	cfg = strings.Replace(cfg, "<<<DATASOURCE>>>", ds, 1)

	return util.WriteFile(s.cfgFileName, []byte(cfg), 0644)
}

func setLogLevel(logLevel string) {
	switch strings.ToUpper(logLevel) {
	case "INFO":
		log.Level = log.LevelInfo
	case "WARNING":
		log.Level = log.LevelWarning
	case "DEBUG":
		log.Level = log.LevelDebug
	case "ERROR":
		log.Level = log.LevelError
	case "CRITICAL":
		log.Level = log.LevelCritical
	case "FATAL":
		log.Level = log.LevelFatal
	default:
		log.Level = log.LevelInfo
	}
}

// checks to see that there are no conflicts between the configuration file path and home directory.
// If no conflicts, returns back the absolute path for the configuration file and home directory.
func validateAndReturnAbsConf(configFilePath, homeDir string) (string, string, error) {
	var err error
	var homeDirSet bool
	var configFileSet bool

	defaultConfig := defaultConfigFile()
	if configFilePath == "" {
		configFilePath = defaultConfig
	} else {
		configFileSet = true
	}

	if homeDir == "" {
		homeDir = filepath.Dir(defaultConfig)
	} else {
		homeDirSet = true
	}

	homeDir, err = filepath.Abs(homeDir)
	if err != nil {
		return "", "", errors.Wrap(err, "Failed to get full path of config file")
	}
	homeDir = strings.TrimRight(homeDir, string(os.PathSeparator))

	if configFileSet && homeDirSet {
		log.Warning("Using both --config and --home CLI flags; --config will take precedence")
	}

	if configFileSet {
		configFilePath, err = filepath.Abs(configFilePath)
		if err != nil {
			return "", "", errors.Wrap(err, "Failed to get full path of configuration file")
		}
		return configFilePath, filepath.Dir(configFilePath), nil
	}

	configFile := filepath.Join(homeDir, filepath.Base(defaultConfig))
	return configFile, homeDir, nil
}

func defaultConfigFile() string {
	fname := fmt.Sprintf("%s-config.yaml", cmdName)
	home := "."
	envs := []string{"SIMPLE_PKI_SERVER_HOME", "SIMPLE_PKI_HOME"}
	for _, env := range envs {
		envVal := os.Getenv(env)
		if envVal != "" {
			home = envVal
			break
		}
	}
	return filepath.Join(home, fname)
}
