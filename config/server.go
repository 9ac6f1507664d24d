package config

import (
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// ServerConfig is the simple-pki server's configuration
type ServerConfig struct {
	// Listening port for the server
	Port int `def:"7054" opt:"p" help:"Listening port of simple-pki server"`
	// Bind address for the server
	Address string `def:"0.0.0.0" help:"Listening address of simple-pki server"`
	// Enables debug logging
	Debug bool `def:"false" opt:"d" help:"Enable debug level logging" hide:"true"`
	// Sets the logging level on the server
	LogLevel string `help:"Set logging level (info, warning, debug, error, fatal, critical)"`
	// TLS for the server's listening endpoint
	TLS ServerTLSConfig
	// CA key material
	CA CAConfig
	// CRL generation
	CRL CRLConfig
	// Store holding the issued certificates
	DB DBConfig
}

// UnmarshalConfig unmarshals a configuration file
func UnmarshalConfig(cfg interface{}, vp *viper.Viper, configFile string) error {
	vp.SetConfigFile(configFile)
	err := vp.ReadInConfig()
	if err != nil {
		return errors.Wrapf(err, "Failed to read config file '%s'", configFile)
	}

	err = vp.Unmarshal(cfg)
	if err != nil {
		return errors.Wrapf(err, "Incorrect format in file '%s'", configFile)
	}
	return nil
}

// MakeFilesAbsolute makes the file names of the configuration absolute,
// relative to the home directory
func (c *ServerConfig) MakeFilesAbsolute(home string) error {
	err := AbsTLSServer(&c.TLS, home)
	if err != nil {
		return err
	}
	return MakeCAFilesAbsolute(&c.CA, home)
}
