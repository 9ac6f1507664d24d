package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/simplepki/config"
	"github.com/rkcloudchain/simplepki/metadata"
	"github.com/rkcloudchain/simplepki/server"
	"github.com/rkcloudchain/simplepki/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	version = "version"
)

// ServerCmd encapsulates cobra command that provides command line interface
// for the simple-pki server
type ServerCmd struct {
	name          string
	rootCmd       *cobra.Command
	v             *viper.Viper
	cfgFileName   string
	homeDirectory string
	cfg           *config.ServerConfig
	// blocking is false in tests so that start returns once listening
	blocking bool
	srv      *server.Server
}

// NewCommand returns new ServerCmd ready for running
func NewCommand(name string) *ServerCmd {
	s := &ServerCmd{
		name:     name,
		v:        viper.New(),
		blocking: true,
	}
	s.init()
	return s
}

// Execute runs this ServerCmd
func (s *ServerCmd) Execute() error {
	return s.rootCmd.Execute()
}

func (s *ServerCmd) init() {
	s.rootCmd = &cobra.Command{
		Use:               cmdName,
		Short:             longName,
		PersistentPreRunE: s.preRun,
	}
	s.rootCmd.AddCommand(s.newInitCmd(), s.newStartCmd(), s.newVersionCmd())
	s.registerFlags()
}

// preRun loads the configuration before any subcommand runs
func (s *ServerCmd) preRun(cmd *cobra.Command, args []string) error {
	if err := s.configInit(); err != nil {
		return err
	}
	cmd.SilenceUsage = true
	if s.v.GetBool("debug") {
		log.Level = log.LevelDebug
	}
	return nil
}

// noArgs rejects positional arguments, printing the usage of the command
func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return errors.Errorf(extraArgsError, args, cmd.UsageString())
	}
	return nil
}

func (s *ServerCmd) newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: fmt.Sprintf("Initialize the %s", shortName),
		Long:  "Create the CA certificate and private key when missing, then check that the certificate store opens",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.getServer().Init(); err != nil {
				return errors.WithMessage(err, "Initialization failure")
			}
			log.Info("Initialization was successful")
			return nil
		},
	}
}

func (s *ServerCmd) newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: fmt.Sprintf("Start the %s", shortName),
		Long:  "Serve the certificate, revocation and CRL endpoints until the process is stopped",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.getServer().Start()
		},
	}
}

func (s *ServerCmd) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   version,
		Short: fmt.Sprintf("Print the %s version", cmdName),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(metadata.GetVersionInfo(cmdName))
		},
	}
}

// registers command flags with viper
func (s *ServerCmd) registerFlags() {
	cfg := defaultConfigFile()

	s.v.SetEnvPrefix(envVarPrefix)
	s.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	pflags := s.rootCmd.PersistentFlags()
	pflags.StringVarP(&s.cfgFileName, "config", "c", "", "Configuration file")
	pflags.MarkHidden("config")
	pflags.StringVarP(&s.homeDirectory, "home", "H", "", fmt.Sprintf("Server's home directory (default \"%s\")", filepath.Dir(cfg)))

	s.cfg = &config.ServerConfig{}
	tags := map[string]string{
		"help.ca.csr.cn":           "The common name field of the generated CA certificate",
		"help.ca.csr.serialnumber": "The serial number field of the generated CA certificate",
		"help.ca.csr.hosts":        "A list of comma-separated host names of the generated CA certificate",
	}
	err := util.RegisterFlags(s.v, pflags, s.cfg, tags)
	if err != nil {
		panic(err)
	}
}

// Configuration file is not required for some commands like version
func (s *ServerCmd) configRequired() bool {
	return s.name != version
}

// getServer returns a server.Server for the init and start commands
func (s *ServerCmd) getServer() *server.Server {
	s.srv = &server.Server{
		HomeDir:       s.homeDirectory,
		Config:        s.cfg,
		BlockingStart: s.blocking,
		CA: server.CA{
			Config: &s.cfg.CA,
		},
	}
	return s.srv
}
