package config

// ClientConfig is the simple-pki client's config
type ClientConfig struct {
	URL      string `def:"http://localhost:7054" opt:"u" help:"URL of simple-pki server"`
	TLS      ClientTLSConfig
	Debug    bool   `def:"false" opt:"d" help:"Enable debug level logging" hide:"true"`
	LogLevel string `help:"Set logging level (info, warning, debug, error, fatal, critical)"`
}
