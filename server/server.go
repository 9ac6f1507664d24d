package server

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	cfsslapi "github.com/cloudflare/cfssl/api"
	"github.com/cloudflare/cfssl/log"
	"github.com/codegangsta/negroni"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/simplepki/config"
	caerrors "github.com/rkcloudchain/simplepki/errors"
	"github.com/rkcloudchain/simplepki/metadata"
	"github.com/rkcloudchain/simplepki/util"
)

const (
	defaultClientAuth = "noclientcert"
	apiPathPrefix     = "/pki/v1/"
)

// endpoint is an endpoint method on a server
type endpoint func(s *Server, resp http.ResponseWriter, req *http.Request) (interface{}, error)

// Server is the simple-pki server
type Server struct {
	// The home directory for the server
	HomeDir string
	// The server's configuration
	Config *config.ServerConfig
	// Start blocks until the server stops serving when set
	BlockingStart bool
	// Clock used for revocation dates, time.Now when nil
	Clock func() time.Time
	// The server mux
	mux *mux.Router
	// The middleware chain in front of the mux
	handler http.Handler
	// The current listener for this server
	listener net.Listener
	// Protects the listener
	mutex sync.Mutex
	// Server's CA
	CA
	// An error which occurs when serving
	serverError error
	// Closed when the server stops serving
	wait chan bool
}

// Init initializes the simple-pki server, generating the CA key material
// when it does not exist yet
func (s *Server) Init() (err error) {
	err = s.init()
	err2 := s.CA.closeDB()
	if err2 != nil {
		log.Errorf("Close DB failed: %s", err2)
	}
	return err
}

// Initializes the server leaving the DB open
func (s *Server) init() (err error) {
	serverVersion := metadata.GetVersion()
	log.Infof("Server Version: %s", serverVersion)

	err = s.initConfig()
	if err != nil {
		return err
	}

	log.Debugf("Initializing CA in directory %s", s.HomeDir)
	return initCA(&s.CA, s.HomeDir, &s.Config.DB, &s.Config.CRL)
}

func (s *Server) initConfig() (err error) {
	if s.HomeDir == "" {
		s.HomeDir, err = os.Getwd()
		if err != nil {
			return errors.Wrap(err, "Failed to get server's home directory")
		}
	}

	absoluteHomeDir, err := filepath.Abs(s.HomeDir)
	if err != nil {
		return errors.Errorf("Failed to make server's home directory path absolute: %s", err)
	}
	s.HomeDir = absoluteHomeDir

	if s.Config == nil {
		s.Config = new(config.ServerConfig)
	}
	if s.CA.Config == nil {
		s.CA.Config = &s.Config.CA
	}
	// Lists set through flags or environment variables arrive comma separated
	s.CA.Config.CSR.Hosts = util.NormalizeStringSlice(s.CA.Config.CSR.Hosts)
	s.Config.TLS.ClientAuth.CertFiles = util.NormalizeStringSlice(s.Config.TLS.ClientAuth.CertFiles)
	return s.makeFileNamesAbsolute()
}

// Make all file names in the config absolute
func (s *Server) makeFileNamesAbsolute() error {
	log.Debug("Making server filenames absolute")
	return config.AbsTLSServer(&s.Config.TLS, s.HomeDir)
}

func (s *Server) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

// Start the simple-pki server
func (s *Server) Start() (err error) {
	log.Infof("Starting server in home directory: %s", s.HomeDir)

	s.serverError = nil

	if s.listener != nil {
		return errors.New("server is already started")
	}

	err = s.init()
	if err != nil {
		err2 := s.CA.closeDB()
		if err2 != nil {
			log.Errorf("Close DB failed: %s", err2)
		}
		return err
	}

	s.registerHandlers()

	err = s.listenAndServe()
	if err != nil {
		err2 := s.CA.closeDB()
		if err2 != nil {
			log.Errorf("Close DB failed: %s", err2)
		}
		return err
	}
	return nil
}

// Stop the server
func (s *Server) Stop() error {
	err := s.closeListener()
	if err != nil {
		return err
	}
	if s.wait != nil {
		<-s.wait
	}

	log.Debugf("Stop: successful stop on port %d", s.Config.Port)
	return nil
}

// Starting listening and serving
func (s *Server) listenAndServe() (err error) {
	c := s.Config
	if c.Address == "" {
		c.Address = config.DefaultServerAddr
	}
	if c.Port == 0 {
		c.Port = config.DefaultServerPort
	}
	addr := net.JoinHostPort(c.Address, strconv.Itoa(c.Port))

	scheme := "http"
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "TCP listen failed for %s", addr)
	}
	if c.TLS.Enabled {
		scheme = "https"
		tlsConfig, err := serverTLSConfig(&c.TLS)
		if err != nil {
			listener.Close()
			return err
		}
		listener = tls.NewListener(listener, tlsConfig)
	}
	s.listener = listener
	log.Infof("Listening on %s://%s", scheme, addr)

	if s.BlockingStart {
		return s.serve()
	}
	s.wait = make(chan bool)
	go s.serve()
	return nil
}

// serverTLSConfig loads the key pair of the listening endpoint and the
// client authentication policy
func serverTLSConfig(cfg *config.ServerTLSConfig) (*tls.Config, error) {
	log.Debugf("TLS is enabled, certificate: %s, key: %s", cfg.CertFile, cfg.KeyFile)
	for name, file := range map[string]string{"tls.certfile": cfg.CertFile, "tls.keyfile": cfg.KeyFile} {
		if !util.FileExists(file) {
			return nil, errors.Errorf("File specified by '%s' does not exist: %s", name, file)
		}
	}
	keyPair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to load TLS key pair")
	}

	authType := strings.ToLower(cfg.ClientAuth.Type)
	if authType == "" {
		authType = defaultClientAuth
	}
	clientAuth, ok := clientAuthTypes[authType]
	if !ok {
		return nil, errors.Errorf("Invalid client auth type provided: '%s'", cfg.ClientAuth.Type)
	}
	log.Debugf("Client authentication type requested: %s", authType)

	var clientCAs *x509.CertPool
	if clientAuth != tls.NoClientCert {
		clientCAs, err = config.LoadPEMCertPool(cfg.ClientAuth.CertFiles)
		if err != nil {
			return nil, err
		}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{keyPair},
		ClientAuth:   clientAuth,
		ClientCAs:    clientCAs,
		MinVersion:   tls.VersionTLS12,
		CipherSuites: config.DefaultCipherSuites,
	}, nil
}

func (s *Server) serve() error {
	listener := s.listener
	if listener == nil {
		return nil
	}
	s.serverError = http.Serve(listener, s.handler)
	log.Errorf("Server has stopped serving: %s", s.serverError)
	s.closeListener()
	err := s.CA.closeDB()
	if err != nil {
		log.Errorf("Close DB failed: %s", err)
	}
	if s.wait != nil {
		close(s.wait)
	}
	return s.serverError
}

// Closes the listening endpoint
func (s *Server) closeListener() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	port := s.Config.Port
	if s.listener == nil {
		msg := fmt.Sprintf("Stop: listener was already closed on port %d", port)
		log.Debug(msg)
		return errors.New(msg)
	}
	err := s.listener.Close()
	s.listener = nil
	if err != nil {
		log.Debugf("Stop: failed to close listener on port %d: %s", port, err)
		return err
	}
	log.Debugf("Stop: successfully closed listener on port %d", port)
	return nil
}

func (s *Server) registerHandlers() {
	s.mux = mux.NewRouter()
	s.registerHandler("cacert", caCertHandler, http.MethodGet, http.MethodHead)
	s.registerHandler("crl", crlHandler, http.MethodGet, http.MethodHead)
	s.registerHandler("certificates", issueHandler, http.MethodPost)
	s.registerHandler("certificates/{serial}", certificateHandler, http.MethodGet)
	s.registerHandler("certificates/{serial}", revokeHandler, http.MethodDelete)
	s.registerHandler("certificates/{serial}/info", infoHandler, http.MethodGet)
	s.mux.Handle("/healthz", s.wrap(healthHandler)).Methods(http.MethodGet)

	s.handler = negroni.New(
		negroni.NewRecovery(),
		negroni.HandlerFunc(s.logEvent),
		negroni.Wrap(s.mux),
	)
}

func (s *Server) registerHandler(path string, e endpoint, methods ...string) {
	s.mux.Handle(apiPathPrefix+path, s.wrap(e)).Methods(methods...)
}

// wrap adapts an endpoint to net/http. PEM results are sent as attachments,
// anything else in the cfssl JSON envelope.
func (s *Server) wrap(e endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log.Debugf("Received request for %s", r.URL.String())
		resp, err := e(s, w, r)
		he := getHTTPErr(err)

		if he == nil {
			switch v := resp.(type) {
			case *pemFile:
				s.writePEM(v, w, r)
				return
			case notModified:
				if !v.lastModified.IsZero() {
					w.Header().Set("Last-Modified", v.lastModified.UTC().Format(http.TimeFormat))
				}
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}

		var body cfsslapi.Response
		if he != nil {
			log.Infof(`%s %s %s %d %d "%s"`, r.RemoteAddr, r.Method, r.URL, he.GetStatusCode(), he.GetLocalCode(), he.GetLocalMsg())
			body = cfsslapi.NewErrorResponse(he.GetRemoteMsg(), he.GetRemoteCode())
		} else {
			body = cfsslapi.NewSuccessResponse(resp)
		}
		s.writeJSON(w, r, he, &body)
	}
}

// writeJSON writes the response envelope, only its headers for HEAD requests
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, he *caerrors.HTTPErr, body *cfsslapi.Response) {
	buf, err := json.Marshal(body)
	if err != nil {
		log.Errorf("Failed encoding response to JSON: %s", err)
		he = caerrors.CreateHTTPErr(500, caerrors.ErrUnknown, "Failed encoding response: %s", err)
		buf, _ = json.Marshal(cfsslapi.NewErrorResponse(he.GetRemoteMsg(), he.GetRemoteCode()))
	}

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Content-Length", strconv.Itoa(len(buf)))
	if he != nil {
		w.WriteHeader(he.GetStatusCode())
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if r.Method != http.MethodHead {
		w.Write(buf)
	}
}

func (s *Server) writePEM(f *pemFile, w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Content-Type", pemContentType)
	h.Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, f.name))
	if !f.lastModified.IsZero() {
		h.Set("Last-Modified", f.lastModified.UTC().Format(http.TimeFormat))
	}
	for k, v := range f.header {
		h.Set(k, v)
	}
	if r.Method == http.MethodHead {
		h.Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
		return
	}
	h.Set("Content-Length", strconv.Itoa(len(f.body)))
	w.WriteHeader(http.StatusOK)
	w.Write(f.body)
}

// getHTTPErr returns the HTTP error carried by err, a 500 when it holds none
func getHTTPErr(err error) *caerrors.HTTPErr {
	if err == nil {
		return nil
	}
	var he *caerrors.HTTPErr
	if errors.As(err, &he) {
		return he
	}
	return caerrors.CreateHTTPErr(500, caerrors.ErrUnknown, "%s", err)
}

// Handler returns the HTTP handler serving the API, available once the
// server is started
func (s *Server) Handler() http.Handler {
	return s.handler
}
