package client

import (
	"bytes"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	cfsslapi "github.com/cloudflare/cfssl/api"
	"github.com/cloudflare/cfssl/csr"
	"github.com/cloudflare/cfssl/helpers"
	"github.com/cloudflare/cfssl/log"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/simplepki/api"
	"github.com/rkcloudchain/simplepki/config"
)

const (
	defaultServerPort = "7054"
	apiPath           = "pki/v1"
	serialHeader      = "X-Cert-Serial-Number"
	maxResponseSize   = 16 * 1024 * 1024
)

// Client is the simple-pki client object
type Client struct {
	// The client's home directory
	HomeDir string
	// The client's configuration
	Config *config.ClientConfig
	// HTTP client associated with this simple-pki client
	httpClient  *http.Client
	initialized bool
}

// IssueResponse is the outcome of a certificate request
type IssueResponse struct {
	Cert         *x509.Certificate
	CertPEM      []byte
	SerialNumber string
}

// Init initialize the client
func (c *Client) Init() error {
	if !c.initialized {
		if c.Config == nil {
			c.Config = new(config.ClientConfig)
		}
		log.Debugf("Initializing client with config %+v", c.Config)

		err := c.initHTTPClient()
		if err != nil {
			return err
		}
		c.initialized = true
	}
	return nil
}

func (c *Client) initHTTPClient() error {
	tr := new(http.Transport)
	if c.Config.TLS.Enabled {
		log.Info("TLS enabled")

		err := config.AbsTLSClient(&c.Config.TLS, c.HomeDir)
		if err != nil {
			return err
		}

		tlsConfig, err2 := config.GetClientTLSConfig(&c.Config.TLS)
		if err2 != nil {
			return errors.Errorf("Failed to get client TLS config: %s", err2)
		}
		tlsConfig.CipherSuites = config.DefaultCipherSuites
		tr.TLSClientConfig = tlsConfig
	}
	c.httpClient = &http.Client{Transport: tr}
	return nil
}

// GenCSR generates a CSR (Certificate Signing Request) and its private key
func (c *Client) GenCSR(req *api.CSRInfo) (csrPEM, keyPEM []byte, err error) {
	log.Debugf("GenCSR %+v", req)

	if req == nil {
		req = new(api.CSRInfo)
	}
	cr := req.CertificateRequest()
	if len(cr.Hosts) == 0 {
		hostname, _ := os.Hostname()
		if hostname != "" {
			cr.Hosts = []string{hostname}
		}
	}

	csrPEM, keyPEM, err = csr.ParseRequest(cr)
	if err != nil {
		log.Debugf("failed generating CSR: %s", err)
		return nil, nil, errors.Wrap(err, "Failed to generate certificate signing request")
	}
	return csrPEM, keyPEM, nil
}

// Issue asks the server to sign csrPEM
func (c *Client) Issue(csrPEM []byte) (*IssueResponse, error) {
	req, err := c.newRequest(http.MethodPost, "certificates", bytes.NewReader(csrPEM))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-pem-file")

	resp, body, err := c.sendRaw(req)
	if err != nil {
		return nil, err
	}
	cert, err := helpers.ParseCertificatePEM(body)
	if err != nil {
		return nil, errors.Wrap(err, "Invalid certificate in server response")
	}
	return &IssueResponse{Cert: cert, CertPEM: body, SerialNumber: resp.Header.Get(serialHeader)}, nil
}

// GetCACert returns the certificate of the CA
func (c *Client) GetCACert() (*x509.Certificate, error) {
	return c.getCertificate("cacert")
}

// GetCertificate returns the certificate issued with serial
func (c *Client) GetCertificate(serial string) (*x509.Certificate, error) {
	return c.getCertificate("certificates/" + url.PathEscape(serial))
}

func (c *Client) getCertificate(endpoint string) (*x509.Certificate, error) {
	req, err := c.newRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	_, body, err := c.sendRaw(req)
	if err != nil {
		return nil, err
	}
	cert, err := helpers.ParseCertificatePEM(body)
	if err != nil {
		return nil, errors.Wrap(err, "Invalid certificate in server response")
	}
	return cert, nil
}

// GetCertificateInfo returns what the server records about the certificate
func (c *Client) GetCertificateInfo(serial string) (*api.CertificateInfoResponseNet, error) {
	req, err := c.newRequest(http.MethodGet, "certificates/"+url.PathEscape(serial)+"/info", nil)
	if err != nil {
		return nil, err
	}
	result := new(api.CertificateInfoResponseNet)
	err = c.SendReq(req, result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Revoke revokes the certificate. It returns false when the certificate
// was already revoked.
func (c *Client) Revoke(serial string) (bool, error) {
	req, err := c.newRequest(http.MethodDelete, "certificates/"+url.PathEscape(serial), nil)
	if err != nil {
		return false, err
	}
	resp, _, err := c.sendRaw(req)
	if err != nil {
		return false, err
	}
	return resp.StatusCode != http.StatusNotModified, nil
}

// GetCRL fetches the CRL. When ifModifiedSince is set and the CRL has not
// changed since, it returns false and no CRL.
func (c *Client) GetCRL(ifModifiedSince time.Time) (*x509.RevocationList, bool, error) {
	req, err := c.newRequest(http.MethodGet, "crl", nil)
	if err != nil {
		return nil, false, err
	}
	if !ifModifiedSince.IsZero() {
		req.Header.Set("If-Modified-Since", ifModifiedSince.UTC().Format(http.TimeFormat))
	}
	resp, body, err := c.sendRaw(req)
	if err != nil {
		return nil, false, err
	}
	if resp.StatusCode == http.StatusNotModified {
		return nil, false, nil
	}

	block, _ := pem.Decode(body)
	if block == nil || block.Type != "X509 CRL" {
		return nil, false, errors.New("Server response does not hold a PEM encoded CRL")
	}
	crl, err := x509.ParseRevocationList(block.Bytes)
	if err != nil {
		return nil, false, errors.Wrap(err, "Invalid CRL in server response")
	}
	return crl, true, nil
}

// SendReq sends a request to the simple-pki server and fills in the result
func (c *Client) SendReq(req *http.Request, result interface{}) (err error) {
	_, respBody, err := c.sendRaw(req)
	if err != nil {
		return err
	}
	urlStr := req.URL.String()

	var body *cfsslapi.Response
	if len(respBody) > 0 {
		body = new(cfsslapi.Response)
		err = json.Unmarshal(respBody, body)
		if err != nil {
			return errors.Wrapf(err, "Failed to parse response: %s", respBody)
		}
	}
	if body == nil {
		return errors.Errorf("Empty response body: \n%s", urlStr)
	}
	if !body.Success {
		return errors.Errorf("Server returned failure for request: \n%s", urlStr)
	}
	log.Debugf("Response body result: %+v", body.Result)
	if result != nil {
		return decodeResult(body.Result, result)
	}
	return nil
}

// sendRaw sends req and returns the response with its body read. Error
// statuses are returned as errors carrying the server's messages.
func (c *Client) sendRaw(req *http.Request) (*http.Response, []byte, error) {
	urlStr := req.URL.String()
	log.Debugf("Sending request %s", urlStr)

	err := c.Init()
	if err != nil {
		return nil, nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "%s failure of request: %s", req.Method, urlStr)
	}
	defer func() {
		err := resp.Body.Close()
		if err != nil {
			log.Debugf("Failed to close the response body: %s", err.Error())
		}
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "Failed to read response of request: %s", urlStr)
	}

	scode := resp.StatusCode
	if scode >= 400 {
		body := new(cfsslapi.Response)
		if json.Unmarshal(respBody, body) == nil && len(body.Errors) > 0 {
			var errorMsg string
			for _, err := range body.Errors {
				msg := fmt.Sprintf("Response from server: Error code: %d - %s\n", err.Code, err.Message)
				if errorMsg == "" {
					errorMsg = msg
				} else {
					errorMsg = errorMsg + fmt.Sprintf("\n%s", msg)
				}
			}
			return nil, nil, &StatusError{Code: scode, Msg: errorMsg}
		}
		return nil, nil, &StatusError{Code: scode, Msg: fmt.Sprintf("Failed with server status code %d for request: \n%s", scode, urlStr)}
	}
	return resp, respBody, nil
}

// StatusError is returned when the server answers with an error status
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string {
	return e.Msg
}

// IsNotFound returns true when err reports an unknown certificate
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

func decodeResult(input, result interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeHookFunc(time.RFC3339),
		TagName:    "json",
		Result:     result,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

func (c *Client) newRequest(method, endpoint string, body io.Reader) (*http.Request, error) {
	curl, err := c.getURL(endpoint)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(method, curl, body)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed creating %s request to %s", method, curl)
	}
	return req, nil
}

func (c *Client) getURL(endpoint string) (string, error) {
	if c.Config == nil {
		c.Config = new(config.ClientConfig)
	}
	nurl, err := NormalizeURL(c.Config.URL)
	if err != nil {
		return "", err
	}
	rtn := fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(nurl.String(), "/"), apiPath, endpoint)
	return rtn, nil
}

// NormalizeURL normalizes a URL (from cfssl)
func NormalizeURL(addr string) (*url.URL, error) {
	addr = strings.TrimSpace(addr)
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	if u.Opaque != "" {
		u.Host = net.JoinHostPort(u.Scheme, u.Opaque)
		u.Opaque = ""
	} else if u.Host == "" && u.Path != "" && !strings.Contains(u.Path, ":") {
		u.Host = net.JoinHostPort(u.Path, defaultServerPort)
		u.Path = ""
	} else if u.Scheme == "" {
		u.Host = u.Path
		u.Path = ""
	}
	if u.Scheme != "https" {
		u.Scheme = "http"
	}
	_, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		_, port, err = net.SplitHostPort(u.Host + ":" + defaultServerPort)
		if err != nil {
			return nil, err
		}
	}
	if port != "" {
		_, err = strconv.Atoi(port)
		if err != nil {
			return nil, err
		}
	}
	return u, nil
}
