package server

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/simplepki/ca"
	caerrors "github.com/rkcloudchain/simplepki/errors"
	"github.com/rkcloudchain/simplepki/util"
)

// maxCSRSize bounds the body of a certificate request
const maxCSRSize = 64 * 1024

// openSSLDateFormat is the If-Modified-Since form sent by OpenSSL based clients
const openSSLDateFormat = "Jan _2 15:04:05 2006 MST"

var clientAuthTypes = map[string]tls.ClientAuthType{
	"noclientcert":               tls.NoClientCert,
	"requestclientcert":          tls.RequestClientCert,
	"requireanyclientcert":       tls.RequireAnyClientCert,
	"verifyclientcertifgiven":    tls.VerifyClientCertIfGiven,
	"requireandverifyclientcert": tls.RequireAndVerifyClientCert,
}

// ReadBodyBytes reads the request body and returns bytes
func ReadBodyBytes(r *http.Request, limit int) ([]byte, error) {
	buf, err := util.Read(r.Body, make([]byte, limit))
	if err != nil {
		return nil, caerrors.NewHTTPErr(400, caerrors.ErrReadBody, "Failed reading request body: %s", err)
	}
	return buf, nil
}

// parseHTTPDate parses a conditional request date. Besides the formats of
// http.ParseTime it accepts OpenSSL's "Jan  2 15:04:05 2006 GMT".
func parseHTTPDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(value)
	if err == nil {
		return t, true
	}
	t, err = time.Parse(openSSLDateFormat, value)
	if err == nil {
		return t.UTC(), true
	}
	log.Debugf("Ignoring unparsable date '%s'", value)
	return time.Time{}, false
}

// newHTTPErr translates a CA error into an HTTP error
func newHTTPErr(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	var he *caerrors.HTTPErr
	if errors.As(err, &he) {
		return err
	}

	var scode, code int
	switch {
	case errors.Is(err, ca.ErrMalformedInput):
		scode, code = http.StatusBadRequest, caerrors.ErrBadSerial
	case errors.Is(err, ca.ErrNotFound):
		scode, code = http.StatusNotFound, caerrors.ErrCertNotFound
	case errors.Is(err, ca.ErrConflict), errors.Is(err, ca.ErrDuplicateSerial):
		scode, code = http.StatusConflict, caerrors.ErrConcurrentUpdate
	case ca.IsSigningFailure(err):
		scode, code = http.StatusInternalServerError, caerrors.ErrSigning
	case isStoreFailure(err, true):
		scode, code = http.StatusInternalServerError, caerrors.ErrDBSave
	case isStoreFailure(err, false):
		scode, code = http.StatusInternalServerError, caerrors.ErrDBGet
	default:
		scode, code = http.StatusInternalServerError, caerrors.ErrUnknown
	}

	prefix := ""
	if format != "" {
		prefix = fmt.Sprintf(format, args...) + ": "
	}
	return caerrors.NewHTTPErr(scode, code, "%s%s", prefix, err)
}

func isStoreFailure(err error, write bool) bool {
	se, ok := ca.AsStoreError(err)
	return ok && se.Write == write
}
