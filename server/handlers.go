package server

import (
	"encoding/pem"
	"net/http"
	"time"

	"github.com/cloudflare/cfssl/helpers"
	"github.com/cloudflare/cfssl/log"
	"github.com/gorilla/mux"
	"github.com/rkcloudchain/simplepki/api"
	"github.com/rkcloudchain/simplepki/domain"
	caerrors "github.com/rkcloudchain/simplepki/errors"
	"github.com/rkcloudchain/simplepki/metadata"
)

const (
	pemContentType     = "application/x-pem-file"
	serialNumberHeader = "X-Cert-Serial-Number"
)

// pemFile is an endpoint result sent as a PEM attachment instead of the JSON envelope
type pemFile struct {
	name         string
	body         []byte
	lastModified time.Time
	header       map[string]string
}

// notModified is an endpoint result answered with 304
type notModified struct {
	lastModified time.Time
}

func caCertHandler(s *Server, w http.ResponseWriter, r *http.Request) (interface{}, error) {
	cert, err := s.authority.CACertificate(r.Context())
	if err != nil {
		return nil, newHTTPErr(err, "Failed to get CA certificate")
	}
	return &pemFile{
		name:         "cacert.pem",
		body:         helpers.EncodeCertificatePEM(cert),
		lastModified: cert.NotBefore,
	}, nil
}

func crlHandler(s *Server, w http.ResponseWriter, r *http.Request) (interface{}, error) {
	b, err := s.authority.CRLBuilder(r.Context())
	if err != nil {
		return nil, newHTTPErr(err, "Failed to collect revocations")
	}

	if since, ok := parseHTTPDate(r.Header.Get("If-Modified-Since")); ok {
		b.FilterByUpdateTime(func(editionMillis int64) bool {
			return editionMillis/1000 <= since.Unix()
		})
	}

	crl, built, err := b.Build()
	if err != nil {
		return nil, caerrors.NewHTTPErr(500, caerrors.ErrGenCRL, "Failed to generate CRL: %s", err)
	}
	if !built {
		log.Debugf("CRL of %s is not modified", b.EditionTime())
		return notModified{lastModified: b.EditionTime()}, nil
	}
	return &pemFile{
		name:         "crl.pem",
		body:         pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: crl.Raw}),
		lastModified: crl.ThisUpdate,
	}, nil
}

func issueHandler(s *Server, w http.ResponseWriter, r *http.Request) (interface{}, error) {
	body, err := ReadBodyBytes(r, maxCSRSize)
	if err != nil {
		return nil, err
	}
	csr, err := helpers.ParseCSRPEM(body)
	if err != nil {
		return nil, caerrors.NewHTTPErr(400, caerrors.ErrBadCSR, "Invalid certificate signing request: %s", err)
	}

	cert, err := s.authority.Issue(r.Context(), csr)
	if err != nil {
		return nil, newHTTPErr(err, "Failed to issue certificate")
	}
	serial := domain.SerialNumber(cert.SerialNumber.Int64())
	return &pemFile{
		name:   "cert.pem",
		body:   helpers.EncodeCertificatePEM(cert),
		header: map[string]string{serialNumberHeader: serial.String()},
	}, nil
}

func certificateHandler(s *Server, w http.ResponseWriter, r *http.Request) (interface{}, error) {
	cert, err := s.authority.LookupString(r.Context(), mux.Vars(r)["serial"])
	if err != nil {
		return nil, newHTTPErr(err, "")
	}
	return &pemFile{
		name: "cert.pem",
		body: helpers.EncodeCertificatePEM(cert),
	}, nil
}

func revokeHandler(s *Server, w http.ResponseWriter, r *http.Request) (interface{}, error) {
	serial := mux.Vars(r)["serial"]
	at := s.now().UTC()
	revoked, err := s.authority.RevokeString(r.Context(), serial, at)
	if err != nil {
		return nil, newHTTPErr(err, "Failed to revoke certificate")
	}
	if !revoked {
		return notModified{}, nil
	}
	return &api.RevocationResponseNet{SerialNumber: serial, RevocationDate: at}, nil
}

func infoHandler(s *Server, w http.ResponseWriter, r *http.Request) (interface{}, error) {
	serial, err := domain.ParseSerialNumber(mux.Vars(r)["serial"])
	if err != nil {
		return nil, caerrors.NewHTTPErr(400, caerrors.ErrBadSerial, "%s", err)
	}
	record, err := s.authority.Info(r.Context(), serial)
	if err != nil {
		return nil, newHTTPErr(err, "")
	}
	return &api.CertificateInfoResponseNet{
		SerialNumber:     record.SerialNumber.String(),
		Subject:          record.Subject,
		NotBefore:        record.NotValidBefore,
		NotAfter:         record.NotValidAfter,
		Revoked:          record.IsRevoked(),
		RevocationDate:   record.RevocationDate,
		RevocationReason: record.RevocationReason,
	}, nil
}

func healthHandler(s *Server, w http.ResponseWriter, r *http.Request) (interface{}, error) {
	return &api.HealthResponseNet{Status: "UP", Version: metadata.GetVersion()}, nil
}
