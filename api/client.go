package api

import (
	"github.com/cloudflare/cfssl/csr"
)

// CSRInfo is Certificate Signing Request (CSR) Information
type CSRInfo struct {
	CN           string           `json:"CN" help:"The common name field of the certificate signing request"`
	Names        []csr.Name       `json:"names,omitempty"`
	Hosts        []string         `json:"hosts,omitempty" help:"A list of comma-separated host names in a certificate signing request"`
	KeyRequest   *BasicKeyRequest `json:"key,omitempty"`
	CA           *csr.CAConfig    `json:"ca,omitempty" skip:"true"`
	SerialNumber string           `json:"serial_number,omitempty" help:"The serial number in a certificate signing request"`
}

// BasicKeyRequest encapsulates size and algorithm for the key to be generated
type BasicKeyRequest struct {
	Algo string `json:"algo" yaml:"algo" help:"Specify key algorithm"`
	Size int    `json:"size" yaml:"size" help:"Specify key size"`
}

// NewBasicKeyRequest returns the BasicKeyRequest object that is constructed
// from the object returned by the csr.NewKeyRequest() function
func NewBasicKeyRequest() *BasicKeyRequest {
	kr := csr.NewKeyRequest()
	return &BasicKeyRequest{Algo: kr.A, Size: kr.S}
}

// CertificateRequest converts the CSR information into a cfssl request
func (ci *CSRInfo) CertificateRequest() *csr.CertificateRequest {
	req := csr.New()
	req.CN = ci.CN
	req.Names = ci.Names
	req.Hosts = ci.Hosts
	req.SerialNumber = ci.SerialNumber
	req.CA = ci.CA
	if ci.KeyRequest != nil && ci.KeyRequest.Algo != "" {
		req.KeyRequest = &csr.KeyRequest{A: ci.KeyRequest.Algo, S: ci.KeyRequest.Size}
	} else {
		req.KeyRequest = csr.NewKeyRequest()
	}
	return req
}
