package domain

import (
	"crypto/x509"
	"time"
)

// EndEntity is the persisted record of a certificate issued by the CA. A
// record starts as a reservation holding only its serial number and is
// finalized once the certificate has been signed. Records are never deleted.
type EndEntity struct {
	SerialNumber     SerialNumber `json:"serial_number"`
	Version          int          `json:"version"`
	Subject          string       `json:"subject,omitempty"`
	NotValidBefore   time.Time    `json:"not_valid_before"`
	NotValidAfter    time.Time    `json:"not_valid_after"`
	Certificate      string       `json:"certificate,omitempty"`
	RevocationDate   *time.Time   `json:"revocation_date,omitempty"`
	RevocationReason int          `json:"revocation_reason"`
}

// NewReservation returns an unsaved record that reserves the serial number
func NewReservation(serial SerialNumber) *EndEntity {
	return &EndEntity{SerialNumber: serial}
}

// IsRevoked reports whether a revocation date has been recorded
func (e *EndEntity) IsRevoked() bool {
	return e.RevocationDate != nil
}

// IsFinalized reports whether the signed certificate has been attached
func (e *EndEntity) IsFinalized() bool {
	return e.Certificate != ""
}

// Finalize fills the record from the signed certificate. certPEM is the PEM
// encoding of cert.
func (e *EndEntity) Finalize(cert *x509.Certificate, certPEM []byte) {
	e.Subject = CanonicalSubject(cert.Subject)
	e.NotValidBefore = cert.NotBefore.UTC()
	e.NotValidAfter = cert.NotAfter.UTC()
	e.Certificate = string(certPEM)
}

// Revoke records the revocation. It returns false, leaving the record
// untouched, when the record was already revoked.
func (e *EndEntity) Revoke(at time.Time, reason int) bool {
	if e.IsRevoked() {
		return false
	}
	date := at.UTC()
	e.RevocationDate = &date
	e.RevocationReason = reason
	return true
}

// RevocationEntry projects a revoked record onto its CRL entry. ok is false
// when the record is not revoked.
func (e *EndEntity) RevocationEntry() (entry RevocationEntry, ok bool) {
	if !e.IsRevoked() {
		return RevocationEntry{}, false
	}
	return RevocationEntry{
		SerialNumber: e.SerialNumber,
		Date:         *e.RevocationDate,
		Reason:       e.RevocationReason,
	}, true
}

// Clone returns a deep copy of the record
func (e *EndEntity) Clone() *EndEntity {
	c := *e
	if e.RevocationDate != nil {
		d := *e.RevocationDate
		c.RevocationDate = &d
	}
	return &c
}

// RevocationEntry is a single CRL line
type RevocationEntry struct {
	SerialNumber SerialNumber
	Date         time.Time
	Reason       int
}

// LatestRevocation returns the maximum revocation date among entries. ok is
// false when entries is empty.
func LatestRevocation(entries []RevocationEntry) (latest time.Time, ok bool) {
	for _, e := range entries {
		if !ok || e.Date.After(latest) {
			latest = e.Date
			ok = true
		}
	}
	return latest, ok
}
