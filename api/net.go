package api

import (
	"time"
)

// CertificateInfoResponseNet is the response to the GET /certificates/{serial}/info request
type CertificateInfoResponseNet struct {
	SerialNumber     string     `json:"serial_number"`
	Subject          string     `json:"subject"`
	NotBefore        time.Time  `json:"not_before"`
	NotAfter         time.Time  `json:"not_after"`
	Revoked          bool       `json:"revoked"`
	RevocationDate   *time.Time `json:"revocation_date,omitempty"`
	RevocationReason int        `json:"revocation_reason,omitempty"`
}

// RevocationResponseNet is the response to the DELETE /certificates/{serial} request
type RevocationResponseNet struct {
	SerialNumber   string    `json:"serial_number"`
	RevocationDate time.Time `json:"revocation_date"`
}

// HealthResponseNet is the response to the GET /healthz request
type HealthResponseNet struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
