package ca

import (
	"github.com/pkg/errors"
	"github.com/rkcloudchain/simplepki/domain"
)

var (
	// ErrNotFound is returned when no record exists for a serial number
	ErrNotFound = errors.New("No certificate with this serial number")
	// ErrConflict is returned by Save when the stored record changed since it was read
	ErrConflict = errors.New("Concurrent modification of certificate record")
	// ErrDuplicateSerial is returned by Save when inserting a serial number that is taken
	ErrDuplicateSerial = errors.New("Serial number already in use")
	// ErrMalformedInput is returned for unparseable serial numbers and CSRs
	ErrMalformedInput = errors.New("Malformed input")
)

// SigningError reports a failure of the signing operation
type SigningError struct {
	cause error
}

// NewSigningError wraps err as a signing failure
func NewSigningError(err error) *SigningError {
	return &SigningError{cause: err}
}

func (e *SigningError) Error() string {
	return "Failed to sign certificate: " + e.cause.Error()
}

// Cause returns the underlying error
func (e *SigningError) Cause() error {
	return e.cause
}

// Unwrap returns the underlying error
func (e *SigningError) Unwrap() error {
	return e.cause
}

// IsSigningFailure returns true if err was caused by a SigningError
func IsSigningFailure(err error) bool {
	var se *SigningError
	return errors.As(err, &se)
}

// StoreError reports a store failure other than a conflict or a missing record
type StoreError struct {
	// Write is true when the failing operation modified the store
	Write bool
	cause error
}

func storeError(err error, write bool, format string, args ...interface{}) error {
	if err == nil || errors.Is(err, ErrConflict) || errors.Is(err, ErrDuplicateSerial) || errors.Is(err, ErrNotFound) {
		return errors.WithMessagef(err, format, args...)
	}
	return NewStoreError(write, errors.WithMessagef(err, format, args...))
}

// NewStoreError wraps err as a store failure
func NewStoreError(write bool, err error) *StoreError {
	return &StoreError{Write: write, cause: err}
}

func (e *StoreError) Error() string {
	return e.cause.Error()
}

// Cause returns the underlying error
func (e *StoreError) Cause() error {
	return e.cause
}

// Unwrap returns the underlying error
func (e *StoreError) Unwrap() error {
	return e.cause
}

// AsStoreError returns the StoreError in err's chain, if any
func AsStoreError(err error) (*StoreError, bool) {
	var se *StoreError
	ok := errors.As(err, &se)
	return se, ok
}

// ParseSerial parses a textual serial number, reporting bad text as ErrMalformedInput
func ParseSerial(text string) (domain.SerialNumber, error) {
	serial, err := domain.ParseSerialNumber(text)
	if err != nil {
		return 0, errors.Wrap(ErrMalformedInput, err.Error())
	}
	return serial, nil
}
