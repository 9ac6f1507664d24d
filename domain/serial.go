package domain

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
)

var serialRegex = regexp.MustCompile(`^[0-9A-F]{16}$`)

// ErrMalformedSerial is returned when a textual serial number is not made of
// exactly 16 uppercase hexadecimal digits.
var ErrMalformedSerial = errors.New("Malformed serial number")

// SerialNumber identifies an issued certificate. Values are confined to the
// non-negative int64 range.
type SerialNumber int64

// String returns the 16 uppercase hex digits form of the serial number
func (s SerialNumber) String() string {
	return fmt.Sprintf("%016X", int64(s))
}

// BigInt returns the serial number as the type used by x509 templates
func (s SerialNumber) BigInt() *big.Int {
	return big.NewInt(int64(s))
}

// ParseSerialNumber parses the 16 hex digits form produced by String
func ParseSerialNumber(text string) (SerialNumber, error) {
	if !serialRegex.MatchString(text) {
		return 0, errors.Wrapf(ErrMalformedSerial, "'%s'", text)
	}
	v, err := strconv.ParseUint(text, 16, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformedSerial, "'%s'", text)
	}
	if v > math.MaxInt64 {
		return 0, errors.Wrapf(ErrMalformedSerial, "'%s' is out of range", text)
	}
	return SerialNumber(v), nil
}

// NewRandomSerialNumber draws a serial number uniformly from [0, 2^63)
func NewRandomSerialNumber() (SerialNumber, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).SetUint64(1<<63))
	if err != nil {
		return 0, errors.Wrap(err, "Failed to generate serial number")
	}
	return SerialNumber(n.Int64()), nil
}
