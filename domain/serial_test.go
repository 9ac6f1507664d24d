package domain

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialNumberString(t *testing.T) {
	assert.Equal(t, "00000000000000FF", SerialNumber(255).String())
	assert.Equal(t, "0000000000000000", SerialNumber(0).String())
	assert.Equal(t, "7FFFFFFFFFFFFFFF", SerialNumber(math.MaxInt64).String())
}

func TestParseSerialNumber(t *testing.T) {
	s, err := ParseSerialNumber("00000000000000FF")
	require.NoError(t, err)
	assert.Equal(t, SerialNumber(255), s)

	s, err = ParseSerialNumber("7FFFFFFFFFFFFFFF")
	require.NoError(t, err)
	assert.Equal(t, SerialNumber(math.MaxInt64), s)

	bad := []string{"", "ff", "00000000000000ff", "0000000000000FF", "00000000000000FFF", "000000000000000G", "8000000000000000", "FFFFFFFFFFFFFFFF"}
	for _, text := range bad {
		_, err = ParseSerialNumber(text)
		assert.Error(t, err, text)
		assert.True(t, errors.Is(err, ErrMalformedSerial), text)
	}
}

func TestSerialNumberRoundTrip(t *testing.T) {
	for i := 0; i < 100; i++ {
		s, err := NewRandomSerialNumber()
		require.NoError(t, err)
		assert.True(t, s >= 0)

		parsed, err := ParseSerialNumber(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
		assert.Equal(t, 0, parsed.BigInt().Cmp(s.BigInt()))
	}
}
