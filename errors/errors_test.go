package errors

import (
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestFatalError(t *testing.T) {
	err := NewFatalError(25, "fatal error: %s", "server")
	assert.Equal(t, 25, err.code)
	assert.Equal(t, "fatal error: server", err.msg)

	assert.Equal(t, "Code: 25 - fatal error: server", err.Error())
}

func TestIsFatalError(t *testing.T) {
	ferr := NewFatalError(ErrKeyMaterial, "fatal error: %s", "server")
	assert.True(t, IsFatalError(ferr))
	assert.True(t, IsFatalError(errors.WithMessage(ferr, "init")))

	err := NewServerError(ErrDBGet, "db error: %s", "timeout")
	assert.False(t, IsFatalError(err))
}

func TestHTTPErr(t *testing.T) {
	he := CreateHTTPErr(http.StatusNotFound, ErrCertNotFound, "no certificate %s", "0A")
	assert.Equal(t, "scode: 404, code: 20, msg: no certificate 0A", he.Error())
	assert.Equal(t, http.StatusNotFound, he.GetStatusCode())

	he.Remote(ErrUnknown, "not found")
	assert.Equal(t, ErrUnknown, he.GetRemoteCode())
	assert.Equal(t, "not found", he.GetRemoteMsg())
	assert.Equal(t, "no certificate 0A", he.GetLocalMsg())
	assert.Contains(t, he.Error(), "remote msg: not found")

	wrapped := NewHTTPErr(http.StatusConflict, ErrConcurrentUpdate, "conflict")
	var target *HTTPErr
	assert.True(t, errors.As(wrapped, &target))
	assert.Equal(t, http.StatusConflict, target.GetStatusCode())
}
