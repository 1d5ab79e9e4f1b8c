package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapMsgKeepsCodeIdentity(t *testing.T) {
	err := ErrRecordNotFound.WrapMsg("room not found", "roomId", 42)

	assert.True(t, errors.Is(err, ErrRecordNotFound))
	assert.False(t, errors.Is(err, ErrArgs))

	ce, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, RecordNotFoundError, ce.Code)
	assert.Equal(t, "room not found, roomId=42", ce.Detail)
	assert.Empty(t, ErrRecordNotFound.Detail, "predefined error must not be mutated")
}

func TestRelatedCodesMatchParent(t *testing.T) {
	err := fmt.Errorf("append: %w", ErrSeqConflict.Wrap())
	assert.True(t, errors.Is(err, ErrSeqConflict))
	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(ErrConflict.Wrap(), ErrSeqConflict))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[error]int{
		ErrArgs.WrapMsg("x"):          http.StatusBadRequest,
		ErrNoPermission.Wrap():        http.StatusForbidden,
		ErrRecordNotFound.Wrap():      http.StatusNotFound,
		ErrConflict.Wrap():            http.StatusConflict,
		ErrDuplicateKey.Wrap():        http.StatusConflict,
		ErrBusy.Wrap():                http.StatusTooManyRequests,
		ErrTokenMissing.Wrap():        http.StatusUnauthorized,
		errors.New("boom"):            http.StatusInternalServerError,
		ErrInternalServer.WrapMsg(""): http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, HTTPStatus(err), err.Error())
	}
}

func TestErrPanic(t *testing.T) {
	assert.Nil(t, ErrPanic(nil))
	err := ErrPanic("kaboom")
	ce, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, ServerInternalError, ce.Code)
	assert.Equal(t, "kaboom", ce.Detail)
}
