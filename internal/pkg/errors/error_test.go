package xerrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := map[error]int{
		Wrap(ErrNotFound, "issue"):                    http.StatusNotFound,
		fmt.Errorf("login: %w", ErrUnauthorized):      http.StatusUnauthorized,
		ErrSessionExpired:                             http.StatusUnauthorized,
		Wrap(ErrForbidden, "category"):                http.StatusForbidden,
		ErrInvalidInput:                               http.StatusBadRequest,
		ErrConflict:                                   http.StatusConflict,
		ErrRateLimited:                                http.StatusTooManyRequests,
		errors.New("connection reset"):                http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, HTTPStatus(err), err.Error())
	}
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "noop"))
}
