package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeErrorIsThroughWrapping(t *testing.T) {
	err := ErrCrossOrg.WrapMsg("send rejected", "sender", "u1", "recipient", "u2")
	wrapped := fmt.Errorf("handler: %w", err)

	assert.True(t, ErrCrossOrg.Is(wrapped))
	assert.True(t, errors.Is(wrapped, ErrCrossOrg))
	assert.False(t, ErrAuth.Is(wrapped))
	assert.Contains(t, err.Error(), "sender=u1")
}

func TestCodeRelation(t *testing.T) {
	err := ErrRecordNotFound.Wrap()
	assert.True(t, ErrChatNotFound.Is(err))
	assert.False(t, ErrRecordNotFound.Is(ErrChatNotFound.Wrap()))
}

func TestWrapMsgKeepsCause(t *testing.T) {
	cause := errors.New("boom")
	err := WrapMsg(cause, "persist message", "chat", "c1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "persist message, chat=c1: boom", errors.Unwrap(err).Error())
}

func TestHTTPStatus(t *testing.T) {
	cases := map[error]int{
		ErrArgs.Wrap():              http.StatusBadRequest,
		ErrAuth.Wrap():              http.StatusUnauthorized,
		ErrCrossOrg.Wrap():          http.StatusForbidden,
		ErrChatNotFound.Wrap():      http.StatusNotFound,
		errors.New("mongo down"):    http.StatusInternalServerError,
		ErrPanic("nil map write"):   http.StatusInternalServerError,
		ErrTransientDelivery.Wrap(): http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, HTTPStatus(err), err.Error())
	}
	assert.Equal(t, ServerInternalError, Response(errors.New("x")).Code)
}
