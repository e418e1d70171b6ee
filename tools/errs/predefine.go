package errs

import "net/http"

const (
	ServerInternalError = 500

	ArgsError              = 1001
	AuthError              = 1002
	CrossOrgError          = 1003
	ChatNotFoundError      = 1004
	UserNotFoundError      = 1005
	DecryptionError        = 1006
	TransientDeliveryError = 1007
	RecordNotFoundError    = 1008
)

var (
	ErrInternalServer = NewCodeError(ServerInternalError, "ServerInternalError")

	ErrArgs              = NewCodeError(ArgsError, "ArgsError")
	ErrAuth              = NewCodeError(AuthError, "AuthError")
	ErrCrossOrg          = NewCodeError(CrossOrgError, "CrossOrgError")
	ErrChatNotFound      = NewCodeError(ChatNotFoundError, "ChatNotFoundError")
	ErrUserNotFound      = NewCodeError(UserNotFoundError, "UserNotFoundError")
	ErrDecryption        = NewCodeError(DecryptionError, "DecryptionError")
	ErrTransientDelivery = NewCodeError(TransientDeliveryError, "TransientDeliveryError")
	ErrRecordNotFound    = NewCodeError(RecordNotFoundError, "RecordNotFoundError")
)

func init() {
	// a missing chat record surfaces as the chat-level error
	_ = DefaultCodeRelation.Add(ChatNotFoundError, RecordNotFoundError)
}

// HTTPStatus maps an error to the status code the gateway answers with.
// Errors without a code are internal and retryable.
func HTTPStatus(err error) int {
	ce, ok := AsCode(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch ce.Code {
	case ArgsError:
		return http.StatusBadRequest
	case AuthError:
		return http.StatusUnauthorized
	case CrossOrgError:
		return http.StatusForbidden
	case ChatNotFoundError, UserNotFoundError, RecordNotFoundError:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Response converts any error into the wire shape sent to clients.
func Response(err error) *CodeError {
	if ce, ok := AsCode(err); ok {
		return ce
	}
	return ErrInternalServer.WithDetail("retry later")
}
