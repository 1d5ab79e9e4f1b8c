package errs

import "net/http"

const (
	ServerInternalError = 500

	ArgsError           = 1001
	NoPermissionError   = 1002
	RecordNotFoundError = 1003
	ConflictError       = 1004
	SeqConflictError    = 1005
	DuplicateKeyError   = 1006
	BusyError           = 1007

	TokenInvalidError = 1501
	TokenMissingError = 1502
	TokenExpiredError = 1503
)

var (
	ErrInternalServer = NewCodeError(ServerInternalError, "ServerInternalError")

	ErrArgs           = NewCodeError(ArgsError, "ValidationError")
	ErrNoPermission   = NewCodeError(NoPermissionError, "PermissionError")
	ErrRecordNotFound = NewCodeError(RecordNotFoundError, "NotFoundError")
	ErrConflict       = NewCodeError(ConflictError, "ConflictError")
	ErrSeqConflict    = NewCodeError(SeqConflictError, "SeqConflictError")
	ErrDuplicateKey   = NewCodeError(DuplicateKeyError, "DuplicateKeyError")
	ErrBusy           = NewCodeError(BusyError, "BusyError")

	ErrTokenInvalid = NewCodeError(TokenInvalidError, "TokenInvalidError")
	ErrTokenMissing = NewCodeError(TokenMissingError, "TokenMissingError")
	ErrTokenExpired = NewCodeError(TokenExpiredError, "TokenExpiredError")
)

func init() {
	_ = DefaultCodeRelation.Add(TokenInvalidError, TokenMissingError)
	_ = DefaultCodeRelation.Add(TokenInvalidError, TokenExpiredError)
	_ = DefaultCodeRelation.Add(ConflictError, SeqConflictError)
	_ = DefaultCodeRelation.Add(ConflictError, DuplicateKeyError)
}

// HTTPStatus maps an error chain onto a response status. Unknown errors are 500.
func HTTPStatus(err error) int {
	ce, ok := CodeOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch {
	case DefaultCodeRelation.Is(ArgsError, ce.Code):
		return http.StatusBadRequest
	case DefaultCodeRelation.Is(NoPermissionError, ce.Code):
		return http.StatusForbidden
	case DefaultCodeRelation.Is(RecordNotFoundError, ce.Code):
		return http.StatusNotFound
	case DefaultCodeRelation.Is(ConflictError, ce.Code):
		return http.StatusConflict
	case ce.Code == BusyError:
		return http.StatusTooManyRequests
	case DefaultCodeRelation.Is(TokenInvalidError, ce.Code):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
