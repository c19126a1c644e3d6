package parse

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// ============================================================================
// Error kinds
// ============================================================================

// ErrorKind classifies an Error independently of the server's numeric code.
type ErrorKind int

const (
	KindOtherCause ErrorKind = iota
	KindMissingObjectID
	KindInvalidOperation
	KindCircularDependency
	KindSocketNotEstablished
	KindConnectionFailed
	KindHandshakeFailed
	KindConnectionClosed
	KindServerError
	KindDecodingError
)

var kindNames = map[ErrorKind]string{
	KindOtherCause:           "OtherCause",
	KindMissingObjectID:      "MissingObjectId",
	KindInvalidOperation:     "InvalidOperation",
	KindCircularDependency:   "CircularDependency",
	KindSocketNotEstablished: "SocketNotEstablished",
	KindConnectionFailed:     "ConnectionFailed",
	KindHandshakeFailed:      "HandshakeFailed",
	KindConnectionClosed:     "ConnectionClosed",
	KindServerError:          "ServerError",
	KindDecodingError:        "DecodingError",
}

func (k ErrorKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// ============================================================================
// Server codes
// ============================================================================

// ErrorCode is the numeric code used by the server in its error envelope.
type ErrorCode int

const (
	CodeOtherCause                ErrorCode = -1
	CodeInternalServer            ErrorCode = 1
	CodeConnectionFailed          ErrorCode = 100
	CodeObjectNotFound            ErrorCode = 101
	CodeInvalidQuery              ErrorCode = 102
	CodeInvalidClassName          ErrorCode = 103
	CodeMissingObjectID           ErrorCode = 104
	CodeInvalidKeyName            ErrorCode = 105
	CodeInvalidPointer            ErrorCode = 106
	CodeInvalidJSON               ErrorCode = 107
	CodeCommandUnavailable        ErrorCode = 108
	CodeNotInitialized            ErrorCode = 109
	CodeIncorrectType             ErrorCode = 111
	CodeInvalidChannelName        ErrorCode = 112
	CodePushMisconfigured         ErrorCode = 115
	CodeObjectTooLarge            ErrorCode = 116
	CodeOperationForbidden        ErrorCode = 119
	CodeCacheMiss                 ErrorCode = 120
	CodeInvalidNestedKey          ErrorCode = 121
	CodeInvalidFileName           ErrorCode = 122
	CodeInvalidACL                ErrorCode = 123
	CodeTimeout                   ErrorCode = 124
	CodeInvalidEmailAddress       ErrorCode = 125
	CodeMissingContentType        ErrorCode = 126
	CodeMissingContentLength      ErrorCode = 127
	CodeInvalidContentLength      ErrorCode = 128
	CodeFileTooLarge              ErrorCode = 129
	CodeFileSaveError             ErrorCode = 130
	CodeFileDeleteError           ErrorCode = 131
	CodeDuplicateValue            ErrorCode = 137
	CodeInvalidRoleName           ErrorCode = 139
	CodeExceededQuota             ErrorCode = 140
	CodeScriptFailed              ErrorCode = 141
	CodeValidationFailed          ErrorCode = 142
	CodeRequestLimitExceeded      ErrorCode = 155
	CodeDuplicateRequest          ErrorCode = 159
	CodeInvalidEventName          ErrorCode = 160
	CodeUsernameMissing           ErrorCode = 200
	CodePasswordMissing           ErrorCode = 201
	CodeUsernameTaken             ErrorCode = 202
	CodeEmailTaken                ErrorCode = 203
	CodeEmailMissing              ErrorCode = 204
	CodeEmailNotFound             ErrorCode = 205
	CodeSessionMissing            ErrorCode = 206
	CodeMustCreateUserThroughSign ErrorCode = 207
	CodeAccountAlreadyLinked      ErrorCode = 208
	CodeInvalidSessionToken       ErrorCode = 209
	CodeLinkedIDMissing           ErrorCode = 250
	CodeInvalidLinkedSession      ErrorCode = 251
	CodeUnsupportedService        ErrorCode = 252
)

var codeNames = map[ErrorCode]string{
	CodeOtherCause:                "otherCause",
	CodeInternalServer:            "internalServer",
	CodeConnectionFailed:          "connectionFailed",
	CodeObjectNotFound:            "objectNotFound",
	CodeInvalidQuery:              "invalidQuery",
	CodeInvalidClassName:          "invalidClassName",
	CodeMissingObjectID:           "missingObjectId",
	CodeInvalidKeyName:            "invalidKeyName",
	CodeInvalidPointer:            "invalidPointer",
	CodeInvalidJSON:               "invalidJSON",
	CodeCommandUnavailable:        "commandUnavailable",
	CodeNotInitialized:            "notInitialized",
	CodeIncorrectType:             "incorrectType",
	CodeInvalidChannelName:        "invalidChannelName",
	CodePushMisconfigured:         "pushMisconfigured",
	CodeObjectTooLarge:            "objectTooLarge",
	CodeOperationForbidden:        "operationForbidden",
	CodeCacheMiss:                 "cacheMiss",
	CodeInvalidNestedKey:          "invalidNestedKey",
	CodeInvalidFileName:           "invalidFileName",
	CodeInvalidACL:                "invalidACL",
	CodeTimeout:                   "timeout",
	CodeInvalidEmailAddress:       "invalidEmailAddress",
	CodeMissingContentType:        "missingContentType",
	CodeMissingContentLength:      "missingContentLength",
	CodeInvalidContentLength:      "invalidContentLength",
	CodeFileTooLarge:              "fileTooLarge",
	CodeFileSaveError:             "fileSaveError",
	CodeFileDeleteError:           "fileDeleteError",
	CodeDuplicateValue:            "duplicateValue",
	CodeInvalidRoleName:           "invalidRoleName",
	CodeExceededQuota:             "exceededQuota",
	CodeScriptFailed:              "scriptFailed",
	CodeValidationFailed:          "validationFailed",
	CodeRequestLimitExceeded:      "requestLimitExceeded",
	CodeDuplicateRequest:          "duplicateRequest",
	CodeInvalidEventName:          "invalidEventName",
	CodeUsernameMissing:           "usernameMissing",
	CodePasswordMissing:           "passwordMissing",
	CodeUsernameTaken:             "usernameTaken",
	CodeEmailTaken:                "emailTaken",
	CodeEmailMissing:              "emailMissing",
	CodeEmailNotFound:             "emailNotFound",
	CodeSessionMissing:            "sessionMissing",
	CodeMustCreateUserThroughSign: "mustCreateUserThroughSignup",
	CodeAccountAlreadyLinked:      "accountAlreadyLinked",
	CodeInvalidSessionToken:       "invalidSessionToken",
	CodeLinkedIDMissing:           "linkedIdMissing",
	CodeInvalidLinkedSession:      "invalidLinkedSession",
	CodeUnsupportedService:        "unsupportedService",
}

// Known reports whether the code is part of the server's documented table.
func (c ErrorCode) Known() bool {
	_, ok := codeNames[c]
	return ok && c >= 0
}

func (c ErrorCode) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("other(%d)", int(c))
}

// ============================================================================
// Error
// ============================================================================

// Error is the single error type returned by every entry point of the SDK.
// Code preserves the server's original numeric code, even when Kind has been
// collapsed to KindOtherCause.
type Error struct {
	Kind    ErrorKind
	Code    ErrorCode
	Message string
	Err     error
}

// Sentinels for errors.Is. They match any Error of the same kind.
var (
	ErrMissingObjectID      = &Error{Kind: KindMissingObjectID}
	ErrInvalidOperation     = &Error{Kind: KindInvalidOperation}
	ErrCircularDependency   = &Error{Kind: KindCircularDependency}
	ErrSocketNotEstablished = &Error{Kind: KindSocketNotEstablished}
	ErrConnectionFailed     = &Error{Kind: KindConnectionFailed}
	ErrHandshakeFailed      = &Error{Kind: KindHandshakeFailed}
	ErrConnectionClosed     = &Error{Kind: KindConnectionClosed}
	ErrServer               = &Error{Kind: KindServerError}
	ErrDecoding             = &Error{Kind: KindDecodingError}
	ErrOtherCause           = &Error{Kind: KindOtherCause}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("ParseError code=%d error=%s", int(e.Code), msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind, and on Code when the target carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == 0 || t.Code == e.Code
}

// UnmarshalJSON decodes the server envelope {"code": n, "error"|"message": s}.
func (e *Error) UnmarshalJSON(data []byte) error {
	var env struct {
		Code    *int   `json:"code"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	code := int(CodeOtherCause)
	if env.Code != nil {
		code = *env.Code
	}
	msg := env.Error
	if msg == "" {
		msg = env.Message
	}
	*e = *serverError(ErrorCode(code), msg)
	return nil
}

// MarshalJSON encodes the error back into the server envelope.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{"code": int(e.Code), "error": e.Message})
}

func serverError(code ErrorCode, msg string) *Error {
	kind := KindServerError
	if !code.Known() || code == CodeOtherCause {
		kind = KindOtherCause
	}
	return &Error{Kind: kind, Code: code, Message: msg}
}

func newError(kind ErrorKind, code ErrorCode, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind ErrorKind, code ErrorCode, msg string, err error) *Error {
	if err != nil {
		msg = msg + ": " + err.Error()
	}
	return &Error{Kind: kind, Code: code, Message: msg, Err: err}
}

func errMissingObjectID(className string) *Error {
	return newError(KindMissingObjectID, CodeMissingObjectID, "%s is missing objectId", className)
}

// IsCode reports whether err is an Error carrying the given server code.
func IsCode(err error, code ErrorCode) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == code
}

// KindOf returns the kind of err, or KindOtherCause for foreign errors.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindOtherCause
}
