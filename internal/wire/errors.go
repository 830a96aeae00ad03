package wire

// ErrorCode is a wire-visible error code, sent to an app in a
// CONNECTION_ERROR frame or reported as the Code of an INTERNAL_ERROR.
// The full vocabulary is fixed by §6 of the design spec.
type ErrorCode string

const (
	ErrInvalidJWT        ErrorCode = "INVALID_JWT"
	ErrJWTSignatureFail  ErrorCode = "JWT_SIGNATURE_FAILED"
	ErrPackageNotFound   ErrorCode = "PACKAGE_NOT_FOUND"
	ErrInvalidAPIKey     ErrorCode = "INVALID_API_KEY"
	ErrSessionNotFound   ErrorCode = "SESSION_NOT_FOUND"
	ErrMalformedMessage  ErrorCode = "MALFORMED_MESSAGE"
	ErrPermissionDenied  ErrorCode = "PERMISSION_DENIED"
	ErrInternal          ErrorCode = "INTERNAL_ERROR"
	ErrWifiNotConnected  ErrorCode = "WIFI_NOT_CONNECTED"
)

// WireError pairs an ErrorCode with a human-readable message and records
// whether the dispatcher should close the offending channel after sending
// it (per §7's taxonomy: protocol/authorization errors close, precondition
// and timeout errors generally don't).
type WireError struct {
	Code    ErrorCode
	Message string
	Close   bool
}

func (e *WireError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// NewCloseError builds a WireError that closes the connection (protocol and
// authorization failures per §7.1/§7.2).
func NewCloseError(code ErrorCode, msg string) *WireError {
	return &WireError{Code: code, Message: msg, Close: true}
}

// NewSoftError builds a WireError that does not close the connection
// (precondition failures per §7.3, excepting WIFI_NOT_CONNECTED which is
// also soft but surfaced distinctly so apps can branch on it).
func NewSoftError(code ErrorCode, msg string) *WireError {
	return &WireError{Code: code, Message: msg, Close: false}
}

// CloseCodePolicyViolation is the WebSocket close code used when a
// dispatcher closes a channel after a wire error (§4.6: "close the channel
// with code 1008").
const CloseCodePolicyViolation = 1008
