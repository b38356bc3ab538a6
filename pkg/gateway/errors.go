package gateway

import (
	"errors"
	"fmt"
)

// ErrGatewayUnreachable is returned by WaitReady when the gateway never
// answered within the probe window.
var ErrGatewayUnreachable = errors.New("wx849 gateway unreachable")

// StatusError is a non-200 HTTP response from the gateway.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP status %d", e.Endpoint, e.StatusCode)
}

// APIError is a well-formed envelope reporting failure: Success=false or a
// non-zero BaseResponse.ret.
type APIError struct {
	Endpoint string
	Code     int64
	Message  string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: gateway error %d: %s", e.Endpoint, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: gateway error: %s", e.Endpoint, e.Message)
}

// IsTokenExpired reports whether the error carries one of the gateway's
// token-expiry signals.
func (e *APIError) IsTokenExpired() bool {
	return isTokenExpired(e.Code, e.Message)
}

// IsLoginRequired reports whether err says the bot account is logged out.
func IsLoginRequired(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return containsAny(apiErr.Message, loginRequiredMarkers)
}
