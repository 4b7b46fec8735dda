package cloud

import (
	"errors"
	"fmt"
	"net/http"
)

var ErrInvalidFreezeState = errors.New("freeze state must be 0 or 1")

// SigningError means the request could not be canonicalized or serialized.
// It is never retried.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string { return "sign request: " + e.Err.Error() }
func (e *SigningError) Unwrap() error { return e.Err }

// TokenFetchError is returned when the token endpoint rejects the credentials
// or cannot be reached.
type TokenFetchError struct {
	Code int
	Msg  string
	Err  error
}

func (e *TokenFetchError) Error() string {
	if e.Err != nil {
		return "fetch token: " + e.Err.Error()
	}
	return fmt.Sprintf("fetch token: vendor code %d: %s", e.Code, e.Msg)
}

func (e *TokenFetchError) Unwrap() error { return e.Err }

// CommandRejected means the vendor accepted the request but answered success=false.
type CommandRejected struct {
	Op   string
	Code int
	Msg  string
}

func (e *CommandRejected) Error() string {
	return fmt.Sprintf("%s rejected: vendor code %d: %s", e.Op, e.Code, e.Msg)
}

type httpStatusError struct {
	status int
	body   string
}

func (e httpStatusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("cloud API returned status %d", e.status)
	}
	return fmt.Sprintf("cloud API returned status %d: %s", e.status, e.body)
}

// Vendor codes for an invalid or expired access token.
const (
	codeTokenInvalid = 1010
	codeTokenExpired = 1011
)

func isAuthFailure(err error) bool {
	var se httpStatusError
	if errors.As(err, &se) {
		return se.status == http.StatusUnauthorized || se.status == http.StatusForbidden
	}
	var rej *CommandRejected
	if errors.As(err, &rej) {
		return rej.Code == codeTokenInvalid || rej.Code == codeTokenExpired
	}
	return false
}

// IsAuthFailure reports whether err means the access token was refused.
func IsAuthFailure(err error) bool { return isAuthFailure(err) }

// HTTPStatus returns the non-2xx status carried by err, or 0.
func HTTPStatus(err error) int {
	var se httpStatusError
	if errors.As(err, &se) {
		return se.status
	}
	return 0
}
