// pkg/lti/errors.go
package lti

import (
	"errors"
	"fmt"
	"net/http"
)

/*
Error taxonomy for the launch engine.

Every failure the engine surfaces carries a Kind that maps onto an HTTP
status, so the web layer never has to inspect message strings:

  KindConfig             unknown issuer/client/deployment            -> 400
  KindValidation         malformed or missing parameters/claims      -> 400
  KindSecurity           signature, nonce, or state mismatch/replay  -> 401
  KindServiceUnavailable key-set fetch or store failure              -> 503

Messages for trust-list mismatches (audience vs deployment) are kept
deliberately generic so a probing client cannot tell which list it missed.
*/

// Kind classifies an Error for HTTP mapping and programmatic handling.
type Kind int

const (
	KindConfig Kind = iota + 1
	KindValidation
	KindSecurity
	KindServiceUnavailable
)

// Error is the typed error returned by all launch-engine operations.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// HTTPStatus maps the error kind to a response status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindConfig, KindValidation:
		return http.StatusBadRequest
	case KindSecurity:
		return http.StatusUnauthorized
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsKind reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var le *Error
	return errors.As(err, &le) && le.Kind == kind
}

func configErr(format string, args ...any) *Error {
	return &Error{Kind: KindConfig, msg: fmt.Sprintf(format, args...)}
}

func validationErr(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, msg: fmt.Sprintf(format, args...)}
}

func securityErr(format string, args ...any) *Error {
	return &Error{Kind: KindSecurity, msg: fmt.Sprintf(format, args...)}
}

func unavailableErr(msg string, cause error) *Error {
	return &Error{Kind: KindServiceUnavailable, msg: msg, err: cause}
}

// ErrNotDeepLink is returned when deep-link operations are invoked on a
// launch that is not a deep linking request. It signals a programming error
// in the caller, not a validation failure of the launch itself.
var ErrNotDeepLink = errors.New("lti: launch is not a deep linking request")
