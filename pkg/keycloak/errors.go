package keycloak

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures talking to the identity provider
type ErrorKind int

const (
	// KindTransport means no usable HTTP response arrived (network, timeout, cancellation)
	KindTransport ErrorKind = iota + 1
	// KindRejection means the provider answered with a non-2xx status
	KindRejection
	// KindDataShape means a 2xx response was missing fields or was not valid JSON
	KindDataShape
	// KindNotFound means a lookup succeeded but matched nothing
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindRejection:
		return "rejected"
	case KindDataShape:
		return "data_shape"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching against *Error
var (
	ErrTransport = errors.New("keycloak: transport failure")
	ErrRejected  = errors.New("keycloak: request rejected")
	ErrDataShape = errors.New("keycloak: unexpected response shape")
	ErrNotFound  = errors.New("keycloak: not found")
	// ErrConflict matches rejections with status 409, e.g. a duplicate username
	ErrConflict = errors.New("keycloak: conflict")
)

// Error is returned by every Client and token operation
type Error struct {
	Op         string
	Kind       ErrorKind
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindRejection:
		if e.Body != "" {
			return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Body)
		}
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	case KindNotFound:
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Op, e.Err)
		}
		return e.Op + ": not found"
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the package sentinels by kind
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransport:
		return e.Kind == KindTransport
	case ErrRejected:
		return e.Kind == KindRejection
	case ErrDataShape:
		return e.Kind == KindDataShape
	case ErrNotFound:
		return e.Kind == KindNotFound || (e.Kind == KindRejection && e.StatusCode == http.StatusNotFound)
	case ErrConflict:
		return e.Kind == KindRejection && e.StatusCode == http.StatusConflict
	}
	return false
}

// KindOf extracts the ErrorKind of err, or 0 when err is not an *Error
func KindOf(err error) ErrorKind {
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Kind
	}
	return 0
}

// StatusOf returns the provider status code carried by err, or 0
func StatusOf(err error) int {
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.StatusCode
	}
	return 0
}

func transportError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindTransport, Err: err}
}

func rejectionError(op string, status int, body []byte) *Error {
	return &Error{Op: op, Kind: KindRejection, StatusCode: status, Body: truncate(string(body), 512)}
}

func dataShapeError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindDataShape, Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
