// Package serviceerr carries the coded error type shared by the domain services.
package serviceerr

import (
	"errors"
	"fmt"
)

// Error tags a failure with a dotted code of the form <service>.<operation>.<reason>.
type Error struct {
	code string
	err  error
}

// New builds an Error for the operation and reason, wrapping cause.
func New(operation, reason string, cause error) error {
	return &Error{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the dotted failure code.
func (e *Error) Code() string {
	return e.code
}

// CodeOf returns the code of the first Error in err's chain, or "" if there is none.
func CodeOf(err error) string {
	var serviceErr *Error
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}
