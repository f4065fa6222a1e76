// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package saga

import (
	"errors"
	"fmt"

	"github.com/zoowii/sagas-go/pkg/saga/api"
)

// AbortError signals that a forward step failed and the saga must switch to
// compensation. Every non-abort error raised by a step action is wrapped into
// an AbortError so callers observe one uniform failure type.
type AbortError struct {
	Message string
	Cause   error
}

// NewAbortError creates an AbortError with the given message.
func NewAbortError(message string) *AbortError {
	return &AbortError{Message: message}
}

// WrapAbort converts err into an AbortError. If err already is an
// AbortError it is returned unchanged.
func WrapAbort(err error) *AbortError {
	if err == nil {
		return nil
	}
	var abort *AbortError
	if errors.As(err, &abort) {
		return abort
	}
	return &AbortError{Message: err.Error(), Cause: err}
}

// Error implements the error interface.
func (e *AbortError) Error() string {
	return fmt.Sprintf("saga aborted: %s", e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *AbortError) Unwrap() error {
	return e.Cause
}

// IsAbort reports whether err is (or wraps) an AbortError.
func IsAbort(err error) bool {
	var abort *AbortError
	return errors.As(err, &abort)
}

// ServerError is returned when the saga coordinator rejects a request. The
// Code distinguishes version conflicts from other failures.
type ServerError struct {
	Code    int32
	Message string
}

// NewServerError creates a ServerError with the given reply code and message.
func NewServerError(code int32, message string) *ServerError {
	return &ServerError{Code: code, Message: message}
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return fmt.Sprintf("saga server error (code %d): %s", e.Code, e.Message)
}

// IsServerError reports whether err is (or wraps) a ServerError.
func IsServerError(err error) bool {
	var serverErr *ServerError
	return errors.As(err, &serverErr)
}

// IsVersionConflict reports whether err is a coordinator version-CAS
// conflict. Callers must re-read the record and retry with fresh values.
func IsVersionConflict(err error) bool {
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return serverErr.Code == api.CodeResourceChanged
	}
	return false
}

// ProcessError signals a worker-side reconciliation failure, such as a lost
// advisory-lock race or an unresolvable saga. The affected saga is left for
// the next worker pass.
type ProcessError struct {
	Message string
}

// NewProcessError creates a ProcessError with the given message.
func NewProcessError(message string) *ProcessError {
	return &ProcessError{Message: message}
}

// Error implements the error interface.
func (e *ProcessError) Error() string {
	return fmt.Sprintf("saga process error: %s", e.Message)
}

// IsProcessError reports whether err is (or wraps) a ProcessError.
func IsProcessError(err error) bool {
	var processErr *ProcessError
	return errors.As(err, &processErr)
}

// ErrUnknownDataType is returned when a serialized saga data envelope names
// a type that has not been registered in this process.
var ErrUnknownDataType = errors.New("unknown saga data type")

// ErrSagaNotFound is returned by stores for saga ids they do not hold.
var ErrSagaNotFound = errors.New("saga not found")
