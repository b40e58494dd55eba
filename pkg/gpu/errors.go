// Copyright The devmem Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gpu

import (
	"errors"
	"fmt"
)

// Code is a driver status code.
type Code int

const (
	Success Code = iota
	ErrorInvalidValue
	ErrorOutOfMemory
	ErrorNotSupported
	ErrorNotPermitted
	ErrorAlreadyMapped
	ErrorNotMapped
	ErrorInvalidHandle
	ErrorUnknown
)

var (
	ErrInvalidValue  = errors.New("gpu: invalid value")
	ErrOutOfMemory   = errors.New("gpu: out of memory")
	ErrNotSupported  = errors.New("gpu: operation not supported")
	ErrNotPermitted  = errors.New("gpu: operation not permitted")
	ErrAlreadyMapped = errors.New("gpu: range already mapped")
	ErrNotMapped     = errors.New("gpu: range not mapped")
	ErrInvalidHandle = errors.New("gpu: invalid handle")
	ErrUnknown       = errors.New("gpu: unknown error")

	codeToErr = map[Code]error{
		ErrorInvalidValue:  ErrInvalidValue,
		ErrorOutOfMemory:   ErrOutOfMemory,
		ErrorNotSupported:  ErrNotSupported,
		ErrorNotPermitted:  ErrNotPermitted,
		ErrorAlreadyMapped: ErrAlreadyMapped,
		ErrorNotMapped:     ErrNotMapped,
		ErrorInvalidHandle: ErrInvalidHandle,
		ErrorUnknown:       ErrUnknown,
	}
)

// Error is a failed driver call.
type Error struct {
	Op     string
	Code   Code
	Detail string
}

// NewError returns an error for a failed driver call.
func NewError(op string, code Code, format string, args ...interface{}) *Error {
	return &Error{
		Op:     op,
		Code:   code,
		Detail: fmt.Sprintf(format, args...),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Op + ": " + e.Unwrap().Error()
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

// Unwrap returns the generic error for the status code.
func (e *Error) Unwrap() error {
	if err, ok := codeToErr[e.Code]; ok {
		return err
	}
	return ErrUnknown
}
