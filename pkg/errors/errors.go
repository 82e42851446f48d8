/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errors defines the closed set of domain error codes shared by the
// store, admission, scheduler and API layers, with classification helpers.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeBadSignature   Code = "BAD_SIGNATURE"
	CodeDuplicate      Code = "DUPLICATE"
	CodeRateLimited    Code = "RATE_LIMITED"
	CodeUnknownPrompt  Code = "UNKNOWN_PROMPT"
	CodeNoOpenCycle    Code = "NO_OPEN_CYCLE"
	CodeValidation     Code = "VALIDATION"
	CodeLeaseLost      Code = "LEASE_LOST"
	CodeWrongState     Code = "WRONG_STATE"
	CodeHasPending     Code = "HAS_PENDING"
	CodeAlreadyActive  Code = "ALREADY_ACTIVE"
	CodeNotFound       Code = "NOT_FOUND"
	CodeInternal       Code = "INTERNAL"
	CodeVLMUnavailable Code = "VLM_UNAVAILABLE"
	CodeHashMismatch   Code = "HASH_MISMATCH"
	CodeTechnical      Code = "TECHNICAL"
)

// Error is a coded domain error. The code travels to the API surface verbatim;
// the message is operator-facing detail.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the domain code from err (even if it's wrapped),
// returning INTERNAL for anything uncoded
func CodeOf(err error) Code {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return CodeInternal
}

// IsCode returns true if the err carries the given domain code
func IsCode(err error, code Code) bool {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Code == code
	}
	return false
}

func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound)
}

// IsLeaseLost returns true for lease conflicts, which callers drop silently
// rather than logging as failures
func IsLeaseLost(err error) bool {
	return IsCode(err, CodeLeaseLost)
}

// IsClientFault returns true for miner-attributable admission failures. These
// surface verbatim to the caller and are never retried server-side.
func IsClientFault(err error) bool {
	switch CodeOf(err) {
	case CodeBadSignature, CodeDuplicate, CodeRateLimited, CodeUnknownPrompt, CodeNoOpenCycle, CodeValidation:
		return true
	}
	return false
}

// HTTPStatus maps a domain code onto the wire status
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeBadSignature:
		return http.StatusBadRequest
	case CodeDuplicate, CodeAlreadyActive, CodeWrongState, CodeHasPending:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnknownPrompt, CodeNotFound:
		return http.StatusNotFound
	case CodeNoOpenCycle:
		return http.StatusServiceUnavailable
	case CodeLeaseLost:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
