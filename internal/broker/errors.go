// Copyright CredBroker Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package broker

import (
	"errors"
	"fmt"
)

// Stage names the pipeline stage an error originated from. Callers map it to
// externally visible status and exit codes.
type Stage string

const (
	StageValidate   Stage = "validate"
	StageIssue      Stage = "issue"
	StageDownstream Stage = "downstream"
)

// Code is the tagged variant of a broker failure.
type Code string

const (
	// CodeInvalidRequest marks malformed caller input. Never retried.
	CodeInvalidRequest Code = "invalid_request"
	// CodeUnknownBackend marks a request for an unsupported backend kind.
	CodeUnknownBackend Code = "unknown_backend"
	// CodeIssuanceFailed marks a rejection or error from the secret
	// authority on the issuance call.
	CodeIssuanceFailed Code = "issuance_failed"
	// CodeMalformedResponse marks a 200 from the authority that lacked the
	// expected credential field. Indicates authority contract drift.
	CodeMalformedResponse Code = "malformed_response"
	// CodeDownstreamFailed marks a downstream API rejecting the freshly
	// issued credential, distinct from failing to obtain one.
	CodeDownstreamFailed Code = "downstream_failed"
	// CodeTransportError marks a network-level failure at either outbound
	// call. Eligible for a single bounded retry at the deployment's
	// discretion.
	CodeTransportError Code = "transport_error"
)

// Error is the typed failure returned by every stage of the broker.
// It never carries credential material; Body holds authority details for
// logging and is not meant to be echoed to callers verbatim.
type Error struct {
	Code    Code
	Stage   Stage
	Message string
	// Status is the HTTP status returned by the authority or the downstream
	// API, when one was received.
	Status int
	// Body is the authority response body, retained for operator logs only.
	Body string
	err   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s at %s stage (status %d): %s", e.Code, e.Stage, e.Status, e.Message)
	}
	return fmt.Sprintf("%s at %s stage: %s", e.Code, e.Stage, e.Message)
}

// Unwrap exposes the underlying cause, if any.
func (e *Error) Unwrap() error { return e.err }

// AsError unwraps err into a broker *Error.
func AsError(err error) (*Error, bool) {
	var be *Error
	ok := errors.As(err, &be)
	return be, ok
}

func newInvalidRequest(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidRequest, Stage: StageValidate, Message: fmt.Sprintf(format, args...)}
}

func newUnknownBackend(kind BackendKind) *Error {
	return &Error{Code: CodeUnknownBackend, Stage: StageValidate, Message: fmt.Sprintf("unsupported backend kind %q", kind)}
}

// NewIssuanceFailed reports a non-success response from the secret authority.
func NewIssuanceFailed(status int, body string) *Error {
	return &Error{
		Code:    CodeIssuanceFailed,
		Stage:   StageIssue,
		Message: "secret authority rejected the issuance call",
		Status:  status,
		Body:    body,
	}
}

// NewMalformedResponse reports a success response missing the expected field.
func NewMalformedResponse(field string) *Error {
	return &Error{
		Code:    CodeMalformedResponse,
		Stage:   StageIssue,
		Message: fmt.Sprintf("authority response is missing %q", field),
	}
}

// NewDownstreamFailed reports the downstream API rejecting the credential.
func NewDownstreamFailed(status int, message string) *Error {
	return &Error{
		Code:    CodeDownstreamFailed,
		Stage:   StageDownstream,
		Message: message,
		Status:  status,
	}
}

// NewTransportError reports a network-level failure at stage, wrapping cause.
func NewTransportError(stage Stage, cause error) *Error {
	return &Error{
		Code:    CodeTransportError,
		Stage:   stage,
		Message: cause.Error(),
		err:     cause,
	}
}
