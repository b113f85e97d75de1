/*
Copyright 2025.

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

package provider

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Only KindTransient is eligible for automatic retry.
type Kind string

// Failure kinds.
const (
	// KindMissingField means a required credential or data source field is absent.
	KindMissingField Kind = "MissingField"
	// KindAuthenticationFailed means the vendor rejected the credentials.
	KindAuthenticationFailed Kind = "AuthenticationFailed"
	// KindPermissionDenied means the source is reachable but not readable with
	// the supplied credentials, or does not exist.
	KindPermissionDenied Kind = "PermissionDenied"
	// KindTransient covers network errors, timeouts, throttling and vendor
	// server faults.
	KindTransient Kind = "TransientUpstreamError"
	// KindUnknownProvider means a provider type reached the core without a
	// registered implementation.
	KindUnknownProvider Kind = "UnknownProviderError"
	// KindDispatchConflict means a task for the same tenant/provider pair is
	// already queued or running.
	KindDispatchConflict Kind = "DispatchConflict"
	// KindInternal covers failures outside the taxonomy.
	KindInternal Kind = "Internal"
)

// Error is the structured failure surfaced by the provider layer. Field and
// Message are meant for direct display to the operator.
type Error struct {
	Kind    Kind   `json:"kind"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`

	// cause is the classified vendor error. It is kept for logging and is
	// never serialized.
	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var msg string
	if e.Field != "" {
		msg = fmt.Sprintf("%s (%s): %s", e.Kind, e.Field, e.Message)
	} else {
		msg = fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.cause != nil {
		return msg + ": " + e.cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is allows errors.Is to match on kind, and on field when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Field == "" || t.Field == e.Field
}

// Retryable reports whether the failure may be retried automatically.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient
}

// Sentinel values for errors.Is.
var (
	ErrMissingField         = &Error{Kind: KindMissingField}
	ErrAuthenticationFailed = &Error{Kind: KindAuthenticationFailed}
	ErrPermissionDenied     = &Error{Kind: KindPermissionDenied}
	ErrTransient            = &Error{Kind: KindTransient}
	ErrUnknownProvider      = &Error{Kind: KindUnknownProvider}
	ErrDispatchConflict     = &Error{Kind: KindDispatchConflict}
	ErrInternal             = &Error{Kind: KindInternal}
)

// MissingField creates a MissingField error naming field.
func MissingField(field, message string) *Error {
	return &Error{Kind: KindMissingField, Field: field, Message: message}
}

// AuthenticationFailed creates an AuthenticationFailed error.
func AuthenticationFailed(field, message string, cause error) *Error {
	return &Error{Kind: KindAuthenticationFailed, Field: field, Message: message, cause: cause}
}

// PermissionDenied creates a PermissionDenied error.
func PermissionDenied(field, message string, cause error) *Error {
	return &Error{Kind: KindPermissionDenied, Field: field, Message: message, cause: cause}
}

// Transient creates a TransientUpstreamError.
func Transient(message string, cause error) *Error {
	return &Error{Kind: KindTransient, Message: message, cause: cause}
}

// UnknownProvider creates an UnknownProviderError for t.
func UnknownProvider(t Type) *Error {
	return &Error{
		Kind:    KindUnknownProvider,
		Field:   "type",
		Message: fmt.Sprintf("no implementation registered for provider type %q", t),
	}
}

// DispatchConflict creates a DispatchConflict error.
func DispatchConflict(message string) *Error {
	return &Error{Kind: KindDispatchConflict, Message: message}
}

// Internal wraps an unclassified failure.
func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, cause: cause}
}

// KindOf returns the taxonomy kind of err. Errors outside the taxonomy are
// reported as KindInternal; nil returns the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err is a TransientUpstreamError.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
