/*
Copyright The Crucible Authors.

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

package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping. Every error that crosses
// a package boundary carries exactly one Kind; callers branch on the Kind,
// never on message text.
type Kind string

const (
	KindInvalidRequest   Kind = "INVALID_REQUEST"
	KindNotFound         Kind = "NOT_FOUND"
	KindPoolTimeout      Kind = "POOL_TIMEOUT"
	KindStateTooLarge    Kind = "STATE_TOO_LARGE"
	KindRemoteAgentError Kind = "REMOTE_AGENT_ERROR"
	KindInternal         Kind = "INTERNAL"
)

// HTTPStatus returns the default status code for the kind. The pool
// timeout mapping is deployment policy; servers may substitute 408.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindPoolTimeout:
		return http.StatusTooManyRequests
	case KindStateTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindRemoteAgentError, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is the classified error type shared across packages.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches against another *Error by Kind, and by Message when the
// target carries one. This lets sentinels below work with errors.Is
// even after call sites wrap them with extra context.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

var (
	// ErrSessionNotFound indicates that the requested session does not exist or has expired.
	ErrSessionNotFound = &Error{Kind: KindNotFound, Message: "session not found"}

	// ErrFileNotFound indicates that the requested file does not exist in the session.
	ErrFileNotFound = &Error{Kind: KindNotFound, Message: "file not found"}

	// ErrStateNotFound indicates that the session has no stored interpreter state.
	ErrStateNotFound = &Error{Kind: KindNotFound, Message: "state not found"}

	// ErrStateTooLarge indicates that a state blob exceeds the configured ceiling.
	ErrStateTooLarge = &Error{Kind: KindStateTooLarge, Message: "state exceeds size limit"}

	// ErrPoolTimeout indicates that no warm sandbox became available before the deadline.
	ErrPoolTimeout = &Error{Kind: KindPoolTimeout, Message: "timed out waiting for a sandbox"}

	// ErrPoolClosed indicates that the pool has been shut down. Never surfaced to clients.
	ErrPoolClosed = &Error{Kind: KindInternal, Message: "sandbox pool is shut down"}

	// ErrPoolDisabled indicates that pooling is not configured for the language.
	// Callers fall back to cold provisioning; never surfaced to clients.
	ErrPoolDisabled = &Error{Kind: KindInternal, Message: "sandbox pool disabled for language"}
)

// NewInvalidRequest reports a request the caller can fix.
func NewInvalidRequest(format string, args ...interface{}) error {
	return &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// NewNotFound reports a missing resource.
func NewNotFound(format string, args ...interface{}) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewRemoteAgentError wraps a failure of the in-sandbox agent or its transport.
func NewRemoteAgentError(message string, err error) error {
	return &Error{Kind: KindRemoteAgentError, Message: message, Err: err}
}

// NewInternalError wraps a server-side failure that the caller cannot act on.
func NewInternalError(message string, err error) error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// KindOf extracts the Kind from err, unwrapping as needed. Unclassified
// errors report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ClientMessage returns the text safe to show a client. Internal and
// remote-agent failures collapse to a generic line so wrapped detail
// (stack context, upstream addresses) never leaks.
func ClientMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	switch e.Kind {
	case KindInternal:
		return "internal error"
	case KindRemoteAgentError:
		return "sandbox agent failure"
	default:
		return e.Message
	}
}
