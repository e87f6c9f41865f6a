// Copyright 2026 The Qserv-sub001 Authors.
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

// Package qerror defines the Qserv error-kind taxonomy shared by the czar
// and worker: PLAN_ERROR, UNSUPPORTED, RESOURCE_MISMATCH, TRANSPORT_ERROR,
// TIMEOUT, CANCELLED and INTERNAL. Every error that crosses a component
// boundary (C2 -> C10, C6 -> C3, C5 -> C4, ...) should carry one of these
// kinds so callers can decide retry vs. fail-user-query without string
// matching.
package qerror

import (
	"fmt"

	"github.com/pingcap/errors"
)

// Kind classifies an error for retry/fatal decisions per spec §7.
type Kind int

const (
	// KindUnknown is the zero value; never intentionally produced.
	KindUnknown Kind = iota
	// KindPlanError means the input SQL cannot be partitioned. Fatal, user-visible.
	KindPlanError
	// KindUnsupported means a construct is not yet modeled. Fatal.
	KindUnsupported
	// KindResourceMismatch means a worker does not own the claimed chunk. Fatal for
	// the Job, drives replica remap at the dispatcher.
	KindResourceMismatch
	// KindTransportError means a broken frame or disconnect. Retryable.
	KindTransportError
	// KindTimeout is retryable up to maxAttempts.
	KindTimeout
	// KindCancelled is terminal and silent.
	KindCancelled
	// KindInternal means an invariant was broken. Fatal, logged at ERROR.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindPlanError:
		return "PLAN_ERROR"
	case KindUnsupported:
		return "UNSUPPORTED"
	case KindResourceMismatch:
		return "RESOURCE_MISMATCH"
	case KindTransportError:
		return "TRANSPORT_ERROR"
	case KindTimeout:
		return "TIMEOUT"
	case KindCancelled:
		return "CANCELLED"
	case KindInternal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// Retryable reports whether a Job experiencing this error kind should be
// requeued (subject to maxAttempts) rather than failed outright. See
// spec §4.2 "Retry policy".
func (k Kind) Retryable() bool {
	switch k {
	case KindTransportError, KindTimeout:
		return true
	default:
		return false
	}
}

// qerr wraps a pingcap/errors-traced error with a Kind and optional code/text
// suitable for surfacing as a UserQuery message record (code, severity, text).
type qerr struct {
	kind Kind
	msg  string
	code int
	err  error
}

func (e *qerr) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *qerr) Unwrap() error { return e.err }

// Cause implements the github.com/pingcap/errors causer interface so that
// errors.Cause(err) keeps working through a qerr wrap.
func (e *qerr) Cause() error { return e.err }

// New creates a new Kind-tagged error with a stack trace attached via
// pingcap/errors.
func New(kind Kind, code int, msg string) error {
	return errors.Trace(&qerr{kind: kind, code: code, msg: msg})
}

// Wrap annotates an existing error with a Kind, code and message while
// preserving the original as the cause.
func Wrap(kind Kind, code int, msg string, cause error) error {
	if cause == nil {
		return New(kind, code, msg)
	}
	return errors.Trace(&qerr{kind: kind, code: code, msg: msg, err: cause})
}

// KindOf walks the error chain looking for a qerror-tagged error and returns
// its Kind, or KindUnknown if none is found.
func KindOf(err error) Kind {
	for err != nil {
		if qe, ok := err.(*qerr); ok {
			return qe.kind
		}
		// Step one link at a time: errors.Cause would jump straight past a
		// qerr that wraps a cause to that cause's root.
		switch e := err.(type) {
		case interface{ Unwrap() error }:
			err = e.Unwrap()
		case interface{ Cause() error }:
			err = e.Cause()
		default:
			return KindUnknown
		}
	}
	return KindUnknown
}

// CodeOf returns the numeric code attached to a qerror-tagged error, or 0.
func CodeOf(err error) int {
	for err != nil {
		if qe, ok := err.(*qerr); ok {
			return qe.code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0
		}
		err = u.Unwrap()
	}
	return 0
}

// Retryable reports whether err's Kind permits a retry per spec §4.2/§7.
func Retryable(err error) bool {
	return KindOf(err).Retryable()
}
